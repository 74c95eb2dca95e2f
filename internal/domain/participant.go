package domain

// Participant is the visible identity of a user inside one channel.
// The wire protocol calls the user ID "_id" and the participant ID "id".
type Participant struct {
	UserID UserID        `json:"_id"`
	ID     ParticipantID `json:"id"`
	Name   string        `json:"name"`
	Color  string        `json:"color"`
	Tag    *Tag          `json:"tag,omitempty"`
}

// ParticipantOf builds the channel-facing view of a user. The override flag
// lets privileged users present a different user ID than their real one.
func ParticipantOf(u *User, id ParticipantID, sendTags bool) Participant {
	facadeID := u.ID
	if u.Flags.OverrideID != "" {
		facadeID = u.Flags.OverrideID
	}

	var tag *Tag
	if sendTags {
		tag = u.Tag
	}

	return Participant{
		UserID: facadeID,
		ID:     id,
		Name:   u.Name,
		Color:  u.Color,
		Tag:    tag,
	}
}
