// Package domain contains entities without logic, just meta-data
package domain

import "errors"

const MaxNameLen = 40

var (
	ErrNameTooLong = errors.New("name too long")
	ErrNameEmpty   = errors.New("name empty")
)

type (
	// UserID is stable per account/IP, shared by every tab of the same user.
	UserID string
	// ParticipantID identifies the logical session a user presents inside
	// channels. Multiple sockets of the same user share one.
	ParticipantID string
	// SocketID identifies a single transport connection (one browser tab).
	SocketID string
)

// Tag is the small badge rendered next to a user's name.
type Tag struct {
	Text  string `json:"text"`
	Color string `json:"color"`
}

// UserFlags is the typed replacement for the upstream string-keyed flag bag.
// Zero values are the defaults for a fresh user.
type UserFlags struct {
	Admin           bool   `json:"admin,omitempty"`
	Vanish          bool   `json:"vanish,omitempty"`
	CantChat        bool   `json:"cant_chat,omitempty"`
	NoChatRateLimit bool   `json:"no_chat_rate_limit,omitempty"`
	NoNoteRateLimit bool   `json:"no_note_rate_limit,omitempty"`
	CanSetCrowns    bool   `json:"can_set_crowns,omitempty"`
	OverrideID      UserID `json:"override_id,omitempty"`
}

type User struct {
	ID    UserID    `json:"id"`
	Name  string    `json:"name"`
	Color string    `json:"color"`
	Tag   *Tag      `json:"tag,omitempty"`
	Flags UserFlags `json:"flags"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID, name, color string) (*User, error) {
	if len(name) == 0 {
		return nil, ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	return &User{ID: id, Name: name, Color: color}, nil
}

func (u *User) SetName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	u.Name = name
	return nil
}
