package domain

// Vector2 is a 2-D screen position used for crown drop animation hints.
type Vector2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Crown is the exclusive-control token of a channel. ParticipantID is empty
// while the crown is dropped; UserID is retained so the last holder can be
// re-crowned on rejoin.
type Crown struct {
	UserID        UserID        `json:"userId"`
	ParticipantID ParticipantID `json:"participantId,omitempty"`
	Time          int64         `json:"time"`
	StartPos      Vector2       `json:"startPos"`
	EndPos        Vector2       `json:"endPos"`
}

// Held reports whether some participant currently wears the crown.
func (c *Crown) Held() bool {
	return c != nil && c.ParticipantID != ""
}
