package domain

import "time"

// ChatHistoryCap bounds a channel's chat ring; oldest entries are trimmed.
const ChatHistoryCap = 512

// ChannelSettings is the recognized-keys schema for per-channel settings.
// Lobby and OwnerID are admin-only on the wire.
type ChannelSettings struct {
	Lobby     bool   `json:"lobby,omitempty" mapstructure:"lobby"`
	Visible   bool   `json:"visible" mapstructure:"visible"`
	Chat      bool   `json:"chat" mapstructure:"chat"`
	CrownSolo bool   `json:"crownsolo" mapstructure:"crownsolo"`
	NoCussing bool   `json:"no cussing,omitempty" mapstructure:"no_cussing"`
	Color     string `json:"color,omitempty" mapstructure:"color"`
	Color2    string `json:"color2,omitempty" mapstructure:"color2"`
	Limit     int    `json:"limit,omitempty" mapstructure:"limit"`
	OwnerID   UserID `json:"owner_id,omitempty" mapstructure:"owner_id"`
}

// Ban is a time-boxed per-channel kickban record.
type Ban struct {
	UserID UserID    `json:"userId"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

func (b Ban) Expired(now time.Time) bool {
	return !b.End.After(now)
}

// ChatMessage is one entry of a channel's chat history. Field names follow
// the wire protocol ("a" is the text, "p" the sending participant).
type ChatMessage struct {
	Text   string      `json:"a"`
	Time   int64       `json:"t"`
	Sender Participant `json:"p"`
}

// ChannelInfo is the snapshot sent in "ch" and "ls" messages.
type ChannelInfo struct {
	ID       string          `json:"_id"`
	Count    int             `json:"count"`
	Settings ChannelSettings `json:"settings"`
	Crown    *Crown          `json:"crown,omitempty"`
	Banned   bool            `json:"banned,omitempty"`
}

// ChannelRecord is what the persistence collaborator stores per channel.
type ChannelRecord struct {
	ID       string          `json:"id"`
	Settings ChannelSettings `json:"settings"`
	Stays    bool            `json:"stays"`
	Bans     []Ban           `json:"bans,omitempty"`
}
