package engine

import (
	"encoding/json"
	"regexp"

	"github.com/dkeye/Ensemble/internal/domain"
)

var hexColorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Inbound messages. Every client frame is a JSON array of objects, each
// carrying its kind in "m". Unknown or malformed entries are dropped.

type hiIn struct {
	Token string `json:"token"`
}

type chIn struct {
	ID  string      `json:"_id"`
	Set *settingsIn `json:"set"`
}

// settingsIn is a partial settings patch. Pointer fields distinguish
// "absent" from zero values.
type settingsIn struct {
	Visible   *bool   `json:"visible"`
	Chat      *bool   `json:"chat"`
	CrownSolo *bool   `json:"crownsolo"`
	NoCussing *bool   `json:"no cussing"`
	Color     *string `json:"color"`
	Color2    *string `json:"color2"`
	Limit     *int    `json:"limit"`
	Lobby     *bool   `json:"lobby"`
	OwnerID   *string `json:"owner_id"`
}

type chatIn struct {
	Message string `json:"message"`
}

type cursorIn struct {
	X json.RawMessage `json:"x"`
	Y json.RawMessage `json:"y"`
}

type notesIn struct {
	T int64             `json:"t"`
	N []json.RawMessage `json:"n"`
}

type chownIn struct {
	ID string `json:"id"`
}

type kickbanIn struct {
	ID string `json:"_id"`
	MS int64  `json:"ms"`
}

type unbanIn struct {
	ID string `json:"_id"`
}

type usersetIn struct {
	Set struct {
		Name  *string `json:"name"`
		Color *string `json:"color"`
	} `json:"set"`
}

type pingIn struct {
	E int64 `json:"e"`
}

type customIn struct {
	Data   json.RawMessage `json:"data"`
	Target *customTarget   `json:"target"`
}

type customTarget struct {
	Mode string   `json:"mode"`
	ID   string   `json:"id"`
	IDs  []string `json:"ids"`
}

// Outbound messages.

type hiOut struct {
	M           string             `json:"m"`
	U           domain.Participant `json:"u"`
	T           int64              `json:"t"`
	MOTD        string             `json:"motd,omitempty"`
	Token       string             `json:"token,omitempty"`
	Permissions []string           `json:"permissions,omitempty"`
}

type chOut struct {
	M   string               `json:"m"`
	Ch  domain.ChannelInfo   `json:"ch"`
	P   domain.ParticipantID `json:"p"`
	Ppl []domain.Participant `json:"ppl"`
}

type chatHistoryOut struct {
	M string               `json:"m"`
	C []domain.ChatMessage `json:"c"`
}

type chatOut struct {
	M string `json:"m"`
	domain.ChatMessage
}

type presenceOut struct {
	M string `json:"m"`
	domain.Participant
	X string `json:"x,omitempty"`
	Y string `json:"y,omitempty"`
}

type byeOut struct {
	M string               `json:"m"`
	P domain.ParticipantID `json:"p"`
}

type lsOut struct {
	M        string               `json:"m"`
	Complete bool                 `json:"c"`
	U        []domain.ChannelInfo `json:"u"`
}

type nqOut struct {
	M          string `json:"m"`
	Allowance  int    `json:"allowance"`
	Max        int    `json:"max"`
	MaxHistLen int    `json:"maxHistLen"`
}

type notificationOut struct {
	M string `json:"m"`
	domain.Notification
}

type notesOut struct {
	M string               `json:"m"`
	N []json.RawMessage    `json:"n"`
	T int64                `json:"t"`
	P domain.ParticipantID `json:"p"`
}

type cursorOut struct {
	M  string               `json:"m"`
	ID domain.ParticipantID `json:"id"`
	X  string               `json:"x"`
	Y  string               `json:"y"`
}

type pongOut struct {
	M string `json:"m"`
	T int64  `json:"t"`
	E int64  `json:"e,omitempty"`
}

type customOut struct {
	M    string          `json:"m"`
	Data json.RawMessage `json:"data"`
	P    domain.UserID   `json:"p"`
}
