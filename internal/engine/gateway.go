package engine

import "time"

// Gateway tracks what a socket has and hasn't done yet. Every boolean is
// monotonic: set once, never cleared during the session. Read only for
// diagnostics and anti-abuse heuristics.
type Gateway struct {
	HasProcessedHi        bool
	HasSentDevices        bool
	HasCursorMoved        bool
	IsCursorNotString     bool
	HasJoinedAnyChannel   bool
	HasJoinedLobby        bool
	HasSentChatMessage    bool
	HasSentChatAllCaps    bool
	HasSentChatInvisible  bool
	HasSentChatEmoji      bool
	HasPlayedNotes        bool
	HasOpenedChannelList  bool
	HasSentCustomSub      bool
	HasSentCustomUnsub    bool
	HasChangedName        bool
	HasChangedColor       bool
	LastPing              time.Time
}
