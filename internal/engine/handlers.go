package engine

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ensemble/internal/domain"
)

const maxCustomPayload = 64000

// handler is one entry in the dispatch table. needsHi rejects messages sent
// before the handshake completed.
type handler struct {
	needsHi bool
	fn      func(s *Server, sock *Socket, raw json.RawMessage)
}

var handlers = map[string]handler{
	"hi":      {fn: handleHi},
	"bye":     {fn: handleBye},
	"t":       {fn: handlePing},
	"devices": {fn: handleDevices},

	"ch":      {needsHi: true, fn: handleCh},
	"a":       {needsHi: true, fn: handleChat},
	"m":       {needsHi: true, fn: handleCursor},
	"n":       {needsHi: true, fn: handleNotes},
	"chset":   {needsHi: true, fn: handleChset},
	"chown":   {needsHi: true, fn: handleChown},
	"kickban": {needsHi: true, fn: handleKickban},
	"unban":   {needsHi: true, fn: handleUnban},
	"userset": {needsHi: true, fn: handleUserset},
	"+ls":     {needsHi: true, fn: handleListSubscribe},
	"-ls":     {needsHi: true, fn: handleListUnsubscribe},
	"+custom": {needsHi: true, fn: handleCustomSubscribe},
	"-custom": {needsHi: true, fn: handleCustomUnsubscribe},
	"custom":  {needsHi: true, fn: handleCustom},
}

// handleFrame decodes one inbound frame (a JSON array of messages) and
// dispatches each entry. Malformed input is dropped without a reply.
func (s *Server) handleFrame(sock *Socket, data []byte) {
	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		log.Debug().Str("module", "engine").Str("socket", string(sock.id)).Msg("malformed frame")
		return
	}
	for _, item := range batch {
		if sock.destroyed {
			return
		}
		var env struct {
			M string `json:"m"`
		}
		if err := json.Unmarshal(item, &env); err != nil || env.M == "" {
			continue
		}
		h, ok := handlers[env.M]
		if !ok {
			continue
		}
		if h.needsHi && !sock.gateway.HasProcessedHi {
			continue
		}
		if !s.allowMessage(sock, env.M) {
			continue
		}
		h.fn(s, sock, item)
	}
}

// allowMessage applies the socket's rate limit for a message kind. Staff
// exemption flags skip the chat and note limits.
func (s *Server) allowMessage(sock *Socket, m string) bool {
	if m == "a" && sock.user.Flags.NoChatRateLimit {
		return true
	}
	if m == "n" && sock.user.Flags.NoNoteRateLimit {
		return true
	}
	now := s.now()
	return sock.limits.AttemptGate(m, now) && sock.limits.AttemptChain(m, now)
}

func handleHi(s *Server, sock *Socket, raw json.RawMessage) {
	if sock.gateway.HasProcessedHi {
		return
	}
	var msg hiIn
	_ = json.Unmarshal(raw, &msg)
	sock.gateway.HasProcessedHi = true

	sock.sendArray(hiOut{
		M:           "hi",
		U:           sock.participant(),
		T:           s.now().UnixMilli(),
		MOTD:        s.Config().MOTD,
		Permissions: sock.permissions(),
	})
	sock.sendQuota()
}

func handleBye(s *Server, sock *Socket, _ json.RawMessage) {
	sock.destroy()
}

func handlePing(s *Server, sock *Socket, raw json.RawMessage) {
	var msg pingIn
	_ = json.Unmarshal(raw, &msg)
	sock.gateway.LastPing = s.now()
	sock.sendArray(pongOut{M: "t", T: s.now().UnixMilli(), E: msg.E})
}

func handleDevices(_ *Server, sock *Socket, _ json.RawMessage) {
	sock.gateway.HasSentDevices = true
}

func handleCh(_ *Server, sock *Socket, raw json.RawMessage) {
	var msg chIn
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.ID == "" || len(msg.ID) > 512 {
		return
	}
	sock.setChannel(msg.ID, msg.Set, false)
}

func handleChat(_ *Server, sock *Socket, raw json.RawMessage) {
	var msg chatIn
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	ch := sock.currentChannel()
	if ch == nil {
		return
	}
	ch.handleChat(msg.Message, sock)
}

func handleCursor(_ *Server, sock *Socket, raw json.RawMessage) {
	var msg cursorIn
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	x, xNum, okX := cursorCoord(msg.X)
	y, yNum, okY := cursorCoord(msg.Y)
	if !okX || !okY {
		return
	}
	if xNum || yNum {
		sock.gateway.IsCursorNotString = true
	}
	sock.setCursor(x, y)
}

// cursorCoord accepts a coordinate sent as a string or number and
// normalizes it to the two-decimal string clients render.
func cursorCoord(raw json.RawMessage) (val string, wasNumber, ok bool) {
	if len(raw) == 0 {
		return "", false, false
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if len(str) > 32 {
			return "", false, false
		}
		return str, false, true
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return strconv.FormatFloat(num, 'f', 2, 64), true, true
	}
	return "", false, false
}

func handleNotes(_ *Server, sock *Socket, raw json.RawMessage) {
	var msg notesIn
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if len(msg.N) == 0 {
		return
	}
	ch := sock.currentChannel()
	if ch == nil {
		return
	}
	if !sock.user.Flags.NoNoteRateLimit && !sock.quota.Spend(len(msg.N)) {
		return
	}
	ch.playNotes(msg, sock)
}

func handleChset(_ *Server, sock *Socket, raw json.RawMessage) {
	var msg struct {
		Set *settingsIn `json:"set"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Set == nil {
		return
	}
	ch := sock.currentChannel()
	if ch == nil {
		return
	}
	admin := sock.user.Flags.Admin
	if !sock.isOwner() && !admin && !sock.hasPermission("chsetAnywhere") {
		return
	}
	ch.changeSettings(msg.Set, admin)
}

func handleChown(_ *Server, sock *Socket, raw json.RawMessage) {
	var msg chownIn
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	ch := sock.currentChannel()
	if ch == nil {
		return
	}
	allowed := sock.isOwner() || sock.user.Flags.Admin ||
		sock.user.Flags.CanSetCrowns || sock.hasPermission("chownAnywhere")
	if !allowed {
		return
	}

	if msg.ID == "" {
		ch.chown(nil, false)
		return
	}
	heir := ch.entryByParticipantID(domain.ParticipantID(msg.ID))
	if heir == nil {
		return
	}
	ch.chown(&heir.part, true)
}

func handleKickban(s *Server, sock *Socket, raw json.RawMessage) {
	var msg kickbanIn
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" {
		return
	}
	ch := sock.currentChannel()
	if ch == nil {
		return
	}
	if !sock.isOwner() && !sock.user.Flags.Admin {
		return
	}
	ch.kickban(domain.UserID(msg.ID), time.Duration(msg.MS)*time.Millisecond, sock.userID)
}

func handleUnban(_ *Server, sock *Socket, raw json.RawMessage) {
	var msg unbanIn
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" {
		return
	}
	ch := sock.currentChannel()
	if ch == nil {
		return
	}
	if !sock.isOwner() && !sock.user.Flags.Admin {
		return
	}
	ch.unban(domain.UserID(msg.ID))
}

func handleUserset(_ *Server, sock *Socket, raw json.RawMessage) {
	var msg usersetIn
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	sock.userset(msg.Set.Name, msg.Set.Color)
}

func handleListSubscribe(s *Server, sock *Socket, _ json.RawMessage) {
	s.directory.Subscribe(sock.id)
	sock.gateway.HasOpenedChannelList = true
	sock.sendArray(lsOut{M: "ls", Complete: true, U: s.directory.VisibleInfo(sock.userID)})
}

func handleListUnsubscribe(s *Server, sock *Socket, _ json.RawMessage) {
	s.directory.Unsubscribe(sock.id)
}

func handleCustomSubscribe(_ *Server, sock *Socket, _ json.RawMessage) {
	sock.customSubscribed = true
	sock.gateway.HasSentCustomSub = true
}

func handleCustomUnsubscribe(_ *Server, sock *Socket, _ json.RawMessage) {
	sock.customSubscribed = false
	sock.gateway.HasSentCustomUnsub = true
}

// handleCustom relays an opaque payload to other subscribed sockets, scoped
// by the requested target mode.
func handleCustom(s *Server, sock *Socket, raw json.RawMessage) {
	var msg customIn
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if !sock.customSubscribed || len(msg.Data) == 0 || len(msg.Data) > maxCustomPayload {
		return
	}

	out := customOut{M: "custom", Data: msg.Data, P: sock.userID}
	deliver := func(targets []*Socket) {
		for _, target := range targets {
			if target.id == sock.id || !target.customSubscribed {
				continue
			}
			target.sendArray(out)
		}
	}

	mode := "subscribed"
	if msg.Target != nil && msg.Target.Mode != "" {
		mode = msg.Target.Mode
	}
	switch mode {
	case "id":
		if msg.Target.ID != "" {
			deliver(s.socketsByUser(domain.UserID(msg.Target.ID)))
		}
	case "ids":
		for _, id := range msg.Target.IDs {
			deliver(s.socketsByUser(domain.UserID(id)))
		}
	case "subscribed":
		deliver(s.allSockets())
	}
}
