package engine

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ensemble/internal/domain"
	"github.com/dkeye/Ensemble/internal/ratelimit"
)

// Transport is the outbound half of a client connection. TrySend must not
// block: implementations report ErrBackpressure-style failures via error.
type Transport interface {
	TrySend(data []byte) error
	Close()
}

// Socket is one live client connection. All fields are owned by the server
// loop; adapters reach a socket only through Server.Connect / HandleRaw /
// Disconnect, which post onto the loop.
type Socket struct {
	srv  *Server
	conn Transport

	id     domain.SocketID
	userID domain.UserID
	partID domain.ParticipantID
	ip     string

	user    *domain.User
	gateway Gateway
	limits  *ratelimit.Set
	quota   *ratelimit.NoteQuota

	currentChannelID string

	cursorX   string
	cursorY   string
	hasCursor bool

	listSubscribed   bool
	customSubscribed bool

	destroyed bool
}

func (s *Socket) ID() domain.SocketID                 { return s.id }
func (s *Socket) UserID() domain.UserID               { return s.userID }
func (s *Socket) ParticipantID() domain.ParticipantID { return s.partID }

func (s *Socket) participant() domain.Participant {
	return domain.ParticipantOf(s.user, s.partID, s.srv.Config().Users.EnableTags)
}

// sendArray serializes one or more messages into a single frame.
func (s *Socket) sendArray(msgs ...any) {
	if s.destroyed || len(msgs) == 0 {
		return
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("encode frame")
		return
	}
	if err := s.conn.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "engine").
			Str("socket", string(s.id)).Msg("send failed, dropping connection")
		s.destroy()
	}
}

func (s *Socket) sendNotification(n domain.Notification) {
	s.sendArray(notificationOut{M: "notification", Notification: n})
}

func (s *Socket) sendChannelUpdate(info domain.ChannelInfo, ppl []domain.Participant) {
	s.sendArray(chOut{M: "ch", Ch: info, P: s.partID, Ppl: ppl})
}

func (s *Socket) currentChannel() *Channel {
	if s.currentChannelID == "" {
		return nil
	}
	ch, ok := s.srv.directory.Get(s.currentChannelID)
	if !ok {
		return nil
	}
	return ch
}

// setChannel moves the socket into the channel named id, creating it on
// demand. The backdoor name maps onto the primary lobby and bypasses its
// capacity check.
func (s *Socket) setChannel(id string, set *settingsIn, force bool) {
	if s.destroyed || s.currentChannelID == id {
		return
	}
	cfg := s.srv.Config()
	if cfg.Channels.LobbyBackdoor != "" && id == cfg.Channels.LobbyBackdoor {
		id = "lobby"
		force = true
	}

	ch, ok := s.srv.directory.Get(id)
	if !ok {
		if cfg.IsLobby(id) {
			set = nil
		}
		ch = newChannel(s.srv, id, set, s, false)
		s.srv.directory.Add(ch)
	}
	ch.Join(s, force)

	s.gateway.HasJoinedAnyChannel = true
	if cur := s.currentChannel(); cur != nil && cur.isLobby() {
		s.gateway.HasJoinedLobby = true
	}
}

// resetRateLimits repoints the socket's limiter table and note quota at the
// tier it currently qualifies for. Admin wins over crown wins over lobby.
func (s *Socket) resetRateLimits() {
	cfg := s.srv.Config()

	table := cfg.RateLimits.User
	params := ratelimit.QuotaNormal
	if s.user.Flags.Admin {
		table = cfg.RateLimits.Admin
		params = ratelimit.QuotaOffline
	} else if s.isOwner() {
		table = cfg.RateLimits.Crown
		params = ratelimit.QuotaRidiculous
	} else if ch := s.currentChannel(); ch != nil && ch.isLobby() {
		params = ratelimit.QuotaLobby
	}

	s.limits = ratelimit.NewSet(table)
	s.setNoteQuota(params)
}

// setNoteQuota applies new quota parameters and, when they actually change,
// tells the client so it can mirror the accounting.
func (s *Socket) setNoteQuota(p ratelimit.QuotaParams) {
	if s.quota == nil {
		// The handshake reply carries the first nq; don't send one here.
		s.quota = ratelimit.NewNoteQuota(p)
		return
	}
	if s.quota.SetParams(p) {
		s.sendQuota()
	}
}

func (s *Socket) sendQuota() {
	s.sendArray(nqOut{
		M:          "nq",
		Allowance:  s.quota.Allowance,
		Max:        s.quota.Max,
		MaxHistLen: s.quota.MaxHistLen,
	})
}

// isOwner reports whether this socket's user currently holds the crown of
// the channel it is in.
func (s *Socket) isOwner() bool {
	ch := s.currentChannel()
	if ch == nil || ch.crown == nil || !ch.crown.Held() {
		return false
	}
	return ch.crown.UserID == s.userID
}

// permissions aggregates every permission granted through the user's roles.
// Persistence problems degrade to an empty set.
func (s *Socket) permissions() []string {
	roles, err := s.srv.store.ReadRoles(context.Background(), s.userID)
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("read roles")
		return nil
	}
	var out []string
	for _, role := range roles {
		perms, err := s.srv.store.ReadRolePermissions(context.Background(), role)
		if err != nil {
			log.Error().Err(err).Str("module", "engine").Msg("read role permissions")
			continue
		}
		out = append(out, perms...)
	}
	return out
}

// hasPermission checks role-granted permissions, with "*" as a wildcard.
func (s *Socket) hasPermission(perm string) bool {
	for _, p := range s.permissions() {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// userset renames and/or recolors the user and announces the change to the
// channel. Invalid values are ignored field by field.
func (s *Socket) userset(name, color *string) {
	cfg := s.srv.Config()
	changed := false

	if name != nil {
		if err := s.user.SetName(*name); err == nil {
			s.gateway.HasChangedName = true
			changed = true
		}
	}
	if color != nil && cfg.Users.EnableColorChanging && hexColorRe.MatchString(*color) {
		s.user.Color = *color
		s.gateway.HasChangedColor = true
		changed = true
	}
	if !changed {
		return
	}

	if err := s.srv.store.UpdateUser(context.Background(), s.user); err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("update user")
	}

	if ch := s.currentChannel(); ch != nil {
		ch.updateParticipant(s.userID, s.participant())
	}
}

func (s *Socket) setCursor(x, y string) {
	s.cursorX, s.cursorY = x, y
	s.hasCursor = true
	s.gateway.HasCursorMoved = true
	if ch := s.currentChannel(); ch != nil {
		ch.moveCursor(s.partID, x, y)
	}
}

// destroy tears the socket down exactly once: leave the channel, drop
// subscriptions, deregister, close the transport.
func (s *Socket) destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true

	if ch := s.currentChannel(); ch != nil {
		ch.Leave(s)
	}
	s.currentChannelID = ""
	s.srv.directory.Unsubscribe(s.id)
	delete(s.srv.sockets, s.id)
	s.conn.Close()

	log.Debug().Str("module", "engine").
		Str("socket", string(s.id)).Str("user", string(s.userID)).Msg("socket destroyed")
}
