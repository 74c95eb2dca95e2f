package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ensemble/internal/domain"
)

// rosterEntry is one participant facade inside a channel, shared by every
// connection of the same user.
type rosterEntry struct {
	part    domain.Participant
	flags   domain.UserFlags
	sockets []domain.SocketID
}

func (e *rosterEntry) attach(id domain.SocketID) {
	for _, sid := range e.sockets {
		if sid == id {
			return
		}
	}
	e.sockets = append(e.sockets, id)
}

func (e *rosterEntry) detach(id domain.SocketID) {
	for i, sid := range e.sockets {
		if sid == id {
			e.sockets = append(e.sockets[:i], e.sockets[i+1:]...)
			return
		}
	}
}

type cursorPos struct {
	x, y string
}

// Channel is a named room: a roster, settings, chat history, a ban list and
// (outside lobbies) a crown. All access happens on the server loop.
type Channel struct {
	srv *Server

	id       string
	settings domain.ChannelSettings
	crown    *domain.Crown

	ppl     []*rosterEntry
	chat    []domain.ChatMessage
	bans    []domain.Ban
	cursors map[domain.ParticipantID]cursorPos

	stays         bool
	destroyed     bool
	cancelDestroy func()
}

// newChannel creates a channel with settings derived from configuration.
// Lobbies take the fixed lobby settings and never carry a crown; other
// channels start from the defaults, apply the creator's requested settings
// and crown the creator.
func newChannel(srv *Server, id string, set *settingsIn, creator *Socket, stays bool) *Channel {
	cfg := srv.Config()

	ch := &Channel{
		srv:     srv,
		id:      id,
		cursors: make(map[domain.ParticipantID]cursorPos),
		stays:   stays,
	}

	if cfg.IsLobby(id) {
		ch.settings = cfg.Channels.LobbySettings
	} else {
		ch.settings = cfg.Channels.DefaultSettings
		if set != nil {
			ch.applySettings(set, false)
		}
		if !cfg.Channels.DisableCrown {
			ch.crown = &domain.Crown{Time: srv.now().UnixMilli()}
			if creator != nil {
				part := creator.participant()
				ch.crown.UserID = part.UserID
				ch.crown.ParticipantID = part.ID
			}
		}
	}

	if msgs, err := srv.store.GetChatHistory(context.Background(), id); err != nil {
		log.Error().Err(err).Str("module", "engine").Str("channel", id).Msg("load chat history")
	} else if len(msgs) > 0 {
		ch.chat = msgs
	}

	log.Info().Str("module", "engine").Str("channel", id).Msg("channel created")
	return ch
}

func (ch *Channel) ID() string { return ch.id }

func (ch *Channel) isLobby() bool     { return ch.srv.Config().IsLobby(ch.id) }
func (ch *Channel) isTrueLobby() bool { return ch.srv.Config().IsTrueLobby(ch.id) }

// isFull: numbered lobbies cap at 20, other channels honor their limit
// setting when one is set.
func (ch *Channel) isFull() bool {
	if ch.isTrueLobby() {
		return len(ch.ppl) >= 20
	}
	if ch.settings.Limit > 0 {
		return len(ch.ppl) >= ch.settings.Limit
	}
	return false
}

// nextLobbyID returns the lobby to overflow into: lobby -> lobby2,
// lobby2 -> lobby3 and so on.
func (ch *Channel) nextLobbyID() string {
	i := len(ch.id)
	for i > 0 && ch.id[i-1] >= '0' && ch.id[i-1] <= '9' {
		i--
	}
	if i == len(ch.id) {
		return ch.id + "2"
	}
	n, err := strconv.Atoi(ch.id[i:])
	if err != nil {
		return ch.id + "2"
	}
	return ch.id[:i] + strconv.Itoa(n+1)
}

func (ch *Channel) entryByUserID(id domain.UserID) *rosterEntry {
	for _, e := range ch.ppl {
		if e.part.UserID == id {
			return e
		}
	}
	return nil
}

func (ch *Channel) entryByParticipantID(id domain.ParticipantID) *rosterEntry {
	for _, e := range ch.ppl {
		if e.part.ID == id {
			return e
		}
	}
	return nil
}

// Join admits a socket. Banned users bounce to the penalty channel, full
// numbered lobbies overflow into the next one, and a second connection of
// an already-present user shares its roster entry.
func (ch *Channel) Join(sock *Socket, force bool) {
	if ch.destroyed || sock.destroyed {
		return
	}
	cfg := ch.srv.Config()
	part := sock.participant()

	if !force {
		if ch.isBanned(sock.userID) {
			if remaining, ok := ch.banRemaining(sock.userID); ok {
				sock.sendNotification(domain.Notification{
					ID:       "notice-" + ch.id,
					Target:   "#room",
					Duration: 7000,
					Class:    "short",
					Title:    "Notice",
					Text: fmt.Sprintf("You are banned from \"%s\" for %s.",
						ch.id, formatRemaining(remaining)),
				})
			}
			sock.setChannel(cfg.Channels.FullChannel, nil, false)
			return
		}
		if ch.isFull() && ch.isTrueLobby() {
			sock.setChannel(ch.nextLobbyID(), nil, true)
			return
		}
	}

	entry := ch.entryByUserID(sock.userID)
	switch {
	case entry != nil:
		entry.attach(sock.id)
	case !ch.isFull() || force:
		entry = &rosterEntry{
			part:    part,
			flags:   sock.user.Flags,
			sockets: []domain.SocketID{sock.id},
		}
		ch.ppl = append(ch.ppl, entry)
	default:
		if sock.currentChannelID != cfg.Channels.FullChannel {
			sock.setChannel(cfg.Channels.FullChannel, nil, false)
		}
		return
	}

	if prev := sock.currentChannel(); prev != nil && prev != ch {
		prev.Leave(sock)
	}
	sock.currentChannelID = ch.id
	if ch.cancelDestroy != nil {
		ch.cancelDestroy()
		ch.cancelDestroy = nil
	}

	// Sticky ownership: the recorded owner always reclaims the crown, even
	// in a channel that never had one, and the most recent holder reclaims
	// it on rejoin when configured to.
	if ch.settings.OwnerID != "" && ch.settings.OwnerID == sock.userID {
		ch.giveCrown(entry.part, true)
	} else if ch.crown != nil && cfg.Channels.ChownOnRejoin &&
		!ch.crown.Held() && ch.crown.UserID == entry.part.UserID {
		ch.giveCrown(entry.part, false)
	}

	sock.resetRateLimits()

	history := ch.chat
	if len(history) > 50 {
		history = history[len(history)-50:]
	}
	sock.sendArray(
		chatHistoryOut{M: "c", C: history},
		chOut{M: "ch", Ch: ch.getInfo(sock.userID), P: entry.part.ID, Ppl: ch.participantList()},
	)

	if !entry.flags.Vanish {
		pos := ch.cursors[entry.part.ID]
		ch.sendArray([]any{presenceOut{M: "p", Participant: entry.part, X: pos.x, Y: pos.y}}, entry.part.ID)
	}

	ch.broadcastUpdate()
}

// Leave detaches a socket. The participant stays in the roster while the
// user has other connections here; the last one out removes it, announces
// the departure and drops a held crown.
func (ch *Channel) Leave(sock *Socket) {
	entry := ch.entryByUserID(sock.userID)
	if entry == nil {
		return
	}

	others := 0
	for _, other := range ch.srv.socketsByUser(sock.userID) {
		if other.id != sock.id && other.currentChannelID == ch.id {
			others++
		}
	}
	if others > 0 {
		entry.detach(sock.id)
		return
	}

	for i, e := range ch.ppl {
		if e == entry {
			ch.ppl = append(ch.ppl[:i], ch.ppl[i+1:]...)
			break
		}
	}
	delete(ch.cursors, entry.part.ID)

	heldCrown := ch.crown != nil && ch.crown.Held() && ch.crown.ParticipantID == entry.part.ID
	if heldCrown {
		ch.dropCrown()
	}

	ch.sendArray([]any{byeOut{M: "bye", P: entry.part.ID}}, "")
	if !heldCrown {
		ch.broadcastUpdate()
	}
}

// broadcastUpdate pushes a fresh channel snapshot to every member and, when
// the roster just emptied, arms the delayed teardown.
func (ch *Channel) broadcastUpdate() {
	if ch.destroyed {
		return
	}
	ppl := ch.participantList()
	seen := make(map[domain.SocketID]struct{})
	for _, entry := range ch.ppl {
		for _, sock := range ch.srv.socketsByParticipant(entry.part.ID) {
			if _, dup := seen[sock.id]; dup {
				continue
			}
			seen[sock.id] = struct{}{}
			sock.sendChannelUpdate(ch.getInfo(sock.userID), ppl)
			sock.resetRateLimits()
		}
	}

	if len(ch.ppl) == 0 {
		ch.scheduleDestroy()
	}
}

// sendArray fans messages out to every connection of every participant,
// each connection exactly once. An exclude participant skips all of that
// participant's connections.
func (ch *Channel) sendArray(msgs []any, exclude domain.ParticipantID) {
	seen := make(map[domain.SocketID]struct{})
	for _, entry := range ch.ppl {
		if exclude != "" && entry.part.ID == exclude {
			continue
		}
		for _, sock := range ch.srv.socketsByParticipant(entry.part.ID) {
			if _, dup := seen[sock.id]; dup {
				continue
			}
			seen[sock.id] = struct{}{}
			sock.sendArray(msgs...)
		}
	}
}

// playNotes relays a note batch to everyone but the player. With crownsolo
// on, only the crown holder and admins hear it.
func (ch *Channel) playNotes(msg notesIn, from *Socket) {
	if ch.destroyed {
		return
	}
	out := notesOut{M: "n", N: msg.N, T: msg.T, P: from.partID}

	seen := make(map[domain.SocketID]struct{})
	for _, entry := range ch.ppl {
		if entry.part.ID == from.partID {
			continue
		}
		for _, sock := range ch.srv.socketsByParticipant(entry.part.ID) {
			if _, dup := seen[sock.id]; dup {
				continue
			}
			seen[sock.id] = struct{}{}
			if ch.settings.CrownSolo && !sock.isOwner() && !sock.user.Flags.Admin {
				continue
			}
			sock.sendArray(out)
		}
	}
	from.gateway.HasPlayedNotes = true
}

// handleChat validates, sanitizes and broadcasts a chat message, then
// persists the trimmed history.
func (ch *Channel) handleChat(text string, from *Socket) {
	if ch.destroyed || !ch.settings.Chat {
		return
	}
	if from.user.Flags.CantChat {
		return
	}
	text = sanitizeChat(text)
	if text == "" || len(text) > 512 {
		return
	}

	msg := domain.ChatMessage{
		Text:   text,
		Time:   ch.srv.now().UnixMilli(),
		Sender: from.participant(),
	}
	ch.sendChat(msg)

	from.gateway.HasSentChatMessage = true
	if text == strings.ToUpper(text) && text != strings.ToLower(text) {
		from.gateway.HasSentChatAllCaps = true
	}
	for _, r := range text {
		if isInvisibleRune(r) {
			from.gateway.HasSentChatInvisible = true
		}
		if r >= 0x1F300 && r <= 0x1FAFF {
			from.gateway.HasSentChatEmoji = true
		}
	}
}

// sendChat broadcasts an already-built chat message and appends it to the
// bounded history.
func (ch *Channel) sendChat(msg domain.ChatMessage) {
	ch.sendArray([]any{chatOut{M: "a", ChatMessage: msg}}, "")

	ch.chat = append(ch.chat, msg)
	if len(ch.chat) > domain.ChatHistoryCap {
		ch.chat = ch.chat[len(ch.chat)-domain.ChatHistoryCap:]
	}
	if err := ch.srv.store.SaveChatHistory(context.Background(), ch.id, ch.chat); err != nil {
		log.Error().Err(err).Str("module", "engine").Str("channel", ch.id).Msg("save chat history")
	}
}

// sanitizeChat strips control characters, caps runs of combining marks at
// two (zalgo defense) and trims surrounding whitespace.
func sanitizeChat(s string) string {
	var b strings.Builder
	combining := 0
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if unicode.In(r, unicode.Mn, unicode.Me) {
			combining++
			if combining > 2 {
				continue
			}
		} else {
			combining = 0
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func isInvisibleRune(r rune) bool {
	switch r {
	case 0x200b, 0x200c, 0x200d, 0x2060, 0xfeff:
		return true
	}
	return false
}

func (ch *Channel) moveCursor(id domain.ParticipantID, x, y string) {
	if ch.entryByParticipantID(id) == nil {
		return
	}
	ch.cursors[id] = cursorPos{x: x, y: y}
	ch.sendArray([]any{cursorOut{M: "m", ID: id, X: x, Y: y}}, id)
}

// updateParticipant refreshes a user's roster facade after a rename or
// recolor and announces it as a presence update.
func (ch *Channel) updateParticipant(id domain.UserID, part domain.Participant) {
	entry := ch.entryByUserID(id)
	if entry == nil {
		return
	}
	part.ID = entry.part.ID
	entry.part = part
	if !entry.flags.Vanish {
		pos := ch.cursors[entry.part.ID]
		ch.sendArray([]any{presenceOut{M: "p", Participant: entry.part, X: pos.x, Y: pos.y}}, "")
	}
}

// giveCrown hands the crown to a participant. force bypasses the
// availability check and materializes a crown in a crown-less channel; it
// is used for the recorded channel owner and explicit transfers.
func (ch *Channel) giveCrown(part domain.Participant, force bool) {
	if ch.crown == nil {
		if !force {
			return
		}
		ch.crown = &domain.Crown{}
	}
	if !force && ch.crown.Held() && ch.crown.ParticipantID != part.ID {
		return
	}
	ch.crown.UserID = part.UserID
	ch.crown.ParticipantID = part.ID
	ch.crown.Time = ch.srv.now().UnixMilli()
	ch.broadcastUpdate()
}

// dropCrown releases a held crown with a drop animation: it falls from the
// holder's position to a random spot below.
func (ch *Channel) dropCrown() {
	if ch.crown == nil || !ch.crown.Held() {
		return
	}
	ch.crown.ParticipantID = ""
	ch.crown.Time = ch.srv.now().UnixMilli()

	x := ch.srv.rnd.Float64() * 100
	y1 := ch.srv.rnd.Float64() * 100
	y2 := y1 + ch.srv.rnd.Float64()*(100-y1)
	ch.crown.StartPos = domain.Vector2{X: x, Y: y1}
	ch.crown.EndPos = domain.Vector2{X: x, Y: y2}

	ch.broadcastUpdate()
}

// chown transfers the crown to heir, or drops it when heir is nil.
func (ch *Channel) chown(heir *domain.Participant, force bool) {
	if heir != nil {
		ch.giveCrown(*heir, force)
	} else {
		ch.dropCrown()
	}
}

// applySettings copies the validated fields of a patch into the channel
// settings. Only admins may touch lobby status and the recorded owner.
func (ch *Channel) applySettings(set *settingsIn, admin bool) {
	if set.Visible != nil {
		ch.settings.Visible = *set.Visible
	}
	if set.Chat != nil {
		ch.settings.Chat = *set.Chat
	}
	if set.CrownSolo != nil {
		ch.settings.CrownSolo = *set.CrownSolo
	}
	if set.NoCussing != nil {
		ch.settings.NoCussing = *set.NoCussing
	}
	if set.Limit != nil && *set.Limit >= 0 && *set.Limit <= 99 {
		ch.settings.Limit = *set.Limit
	}
	if set.Color != nil && hexColorRe.MatchString(*set.Color) {
		ch.settings.Color = *set.Color
		if set.Color2 == nil {
			ch.settings.Color2 = darken(*set.Color, 0x40)
		}
	}
	if set.Color2 != nil && hexColorRe.MatchString(*set.Color2) {
		ch.settings.Color2 = *set.Color2
	}
	if admin {
		if set.Lobby != nil {
			ch.settings.Lobby = *set.Lobby
		}
		if set.OwnerID != nil && len(*set.OwnerID) <= 24 {
			ch.settings.OwnerID = domain.UserID(*set.OwnerID)
		}
	}
}

// changeSettings applies a patch at runtime. Lobby settings are immutable
// except for admins.
func (ch *Channel) changeSettings(set *settingsIn, admin bool) {
	if ch.destroyed || set == nil {
		return
	}
	if ch.isLobby() && !admin {
		return
	}
	ch.applySettings(set, admin)
	ch.persistRecord()
	ch.broadcastUpdate()
}

// isBanned sweeps expired bans lazily and reports whether the user is still
// banned.
func (ch *Channel) isBanned(id domain.UserID) bool {
	_, ok := ch.banRemaining(id)
	return ok
}

func (ch *Channel) banRemaining(id domain.UserID) (time.Duration, bool) {
	now := ch.srv.now()
	kept := ch.bans[:0]
	var remaining time.Duration
	found := false
	for _, b := range ch.bans {
		if b.Expired(now) {
			continue
		}
		kept = append(kept, b)
		if b.UserID == id {
			remaining = b.End.Sub(now)
			found = true
		}
	}
	ch.bans = kept
	return remaining, found
}

// kickban bans a user for the given duration, evicts their connections and
// announces it. issuedBy is the acting user, empty for system bans.
func (ch *Channel) kickban(target domain.UserID, dur time.Duration, issuedBy domain.UserID) {
	if ch.destroyed {
		return
	}
	cfg := ch.srv.Config()
	if dur < 0 || dur > cfg.Channels.MaxBanDuration {
		return
	}

	targets := ch.srv.socketsByUser(target)
	if len(targets) == 0 {
		return
	}
	banned := targets[0].participant()

	// Resolve the issuer's roster facade now: a self-ban evicts it below.
	var issuer *domain.Participant
	if issuedBy != "" {
		if e := ch.entryByUserID(issuedBy); e != nil {
			p := e.part
			issuer = &p
		}
	}

	now := ch.srv.now()
	refreshed := false
	for i := range ch.bans {
		if ch.bans[i].UserID == target {
			ch.bans[i].Start = now
			ch.bans[i].End = now.Add(dur)
			refreshed = true
		}
	}
	if !refreshed {
		ch.bans = append(ch.bans, domain.Ban{UserID: target, Start: now, End: now.Add(dur)})
	}
	ch.persistRecord()

	// Every connection of the user hears about it; only the ones sitting in
	// this channel get relocated.
	minutes := int(dur.Minutes())
	for _, sock := range targets {
		sock.sendNotification(domain.Notification{
			ID:       "notice-" + ch.id,
			Target:   "#room",
			Duration: 7000,
			Class:    "short",
			Title:    "Notice",
			Text:     fmt.Sprintf("Banned from \"%s\" for %s.", ch.id, formatRemaining(dur)),
		})
		if sock.currentChannelID == ch.id {
			sock.setChannel(cfg.Channels.FullChannel, nil, false)
		}
	}
	ch.broadcastUpdate()

	if issuer == nil {
		return
	}
	ch.sendArray([]any{notificationOut{M: "notification", Notification: domain.Notification{
		ID:       "notice-" + ch.id,
		Target:   "#room",
		Duration: 7000,
		Class:    "short",
		Title:    "Notice",
		Text: fmt.Sprintf("%s banned %s from the channel for %d minutes.",
			issuer.Name, banned.Name, minutes),
	}}}, "")
	ch.sendChat(domain.ChatMessage{
		Text:   fmt.Sprintf("Banned %s from the channel for %d minutes.", banned.Name, minutes),
		Time:   now.UnixMilli(),
		Sender: *issuer,
	})
	if issuedBy == target {
		ch.sendArray([]any{notificationOut{M: "notification", Notification: domain.Notification{
			ID:       "banned-self",
			Target:   "#room",
			Duration: 7000,
			Class:    "short",
			Title:    "Certificate of Award",
			Text:     fmt.Sprintf("Let it be known that %s banned him/herself.", banned.Name),
		}}}, "")
	}
}

// unban lifts a user's ban if one exists.
func (ch *Channel) unban(target domain.UserID) {
	kept := ch.bans[:0]
	removed := false
	for _, b := range ch.bans {
		if b.UserID == target {
			removed = true
			continue
		}
		kept = append(kept, b)
	}
	ch.bans = kept
	if removed {
		ch.persistRecord()
	}
}

// getInfo snapshots the channel for listings, with the banned flag computed
// for the requesting user.
func (ch *Channel) getInfo(forUser domain.UserID) domain.ChannelInfo {
	info := domain.ChannelInfo{
		ID:       ch.id,
		Count:    len(ch.ppl),
		Settings: ch.settings,
	}
	if ch.crown != nil {
		c := *ch.crown
		info.Crown = &c
	}
	if forUser != "" {
		info.Banned = ch.isBanned(forUser)
	}
	return info
}

// participantList returns the visible roster. Vanished staff are omitted.
func (ch *Channel) participantList() []domain.Participant {
	out := make([]domain.Participant, 0, len(ch.ppl))
	for _, e := range ch.ppl {
		if e.flags.Vanish {
			continue
		}
		out = append(out, e.part)
	}
	return out
}

// scheduleDestroy arms the delayed teardown; a join before the timer fires
// cancels it.
func (ch *Channel) scheduleDestroy() {
	if ch.stays || ch.destroyed || ch.cancelDestroy != nil {
		return
	}
	cfg := ch.srv.Config()
	ch.cancelDestroy = ch.srv.after(cfg.Channels.DestroyDelay, func() {
		ch.cancelDestroy = nil
		if len(ch.ppl) == 0 && !ch.stays {
			ch.Destroy()
		}
	})
}

// Destroy removes the channel and evicts any stragglers to the penalty
// channel.
func (ch *Channel) Destroy() {
	if ch.destroyed || ch.stays {
		return
	}
	ch.destroyed = true
	cfg := ch.srv.Config()

	for _, sock := range ch.srv.allSockets() {
		if sock.currentChannelID == ch.id {
			sock.setChannel(cfg.Channels.FullChannel, nil, false)
		}
	}
	ch.srv.directory.Remove(ch.id)

	if err := ch.srv.store.DeleteChatHistory(context.Background(), ch.id); err != nil {
		log.Error().Err(err).Str("module", "engine").Str("channel", ch.id).Msg("delete chat history")
	}
	if err := ch.srv.store.DeleteChannelRecord(context.Background(), ch.id); err != nil {
		log.Error().Err(err).Str("module", "engine").Str("channel", ch.id).Msg("delete channel record")
	}
	log.Info().Str("module", "engine").Str("channel", ch.id).Msg("channel destroyed")
}

// persistRecord saves the durable part of the channel. Persistence failures
// are logged and otherwise ignored.
func (ch *Channel) persistRecord() {
	rec := &domain.ChannelRecord{
		ID:       ch.id,
		Settings: ch.settings,
		Stays:    ch.stays,
		Bans:     append([]domain.Ban(nil), ch.bans...),
	}
	if err := ch.srv.store.SaveChannelRecord(context.Background(), rec); err != nil {
		log.Error().Err(err).Str("module", "engine").Str("channel", ch.id).Msg("save channel record")
	}
}

// restoreRecord applies a persisted record, used for force-loaded channels.
func (ch *Channel) restoreRecord(rec *domain.ChannelRecord) {
	if rec == nil {
		return
	}
	ch.settings = rec.Settings
	ch.stays = ch.stays || rec.Stays
	ch.bans = append([]domain.Ban(nil), rec.Bans...)
}
