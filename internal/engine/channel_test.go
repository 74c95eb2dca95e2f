package engine

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Ensemble/internal/domain"
)

func TestCreateChannelCrownsCreator(t *testing.T) {
	h := newHarness(t)
	sock, conn := h.connectAndHi(t, "10.0.0.1")

	ch := h.join(t, sock, "room1")
	if ch.id != "room1" {
		t.Fatalf("joined %q, want room1", ch.id)
	}
	if ch.crown == nil || !ch.crown.Held() {
		t.Fatal("creator should hold the crown")
	}
	if ch.crown.UserID != sock.userID {
		t.Errorf("crown holder = %s, want %s", ch.crown.UserID, sock.userID)
	}
	if !sock.isOwner() {
		t.Error("creator socket should report isOwner")
	}

	msg := conn.lastOf(t, "ch")
	if msg == nil {
		t.Fatal("no ch snapshot sent to joiner")
	}
	if msg["p"] != string(sock.partID) {
		t.Errorf("snapshot p = %v, want %s", msg["p"], sock.partID)
	}
}

func TestLobbyHasNoCrownAndFixedSettings(t *testing.T) {
	h := newHarness(t)
	sock, _ := h.connectAndHi(t, "10.0.0.1")

	ch := h.join(t, sock, "lobby")
	if ch.crown != nil {
		t.Error("lobby must not carry a crown")
	}
	if !ch.settings.Lobby || !ch.settings.Chat || !ch.settings.Visible {
		t.Errorf("lobby settings = %+v", ch.settings)
	}

	before := ch.settings
	h.send(sock, `[{"m":"chset","set":{"color":"#123456"}}]`)
	if ch.settings != before {
		t.Error("non-admin changed lobby settings")
	}
}

func TestLobbyOverflowsIntoNextLobby(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 20; i++ {
		sock, _ := h.connectAndHi(t, fmt.Sprintf("10.0.1.%d", i))
		h.join(t, sock, "lobby")
	}
	lobby, _ := h.srv.directory.Get("lobby")
	if len(lobby.ppl) != 20 {
		t.Fatalf("lobby roster = %d, want 20", len(lobby.ppl))
	}

	sock, _ := h.connectAndHi(t, "10.0.2.1")
	h.send(sock, `[{"m":"ch","_id":"lobby"}]`)
	if sock.currentChannelID != "lobby2" {
		t.Fatalf("overflow landed in %q, want lobby2", sock.currentChannelID)
	}
	lobby2, ok := h.srv.directory.Get("lobby2")
	if !ok || lobby2.crown != nil {
		t.Error("lobby2 should exist and be crownless")
	}
}

func TestKickbanEvictsAndExpires(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.connectAndHi(t, "10.0.0.1")
	h.join(t, owner, "room1")
	target, targetConn := h.connectAndHi(t, "10.0.0.2")
	h.join(t, target, "room1")

	h.send(owner, `[{"m":"kickban","_id":%q,"ms":600000}]`, string(target.userID))

	if target.currentChannelID != "test/awkward" {
		t.Fatalf("banned user in %q, want test/awkward", target.currentChannelID)
	}
	if targetConn.lastOf(t, "notification") == nil {
		t.Error("banned user got no notification")
	}

	// Rejoin while banned bounces straight back.
	h.send(target, `[{"m":"ch","_id":"room1"}]`)
	if target.currentChannelID != "test/awkward" {
		t.Errorf("banned rejoin landed in %q", target.currentChannelID)
	}

	// After expiry the ban is swept and the join succeeds.
	h.advance(11 * time.Minute)
	h.send(target, `[{"m":"ch","_id":"room1"}]`)
	if target.currentChannelID != "room1" {
		t.Errorf("post-expiry rejoin landed in %q", target.currentChannelID)
	}
	room, _ := h.srv.directory.Get("room1")
	// Idempotent: the first call's expiry sweep must not break the second.
	if room.isBanned(target.userID) || room.isBanned(target.userID) {
		t.Error("expired ban still reported")
	}
}

func TestBanDurationBounds(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.connectAndHi(t, "10.0.0.1")
	ch := h.join(t, owner, "room1")
	target, _ := h.connectAndHi(t, "10.0.0.2")
	h.join(t, target, "room1")

	// Over the 60 minute cap: rejected outright.
	h.send(owner, `[{"m":"kickban","_id":%q,"ms":7200000}]`, string(target.userID))
	if len(ch.bans) != 0 || target.currentChannelID != "room1" {
		t.Errorf("over-cap ban applied: bans=%d channel=%q", len(ch.bans), target.currentChannelID)
	}

	h.send(owner, `[{"m":"kickban","_id":%q,"ms":-5}]`, string(target.userID))
	if len(ch.bans) != 0 {
		t.Error("negative ban applied")
	}
}

func TestSelfBanAwardsCertificate(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.connectAndHi(t, "10.0.0.1")
	h.join(t, owner, "room1")
	witness, witnessConn := h.connectAndHi(t, "10.0.0.2")
	h.join(t, witness, "room1")

	h.send(owner, `[{"m":"kickban","_id":%q,"ms":60000}]`, string(owner.userID))

	found := false
	for _, msg := range witnessConn.messages(t) {
		if msg["m"] == "notification" && msg["title"] == "Certificate of Award" {
			found = true
		}
	}
	if !found {
		t.Error("self-ban produced no award notification")
	}
}

func TestKickbanNotifiesChannel(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.connectAndHi(t, "10.0.0.1")
	h.join(t, owner, "room1")
	target, _ := h.connectAndHi(t, "10.0.0.2")
	h.join(t, target, "room1")
	witness, witnessConn := h.connectAndHi(t, "10.0.0.3")
	h.join(t, witness, "room1")

	h.send(owner, `[{"m":"kickban","_id":%q,"ms":600000}]`, string(target.userID))

	found := false
	for _, msg := range witnessConn.messages(t) {
		if msg["m"] != "notification" || msg["title"] != "Notice" {
			continue
		}
		text, _ := msg["text"].(string)
		if strings.Contains(text, "banned") && strings.Contains(text, "10 minutes") {
			found = true
		}
	}
	if !found {
		t.Error("bystanders got no ban notice")
	}
	if chat := witnessConn.lastOf(t, "a"); chat == nil {
		t.Error("ban chat announcement missing")
	}
}

func TestUnbanLiftsBan(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.connectAndHi(t, "10.0.0.1")
	ch := h.join(t, owner, "room1")
	target, _ := h.connectAndHi(t, "10.0.0.2")
	h.join(t, target, "room1")

	h.send(owner, `[{"m":"kickban","_id":%q,"ms":600000}]`, string(target.userID))
	if !ch.isBanned(target.userID) {
		t.Fatal("ban not applied")
	}
	h.send(owner, `[{"m":"unban","_id":%q}]`, string(target.userID))
	if ch.isBanned(target.userID) {
		t.Error("unban did not lift the ban")
	}

	h.send(target, `[{"m":"ch","_id":"room1"}]`)
	if target.currentChannelID != "room1" {
		t.Errorf("unbanned user landed in %q", target.currentChannelID)
	}
}

func TestCrownDropsOnLeaveAndReturnsOnRejoin(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.connectAndHi(t, "10.0.0.1")
	other, _ := h.connectAndHi(t, "10.0.0.2")
	ch := h.join(t, owner, "room1")
	h.join(t, other, "room1")
	ownerUID := owner.userID

	owner.destroy()
	if ch.crown.Held() {
		t.Fatal("crown still held after holder left")
	}
	if ch.crown.UserID != ownerUID {
		t.Error("dropped crown lost its last holder")
	}
	if ch.crown.EndPos.Y < ch.crown.StartPos.Y {
		t.Errorf("drop animation goes up: %+v -> %+v", ch.crown.StartPos, ch.crown.EndPos)
	}

	// Same IP means same user identity; rejoin reclaims the crown.
	back, _ := h.connectAndHi(t, "10.0.0.1")
	h.join(t, back, "room1")
	if !ch.crown.Held() || ch.crown.UserID != ownerUID {
		t.Error("previous holder did not reclaim the crown on rejoin")
	}
}

func TestChownTransfersAndDrops(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.connectAndHi(t, "10.0.0.1")
	heir, _ := h.connectAndHi(t, "10.0.0.2")
	ch := h.join(t, owner, "room1")
	h.join(t, heir, "room1")

	// Non-holder may not transfer.
	h.send(heir, `[{"m":"chown","id":%q}]`, string(heir.partID))
	if ch.crown.UserID != owner.userID {
		t.Fatal("non-holder stole the crown")
	}

	h.send(owner, `[{"m":"chown","id":%q}]`, string(heir.partID))
	if ch.crown.UserID != heir.userID || ch.crown.ParticipantID != heir.partID {
		t.Fatalf("crown holder = %s, want %s", ch.crown.UserID, heir.userID)
	}

	// Holder drops it by omitting the heir.
	h.send(heir, `[{"m":"chown"}]`)
	if ch.crown.Held() {
		t.Error("crown still held after drop")
	}
}

func TestDestroyDelayAndCancel(t *testing.T) {
	h := newHarness(t)
	sock, _ := h.connectAndHi(t, "10.0.0.1")
	h.join(t, sock, "room1")

	sock.destroy()
	if _, ok := h.srv.directory.Get("room1"); !ok {
		t.Fatal("channel destroyed before the delay elapsed")
	}

	// A join before the timer fires cancels the teardown.
	back, _ := h.connectAndHi(t, "10.0.0.1")
	h.join(t, back, "room1")
	h.fireTimers()
	if _, ok := h.srv.directory.Get("room1"); !ok {
		t.Fatal("rejoin did not cancel the delayed destroy")
	}

	back.destroy()
	h.fireTimers()
	if _, ok := h.srv.directory.Get("room1"); ok {
		t.Error("empty channel survived the destroy timer")
	}
}

func TestForceLoadedChannelsNeverDestroy(t *testing.T) {
	h := newHarness(t)
	sock, _ := h.connectAndHi(t, "10.0.0.1")
	h.join(t, sock, "test/awkward")
	sock.destroy()
	h.fireTimers()
	if _, ok := h.srv.directory.Get("test/awkward"); !ok {
		t.Error("force-loaded channel was destroyed")
	}
	if _, ok := h.srv.directory.Get("lobby"); !ok {
		t.Error("lobby missing after bootstrap")
	}
}

func TestChatBroadcastAndHistory(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connectAndHi(t, "10.0.0.1")
	b, bConn := h.connectAndHi(t, "10.0.0.2")
	ch := h.join(t, a, "room1")
	h.join(t, b, "room1")

	h.send(a, `[{"m":"a","message":"hello there"}]`)

	msg := bConn.lastOf(t, "a")
	if msg == nil || msg["a"] != "hello there" {
		t.Fatalf("chat not delivered: %v", msg)
	}
	if len(ch.chat) != 1 || ch.chat[0].Text != "hello there" {
		t.Errorf("history = %+v", ch.chat)
	}
}

func TestChatSanitizesAndRejectsControl(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connectAndHi(t, "10.0.0.1")
	ch := h.join(t, a, "room1")

	h.send(a, `[{"m":"a","message":"  hi\u0007 there  "}]`)
	if len(ch.chat) != 1 || ch.chat[0].Text != "hi there" {
		t.Fatalf("sanitized text = %+v", ch.chat)
	}

	h.send(a, `[{"m":"a","message":"\u0000\u0001   "}]`)
	if len(ch.chat) != 1 {
		t.Error("control-only message was kept")
	}
}

func TestChatHistoryTrimsOldest(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connectAndHi(t, "10.0.0.1")
	ch := h.join(t, a, "room1")

	for i := 0; i < domain.ChatHistoryCap+8; i++ {
		ch.sendChat(domain.ChatMessage{Text: fmt.Sprintf("msg %d", i), Time: int64(i)})
	}
	if len(ch.chat) != domain.ChatHistoryCap {
		t.Fatalf("history length = %d, want %d", len(ch.chat), domain.ChatHistoryCap)
	}
	if ch.chat[0].Text != "msg 8" {
		t.Errorf("oldest retained = %q, want msg 8", ch.chat[0].Text)
	}
}

func TestJoinReplaysLastFiftyMessages(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connectAndHi(t, "10.0.0.1")
	ch := h.join(t, a, "room1")
	for i := 0; i < 60; i++ {
		ch.chat = append(ch.chat, domain.ChatMessage{Text: fmt.Sprintf("old %d", i)})
	}

	b, bConn := h.connectAndHi(t, "10.0.0.2")
	h.join(t, b, "room1")
	replay := bConn.lastOf(t, "c")
	if replay == nil {
		t.Fatal("no history replay on join")
	}
	entries := replay["c"].([]any)
	if len(entries) != 50 {
		t.Fatalf("replayed %d messages, want 50", len(entries))
	}
	first := entries[0].(map[string]any)
	if first["a"] != "old 10" {
		t.Errorf("replay starts at %v, want old 10", first["a"])
	}
}

func TestChangeSettingsDerivesSecondaryColor(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.connectAndHi(t, "10.0.0.1")
	ch := h.join(t, owner, "room1")

	h.send(owner, `[{"m":"chset","set":{"color":"#808080"}}]`)
	if ch.settings.Color != "#808080" {
		t.Fatalf("color = %q", ch.settings.Color)
	}
	if ch.settings.Color2 != "#404040" {
		t.Errorf("color2 = %q, want #404040", ch.settings.Color2)
	}

	// Invalid values are ignored field by field.
	h.send(owner, `[{"m":"chset","set":{"color":"red","limit":500,"visible":false}}]`)
	if ch.settings.Color != "#808080" || ch.settings.Limit != 0 {
		t.Errorf("invalid fields applied: %+v", ch.settings)
	}
	if ch.settings.Visible {
		t.Error("valid field in mixed patch not applied")
	}
}

func TestNonAdminCannotSetLobbyOrOwner(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.connectAndHi(t, "10.0.0.1")
	ch := h.join(t, owner, "room1")

	h.send(owner, `[{"m":"chset","set":{"lobby":true,"owner_id":"abc"}}]`)
	if ch.settings.Lobby || ch.settings.OwnerID != "" {
		t.Errorf("admin-only settings applied by owner: %+v", ch.settings)
	}

	owner.user.Flags.Admin = true
	h.send(owner, `[{"m":"chset","set":{"owner_id":%q}}]`, string(owner.userID))
	if ch.settings.OwnerID != owner.userID {
		t.Errorf("admin owner_id not applied: %+v", ch.settings)
	}
}

func TestRecordedOwnerReclaimsCrownByForce(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.connectAndHi(t, "10.0.0.1")
	usurper, _ := h.connectAndHi(t, "10.0.0.2")
	ch := h.join(t, owner, "room1")
	h.join(t, usurper, "room1")

	owner.user.Flags.Admin = true
	h.send(owner, `[{"m":"chset","set":{"owner_id":%q}}]`, string(owner.userID))
	h.send(owner, `[{"m":"chown","id":%q}]`, string(usurper.partID))
	if ch.crown.UserID != usurper.userID {
		t.Fatal("setup: transfer failed")
	}

	// Leaving and rejoining, the recorded owner takes the crown back even
	// though someone else holds it.
	h.send(owner, `[{"m":"ch","_id":"lobby"}]`)
	h.send(owner, `[{"m":"ch","_id":"room1"}]`)
	if ch.crown.UserID != owner.userID {
		t.Errorf("recorded owner did not reclaim crown, holder = %s", ch.crown.UserID)
	}
}

func TestRecordedOwnerCrownedInCrownlessChannel(t *testing.T) {
	h := newHarness(t)
	cfg := *h.srv.Config()
	cfg.Channels.DisableCrown = true
	h.srv.cfg.Store(&cfg)

	owner, _ := h.connectAndHi(t, "10.0.0.1")
	ch := h.join(t, owner, "room1")
	if ch.crown != nil {
		t.Fatal("crown created despite disable_crown")
	}

	owner.user.Flags.Admin = true
	h.send(owner, `[{"m":"chset","set":{"owner_id":%q}}]`, string(owner.userID))

	// Leaving and rejoining, the recorded owner is crowned even though the
	// channel never had a crown to begin with.
	h.send(owner, `[{"m":"ch","_id":"lobby"}]`)
	h.send(owner, `[{"m":"ch","_id":"room1"}]`)
	if !ch.crown.Held() || ch.crown.UserID != owner.userID {
		t.Errorf("recorded owner not crowned, crown = %+v", ch.crown)
	}
}

func TestChownMaterializesCrownForPrivilegedUser(t *testing.T) {
	h := newHarness(t)
	cfg := *h.srv.Config()
	cfg.Channels.DisableCrown = true
	h.srv.cfg.Store(&cfg)

	admin, _ := h.connectAndHi(t, "10.0.0.1")
	admin.user.Flags.Admin = true
	ch := h.join(t, admin, "room1")
	if ch.crown != nil {
		t.Fatal("setup: channel already has a crown")
	}

	h.send(admin, `[{"m":"chown","id":%q}]`, string(admin.partID))
	if !ch.crown.Held() || ch.crown.ParticipantID != admin.partID {
		t.Errorf("chown did not materialize the crown: %+v", ch.crown)
	}
}

func TestCrownSoloMutesOthersNotes(t *testing.T) {
	h := newHarness(t)
	owner, ownerConn := h.connectAndHi(t, "10.0.0.1")
	other, otherConn := h.connectAndHi(t, "10.0.0.2")
	third, thirdConn := h.connectAndHi(t, "10.0.0.3")
	h.join(t, owner, "room1")
	h.join(t, other, "room1")
	h.join(t, third, "room1")

	h.send(owner, `[{"m":"chset","set":{"crownsolo":true}}]`)
	h.send(other, `[{"m":"n","t":1000,"n":[{"n":"a4"}]}]`)

	if ownerConn.countOf(t, "n") != 1 {
		t.Error("crown holder should still hear notes")
	}
	if thirdConn.countOf(t, "n") != 0 {
		t.Error("bystander heard notes despite crownsolo")
	}
	if otherConn.countOf(t, "n") != 0 {
		t.Error("player heard their own notes echoed")
	}
}

func TestVanishedUserHiddenFromRoster(t *testing.T) {
	h := newHarness(t)
	ghost, _ := h.connectAndHi(t, "10.0.0.1")
	ghost.user.Flags.Vanish = true
	ch := h.join(t, ghost, "room1")

	if ppl := ch.participantList(); len(ppl) != 0 {
		t.Errorf("vanished user visible in roster: %+v", ppl)
	}
	if info := ch.getInfo(""); info.Count != 1 {
		t.Errorf("count = %d, want 1 (vanish hides identity, not load)", info.Count)
	}
}

func TestLimitSettingCapsJoiners(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.connectAndHi(t, "10.0.0.1")
	h.join(t, owner, "room1")
	h.send(owner, `[{"m":"chset","set":{"limit":1}}]`)

	late, _ := h.connectAndHi(t, "10.0.0.2")
	h.send(late, `[{"m":"ch","_id":"room1"}]`)
	if late.currentChannelID != "test/awkward" {
		t.Errorf("joiner over limit landed in %q, want test/awkward", late.currentChannelID)
	}
}
