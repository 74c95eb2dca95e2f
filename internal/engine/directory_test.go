package engine

import (
	"fmt"
	"testing"
)

func TestDirectoryListIsStable(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"zed", "alpha", "mid"} {
		sock, _ := h.connectAndHi(t, "10.0.0."+name)
		h.join(t, sock, name)
	}

	var first []string
	for _, ch := range h.srv.directory.List() {
		first = append(first, ch.id)
	}
	for i := 0; i < 5; i++ {
		var again []string
		for _, ch := range h.srv.directory.List() {
			again = append(again, ch.id)
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("list order unstable: %v vs %v", first, again)
			}
		}
	}
	if first[0] != "alpha" {
		t.Errorf("list not sorted: %v", first)
	}
}

func TestVisibleInfoMarksBansPerUser(t *testing.T) {
	h := newHarness(t)
	owner, _ := h.connectAndHi(t, "10.0.0.1")
	h.join(t, owner, "room1")
	target, _ := h.connectAndHi(t, "10.0.0.2")
	h.join(t, target, "room1")
	h.send(owner, `[{"m":"kickban","_id":%q,"ms":600000}]`, string(target.userID))

	for _, info := range h.srv.directory.VisibleInfo(target.userID) {
		if info.ID == "room1" && !info.Banned {
			t.Error("banned flag missing for banned user")
		}
		if info.ID == "lobby" && info.Banned {
			t.Error("banned flag leaked onto other channels")
		}
	}
	for _, info := range h.srv.directory.VisibleInfo(owner.userID) {
		if info.Banned {
			t.Error("banned flag set for unbanned user")
		}
	}
}

func TestLobbyBackdoorForcesAdmission(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 20; i++ {
		sock, _ := h.connectAndHi(t, fmt.Sprintf("10.0.3.%d", i))
		h.join(t, sock, "lobby")
	}

	// The backdoor name admits to the primary lobby even when it is full.
	sneaky, _ := h.connectAndHi(t, "10.0.4.1")
	h.send(sneaky, `[{"m":"ch","_id":"lolwutsecretlobbybackdoor"}]`)
	if sneaky.currentChannelID != "lobby" {
		t.Errorf("backdoor landed in %q, want lobby", sneaky.currentChannelID)
	}
	if _, ok := h.srv.directory.Get("lolwutsecretlobbybackdoor"); ok {
		t.Error("backdoor name leaked into the directory")
	}
	lobby, _ := h.srv.directory.Get("lobby")
	if len(lobby.ppl) != 21 {
		t.Errorf("lobby roster = %d, want 21", len(lobby.ppl))
	}
}

func TestStaleSubscribersPruned(t *testing.T) {
	h := newHarness(t)
	sock, _ := h.connectAndHi(t, "10.0.0.1")
	h.send(sock, `[{"m":"+ls"}]`)
	sock.destroy()

	h.srv.broadcastChannelList()
	if h.srv.directory.Subscribed(sock.id) {
		t.Error("destroyed socket still subscribed")
	}
}
