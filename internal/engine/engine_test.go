package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/Ensemble/internal/config"
	"github.com/dkeye/Ensemble/internal/store"
)

// fakeConn records outbound frames instead of writing to a network.
type fakeConn struct {
	frames [][]byte
	closed bool
}

func (c *fakeConn) TrySend(data []byte) error {
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Close() { c.closed = true }

func (c *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range c.frames {
		var batch []map[string]any
		if err := json.Unmarshal(frame, &batch); err != nil {
			t.Fatalf("bad frame %s: %v", frame, err)
		}
		out = append(out, batch...)
	}
	return out
}

func (c *fakeConn) lastOf(t *testing.T, m string) map[string]any {
	t.Helper()
	msgs := c.messages(t)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i]["m"] == m {
			return msgs[i]
		}
	}
	return nil
}

func (c *fakeConn) countOf(t *testing.T, m string) int {
	t.Helper()
	n := 0
	for _, msg := range c.messages(t) {
		if msg["m"] == m {
			n++
		}
	}
	return n
}

// harness drives a server synchronously: the loop never runs, the test
// goroutine calls loop-side methods directly with a controlled clock and
// hand-fired timers.
type harness struct {
	srv    *Server
	clock  time.Time
	timers []func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Users.IDGeneration = "sha256"
	cfg.Users.Salt = "pepper"

	h := &harness{clock: time.Unix(1700000000, 0)}
	h.srv = NewServer(cfg, store.NewMemory())
	h.srv.now = func() time.Time { return h.clock }
	h.srv.after = func(_ time.Duration, fn func()) func() {
		idx := len(h.timers)
		h.timers = append(h.timers, fn)
		return func() { h.timers[idx] = nil }
	}
	h.srv.Bootstrap(context.Background())
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

// fireTimers runs every armed timer callback that was not canceled.
func (h *harness) fireTimers() {
	fns := h.timers
	h.timers = nil
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// connect registers a socket directly on the loop side. A nil socket means
// the connection was refused (session cap).
func (h *harness) connect(ip string) (*Socket, *fakeConn) {
	conn := &fakeConn{}
	sid := newSocketID()
	h.srv.connect(sid, ip, conn)
	sock, ok := h.srv.sockets[sid]
	if !ok {
		return nil, conn
	}
	return sock, conn
}

func (h *harness) send(sock *Socket, format string, args ...any) {
	h.advance(time.Second)
	h.srv.handleFrame(sock, []byte(fmt.Sprintf(format, args...)))
}

func (h *harness) connectAndHi(t *testing.T, ip string) (*Socket, *fakeConn) {
	t.Helper()
	sock, conn := h.connect(ip)
	if sock == nil {
		t.Fatalf("connect from %s refused", ip)
	}
	h.send(sock, `[{"m":"hi"}]`)
	return sock, conn
}

func (h *harness) join(t *testing.T, sock *Socket, channel string) *Channel {
	t.Helper()
	h.send(sock, `[{"m":"ch","_id":%q}]`, channel)
	ch, ok := h.srv.directory.Get(sock.currentChannelID)
	if !ok {
		t.Fatalf("socket has no channel after joining %q", channel)
	}
	return ch
}
