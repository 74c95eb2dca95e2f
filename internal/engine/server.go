package engine

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ensemble/internal/config"
	"github.com/dkeye/Ensemble/internal/domain"
	"github.com/dkeye/Ensemble/internal/store"
)

const (
	commandQueueSize   = 1024
	quotaTickInterval  = 2 * time.Second
	maxSessionsPerUser = 4
)

// Server owns every socket and channel. All state is mutated on a single
// goroutine (Run); adapters and timers post closures onto the command
// queue. Config swaps are atomic so readers never block the loop.
type Server struct {
	cfg   atomic.Pointer[config.Config]
	store store.Store

	queue     chan func()
	sockets   map[domain.SocketID]*Socket
	directory *Directory

	// Injectable for tests: the loop's clock, RNG and timer factory.
	now   func() time.Time
	rnd   *rand.Rand
	after func(d time.Duration, fn func()) func()
}

func NewServer(cfg *config.Config, st store.Store) *Server {
	s := &Server{
		store:     st,
		queue:     make(chan func(), commandQueueSize),
		sockets:   make(map[domain.SocketID]*Socket),
		directory: newDirectory(),
		now:       time.Now,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.cfg.Store(cfg)
	s.after = func(d time.Duration, fn func()) func() {
		t := time.AfterFunc(d, func() { s.Do(fn) })
		return func() { t.Stop() }
	}
	return s
}

func (s *Server) Config() *config.Config { return s.cfg.Load() }

// ApplyConfig swaps in a reloaded configuration and re-tiers every live
// socket's rate limits against the new tables.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.Do(func() {
		s.cfg.Store(cfg)
		for _, sock := range s.allSockets() {
			sock.resetRateLimits()
		}
		log.Info().Str("module", "engine").Msg("configuration reloaded")
	})
}

// Bootstrap creates the force-loaded channels, restoring their persisted
// settings and ban lists.
func (s *Server) Bootstrap(ctx context.Context) {
	cfg := s.Config()
	for _, id := range cfg.Channels.ForceLoad {
		ch := newChannel(s, id, nil, nil, true)
		rec, err := s.store.GetChannelRecord(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("module", "engine").Str("channel", id).Msg("load channel record")
		}
		ch.restoreRecord(rec)
		ch.stays = true
		s.directory.Add(ch)
	}
}

// Run is the event loop. It exits when ctx is canceled.
func (s *Server) Run(ctx context.Context) {
	quotaTicker := time.NewTicker(quotaTickInterval)
	defer quotaTicker.Stop()
	listTicker := time.NewTicker(s.Config().Channels.ListInterval)
	defer listTicker.Stop()

	log.Info().Str("module", "engine").Msg("event loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "engine").Msg("event loop stopped")
			return
		case fn := <-s.queue:
			fn()
		case <-quotaTicker.C:
			s.tickQuotas()
		case <-listTicker.C:
			s.broadcastChannelList()
		}
	}
}

// Do posts fn onto the event loop. Safe from any goroutine.
func (s *Server) Do(fn func()) {
	s.queue <- fn
}

// Connect registers a new client connection and returns its socket ID. The
// heavy lifting happens on the loop.
func (s *Server) Connect(ip string, t Transport) domain.SocketID {
	sid := newSocketID()
	s.Do(func() { s.connect(sid, ip, t) })
	return sid
}

func (s *Server) connect(sid domain.SocketID, ip string, t Transport) {
	cfg := s.Config()
	uid := userIDFromIP(ip, cfg)

	// Session cap, counted per user identity.
	var partID domain.ParticipantID
	count := 0
	for _, other := range s.socketsByUser(uid) {
		count++
		partID = other.partID
	}
	if count >= maxSessionsPerUser {
		log.Warn().Str("module", "engine").Str("user", string(uid)).Msg("session cap reached")
		t.Close()
		return
	}
	if partID == "" {
		partID = newParticipantID()
	}

	user, err := s.store.ReadUser(context.Background(), uid)
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("read user")
	}
	if user == nil {
		user, err = domain.NewUser(uid, cfg.Users.DefaultName, colorForID(uid, cfg))
		if err != nil {
			user = &domain.User{ID: uid, Name: "Anonymous", Color: colorForID(uid, cfg)}
		}
		if err := s.store.CreateUser(context.Background(), user); err != nil {
			log.Error().Err(err).Str("module", "engine").Msg("create user")
		}
	}

	sock := &Socket{
		srv:    s,
		conn:   t,
		id:     sid,
		userID: uid,
		partID: partID,
		ip:     ip,
		user:   user,
	}
	s.sockets[sid] = sock
	sock.resetRateLimits()

	log.Info().Str("module", "engine").
		Str("socket", string(sid)).Str("user", string(uid)).Msg("socket connected")
}

// HandleRaw feeds one inbound frame from the transport into the loop.
func (s *Server) HandleRaw(sid domain.SocketID, data []byte) {
	s.Do(func() {
		sock, ok := s.sockets[sid]
		if !ok || sock.destroyed {
			return
		}
		s.handleFrame(sock, data)
	})
}

// Disconnect tears a socket down after its transport closed.
func (s *Server) Disconnect(sid domain.SocketID) {
	s.Do(func() {
		if sock, ok := s.sockets[sid]; ok {
			sock.destroy()
		}
	})
}

// ChannelList snapshots the visible channels for the HTTP API. Blocks until
// the loop serves it.
func (s *Server) ChannelList() []domain.ChannelInfo {
	res := make(chan []domain.ChannelInfo, 1)
	s.Do(func() { res <- s.directory.VisibleInfo("") })
	return <-res
}

func (s *Server) tickQuotas() {
	for _, sock := range s.sockets {
		if sock.quota != nil {
			sock.quota.Tick()
		}
	}
}

// broadcastChannelList pushes the full visible list to every subscriber,
// with per-user banned flags.
func (s *Server) broadcastChannelList() {
	if len(s.directory.subscribers) == 0 {
		return
	}
	for sid := range s.directory.subscribers {
		sock, ok := s.sockets[sid]
		if !ok || sock.destroyed {
			s.directory.Unsubscribe(sid)
			continue
		}
		sock.sendArray(lsOut{M: "ls", Complete: true, U: s.directory.VisibleInfo(sock.userID)})
	}
}

func (s *Server) allSockets() []*Socket {
	out := make([]*Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		if !sock.destroyed {
			out = append(out, sock)
		}
	}
	return out
}

func (s *Server) socketsByUser(id domain.UserID) []*Socket {
	var out []*Socket
	for _, sock := range s.sockets {
		if !sock.destroyed && sock.userID == id {
			out = append(out, sock)
		}
	}
	return out
}

func (s *Server) socketsByParticipant(id domain.ParticipantID) []*Socket {
	var out []*Socket
	for _, sock := range s.sockets {
		if !sock.destroyed && sock.partID == id {
			out = append(out, sock)
		}
	}
	return out
}
