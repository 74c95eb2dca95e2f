package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ensemble/internal/domain"
	"github.com/dkeye/Ensemble/internal/engine"
)

var ErrBackpressure = errors.New("backpressure")

const (
	sendBuffer    = 64
	writeDeadline = 5 * time.Second
	maxFrameSize  = 1 << 16
)

// Controller upgrades HTTP connections and bridges them to the engine.
type Controller struct {
	Engine *engine.Server
}

func NewController(srv *engine.Server) *Controller {
	return &Controller{Engine: srv}
}

// wsConn adapts a gorilla websocket to engine.Transport. A slow client that
// fills the send buffer is reported as backpressure and dropped by the
// engine rather than blocking the loop.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the request and starts the transport pumps. The engine
// owns the socket lifecycle from here on.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("upgrade")
		return
	}
	ws.SetReadLimit(maxFrameSize)

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, sendBuffer),
	}

	ip := c.ClientIP()
	sid := ctl.Engine.Connect(ip, conn)
	log.Info().Str("module", "ws").Str("socket", string(sid)).Str("ip", ip).Msg("new connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, cancel, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}

func (ctl *Controller) writePump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, sid domain.SocketID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "ws").Str("socket", string(sid)).Msg("readPump closing")
		cancel()
		ctl.Engine.Disconnect(sid)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.Engine.HandleRaw(sid, data)
		}
	}
}
