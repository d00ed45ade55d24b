package ws

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Socket is the part of a websocket connection the manager drives.
// *websocket.Conn from gofiber satisfies it.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Connection is one authenticated socket. It is never persisted.
type Connection struct {
	id     string
	userID string
	sock   Socket
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	// rooms mirrors hub membership; only the read goroutine touches it
	rooms   map[string]struct{}
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

func newConnection(id, userID string, sock Socket, buf int, perSec int, log *zap.SugaredLogger) *Connection {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSec > 0 {
		lim = rate.NewLimiter(rate.Limit(perSec), perSec*2)
	}
	return &Connection{
		id:      id,
		userID:  userID,
		sock:    sock,
		send:    make(chan []byte, buf),
		done:    make(chan struct{}),
		rooms:   make(map[string]struct{}),
		limiter: lim,
		log:     log.With("client_id", id, "user_id", userID),
	}
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

// Deliver queues a frame for the write pump without blocking.
func (c *Connection) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Evict stops the write pump, which closes the socket and ends the read loop.
func (c *Connection) Evict() {
	c.shutdown()
}

func (c *Connection) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Connection) joined(roomID string) bool {
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Connection) readPump(s Settings, handle func(c *Connection, data []byte)) {
	defer c.shutdown()
	c.sock.SetReadLimit(s.MaxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(s.PongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(s.PongWait))
	})

	for {
		mt, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debugw("read ended", "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		handle(c, data)
	}
}

func (c *Connection) writePump(s Settings) {
	ticker := time.NewTicker(s.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(s.WriteDeadline))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warnw("write msg error", "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.WriteDeadline)); err != nil {
				c.log.Warnw("ping error", "error", err)
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.sock.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
