package ws

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/auth"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/config"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/hub"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/metric"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/service"
)

// Router is the room membership side of the hub.
type Router interface {
	Join(m hub.Member, roomID string) (bool, error)
	Leave(m hub.Member, roomID string) (bool, error)
	LeaveAll(m hub.Member) ([]string, error)
}

// Messages is the message service as used by connection handlers.
type Messages interface {
	Send(ctx context.Context, cmd service.SendCommand) (*domain.Message, bool, error)
	Edit(ctx context.Context, cmd service.EditCommand) (*domain.Message, bool, error)
	SoftDelete(ctx context.Context, messageID, actorID string) (*domain.Message, bool, error)
	MarkRead(ctx context.Context, messageID, actorID string) (*domain.Message, bool, error)
	History(ctx context.Context, roomID string, limit, offset int) ([]*domain.Message, int, error)
	ConversationsFor(ctx context.Context, userID string) ([]string, error)
}

type Presence interface {
	Online(ctx context.Context, userID, connID string) error
	Offline(ctx context.Context, userID, connID string) error
}

type Settings struct {
	PingInterval   time.Duration
	WriteDeadline  time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
	RatePerSec     int
}

func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		PingInterval:   cfg.PingInterval,
		WriteDeadline:  cfg.WriteDeadline,
		PongWait:       cfg.PongWait,
		MaxMessageSize: cfg.WS.MaxMessageSizeBytes,
		SendBuffer:     cfg.WS.SendBuffer,
		RatePerSec:     cfg.WS.RateLimitPerSec,
	}
}

// Manager authenticates sockets and runs one Connection per socket.
type Manager struct {
	verifier auth.Verifier
	router   Router
	messages Messages
	presence Presence
	metrics  *metric.Metrics
	validate *validator.Validate
	cfg      Settings
	logger   *zap.SugaredLogger
}

func NewManager(v auth.Verifier, r Router, msgs Messages, p Presence, m *metric.Metrics, cfg Settings, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		verifier: v,
		router:   r,
		messages: msgs,
		presence: p,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		logger:   logger,
	}
}

// Accept verifies credential and serves sock until it closes. A rejected
// credential gets an auth_error frame and a closed socket; no connection is
// recorded.
func (m *Manager) Accept(sock Socket, credential string) {
	userID, err := m.verifier.Verify(credential)
	if err != nil {
		m.reject(sock, err)
		return
	}

	c := newConnection(uuid.New().String(), userID, sock, m.cfg.SendBuffer, m.cfg.RatePerSec, m.logger)
	m.connected(c)
	defer m.disconnected(c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(m.cfg)
	}()
	c.readPump(m.cfg, m.handle)
	// the socket must not be touched once Accept returns
	wg.Wait()
}

func (m *Manager) reject(sock Socket, err error) {
	m.logger.Infow("handshake rejected", "error", err)
	if m.metrics != nil {
		m.metrics.AuthFailures.Inc()
	}
	frame, ferr := domain.EncodeFrame(domain.EventAuthError, domain.ErrorPayload{Code: domain.ErrorCode(err), Message: err.Error()})
	if ferr == nil {
		_ = sock.SetWriteDeadline(time.Now().Add(m.cfg.WriteDeadline))
		_ = sock.WriteMessage(websocket.TextMessage, frame)
	}
	_ = sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), time.Now().Add(time.Second))
	_ = sock.Close()
}

func (m *Manager) connected(c *Connection) {
	if m.metrics != nil {
		m.metrics.Connections.Inc()
	}
	if m.presence != nil {
		if err := m.presence.Online(context.Background(), c.userID, c.id); err != nil {
			c.log.Warnw("presence online failed", "error", err)
		}
	}
	c.log.Infow("client connected")
	m.reply(c, "", domain.EventConnected, domain.ConnectedPayload{ClientID: c.id, UserID: c.userID})
}

// disconnected drops c from every room. Persisted data is untouched.
func (m *Manager) disconnected(c *Connection) {
	rooms, err := m.router.LeaveAll(c)
	if err != nil {
		c.log.Warnw("leave all failed", "error", err)
	}
	if m.presence != nil {
		if err := m.presence.Offline(context.Background(), c.userID, c.id); err != nil {
			c.log.Warnw("presence offline failed", "error", err)
		}
	}
	if m.metrics != nil {
		m.metrics.Connections.Dec()
	}
	c.log.Infow("client disconnected", "rooms", rooms)
}
