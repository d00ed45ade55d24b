package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/auth"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/metric"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/redis"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/ws"
)

const (
	localCredential = "credential"
	localUserID     = "user_id"
)

// History is the read side of the message service.
type History interface {
	History(ctx context.Context, roomID string, limit, offset int) ([]*domain.Message, int, error)
}

type PresenceReader interface {
	Get(ctx context.Context, userID string) (redis.Presence, error)
}

type Server struct {
	mgr      *ws.Manager
	history  History
	presence PresenceReader
	verifier auth.Verifier
	log      *zap.Logger
}

// NewServer wires the HTTP surface: the websocket endpoint, the history and
// presence reads, health and metrics.
func NewServer(mgr *ws.Manager, h History, p PresenceReader, v auth.Verifier, m *metric.Metrics, logger *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(requestLogger(logger))
	s := &Server{mgr: mgr, history: h, presence: p, verifier: v, log: logger}

	if m != nil {
		app.Get("/metrics", m.Handler())
	}

	api := app.Group("/v1")
	api.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	api.Get("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals(localCredential, auth.Credential(c.Get(fiber.HeaderAuthorization), c.Query("token")))
		return c.Next()
	})
	api.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		credential, _ := conn.Locals(localCredential).(string)
		s.mgr.Accept(conn, credential)
	}))

	bearer := s.bearer()
	api.Get("/rooms/:room_id/messages", bearer, s.getMessages)
	api.Get("/presence/:user_id", bearer, s.getPresence)

	return app
}

// bearer rejects requests without a valid Authorization header.
func (s *Server) bearer() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
		}
		uid, err := s.verifier.Verify(token)
		if err != nil {
			s.log.Debug("jwt invalid", zap.Error(err))
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}
		c.Locals(localUserID, uid)
		return c.Next()
	}
}

func (s *Server) getMessages(c *fiber.Ctx) error {
	roomID := c.Params("room_id")
	take, skip := c.QueryInt("take", 0), c.QueryInt("skip", 0)
	if take < 0 || skip < 0 {
		return fail(c, domain.ErrValidation)
	}
	msgs, limit, err := s.history.History(c.UserContext(), roomID, take, skip)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(domain.MessagesPayload{RoomID: roomID, Take: limit, Skip: skip, Messages: msgs})
}

func (s *Server) getPresence(c *fiber.Ctx) error {
	p, err := s.presence.Get(c.UserContext(), c.Params("user_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(p)
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(domain.ErrorPayload{Code: domain.ErrorCode(err), Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthFailure):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStaleEdit):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := http.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
