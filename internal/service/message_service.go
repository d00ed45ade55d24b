package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/kafka"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/metric"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/repository"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/utils"
)

// Broadcaster fans a frame out to the live members of a room.
type Broadcaster interface {
	Broadcast(roomID string, frame []byte) (int, error)
}

// Deduper binds idempotency keys to message ids.
type Deduper interface {
	Claim(ctx context.Context, userID, key, messageID string) (string, bool, error)
	Release(ctx context.Context, userID, key string) error
}

// Publisher emits lifecycle events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev kafka.LifecycleEvent) error
}

type Settings struct {
	DefaultPageSize int
	MaxPageSize     int
	OpTimeout       time.Duration
}

type SendCommand struct {
	ActorID        string // authenticated user
	SenderID       string // optional, must match ActorID when set
	RoomID         string
	ReceiverID     string
	Body           string
	Kind           domain.Kind
	IdempotencyKey string
}

type EditCommand struct {
	ActorID         string
	MessageID       string
	Body            string
	ExpectedVersion *int64
}

// MessageService persists message changes and hands the stored record to
// the hub. Nothing is broadcast unless the store accepted the write.
type MessageService struct {
	store   repository.MessageStore
	hub     Broadcaster
	dedup   Deduper
	events  Publisher
	metrics *metric.Metrics
	cfg     Settings
	log     *zap.SugaredLogger

	now   func() time.Time
	newID func() string
}

func NewMessageService(store repository.MessageStore, hub Broadcaster, dedup Deduper, events Publisher, cfg Settings, log *zap.SugaredLogger) *MessageService {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		cfg.MaxPageSize = cfg.DefaultPageSize
	}
	if events == nil {
		events = kafka.Noop{}
	}
	return &MessageService{
		store:  store,
		hub:    hub,
		dedup:  dedup,
		events: events,
		cfg:    cfg,
		log:    log,
		now:    utils.NowUTC,
		newID:  func() string { return uuid.New().String() },
	}
}

// Instrument makes the service count lifecycle events.
func (s *MessageService) Instrument(m *metric.Metrics) *MessageService {
	s.metrics = m
	return s
}

// Send stores a new message and broadcasts it to the room. With an
// idempotency key, a resend returns the originally stored message with
// replayed set and broadcasts nothing.
func (s *MessageService) Send(ctx context.Context, cmd SendCommand) (*domain.Message, bool, error) {
	if err := validateSend(&cmd); err != nil {
		return nil, false, err
	}

	id := s.newID()
	if cmd.IdempotencyKey != "" && s.dedup != nil {
		bound, fresh, err := s.dedup.Claim(ctx, cmd.ActorID, cmd.IdempotencyKey, id)
		switch {
		case err != nil:
			// without the dedup backend a send still goes through once
			s.log.Warnw("idempotency claim failed", "user_id", cmd.ActorID, "error", err)
		case !fresh:
			return s.replay(ctx, bound)
		}
	}

	m := &domain.Message{
		ID:             id,
		RoomID:         cmd.RoomID,
		SenderID:       cmd.ActorID,
		ReceiverID:     cmd.ReceiverID,
		Body:           cmd.Body,
		Kind:           cmd.Kind,
		Timestamp:      s.now(),
		IdempotencyKey: cmd.IdempotencyKey,
	}

	opCtx, cancel := s.opContext(ctx)
	err := s.store.Create(opCtx, m)
	cancel()
	if err != nil {
		if cmd.IdempotencyKey != "" && s.dedup != nil {
			if rerr := s.dedup.Release(ctx, cmd.ActorID, cmd.IdempotencyKey); rerr != nil {
				s.log.Warnw("idempotency release failed", "user_id", cmd.ActorID, "error", rerr)
			}
		}
		return nil, false, s.storeErr("create message", err)
	}

	s.broadcast(domain.EventMessage, m)
	s.publish(ctx, kafka.EventCreated, cmd.ActorID, m)
	return m, false, nil
}

func (s *MessageService) replay(ctx context.Context, id string) (*domain.Message, bool, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	m, err := s.store.FindByID(opCtx, id)
	if errors.Is(err, domain.ErrNotFound) {
		// the first attempt claimed the key and has not stored its row yet
		return nil, false, fmt.Errorf("%w: idempotency key is still in flight", domain.ErrValidation)
	}
	if err != nil {
		return nil, false, s.storeErr("replay message", err)
	}
	return m, true, nil
}

// Edit replaces the body of a message. Only its sender may edit it. A
// soft-deleted target is left alone and returned with changed unset.
func (s *MessageService) Edit(ctx context.Context, cmd EditCommand) (*domain.Message, bool, error) {
	if cmd.MessageID == "" {
		return nil, false, fmt.Errorf("%w: messageId is required", domain.ErrValidation)
	}
	if strings.TrimSpace(cmd.Body) == "" {
		return nil, false, fmt.Errorf("%w: newMessage is required", domain.ErrValidation)
	}

	cur, err := s.find(ctx, cmd.MessageID)
	if err != nil {
		return nil, false, err
	}
	if cur.Deleted() {
		return cur, false, nil
	}
	if cur.SenderID != cmd.ActorID {
		return nil, false, fmt.Errorf("%w: only the sender may edit message %s", domain.ErrForbidden, cur.ID)
	}
	if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != cur.Version {
		return nil, false, fmt.Errorf("%w: message %s is at version %d", domain.ErrStaleEdit, cur.ID, cur.Version)
	}

	at := s.now()
	if cur.EditedAt != nil && at.Before(*cur.EditedAt) {
		at = *cur.EditedAt
	}
	opCtx, cancel := s.opContext(ctx)
	m, err := s.store.UpdateBody(opCtx, cmd.MessageID, cmd.Body, at, cmd.ExpectedVersion)
	cancel()
	if err != nil {
		return nil, false, s.storeErr("edit message", err)
	}

	s.broadcast(domain.EventMessageEdited, m)
	s.publish(ctx, kafka.EventEdited, cmd.ActorID, m)
	return m, true, nil
}

// SoftDelete marks a message deleted. Deleting twice is a no-op that returns
// the stored record with changed unset.
func (s *MessageService) SoftDelete(ctx context.Context, messageID, actorID string) (*domain.Message, bool, error) {
	if messageID == "" {
		return nil, false, fmt.Errorf("%w: messageId is required", domain.ErrValidation)
	}
	cur, err := s.find(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	if cur.Deleted() {
		return cur, false, nil
	}
	if cur.SenderID != actorID {
		return nil, false, fmt.Errorf("%w: only the sender may delete message %s", domain.ErrForbidden, cur.ID)
	}

	opCtx, cancel := s.opContext(ctx)
	m, err := s.store.SoftDelete(opCtx, messageID, s.now())
	cancel()
	if err != nil {
		return nil, false, s.storeErr("delete message", err)
	}

	s.broadcast(domain.EventMessageDeleted, m)
	s.publish(ctx, kafka.EventDeleted, actorID, m)
	return m, true, nil
}

// MarkRead sets the read flag. Every call on a live message broadcasts, even
// when the flag was already set.
func (s *MessageService) MarkRead(ctx context.Context, messageID, actorID string) (*domain.Message, bool, error) {
	if messageID == "" {
		return nil, false, fmt.Errorf("%w: messageId is required", domain.ErrValidation)
	}
	cur, err := s.find(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	if cur.Deleted() {
		return cur, false, nil
	}

	opCtx, cancel := s.opContext(ctx)
	m, err := s.store.MarkRead(opCtx, messageID)
	cancel()
	if err != nil {
		return nil, false, s.storeErr("mark read", err)
	}

	s.broadcast(domain.EventMessageRead, m)
	s.publish(ctx, kafka.EventRead, actorID, m)
	return m, true, nil
}

// History returns one page of a room's live messages, oldest first. limit
// falls back to the default page size and is capped at the maximum.
func (s *MessageService) History(ctx context.Context, roomID string, limit, offset int) ([]*domain.Message, int, error) {
	if roomID == "" {
		return nil, 0, fmt.Errorf("%w: roomId is required", domain.ErrValidation)
	}
	if offset < 0 {
		return nil, 0, fmt.Errorf("%w: skip must not be negative", domain.ErrValidation)
	}
	limit = s.clampLimit(limit)

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	page, err := s.store.ListByRoom(opCtx, roomID, limit, offset)
	if err != nil {
		return nil, limit, s.storeErr("list room", err)
	}
	return page, limit, nil
}

func (s *MessageService) ConversationsFor(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrValidation)
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	rooms, err := s.store.ConversationsFor(opCtx, userID)
	if err != nil {
		return nil, s.storeErr("list conversations", err)
	}
	return rooms, nil
}

func (s *MessageService) clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return s.cfg.DefaultPageSize
	case limit > s.cfg.MaxPageSize:
		return s.cfg.MaxPageSize
	}
	return limit
}

func (s *MessageService) find(ctx context.Context, id string) (*domain.Message, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	m, err := s.store.FindByID(opCtx, id)
	if err != nil {
		return nil, s.storeErr("find message "+id, err)
	}
	return m, nil
}

func (s *MessageService) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// storeErr keeps domain answers from the store and turns anything else into
// a persistence failure.
func (s *MessageService) storeErr(op string, err error) error {
	for _, known := range []error{domain.ErrNotFound, domain.ErrStaleEdit, domain.ErrPersistence} {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	s.log.Errorw("store failure", "op", op, "error", err)
	return fmt.Errorf("%s: %w: %v", op, domain.ErrPersistence, err)
}

func (s *MessageService) broadcast(typ string, m *domain.Message) {
	frame, err := domain.EncodeFrame(typ, m)
	if err != nil {
		s.log.Errorw("encode broadcast", "type", typ, "message_id", m.ID, "error", err)
		return
	}
	if _, err := s.hub.Broadcast(m.RoomID, frame); err != nil {
		s.log.Warnw("broadcast dropped", "type", typ, "room_id", m.RoomID, "error", err)
	}
}

func (s *MessageService) publish(ctx context.Context, typ, actorID string, m *domain.Message) {
	if s.metrics != nil {
		s.metrics.Lifecycle.WithLabelValues(typ).Inc()
	}
	if err := s.events.Publish(ctx, kafka.NewLifecycleEvent(typ, actorID, m, s.now())); err != nil {
		s.log.Warnw("lifecycle publish failed", "type", typ, "message_id", m.ID, "error", err)
	}
}

func validateSend(cmd *SendCommand) error {
	switch {
	case cmd.ActorID == "":
		return fmt.Errorf("%w: unauthenticated sender", domain.ErrValidation)
	case cmd.RoomID == "":
		return fmt.Errorf("%w: roomId is required", domain.ErrValidation)
	case strings.TrimSpace(cmd.Body) == "":
		return fmt.Errorf("%w: message is required", domain.ErrValidation)
	case cmd.SenderID != "" && cmd.SenderID != cmd.ActorID:
		return fmt.Errorf("%w: senderId does not match the authenticated user", domain.ErrValidation)
	}
	if cmd.Kind == "" {
		cmd.Kind = domain.KindText
	}
	if !cmd.Kind.Valid() {
		return fmt.Errorf("%w: unknown message type %q", domain.ErrValidation, cmd.Kind)
	}
	return nil
}
