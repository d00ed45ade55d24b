package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/config"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

// BreakerStore guards a MessageStore with a circuit breaker so a dead
// database fails fast instead of stalling every connection on timeouts.
// Not-found and stale-edit answers prove the backend is healthy and never
// count as failures.
type BreakerStore struct {
	next MessageStore
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerStore(next MessageStore, cfg config.BreakerConfig, logger *zap.Logger) *BreakerStore {
	st := gobreaker.Settings{
		Name:        "message-store",
		MaxRequests: 1,
		Interval:    time.Duration(cfg.IntervalSec) * time.Second,
		Timeout:     time.Duration(cfg.TimeoutSec) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrStaleEdit)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

// State exposes the breaker state for health reporting.
func (b *BreakerStore) State() gobreaker.State { return b.cb.State() }

func (b *BreakerStore) Create(ctx context.Context, m *domain.Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Create(ctx, m)
	})
	return b.translate(err)
}

func (b *BreakerStore) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	return b.one(func() (*domain.Message, error) { return b.next.FindByID(ctx, id) })
}

func (b *BreakerStore) UpdateBody(ctx context.Context, id, body string, editedAt time.Time, ifVersion *int64) (*domain.Message, error) {
	return b.one(func() (*domain.Message, error) { return b.next.UpdateBody(ctx, id, body, editedAt, ifVersion) })
}

func (b *BreakerStore) SoftDelete(ctx context.Context, id string, at time.Time) (*domain.Message, error) {
	return b.one(func() (*domain.Message, error) { return b.next.SoftDelete(ctx, id, at) })
}

func (b *BreakerStore) MarkRead(ctx context.Context, id string) (*domain.Message, error) {
	return b.one(func() (*domain.Message, error) { return b.next.MarkRead(ctx, id) })
}

func (b *BreakerStore) ListByRoom(ctx context.Context, roomID string, limit, offset int) ([]*domain.Message, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.ListByRoom(ctx, roomID, limit, offset)
	})
	if err != nil {
		return nil, b.translate(err)
	}
	return res.([]*domain.Message), nil
}

func (b *BreakerStore) ConversationsFor(ctx context.Context, userID string) ([]string, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.ConversationsFor(ctx, userID)
	})
	if err != nil {
		return nil, b.translate(err)
	}
	return res.([]string), nil
}

func (b *BreakerStore) one(fn func() (*domain.Message, error)) (*domain.Message, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, b.translate(err)
	}
	return res.(*domain.Message), nil
}

func (b *BreakerStore) translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return err
}
