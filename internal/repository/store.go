package repository

import (
	"context"
	"sort"
	"time"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_message_store.go -package=mocks

// MessageStore is the durable message table. Implementations return
// domain.ErrNotFound for unknown (or, for UpdateBody, soft-deleted) ids and
// domain.ErrStaleEdit when a conditional edit loses the version check.
type MessageStore interface {
	Create(ctx context.Context, m *domain.Message) error
	FindByID(ctx context.Context, id string) (*domain.Message, error)
	// UpdateBody replaces the body of a live message and bumps its version.
	// A non-nil ifVersion makes the update conditional on the stored version.
	UpdateBody(ctx context.Context, id, body string, editedAt time.Time, ifVersion *int64) (*domain.Message, error)
	// SoftDelete sets deleted_at once; deleting twice returns the stored record.
	SoftDelete(ctx context.Context, id string, at time.Time) (*domain.Message, error)
	MarkRead(ctx context.Context, id string) (*domain.Message, error)
	// ListByRoom returns live messages of a room, oldest first.
	ListByRoom(ctx context.Context, roomID string, limit, offset int) ([]*domain.Message, error)
	// ConversationsFor returns the rooms where userID sent or received a live
	// message, most recent activity first.
	ConversationsFor(ctx context.Context, userID string) ([]string, error)
}

type roomActivity struct {
	room string
	last time.Time
}

// rankRooms orders rooms by last activity descending, room id breaking ties.
func rankRooms(last map[string]time.Time) []string {
	acts := make([]roomActivity, 0, len(last))
	for room, ts := range last {
		acts = append(acts, roomActivity{room: room, last: ts})
	}
	sort.Slice(acts, func(i, j int) bool {
		if !acts[i].last.Equal(acts[j].last) {
			return acts[i].last.After(acts[j].last)
		}
		return acts[i].room < acts[j].room
	})
	out := make([]string, len(acts))
	for i, a := range acts {
		out[i] = a.room
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) || limit <= 0 {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
