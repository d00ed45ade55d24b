package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

// MemoryStore keeps messages in process memory. It backs tests and the
// "memory" store driver.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*domain.Message
	byRoom map[string][]string // roomID -> ids in insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*domain.Message),
		byRoom: make(map[string][]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return fmt.Errorf("message %s already exists", m.ID)
	}
	s.byID[m.ID] = m.Clone()
	s.byRoom[m.RoomID] = append(s.byRoom[m.RoomID], m.ID)
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) UpdateBody(_ context.Context, id, body string, editedAt time.Time, ifVersion *int64) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || m.Deleted() {
		return nil, domain.ErrNotFound
	}
	if ifVersion != nil && *ifVersion != m.Version {
		return nil, domain.ErrStaleEdit
	}
	m.Body = body
	m.EditedAt = lo.ToPtr(editedAt)
	m.Version++
	return m.Clone(), nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, id string, at time.Time) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !m.Deleted() {
		m.DeletedAt = lo.ToPtr(at)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) MarkRead(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	m.IsRead = true
	return m.Clone(), nil
}

func (s *MemoryStore) ListByRoom(_ context.Context, roomID string, limit, offset int) ([]*domain.Message, error) {
	s.mu.RLock()
	live := make([]*domain.Message, 0, len(s.byRoom[roomID]))
	for _, id := range s.byRoom[roomID] {
		if m := s.byID[id]; !m.Deleted() {
			live = append(live, m.Clone())
		}
	}
	s.mu.RUnlock()

	// stable: equal timestamps keep insertion order
	sort.SliceStable(live, func(i, j int) bool { return live[i].Timestamp.Before(live[j].Timestamp) })
	return page(live, limit, offset), nil
}

func (s *MemoryStore) ConversationsFor(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last := make(map[string]time.Time)
	for _, m := range s.byID {
		if m.Deleted() || !m.Involves(userID) {
			continue
		}
		if ts, ok := last[m.RoomID]; !ok || m.Timestamp.After(ts) {
			last[m.RoomID] = m.Timestamp
		}
	}
	return rankRooms(last), nil
}

// Len reports the number of stored rows, deleted ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
