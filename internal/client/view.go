package client

import (
	"sync"

	"github.com/samber/lo"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

// View is the local copy of the active room. It is written by the
// controller loop and read from any goroutine.
type View struct {
	mu    sync.RWMutex
	room  string
	order []string
	byID  map[string]*domain.Message
}

func newView() *View {
	return &View{byID: make(map[string]*domain.Message)}
}

// Room returns the room the view currently mirrors.
func (v *View) Room() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.room
}

// Messages returns the visible messages in display order.
func (v *View) Messages() []*domain.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return lo.FilterMap(v.order, func(id string, _ int) (*domain.Message, bool) {
		m := v.byID[id]
		return m.Clone(), !m.Deleted()
	})
}

// replace drops everything and loads a fresh history page.
func (v *View) replace(room string, page []*domain.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.room = room
	v.order = v.order[:0]
	v.byID = make(map[string]*domain.Message, len(page))
	for _, m := range page {
		if m == nil || m.Deleted() {
			continue
		}
		if _, dup := v.byID[m.ID]; dup {
			continue
		}
		v.byID[m.ID] = m.Clone()
		v.order = append(v.order, m.ID)
	}
}

// apply folds one server event into the view and reports whether anything
// changed. Events for other rooms are ignored.
func (v *View) apply(typ string, m *domain.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if m == nil || m.RoomID != v.room {
		return false
	}
	cur, known := v.byID[m.ID]
	switch typ {
	case domain.EventMessage:
		// the echo of our own send and a replay both carry a known id
		if known || m.Deleted() {
			return false
		}
		v.byID[m.ID] = m.Clone()
		v.order = append(v.order, m.ID)
		return true
	case domain.EventMessageEdited, domain.EventMessageRead:
		if !known || m.Version < cur.Version {
			return false
		}
		v.byID[m.ID] = m.Clone()
		return true
	case domain.EventMessageDeleted:
		if !known {
			return false
		}
		delete(v.byID, m.ID)
		v.order = lo.Without(v.order, m.ID)
		return true
	}
	return false
}
