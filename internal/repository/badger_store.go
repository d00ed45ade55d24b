package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

const (
	msgPrefix = "msg:"
	idPrefix  = "id:"

	conflictRetries = 8
)

// BadgerStore is the embedded single-node backend.
//
// Rows live under "msg:{hex(room)}:{timestamp_padded}:{id}" so a prefix scan
// yields a room in chronological order; the 19-digit zero padding keeps the
// lexicographic order equal to the numeric one. "id:{id}" points back at the
// row key for lookups by message id.
type BadgerStore struct {
	db  *badger.DB
	log *zap.Logger
}

func OpenBadger(path string, inMemory bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	}
	return badger.Open(opts)
}

func NewBadgerStore(db *badger.DB, log *zap.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

func roomPrefix(roomID string) string {
	return msgPrefix + hex.EncodeToString([]byte(roomID)) + ":"
}

func rowKey(m *domain.Message) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", roomPrefix(m.RoomID), m.Timestamp.UnixNano(), m.ID))
}

func (s *BadgerStore) Create(_ context.Context, m *domain.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := rowKey(m)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(idPrefix + m.ID)); err == nil {
			return fmt.Errorf("message %s already exists", m.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, b); err != nil {
			return err
		}
		return txn.Set([]byte(idPrefix+m.ID), key)
	})
}

func (s *BadgerStore) FindByID(_ context.Context, id string) (*domain.Message, error) {
	var out *domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		_, m, err := s.load(txn, id)
		out = m
		return err
	})
	return out, err
}

func (s *BadgerStore) UpdateBody(_ context.Context, id, body string, editedAt time.Time, ifVersion *int64) (*domain.Message, error) {
	return s.mutate(id, func(m *domain.Message) error {
		if m.Deleted() {
			return domain.ErrNotFound
		}
		if ifVersion != nil && *ifVersion != m.Version {
			return domain.ErrStaleEdit
		}
		m.Body = body
		m.EditedAt = lo.ToPtr(editedAt)
		m.Version++
		return nil
	})
}

func (s *BadgerStore) SoftDelete(_ context.Context, id string, at time.Time) (*domain.Message, error) {
	return s.mutate(id, func(m *domain.Message) error {
		if !m.Deleted() {
			m.DeletedAt = lo.ToPtr(at)
		}
		return nil
	})
}

func (s *BadgerStore) MarkRead(_ context.Context, id string) (*domain.Message, error) {
	return s.mutate(id, func(m *domain.Message) error {
		m.IsRead = true
		return nil
	})
}

func (s *BadgerStore) ListByRoom(_ context.Context, roomID string, limit, offset int) ([]*domain.Message, error) {
	out := []*domain.Message{}
	if limit <= 0 {
		return out, nil
	}
	skipped := 0
	err := s.scan(roomPrefix(roomID), func(m *domain.Message) bool {
		if m.Deleted() {
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		out = append(out, m)
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) ConversationsFor(_ context.Context, userID string) ([]string, error) {
	last := make(map[string]time.Time)
	err := s.scan(msgPrefix, func(m *domain.Message) bool {
		if !m.Deleted() && m.Involves(userID) {
			if ts, ok := last[m.RoomID]; !ok || m.Timestamp.After(ts) {
				last[m.RoomID] = m.Timestamp
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return rankRooms(last), nil
}

func (s *BadgerStore) load(txn *badger.Txn, id string) ([]byte, *domain.Message, error) {
	ptr, err := txn.Get([]byte(idPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	key, err := ptr.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	item, err := txn.Get(key)
	if err != nil {
		return nil, nil, fmt.Errorf("dangling index for %s: %w", id, err)
	}
	var m domain.Message
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &m) })
	if err != nil {
		return nil, nil, err
	}
	return key, &m, nil
}

// mutate loads a row, applies fn and writes it back in one transaction.
// Concurrent writers to the same row conflict at commit; the loser reruns
// against the fresh row a bounded number of times.
func (s *BadgerStore) mutate(id string, fn func(m *domain.Message) error) (*domain.Message, error) {
	var out *domain.Message
	attempt := func() error {
		err := s.db.Update(func(txn *badger.Txn) error {
			key, m, err := s.load(txn, id)
			if err != nil {
				return err
			}
			if err := fn(m); err != nil {
				return err
			}
			b, err := json.Marshal(m)
			if err != nil {
				return err
			}
			out = m
			return txn.Set(key, b)
		})
		if err != nil && !errors.Is(err, badger.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}
	pause := backoff.NewExponentialBackOff()
	pause.InitialInterval = time.Millisecond
	pause.MaxInterval = 50 * time.Millisecond
	pause.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(pause, conflictRetries)
	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			s.log.Warn("row still contended after retries", zap.String("id", id))
		}
		return nil, err
	}
	return out, nil
}

// scan walks rows under prefix in key order until fn returns false.
func (s *BadgerStore) scan(prefix string, fn func(m *domain.Message) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			var m domain.Message
			err := item.Value(func(v []byte) error { return json.Unmarshal(v, &m) })
			if err != nil {
				s.log.Warn("skip undecodable row", zap.ByteString("key", item.KeyCopy(nil)), zap.Error(err))
				continue
			}
			if !fn(&m) {
				return nil
			}
		}
		return nil
	})
}
