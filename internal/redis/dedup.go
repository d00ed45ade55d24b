package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore binds client idempotency keys to the message id created for
// them, so a resent saveMessage resolves to the original message.
// Keys used:
// - <prefix>:idem:<userID>:<key> -> messageID (expires after ttl)
type DedupStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewDedupStore(r *redis.Client, prefix string, ttl time.Duration) *DedupStore {
	return &DedupStore{client: r, prefix: prefix, ttl: ttl}
}

func (s *DedupStore) key(userID, key string) string {
	return fmt.Sprintf("%s:idem:%s:%s", s.prefix, userID, key)
}

// Claim binds key to messageID unless it is already bound. It returns the
// bound id and whether this call made the binding.
func (s *DedupStore) Claim(ctx context.Context, userID, key, messageID string) (string, bool, error) {
	k := s.key(userID, key)
	ok, err := s.client.SetNX(ctx, k, messageID, s.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return messageID, true, nil
	}
	existing, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		ok, err = s.client.SetNX(ctx, k, messageID, s.ttl).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return messageID, true, nil
		}
		existing, err = s.client.Get(ctx, k).Result()
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// Release drops a binding whose message never got persisted.
func (s *DedupStore) Release(ctx context.Context, userID, key string) error {
	return s.client.Del(ctx, s.key(userID, key)).Err()
}
