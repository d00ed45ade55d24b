package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type Presence struct {
	UserID      string    `json:"userId"`
	Status      string    `json:"status"`
	LastSeen    time.Time `json:"lastSeen"`
	Connections int64     `json:"connections"`
}

type presenceRecord struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

// PresenceStore stores socket mappings and presence info in Redis.
// Keys used:
// - <prefix>:conn:<userID>: set of connection ids
// - <prefix>:presence:<userID> -> json {status,last_seen}
type PresenceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewPresenceStore(r *redis.Client, prefix string, ttl time.Duration) *PresenceStore {
	return &PresenceStore{client: r, prefix: prefix, ttl: ttl}
}

func (s *PresenceStore) connKey(userID string) string {
	return fmt.Sprintf("%s:conn:%s", s.prefix, userID)
}

func (s *PresenceStore) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, userID)
}

// Online registers connID for userID and marks the user online.
func (s *PresenceStore) Online(ctx context.Context, userID, connID string) error {
	pb, err := json.Marshal(presenceRecord{Status: StatusOnline, LastSeen: time.Now().Unix()})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, s.connKey(userID), connID)
		p.Expire(ctx, s.connKey(userID), s.ttl)
		p.Set(ctx, s.presenceKey(userID), pb, s.ttl)
		return nil
	})
	return err
}

// Offline removes connID; the user turns offline once no connection is left.
func (s *PresenceStore) Offline(ctx context.Context, userID, connID string) error {
	key := s.connKey(userID)
	if err := s.client.SRem(ctx, key, connID).Err(); err != nil {
		return err
	}
	cnt, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if cnt > 0 {
		return nil
	}
	pb, err := json.Marshal(presenceRecord{Status: StatusOffline, LastSeen: time.Now().Unix()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.presenceKey(userID), pb, 0).Err()
}

// Get reports the presence of userID. Unknown users are offline.
func (s *PresenceStore) Get(ctx context.Context, userID string) (Presence, error) {
	out := Presence{UserID: userID, Status: StatusOffline}
	b, err := s.client.Get(ctx, s.presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	var rec presenceRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return out, fmt.Errorf("decode presence: %w", err)
	}
	out.Status = rec.Status
	out.LastSeen = time.Unix(rec.LastSeen, 0).UTC()
	cnt, err := s.client.SCard(ctx, s.connKey(userID)).Result()
	if err != nil {
		return out, err
	}
	out.Connections = cnt
	return out, nil
}
