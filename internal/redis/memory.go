package redis

import (
	"context"
	"sync"
	"time"
)

// MemoryDedup is the single-process stand-in for DedupStore when no Redis
// address is configured.
type MemoryDedup struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	keys      map[string]dedupEntry
	nextSweep time.Time
}

type dedupEntry struct {
	messageID string
	expires   time.Time
}

func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	return &MemoryDedup{ttl: ttl, now: time.Now, keys: make(map[string]dedupEntry)}
}

func (d *MemoryDedup) Claim(_ context.Context, userID, key, messageID string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	k := userID + ":" + key
	if e, ok := d.keys[k]; ok && now.Before(e.expires) {
		return e.messageID, false, nil
	}
	d.keys[k] = dedupEntry{messageID: messageID, expires: now.Add(d.ttl)}
	if !now.Before(d.nextSweep) {
		d.sweep(now)
		d.nextSweep = now.Add(d.ttl)
	}
	return messageID, true, nil
}

func (d *MemoryDedup) Release(_ context.Context, userID, key string) error {
	d.mu.Lock()
	delete(d.keys, userID+":"+key)
	d.mu.Unlock()
	return nil
}

// sweep drops expired keys; called with mu held, at most once per ttl so a
// claim stays cheap. Expired keys left in between are ignored by Claim.
func (d *MemoryDedup) sweep(now time.Time) {
	for k, e := range d.keys {
		if !now.Before(e.expires) {
			delete(d.keys, k)
		}
	}
}

// MemoryPresence tracks presence for a single gateway process.
type MemoryPresence struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{}
	seen  map[string]time.Time
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		conns: make(map[string]map[string]struct{}),
		seen:  make(map[string]time.Time),
	}
}

func (p *MemoryPresence) Online(_ context.Context, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		p.conns[userID] = set
	}
	set[connID] = struct{}{}
	p.seen[userID] = time.Now().UTC()
	return nil
}

func (p *MemoryPresence) Offline(_ context.Context, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.conns[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(p.conns, userID)
		}
	}
	p.seen[userID] = time.Now().UTC()
	return nil
}

func (p *MemoryPresence) Get(_ context.Context, userID string) (Presence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Presence{UserID: userID, Status: StatusOffline, LastSeen: p.seen[userID]}
	if n := len(p.conns[userID]); n > 0 {
		out.Status = StatusOnline
		out.Connections = int64(n)
	}
	return out, nil
}
