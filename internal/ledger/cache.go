package ledger

import (
	"context"
	"sync"
	"time"
)

// digestEntry holds a digest read back from the ledger.
type digestEntry struct {
	digest    string
	expiresAt time.Time
}

func (e *digestEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Cached wraps a Ledger and keeps QueryDigest results for a TTL. Anchored
// digests never change, so the TTL only bounds memory. Errors, including
// ErrNotFound, are never cached.
type Cached struct {
	Ledger

	mu      sync.RWMutex
	entries map[string]*digestEntry
	ttl     time.Duration
	max     int
}

// NewCached wraps l. max bounds the number of cached transactions; when it
// is reached, expired entries are evicted before inserting.
func NewCached(l Ledger, ttl time.Duration, max int) *Cached {
	if max <= 0 {
		max = 10_000
	}
	return &Cached{Ledger: l, entries: make(map[string]*digestEntry), ttl: ttl, max: max}
}

// QueryDigest implements Ledger.
func (c *Cached) QueryDigest(ctx context.Context, txRef string) (string, error) {
	if d, ok := c.get(txRef); ok {
		return d, nil
	}
	d, err := c.Ledger.QueryDigest(ctx, txRef)
	if err != nil {
		return "", err
	}
	c.set(txRef, d)
	return d, nil
}

func (c *Cached) get(txRef string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[txRef]
	if !ok || e.expired(time.Now()) {
		return "", false
	}
	return e.digest, true
}

func (c *Cached) set(txRef, digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.evictLocked()
	}
	if len(c.entries) >= c.max {
		return
	}
	c.entries[txRef] = &digestEntry{digest: digest, expiresAt: time.Now().Add(c.ttl)}
}

// Evict removes all expired entries and returns how many were dropped.
func (c *Cached) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}

func (c *Cached) evictLocked() int {
	now := time.Now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries, including expired ones.
func (c *Cached) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
