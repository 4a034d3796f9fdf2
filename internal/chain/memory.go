package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MemoryChain is an in-memory, thread-safe Chain. Attach a Journal with
// Restore to keep it across restarts.
type MemoryChain struct {
	mu      sync.RWMutex
	entries []*Entry
	byTx    map[string]*Entry
	byKey   map[string]*Entry
	journal *Journal
	now     func() time.Time
}

var _ Chain = (*MemoryChain)(nil)

// Option configures a MemoryChain.
type Option func(*MemoryChain)

// WithClock overrides the clock used to timestamp entries.
func WithClock(now func() time.Time) Option {
	return func(c *MemoryChain) { c.now = now }
}

// NewMemory creates a MemoryChain holding only the genesis entry.
func NewMemory(opts ...Option) *MemoryChain {
	g := genesisEntry()
	c := &MemoryChain{
		entries: []*Entry{g},
		byTx:    map[string]*Entry{},
		byKey:   map[string]*Entry{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Restore replays j into the chain and journals every later append to it.
// The chain must still hold only genesis.
func (c *MemoryChain) Restore(j *Journal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) != 1 {
		return errors.New("restore into a non-empty chain")
	}
	err := j.Replay(func(e *Entry) error {
		prev := c.entries[len(c.entries)-1]
		if err := checkLink(prev, e); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		c.insert(e)
		return nil
	})
	if err != nil {
		return err
	}
	c.journal = j
	return nil
}

// OpenMemory creates a MemoryChain backed by the journal at path, replaying
// whatever the journal already holds. The parent directory is created when
// missing.
func OpenMemory(path string, opts ...Option) (*MemoryChain, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j, err := OpenJournal(path)
	if err != nil {
		return nil, err
	}
	c := NewMemory(opts...)
	if err := c.Restore(j); err != nil {
		j.Close()
		return nil, fmt.Errorf("restore %s: %w", path, err)
	}
	return c, nil
}

// Close closes the attached journal, if any.
func (c *MemoryChain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal == nil {
		return nil
	}
	err := c.journal.Close()
	c.journal = nil
	return err
}

// Append implements Chain.
func (c *MemoryChain) Append(_ context.Context, key, digest, submitter string) (*Entry, bool, error) {
	if err := validateAppend(key, digest); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byKey[key]; ok {
		if existing.Digest != digest {
			return nil, false, ErrKeyConflict
		}
		return copyEntry(existing), false, nil
	}

	e := newEntry(c.entries[len(c.entries)-1], c.now(), key, digest, submitter)
	if c.journal != nil {
		if err := c.journal.Append(e); err != nil {
			return nil, false, fmt.Errorf("journal entry %d: %w", e.Index, err)
		}
	}
	c.insert(e)
	return copyEntry(e), true, nil
}

func (c *MemoryChain) insert(e *Entry) {
	c.entries = append(c.entries, e)
	c.byTx[e.TxRef] = e
	c.byKey[e.Key] = e
}

// Get implements Chain.
func (c *MemoryChain) Get(_ context.Context, index int) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.entries) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return copyEntry(c.entries[index]), nil
}

// GetByTx implements Chain.
func (c *MemoryChain) GetByTx(_ context.Context, txRef string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byTx[txRef]
	if !ok {
		return nil, fmt.Errorf("%w: tx %s", ErrNotFound, txRef)
	}
	return copyEntry(e), nil
}

// GetByKey implements Chain.
func (c *MemoryChain) GetByKey(_ context.Context, key string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ErrNotFound, key)
	}
	return copyEntry(e), nil
}

// List implements Chain.
func (c *MemoryChain) List(_ context.Context, offset, limit int) ([]*Entry, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if offset >= len(c.entries) {
		return []*Entry{}, nil
	}
	end := min(offset+limit, len(c.entries))
	out := make([]*Entry, 0, end-offset)
	for _, e := range c.entries[offset:end] {
		out = append(out, copyEntry(e))
	}
	return out, nil
}

// Len implements Chain.
func (c *MemoryChain) Len(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), nil
}

// Verify implements Chain.
func (c *MemoryChain) Verify(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i, curr := range c.entries {
		if i == 0 {
			if err := checkGenesis(curr); err != nil {
				return err
			}
			continue
		}
		if err := checkLink(c.entries[i-1], curr); err != nil {
			return err
		}
	}
	return nil
}

// Root implements Chain.
func (c *MemoryChain) Root(_ context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[len(c.entries)-1].Hash, nil
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	return &cp
}
