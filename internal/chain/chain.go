// Package chain implements the append-only hash chain kept by a ledger node.
//
// The chain begins with a well-known genesis entry whose Hash equals
// GenesisHash (64 hex zeros). Each later entry anchors one digest under an
// idempotency key and records the hash of its predecessor, so any rewrite of
// history is detectable via Verify.
//
// Two implementations of the Chain interface are provided:
//   - MemoryChain: in-process, optionally made durable by a Journal.
//   - PostgresChain: durable, shared by several ledger node replicas.
package chain

import "context"

// DefaultListLimit bounds List when the caller passes a non-positive limit.
const DefaultListLimit = 100

// Chain is the append-only ledger.
type Chain interface {
	// Append anchors digest under key. A key seen before with the same digest
	// returns the original entry and created=false. A key seen before with a
	// different digest yields ErrKeyConflict.
	Append(ctx context.Context, key, digest, submitter string) (entry *Entry, created bool, err error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// GetByTx returns the entry whose TxRef is txRef.
	GetByTx(ctx context.Context, txRef string) (*Entry, error)

	// GetByKey returns the entry anchored under key.
	GetByKey(ctx context.Context, key string) (*Entry, error)

	// List returns up to limit entries starting at offset, in index order.
	List(ctx context.Context, offset, limit int) ([]*Entry, error)

	// Len returns the number of entries including genesis.
	Len(ctx context.Context) (int, error)

	// Verify walks the whole chain and checks hash consistency.
	Verify(ctx context.Context) error

	// Root returns the hash of the chain tip.
	Root(ctx context.Context) (string, error)
}
