// Package ledger is the adapter between the anchoring pipeline and the
// append-only ledger network.
//
// The adapter only submits digests and reads them back; it never touches
// local log records. Errors are classified so callers can decide whether a
// retry may succeed: ErrUnavailable is transient, *RejectedError is
// permanent, ErrNotFound means the ledger has no such transaction.
package ledger

import "context"

// Ledger anchors digests on the ledger network.
type Ledger interface {
	// Submit anchors digest under idempotencyKey and returns the ledger
	// transaction reference. Re-submitting the same key and digest returns
	// the original reference.
	Submit(ctx context.Context, idempotencyKey, digest string) (txRef string, err error)

	// QueryDigest returns the digest anchored by txRef.
	QueryDigest(ctx context.Context, txRef string) (string, error)

	// Ping reports whether the ledger is reachable.
	Ping(ctx context.Context) error

	Close() error
}
