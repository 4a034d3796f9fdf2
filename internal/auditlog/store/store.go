// Package store persists audit log records and owns every transition of
// their anchoring status.
//
// Two implementations share one contract: PostgresStore for production and
// SQLiteStore for single-node deployments and tests. Status changes are
// atomic conditional updates on one row; no method holds a lock across a
// call to the ledger.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/banking-audit-ledger/anchor/internal/auditlog/model"
)

// DefaultClaimLease is how long a claim stays exclusive before another
// worker may take the record over.
const DefaultClaimLease = 5 * time.Minute

// Store is the Log Store contract.
type Store interface {
	// Create persists rec as pending. A zero ID is replaced by a fresh one.
	// An ID that already exists yields model.ErrConflict.
	Create(ctx context.Context, rec *model.LogRecord) error

	// Get returns the record or model.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*model.LogRecord, error)

	// List returns one page ordered by (created_at, id) descending and the
	// number of records matching the filter.
	List(ctx context.Context, filter model.ListFilter, page, pageSize int) ([]*model.LogRecord, int, error)

	// ClaimPendingBatch atomically moves up to limit eligible records to
	// claimed and returns them. Eligible records are pending ones, failed
	// ones whose backoff has elapsed, and claimed ones whose lease expired.
	ClaimPendingBatch(ctx context.Context, limit int) ([]*model.LogRecord, error)

	// MarkCommitted records a successful anchoring. Repeating the call with
	// the same txRef is a no-op; a different txRef yields model.ErrIntegrity.
	MarkCommitted(ctx context.Context, id uuid.UUID, txRef string, committedAt time.Time) error

	// MarkFailed records a failed attempt for a record still claimed under
	// f.ClaimToken. A lost claim yields model.ErrClaimLost.
	MarkFailed(ctx context.Context, id uuid.UUID, f model.FailureUpdate) error

	// CountByStatus returns the number of records per status.
	CountByStatus(ctx context.Context) (map[model.Status]int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Options tunes a store.
type Options struct {
	ClaimLease time.Duration
	Clock      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ClaimLease <= 0 {
		o.ClaimLease = DefaultClaimLease
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// now returns the store clock truncated to the microsecond precision both
// databases keep.
func (o Options) now() time.Time {
	return o.Clock().UTC().Truncate(time.Microsecond)
}

// prepareCreate fills the server-assigned fields of a new record.
func prepareCreate(rec *model.LogRecord, now time.Time) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = now
	rec.Status = model.StatusPending
	rec.TxRef = nil
	rec.CommittedAt = nil
	rec.AttemptCount = 0
	rec.LastAttemptAt = nil
	rec.NextAttemptAt = nil
	rec.Retryable = true
	rec.FailureReason = ""
	rec.ClaimToken = nil
	rec.ClaimedAt = nil
}

// resolveCommitConflict interprets a MarkCommitted that changed no row.
func resolveCommitConflict(current *model.LogRecord, txRef string) error {
	if current.Status == model.StatusCommitted && current.TxRef != nil {
		if *current.TxRef == txRef {
			return nil
		}
		return &commitMismatch{id: current.ID, have: *current.TxRef, got: txRef}
	}
	return model.ErrIntegrity
}

type commitMismatch struct {
	id        uuid.UUID
	have, got string
}

func (e *commitMismatch) Error() string {
	return "record " + e.id.String() + " already committed as " + e.have + ", refusing " + e.got
}

func (e *commitMismatch) Unwrap() error { return model.ErrIntegrity }
