package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/banking-audit-ledger/anchor/internal/auditlog/model"
)

const pgColumns = `id, created_at, source, event_type, payload, digest, digest_alg, status,
	tx_ref, committed_at, attempt_count, last_attempt_at, next_attempt_at,
	retryable, failure_reason, claim_token, claimed_at`

// PostgresStore is a Store backed by PostgreSQL. The schema lives in
// migrations/ and is applied by cmd/migrate.
type PostgresStore struct {
	db   *pgxpool.Pool
	opts Options
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore over an existing pool. The pool is
// owned by the caller; Close is a no-op.
func NewPostgresStore(db *pgxpool.Pool, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.withDefaults()}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, rec *model.LogRecord) error {
	prepareCreate(rec, s.opts.now())

	query := `
		INSERT INTO audit_logs (
			id, created_at, source, event_type, payload, digest, digest_alg,
			status, attempt_count, retryable, failure_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, true, '')`

	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.CreatedAt, rec.Source, rec.EventType,
		string(rec.Payload), rec.Digest, rec.DigestAlg, rec.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", model.ErrConflict, rec.ID)
		}
		return &model.StorageError{Op: "create", Err: err}
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*model.LogRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+pgColumns+` FROM audit_logs WHERE id = $1`, id)
	if err != nil {
		return nil, &model.StorageError{Op: "get", Err: err}
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, &model.StorageError{Op: "get", Err: err}
		}
		return nil, model.ErrNotFound
	}
	rec, err := scanPostgres(rows)
	if err != nil {
		return nil, &model.StorageError{Op: "get", Err: err}
	}
	return rec, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, f model.ListFilter, page, pageSize int) ([]*model.LogRecord, int, error) {
	var asOf *time.Time
	if !f.AsOf.IsZero() {
		t := f.AsOf.UTC()
		asOf = &t
	}
	where := `
		WHERE ($1 = '' OR source = $1)
		  AND ($2 = '' OR event_type = $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)`

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`+where,
		f.Source, f.EventType, asOf,
	).Scan(&total); err != nil {
		return nil, 0, &model.StorageError{Op: "count", Err: err}
	}

	rows, err := s.db.Query(ctx, `SELECT `+pgColumns+` FROM audit_logs`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`,
		f.Source, f.EventType, asOf, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, 0, &model.StorageError{Op: "list", Err: err}
	}
	recs, err := collectPostgres(rows)
	if err != nil {
		return nil, 0, &model.StorageError{Op: "list", Err: err}
	}
	return recs, total, nil
}

// ClaimPendingBatch implements Store. Rows locked by a concurrent claimer are
// skipped rather than waited on.
func (s *PostgresStore) ClaimPendingBatch(ctx context.Context, limit int) ([]*model.LogRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.opts.now()
	query := `
		UPDATE audit_logs
		SET status = 'claimed', claim_token = $2, claimed_at = $3, last_attempt_at = $3,
		    attempt_count = attempt_count + 1
		WHERE id IN (
			SELECT id FROM audit_logs
			WHERE status = 'pending'
			   OR (status = 'failed' AND retryable AND next_attempt_at <= $3)
			   OR (status = 'claimed' AND claimed_at <= $4)
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + pgColumns

	rows, err := s.db.Query(ctx, query, limit, uuid.New(), now, now.Add(-s.opts.ClaimLease))
	if err != nil {
		return nil, &model.StorageError{Op: "claim", Err: err}
	}
	recs, err := collectPostgres(rows)
	if err != nil {
		return nil, &model.StorageError{Op: "claim", Err: err}
	}
	return recs, nil
}

// MarkCommitted implements Store.
func (s *PostgresStore) MarkCommitted(ctx context.Context, id uuid.UUID, txRef string, committedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE audit_logs
		SET status = 'committed', tx_ref = $2, committed_at = $3, claim_token = NULL, claimed_at = NULL,
		    next_attempt_at = NULL, retryable = false, failure_reason = ''
		WHERE id = $1 AND status <> 'committed'`,
		id, txRef, committedAt.UTC(),
	)
	if err != nil {
		return &model.StorageError{Op: "mark committed", Err: err}
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return resolveCommitConflict(current, txRef)
}

// MarkFailed implements Store.
func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, f model.FailureUpdate) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE audit_logs
		SET status = 'failed', attempt_count = $3, next_attempt_at = $4, retryable = $5,
		    failure_reason = $6, claim_token = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'claimed' AND claim_token = $2`,
		id, f.ClaimToken, f.AttemptCount, f.NextAttemptAt, f.Retryable, f.Reason,
	)
	if err != nil {
		return &model.StorageError{Op: "mark failed", Err: err}
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return model.ErrClaimLost
}

// CountByStatus implements Store.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM audit_logs GROUP BY status`)
	if err != nil {
		return nil, &model.StorageError{Op: "count by status", Err: err}
	}
	defer rows.Close()

	counts := make(map[model.Status]int, len(model.Statuses))
	for _, st := range model.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, &model.StorageError{Op: "count by status", Err: err}
		}
		counts[model.Status(st)] = n
	}
	return counts, rows.Err()
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Close implements Store. The pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

// scanPostgres reads one record from a cursor positioned on a row selected
// with pgColumns.
func scanPostgres(rows pgx.Rows) (*model.LogRecord, error) {
	var rec model.LogRecord
	var payload []byte
	err := rows.Scan(
		&rec.ID, &rec.CreatedAt, &rec.Source, &rec.EventType, &payload, &rec.Digest, &rec.DigestAlg, &rec.Status,
		&rec.TxRef, &rec.CommittedAt, &rec.AttemptCount, &rec.LastAttemptAt, &rec.NextAttemptAt,
		&rec.Retryable, &rec.FailureReason, &rec.ClaimToken, &rec.ClaimedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.CreatedAt = rec.CreatedAt.UTC()
	for _, t := range []*time.Time{rec.CommittedAt, rec.LastAttemptAt, rec.NextAttemptAt, rec.ClaimedAt} {
		if t != nil {
			*t = t.UTC()
		}
	}
	return &rec, nil
}

func collectPostgres(rows pgx.Rows) ([]*model.LogRecord, error) {
	defer rows.Close()
	var out []*model.LogRecord
	for rows.Next() {
		rec, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
