package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/banking-audit-ledger/anchor/internal/auditlog/model"
)

//go:embed schema.sql
var sqliteSchema string

// sqliteSchemaVersion is recorded in PRAGMA user_version.
const sqliteSchemaVersion = 1

const sqliteColumns = `id, created_at, source, event_type, payload, digest, digest_alg, status,
	tx_ref, committed_at, attempt_count, last_attempt_at, next_attempt_at,
	retryable, failure_reason, claim_token, claimed_at`

// SQLiteStore is a Store backed by a single SQLite file. All access goes
// through one connection, which serializes writers and makes each
// conditional UPDATE atomic with respect to other workers in the process.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path and applies the schema.
// The database runs in WAL mode with a 5 second busy timeout.
func OpenSQLite(path string, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if err := applySQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, opts: opts.withDefaults()}, nil
}

func applySQLiteSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version > sqliteSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, sqliteSchemaVersion)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for maintenance and tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, rec *model.LogRecord) error {
	prepareCreate(rec, s.opts.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, created_at, source, event_type, payload, digest, digest_alg,
			status, attempt_count, retryable, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 1, '')`,
		rec.ID.String(), rec.CreatedAt.UnixMicro(), rec.Source, rec.EventType,
		string(rec.Payload), rec.Digest, rec.DigestAlg, string(rec.Status),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("%w: %s", model.ErrConflict, rec.ID)
		}
		return &model.StorageError{Op: "create", Err: err}
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*model.LogRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM audit_logs WHERE id = ?`, id.String())
	rec, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, &model.StorageError{Op: "get", Err: err}
	}
	return rec, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, f model.ListFilter, page, pageSize int) ([]*model.LogRecord, int, error) {
	var asOf int64
	if !f.AsOf.IsZero() {
		asOf = f.AsOf.UnixMicro()
	}
	where := `WHERE (? = '' OR source = ?) AND (? = '' OR event_type = ?) AND (? = 0 OR created_at <= ?)`
	args := []any{f.Source, f.Source, f.EventType, f.EventType, asOf, asOf}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs `+where, args...).Scan(&total); err != nil {
		return nil, 0, &model.StorageError{Op: "count", Err: err}
	}

	offset := (page - 1) * pageSize
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM audit_logs `+where+`
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, pageSize, offset)...,
	)
	if err != nil {
		return nil, 0, &model.StorageError{Op: "list", Err: err}
	}
	recs, err := collectSQLite(rows)
	if err != nil {
		return nil, 0, &model.StorageError{Op: "list", Err: err}
	}
	return recs, total, nil
}

// ClaimPendingBatch implements Store. The select and the update are one
// statement, so two workers can never claim the same row.
func (s *SQLiteStore) ClaimPendingBatch(ctx context.Context, limit int) ([]*model.LogRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.opts.now()
	token := uuid.New()
	leaseCutoff := now.Add(-s.opts.ClaimLease).UnixMicro()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE audit_logs
		SET status = 'claimed', claim_token = ?, claimed_at = ?, last_attempt_at = ?,
		    attempt_count = attempt_count + 1
		WHERE id IN (
			SELECT id FROM audit_logs
			WHERE status = 'pending'
			   OR (status = 'failed' AND retryable = 1 AND COALESCE(next_attempt_at, 0) <= ?)
			   OR (status = 'claimed' AND claimed_at <= ?)
			ORDER BY created_at, id
			LIMIT ?
		)
		RETURNING `+sqliteColumns,
		token.String(), now.UnixMicro(), now.UnixMicro(), now.UnixMicro(), leaseCutoff, limit,
	)
	if err != nil {
		return nil, &model.StorageError{Op: "claim", Err: err}
	}
	recs, err := collectSQLite(rows)
	if err != nil {
		return nil, &model.StorageError{Op: "claim", Err: err}
	}
	return recs, nil
}

// MarkCommitted implements Store.
func (s *SQLiteStore) MarkCommitted(ctx context.Context, id uuid.UUID, txRef string, committedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_logs
		SET status = 'committed', tx_ref = ?, committed_at = ?, claim_token = NULL, claimed_at = NULL,
		    next_attempt_at = NULL, retryable = 0, failure_reason = ''
		WHERE id = ? AND status <> 'committed'`,
		txRef, committedAt.UTC().UnixMicro(), id.String(),
	)
	if err != nil {
		return &model.StorageError{Op: "mark committed", Err: err}
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return resolveCommitConflict(current, txRef)
}

// MarkFailed implements Store.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id uuid.UUID, f model.FailureUpdate) error {
	var next any
	if f.NextAttemptAt != nil {
		next = f.NextAttemptAt.UTC().UnixMicro()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_logs
		SET status = 'failed', attempt_count = ?, next_attempt_at = ?, retryable = ?,
		    failure_reason = ?, claim_token = NULL, claimed_at = NULL
		WHERE id = ? AND status = 'claimed' AND claim_token = ?`,
		f.AttemptCount, next, f.Retryable, f.Reason, id.String(), f.ClaimToken.String(),
	)
	if err != nil {
		return &model.StorageError{Op: "mark failed", Err: err}
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return model.ErrClaimLost
}

// CountByStatus implements Store.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM audit_logs GROUP BY status`)
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
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ── Row scanning ─────────────────────────────────────────────────────────────

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row sqlScanner) (*model.LogRecord, error) {
	var (
		rec                      model.LogRecord
		id, payload, status      string
		createdAt                int64
		txRef, claimToken        sql.NullString
		committedAt, claimed     sql.NullInt64
		lastAttempt, nextAttempt sql.NullInt64
	)
	if err := row.Scan(
		&id, &createdAt, &rec.Source, &rec.EventType, &payload, &rec.Digest, &rec.DigestAlg, &status,
		&txRef, &committedAt, &rec.AttemptCount, &lastAttempt, &nextAttempt,
		&rec.Retryable, &rec.FailureReason, &claimToken, &claimed,
	); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse id %q: %w", id, err)
	}
	rec.ID = parsed
	rec.CreatedAt = time.UnixMicro(createdAt).UTC()
	rec.Payload = []byte(payload)
	rec.Status = model.Status(status)
	if txRef.Valid {
		rec.TxRef = &txRef.String
	}
	if claimToken.Valid {
		tok, err := uuid.Parse(claimToken.String)
		if err != nil {
			return nil, fmt.Errorf("parse claim token: %w", err)
		}
		rec.ClaimToken = &tok
	}
	rec.CommittedAt = microPtr(committedAt)
	rec.LastAttemptAt = microPtr(lastAttempt)
	rec.NextAttemptAt = microPtr(nextAttempt)
	rec.ClaimedAt = microPtr(claimed)
	return &rec, nil
}

func collectSQLite(rows *sql.Rows) ([]*model.LogRecord, error) {
	defer rows.Close()
	var out []*model.LogRecord
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func microPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}
