package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises concurrent appends across every ledger node
// sharing the database. The value is arbitrary but must never change.
const advisoryLockKey = int64(1_159_876_543)

const entryColumns = `idx, timestamp, tx_ref, key, digest, submitter, prev_hash, hash`

// PostgresChain persists the chain to the ledger_chain table created by
// migrations/002_ledger_chain.up.sql.
type PostgresChain struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

var _ Chain = (*PostgresChain)(nil)

// NewPostgres creates a PostgresChain backed by the given connection pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *PostgresChain {
	return &PostgresChain{pool: pool, logger: logger, now: time.Now}
}

// Append implements Chain. It takes a transaction-scoped advisory lock, then
// checks the key, reads the tail and inserts, all in one transaction.
func (c *PostgresChain) Append(ctx context.Context, key, digest, submitter string) (*Entry, bool, error) {
	if err := validateAppend(key, digest); err != nil {
		return nil, false, err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}

	existing, err := scanEntry(tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_chain WHERE key = $1 AND idx > 0`, key))
	switch {
	case err == nil:
		if existing.Digest != digest {
			return nil, false, ErrKeyConflict
		}
		return existing, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, fmt.Errorf("lookup key: %w", err)
	}

	tail, err := scanEntry(tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_chain ORDER BY idx DESC LIMIT 1`))
	if err != nil {
		return nil, false, fmt.Errorf("read chain tail: %w", err)
	}

	e := newEntry(tail, c.now(), key, digest, submitter)
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_chain (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Index, e.Timestamp, e.TxRef, e.Key, e.Digest, e.Submitter, e.PrevHash, e.Hash,
	); err != nil {
		return nil, false, fmt.Errorf("insert chain entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit chain tx: %w", err)
	}

	c.logger.Debug("chain entry appended",
		zap.Int("idx", e.Index),
		zap.String("key", e.Key),
		zap.String("tx_ref", e.TxRef),
	)
	return e, true, nil
}

// Get implements Chain.
func (c *PostgresChain) Get(ctx context.Context, index int) (*Entry, error) {
	return c.one(ctx, `SELECT `+entryColumns+` FROM ledger_chain WHERE idx = $1`, index)
}

// GetByTx implements Chain.
func (c *PostgresChain) GetByTx(ctx context.Context, txRef string) (*Entry, error) {
	return c.one(ctx, `SELECT `+entryColumns+` FROM ledger_chain WHERE tx_ref = $1`, txRef)
}

// GetByKey implements Chain.
func (c *PostgresChain) GetByKey(ctx context.Context, key string) (*Entry, error) {
	return c.one(ctx, `SELECT `+entryColumns+` FROM ledger_chain WHERE key = $1 AND idx > 0`, key)
}

func (c *PostgresChain) one(ctx context.Context, query string, arg any) (*Entry, error) {
	e, err := scanEntry(c.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get chain entry: %w", err)
	}
	return e, nil
}

// List implements Chain.
func (c *PostgresChain) List(ctx context.Context, offset, limit int) ([]*Entry, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := c.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_chain ORDER BY idx ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list chain: %w", err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Len implements Chain.
func (c *PostgresChain) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_chain").Scan(&n); err != nil {
		return 0, fmt.Errorf("count chain entries: %w", err)
	}
	return n, nil
}

// Verify implements Chain. It streams every row in index order; O(n) in
// chain length.
func (c *PostgresChain) Verify(ctx context.Context) error {
	rows, err := c.pool.Query(ctx, `SELECT `+entryColumns+` FROM ledger_chain ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan chain row: %w", err)
		}
		if prev == nil {
			if err := checkGenesis(curr); err != nil {
				return err
			}
		} else if err := checkLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Chain.
func (c *PostgresChain) Root(ctx context.Context) (string, error) {
	var hash string
	if err := c.pool.QueryRow(ctx,
		"SELECT hash FROM ledger_chain ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get chain root: %w", err)
	}
	return hash, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	if err := row.Scan(
		&e.Index, &e.Timestamp, &e.TxRef, &e.Key,
		&e.Digest, &e.Submitter, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}
