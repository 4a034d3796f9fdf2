package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banking-audit-ledger/anchor/internal/auditlog/model"
)

var ctx = context.Background()

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func createTestStore(t *testing.T, clock *fakeClock) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"), Options{
		ClaimLease: time.Minute,
		Clock:      clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRecord(source, eventType string) *model.LogRecord {
	return &model.LogRecord{
		Source:    source,
		EventType: eventType,
		Payload:   json.RawMessage(`{"amount":100,"from":"a1","to":"a2"}`),
		Digest:    "eacee9be430e20f8ac0edff941d7b16acda08d1992626b808babe13a9ac4d050",
		DigestAlg: "sha256",
	}
}

func TestCreateAndGet(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)

	rec := newRecord("core-banking", "transfer")
	require.NoError(t, s.Create(ctx, rec))
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, model.StatusPending, rec.Status)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, clock.Now(), got.CreatedAt)
	assert.Equal(t, "core-banking", got.Source)
	assert.Equal(t, "transfer", got.EventType)
	assert.JSONEq(t, string(rec.Payload), string(got.Payload))
	assert.Equal(t, rec.Digest, got.Digest)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Nil(t, got.TxRef)
	assert.Nil(t, got.CommittedAt)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestGetNotFound(t *testing.T) {
	s := createTestStore(t, newFakeClock())
	_, err := s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreateExplicitIDConflict(t *testing.T) {
	s := createTestStore(t, newFakeClock())
	id := uuid.New()

	first := newRecord("core-banking", "transfer")
	first.ID = id
	require.NoError(t, s.Create(ctx, first))

	second := newRecord("core-banking", "transfer")
	second.ID = id
	err := s.Create(ctx, second)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestListPaginationIsStable(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)

	for i := 0; i < 25; i++ {
		require.NoError(t, s.Create(ctx, newRecord("core-banking", "transfer")))
		clock.Advance(time.Millisecond)
	}
	asOf := clock.Now()

	seen := map[uuid.UUID]bool{}
	var ordered []*model.LogRecord
	for page := 1; page <= 3; page++ {
		recs, total, err := s.List(ctx, model.ListFilter{AsOf: asOf}, page, 10)
		require.NoError(t, err)
		assert.Equal(t, 25, total)

		// A record arriving mid-listing must not shift later pages.
		clock.Advance(time.Millisecond)
		require.NoError(t, s.Create(ctx, newRecord("core-banking", "transfer")))

		for _, r := range recs {
			assert.False(t, seen[r.ID], "record %s returned twice", r.ID)
			seen[r.ID] = true
		}
		ordered = append(ordered, recs...)
	}
	assert.Len(t, seen, 25)

	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		assert.False(t, cur.CreatedAt.After(prev.CreatedAt), "records out of order at %d", i)
	}

	recs, _, err := s.List(ctx, model.ListFilter{AsOf: asOf}, 4, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestListTiesOrderedByID(t *testing.T) {
	s := createTestStore(t, newFakeClock()) // clock never moves: every created_at is equal

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, newRecord("core-banking", "transfer")))
	}
	recs, _, err := s.List(ctx, model.ListFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i := 1; i < len(recs); i++ {
		assert.Greater(t, recs[i-1].ID.String(), recs[i].ID.String())
	}
}

func TestListFilters(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)

	for _, c := range []struct{ source, eventType string }{
		{"core-banking", "transfer"},
		{"core-banking", "transfer"},
		{"core-banking", "config_change"},
		{"auth", "login"},
	} {
		require.NoError(t, s.Create(ctx, newRecord(c.source, c.eventType)))
		clock.Advance(time.Second)
	}

	tests := []struct {
		name   string
		filter model.ListFilter
		want   int
	}{
		{"all", model.ListFilter{}, 4},
		{"by source", model.ListFilter{Source: "core-banking"}, 3},
		{"by event type", model.ListFilter{EventType: "transfer"}, 2},
		{"both", model.ListFilter{Source: "auth", EventType: "login"}, 1},
		{"no match", model.ListFilter{Source: "atm"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, total, err := s.List(ctx, tt.filter, 1, 100)
			require.NoError(t, err)
			assert.Equal(t, tt.want, total)
			assert.Len(t, recs, tt.want)
		})
	}
}

func TestClaimPendingBatch(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, newRecord("core-banking", "transfer")))
	}

	claimed, err := s.ClaimPendingBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, r := range claimed {
		assert.Equal(t, model.StatusClaimed, r.Status)
		assert.Equal(t, 1, r.AttemptCount)
		require.NotNil(t, r.ClaimToken)
		require.NotNil(t, r.LastAttemptAt)
	}

	rest, err := s.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	none, err := s.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClaimLeaseExpiry(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	require.NoError(t, s.Create(ctx, newRecord("core-banking", "transfer")))

	first, err := s.ClaimPendingBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(30 * time.Second)
	again, err := s.ClaimPendingBatch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, again, "claim must stay exclusive within the lease")

	clock.Advance(31 * time.Second)
	taken, err := s.ClaimPendingBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.Equal(t, 2, taken[0].AttemptCount)
	assert.NotEqual(t, *first[0].ClaimToken, *taken[0].ClaimToken)

	// The original worker has lost its claim.
	err = s.MarkFailed(ctx, first[0].ID, model.FailureUpdate{ClaimToken: *first[0].ClaimToken, AttemptCount: 1, Retryable: true})
	assert.ErrorIs(t, err, model.ErrClaimLost)
}

func TestFailedRecordBackoffEligibility(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	require.NoError(t, s.Create(ctx, newRecord("core-banking", "transfer")))

	claimed, err := s.ClaimPendingBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	rec := claimed[0]

	next := clock.Now().Add(10 * time.Second)
	require.NoError(t, s.MarkFailed(ctx, rec.ID, model.FailureUpdate{
		ClaimToken:    *rec.ClaimToken,
		AttemptCount:  rec.AttemptCount,
		Retryable:     true,
		NextAttemptAt: &next,
		Reason:        "ledger unavailable",
	}))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "ledger unavailable", got.FailureReason)
	assert.True(t, got.Retryable)
	assert.Nil(t, got.ClaimToken)

	early, err := s.ClaimPendingBatch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, early)

	clock.Advance(10 * time.Second)
	due, err := s.ClaimPendingBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].AttemptCount)
}

func TestPermanentFailureIsNeverReclaimed(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	require.NoError(t, s.Create(ctx, newRecord("core-banking", "transfer")))

	claimed, err := s.ClaimPendingBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.MarkFailed(ctx, claimed[0].ID, model.FailureUpdate{
		ClaimToken:   *claimed[0].ClaimToken,
		AttemptCount: 1,
		Retryable:    false,
		Reason:       "rejected: invalid hash format",
	}))

	clock.Advance(24 * time.Hour)
	again, err := s.ClaimPendingBatch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMarkCommittedIdempotent(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	rec := newRecord("core-banking", "transfer")
	require.NoError(t, s.Create(ctx, rec))

	_, err := s.ClaimPendingBatch(ctx, 1)
	require.NoError(t, err)

	committedAt := clock.Now()
	require.NoError(t, s.MarkCommitted(ctx, rec.ID, "tx-1", committedAt))
	first, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, s.MarkCommitted(ctx, rec.ID, "tx-1", clock.Now()))
	second, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, model.StatusCommitted, second.Status)
	require.NotNil(t, second.TxRef)
	assert.Equal(t, "tx-1", *second.TxRef)
	require.NotNil(t, second.CommittedAt)
	assert.Equal(t, committedAt, *second.CommittedAt)
}

func TestMarkCommittedDifferentTxRefIsIntegrityError(t *testing.T) {
	s := createTestStore(t, newFakeClock())
	rec := newRecord("core-banking", "transfer")
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.MarkCommitted(ctx, rec.ID, "tx-1", time.Now()))

	err := s.MarkCommitted(ctx, rec.ID, "tx-2", time.Now())
	assert.ErrorIs(t, err, model.ErrIntegrity)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", *got.TxRef)
}

func TestMarkCommittedNotFound(t *testing.T) {
	s := createTestStore(t, newFakeClock())
	err := s.MarkCommitted(ctx, uuid.New(), "tx-1", time.Now())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCommittedIsTerminal(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	rec := newRecord("core-banking", "transfer")
	require.NoError(t, s.Create(ctx, rec))

	claimed, err := s.ClaimPendingBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.MarkCommitted(ctx, rec.ID, "tx-1", clock.Now()))

	err = s.MarkFailed(ctx, rec.ID, model.FailureUpdate{ClaimToken: *claimed[0].ClaimToken, AttemptCount: 1, Retryable: true})
	assert.ErrorIs(t, err, model.ErrClaimLost)

	clock.Advance(time.Hour)
	again, err := s.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	s := createTestStore(t, newFakeClock())
	const records = 60
	for i := 0; i < records; i++ {
		require.NoError(t, s.Create(ctx, newRecord("core-banking", "transfer")))
	}

	var (
		mu     sync.Mutex
		counts = map[uuid.UUID]int{}
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimPendingBatch(ctx, 4)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, r := range batch {
					counts[r.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, counts, records)
	for id, n := range counts {
		assert.Equal(t, 1, n, fmt.Sprintf("record %s claimed %d times", id, n))
	}
}

func TestCountByStatus(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, newRecord("core-banking", "transfer")))
	}
	claimed, err := s.ClaimPendingBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkCommitted(ctx, claimed[0].ID, "tx-9", clock.Now()))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StatusPending])
	assert.Equal(t, 1, counts[model.StatusCommitted])
	assert.Equal(t, 0, counts[model.StatusFailed])
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s1, err := OpenSQLite(path, Options{})
	require.NoError(t, err)
	rec := newRecord("core-banking", "transfer")
	require.NoError(t, s1.Create(ctx, rec))
	require.NoError(t, s1.Close())

	s2, err := OpenSQLite(path, Options{})
	require.NoError(t, err)
	defer s2.Close()
	_, err = s2.Get(ctx, rec.ID)
	require.NoError(t, err)
}

func TestStorageErrorWrapsDriverError(t *testing.T) {
	s := createTestStore(t, newFakeClock())
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, uuid.New())
	var storageErr *model.StorageError
	assert.True(t, errors.As(err, &storageErr), "got %v", err)
}
