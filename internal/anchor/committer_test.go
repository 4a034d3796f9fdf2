package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/banking-audit-ledger/anchor/internal/alert"
	"github.com/banking-audit-ledger/anchor/internal/auditlog/model"
	"github.com/banking-audit-ledger/anchor/internal/auditlog/store"
	"github.com/banking-audit-ledger/anchor/internal/chain"
	"github.com/banking-audit-ledger/anchor/internal/ledger"
)

var ctx = context.Background()

const testDigest = "eacee9be430e20f8ac0edff941d7b16acda08d1992626b808babe13a9ac4d050"

// ── Stubs ────────────────────────────────────────────────────────────────

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

// scriptedLedger answers Submit with a caller-supplied function.
type scriptedLedger struct {
	mu     sync.Mutex
	submit func(key, digest string) (string, error)
	calls  map[string]int
}

func newScriptedLedger(fn func(key, digest string) (string, error)) *scriptedLedger {
	return &scriptedLedger{submit: fn, calls: map[string]int{}}
}

func (l *scriptedLedger) Submit(_ context.Context, key, digest string) (string, error) {
	l.mu.Lock()
	l.calls[key]++
	fn := l.submit
	l.mu.Unlock()
	return fn(key, digest)
}

func (l *scriptedLedger) QueryDigest(context.Context, string) (string, error) {
	return "", ledger.ErrNotFound
}
func (l *scriptedLedger) Ping(context.Context) error { return nil }
func (l *scriptedLedger) Close() error               { return nil }

func (l *scriptedLedger) callsFor(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[key]
}

type alertSink struct {
	mu     sync.Mutex
	events []string
	fields []map[string]string
}

func (s *alertSink) dispatch(_ context.Context, eventType string, fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
	s.fields = append(s.fields, fields)
}

func (s *alertSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// ── Helpers ──────────────────────────────────────────────────────────────

func createTestStore(t *testing.T, clock *fakeClock) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "audit.db"), store.Options{
		ClaimLease: time.Minute,
		Clock:      clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createRecord(t *testing.T, s store.Store) *model.LogRecord {
	t.Helper()
	rec := &model.LogRecord{
		Source:    "core-banking",
		EventType: "transfer",
		Payload:   json.RawMessage(`{"amount":100,"from":"a1","to":"a2"}`),
		Digest:    testDigest,
		DigestAlg: "sha256",
	}
	require.NoError(t, s.Create(ctx, rec))
	return rec
}

func newTestCommitter(s store.Store, l ledger.Ledger, clock *fakeClock, cfg Config) (*Committer, *alertSink) {
	c := New(s, l, cfg, zap.NewNop())
	c.SetClock(clock.Now)
	sink := &alertSink{}
	c.SetAlertDispatch(sink.dispatch)
	return c, sink
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestRunOnce_commitsRecord(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	rec := createRecord(t, s)

	l := newScriptedLedger(func(string, string) (string, error) { return "tx-1", nil })
	c, sink := newTestCommitter(s, l, clock, Config{})

	stats, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleStats{Claimed: 1, Committed: 1}, stats)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCommitted, got.Status)
	require.NotNil(t, got.TxRef)
	assert.Equal(t, "tx-1", *got.TxRef)
	require.NotNil(t, got.CommittedAt)
	assert.Equal(t, clock.Now(), *got.CommittedAt)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Empty(t, sink.snapshot())

	stats, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed, "committed records are never claimed again")
	assert.Equal(t, 1, l.callsFor(rec.ID.String()))
}

func TestRunOnce_transientFailureIsRetriedAfterBackoff(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	rec := createRecord(t, s)

	fails := 1
	l := newScriptedLedger(func(string, string) (string, error) {
		if fails > 0 {
			fails--
			return "", fmt.Errorf("%w: connection refused", ledger.ErrUnavailable)
		}
		return "tx-1", nil
	})
	c, _ := newTestCommitter(s, l, clock, Config{BaseBackoff: time.Second, MaxBackoff: time.Minute})

	stats, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleStats{Claimed: 1, Retried: 1}, stats)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.True(t, got.Retryable)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, clock.Now().Add(time.Second), *got.NextAttemptAt)
	assert.Contains(t, got.FailureReason, "connection refused")

	stats, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed, "record must wait for its backoff")

	clock.Advance(time.Second)
	stats, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Committed)

	got, err = s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCommitted, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestRunOnce_retriesAreBounded(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	rec := createRecord(t, s)

	l := newScriptedLedger(func(string, string) (string, error) {
		return "", context.DeadlineExceeded
	})
	c, sink := newTestCommitter(s, l, clock, Config{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute})

	for i := 0; i < 10; i++ {
		_, err := c.RunOnce(ctx)
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)
	}

	assert.Equal(t, 3, l.callsFor(rec.ID.String()))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.False(t, got.Retryable)
	assert.Equal(t, 3, got.AttemptCount)
	assert.True(t, strings.HasPrefix(got.FailureReason, "retries exhausted"), got.FailureReason)
	assert.Equal(t, []string{alert.EventRetriesExhausted}, sink.snapshot())
	assert.Equal(t, rec.ID.String(), sink.fields[0]["record_id"])
}

func TestRunOnce_reclaimAfterFinalAttemptDoesNotResubmit(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	rec := createRecord(t, s)

	l := newScriptedLedger(func(string, string) (string, error) {
		return "", ledger.ErrUnavailable
	})
	c, sink := newTestCommitter(s, l, clock, Config{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: time.Minute})

	_, err := c.RunOnce(ctx)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	// A worker claims the final attempt, submits, and dies before recording
	// the outcome.
	taken, err := s.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.Equal(t, 2, taken[0].AttemptCount)
	_, _ = l.Submit(ctx, rec.ID.String(), rec.Digest)

	clock.Advance(2 * time.Minute)
	stats, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Claimed)

	assert.Equal(t, 2, l.callsFor(rec.ID.String()), "no submission beyond MaxAttempts")
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.False(t, got.Retryable)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, "retries exhausted after 2 attempts: claim lease expired", got.FailureReason)
	assert.Equal(t, []string{alert.EventRetriesExhausted}, sink.snapshot())
}

func TestRunOnce_rejectionIsPermanent(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	rec := createRecord(t, s)

	l := newScriptedLedger(func(string, string) (string, error) {
		return "", ledger.Rejected("invalid hash format")
	})
	c, sink := newTestCommitter(s, l, clock, Config{})

	stats, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleStats{Claimed: 1, Failed: 1}, stats)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.False(t, got.Retryable)
	assert.Contains(t, got.FailureReason, "invalid hash format")
	assert.Equal(t, []string{alert.EventRejected}, sink.snapshot())

	clock.Advance(24 * time.Hour)
	stats, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
}

func TestRunOnce_conflictingCommitRaisesIntegrityAlert(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	rec := createRecord(t, s)

	// Another writer commits the record under a different reference while
	// this submission is in flight.
	l := newScriptedLedger(func(key, _ string) (string, error) {
		assert.NoError(t, s.MarkCommitted(ctx, rec.ID, "tx-other", clock.Now()))
		return "tx-1", nil
	})
	c, sink := newTestCommitter(s, l, clock, Config{})

	stats, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Integrity)
	assert.Equal(t, []string{alert.EventIntegrityViolation}, sink.snapshot())

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "tx-other", *got.TxRef, "the first commit is never overwritten")
}

func TestRunOnce_claimLostDuringSubmit(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	createRecord(t, s)

	l := newScriptedLedger(func(string, string) (string, error) {
		// The submit outlives the lease and another worker takes over.
		clock.Advance(2 * time.Minute)
		taken, err := s.ClaimPendingBatch(ctx, 10)
		assert.NoError(t, err)
		assert.Len(t, taken, 1)
		return "", ledger.ErrUnavailable
	})
	c, _ := newTestCommitter(s, l, clock, Config{})

	stats, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ClaimLost)
}

func TestCommitters_neverProcessARecordTwice(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)

	const records = 60
	for i := 0; i < records; i++ {
		createRecord(t, s)
	}

	counting := newScriptedLedger(nil)
	local := ledger.NewLocal(chain.NewMemory(), "auditd")
	counting.submit = func(key, digest string) (string, error) {
		return local.Submit(ctx, key, digest)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		c, _ := newTestCommitter(s, counting, clock, Config{BatchSize: 5, Workers: 3})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				stats, err := c.RunOnce(ctx)
				if err != nil {
					t.Errorf("RunOnce: %v", err)
					return
				}
				if stats.Claimed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, records, counts[model.StatusCommitted])

	counting.mu.Lock()
	defer counting.mu.Unlock()
	assert.Len(t, counting.calls, records)
	for key, n := range counting.calls {
		assert.Equal(t, 1, n, "record %s submitted %d times", key, n)
	}
}

func TestRun_notifyWakesCommitter(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)

	l := newScriptedLedger(func(string, string) (string, error) { return "tx-1", nil })
	c, _ := newTestCommitter(s, l, clock, Config{Interval: time.Hour})

	var gaugeMu sync.Mutex
	var lastCounts map[model.Status]int
	c.SetStatusGauge(func(counts map[model.Status]int) {
		gaugeMu.Lock()
		lastCounts = counts
		gaugeMu.Unlock()
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		c.Run(runCtx)
		close(done)
	}()

	rec := createRecord(t, s)
	c.Notify()

	require.Eventually(t, func() bool {
		got, err := s.Get(ctx, rec.ID)
		return err == nil && got.Status == model.StatusCommitted
	}, 2*time.Second, 10*time.Millisecond)

	c.Notify()
	require.Eventually(t, func() bool {
		gaugeMu.Lock()
		defer gaugeMu.Unlock()
		return lastCounts[model.StatusCommitted] == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunOnce_recordsOutcomeMetrics(t *testing.T) {
	clock := newFakeClock()
	s := createTestStore(t, clock)
	createRecord(t, s)
	createRecord(t, s)

	first := true
	var mu sync.Mutex
	l := newScriptedLedger(func(string, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if first {
			first = false
			return "", errors.New("reset by peer")
		}
		return "tx-2", nil
	})
	c, _ := newTestCommitter(s, l, clock, Config{Workers: 1})

	var outcomes []Outcome
	var omu sync.Mutex
	c.SetMetricsRecord(func(o Outcome) {
		omu.Lock()
		outcomes = append(outcomes, o)
		omu.Unlock()
	})
	_, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Outcome{OutcomeTransient, OutcomeCommitted}, outcomes)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},
		{200, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, 5*time.Minute), "attempt %d", tt.attempt)
	}
}
