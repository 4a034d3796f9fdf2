// Package anchor runs the anchoring pipeline: it claims pending log records,
// submits their digests to the ledger and records the outcome in the store.
//
// Any number of committers may run against the same store. The store's
// claim makes each record owned by one committer at a time, and the ledger's
// idempotency key (the record id) makes a repeated submission harmless, so a
// crash between Submit and MarkCommitted is recovered by the next claim.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/banking-audit-ledger/anchor/internal/alert"
	"github.com/banking-audit-ledger/anchor/internal/auditlog/model"
	"github.com/banking-audit-ledger/anchor/internal/auditlog/store"
	"github.com/banking-audit-ledger/anchor/internal/ledger"
)

// maxReasonLen bounds the failure reason persisted on a record.
const maxReasonLen = 512

// Outcome labels the result of processing one record.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeTransient Outcome = "transient"
	OutcomeRejected  Outcome = "rejected"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeIntegrity Outcome = "integrity"
	OutcomeClaimLost Outcome = "claim_lost"
)

// Config holds committer configuration.
type Config struct {
	Interval      time.Duration
	BatchSize     int
	Workers       int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	SubmitTimeout time.Duration

	// SubmitRate caps ledger submissions per second; zero means unlimited.
	SubmitRate  float64
	SubmitBurst int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = ledger.DefaultSubmitTimeout
	}
	if c.SubmitRate > 0 && c.SubmitBurst <= 0 {
		c.SubmitBurst = max(1, int(c.SubmitRate))
	}
	return c
}

// CycleStats summarises one RunOnce.
type CycleStats struct {
	Claimed   int
	Committed int
	Retried   int
	Failed    int
	ClaimLost int
	Integrity int
}

func (s *CycleStats) add(o Outcome) {
	switch o {
	case OutcomeCommitted:
		s.Committed++
	case OutcomeTransient:
		s.Retried++
	case OutcomeRejected, OutcomeExhausted:
		s.Failed++
	case OutcomeClaimLost:
		s.ClaimLost++
	case OutcomeIntegrity:
		s.Integrity++
	}
}

// AlertFunc is an optional callback for dispatching pipeline alerts.
type AlertFunc func(ctx context.Context, eventType string, fields map[string]string)

// MetricsRecordFunc is an optional callback receiving each record outcome.
type MetricsRecordFunc func(outcome Outcome)

// StatusGaugeFunc is an optional callback receiving record counts per status
// once per cycle.
type StatusGaugeFunc func(counts map[model.Status]int)

// Committer drives records from pending to committed.
type Committer struct {
	store   store.Store
	ledger  ledger.Ledger
	cfg     Config
	limiter *rate.Limiter
	wake    chan struct{}
	now     func() time.Time

	onAlert   AlertFunc
	onMetrics MetricsRecordFunc
	onStatus  StatusGaugeFunc
	logger    *zap.Logger
}

// New creates a Committer.
func New(st store.Store, l ledger.Ledger, cfg Config, logger *zap.Logger) *Committer {
	cfg = cfg.withDefaults()
	c := &Committer{
		store:  st,
		ledger: l,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		logger: logger,
	}
	if cfg.SubmitRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst)
	}
	return c
}

// SetAlertDispatch configures the alert callback.
func (c *Committer) SetAlertDispatch(fn AlertFunc) { c.onAlert = fn }

// SetMetricsRecord configures the outcome callback.
func (c *Committer) SetMetricsRecord(fn MetricsRecordFunc) { c.onMetrics = fn }

// SetStatusGauge configures the per-status count callback.
func (c *Committer) SetStatusGauge(fn StatusGaugeFunc) { c.onStatus = fn }

// SetClock overrides the clock used for backoff scheduling.
func (c *Committer) SetClock(now func() time.Time) { c.now = now }

// Notify wakes the committer early. It never blocks; wake-ups that arrive
// while one is already pending are coalesced.
func (c *Committer) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run processes batches on every interval and on Notify until ctx is done.
// A full batch is followed immediately by another cycle.
func (c *Committer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("committer started",
		zap.Duration("interval", c.cfg.Interval),
		zap.Int("batch_size", c.cfg.BatchSize),
		zap.Int("workers", c.cfg.Workers),
	)
	for {
		c.drain(ctx)
		c.refreshStatusGauge(ctx)

		select {
		case <-ticker.C:
		case <-c.wake:
		case <-ctx.Done():
			c.logger.Info("committer stopped")
			return
		}
	}
}

func (c *Committer) drain(ctx context.Context) {
	for ctx.Err() == nil {
		stats, err := c.RunOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("committer: claim batch", zap.Error(err))
			}
			return
		}
		if stats.Claimed > 0 {
			c.logger.Debug("committer cycle",
				zap.Int("claimed", stats.Claimed),
				zap.Int("committed", stats.Committed),
				zap.Int("retried", stats.Retried),
				zap.Int("failed", stats.Failed),
			)
		}
		if stats.Claimed < c.cfg.BatchSize {
			return
		}
	}
}

func (c *Committer) refreshStatusGauge(ctx context.Context) {
	if c.onStatus == nil || ctx.Err() != nil {
		return
	}
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		c.logger.Warn("committer: count by status", zap.Error(err))
		return
	}
	c.onStatus(counts)
}

// RunOnce claims one batch and processes it with bounded concurrency,
// returning once every claimed record has been handled.
func (c *Committer) RunOnce(ctx context.Context) (CycleStats, error) {
	recs, err := c.store.ClaimPendingBatch(ctx, c.cfg.BatchSize)
	if err != nil {
		return CycleStats{}, err
	}
	stats := CycleStats{Claimed: len(recs)}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.cfg.Workers)
	)
	for _, rec := range recs {
		wg.Add(1)
		go func(rec *model.LogRecord) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome := c.process(ctx, rec)
			if c.onMetrics != nil {
				c.onMetrics(outcome)
			}
			mu.Lock()
			stats.add(outcome)
			mu.Unlock()
		}(rec)
	}
	wg.Wait()
	return stats, nil
}

// process anchors one claimed record. Store updates run detached from ctx
// so a shutdown does not strand a record whose submission already finished.
func (c *Committer) process(ctx context.Context, rec *model.LogRecord) Outcome {
	storeCtx := context.WithoutCancel(ctx)
	log := c.logger.With(zap.String("record_id", rec.ID.String()), zap.Int("attempt", rec.AttemptCount))

	if rec.AttemptCount > c.cfg.MaxAttempts {
		// Reclaimed after a worker stopped during its final attempt.
		return c.exhaust(ctx, storeCtx, log, rec, rec.AttemptCount-1, "claim lease expired")
	}

	txRef, err := c.submit(ctx, rec)
	if err == nil {
		return c.commit(storeCtx, log, rec, txRef)
	}

	if ledger.IsRejected(err) {
		log.Error("ledger rejected record", zap.Error(err))
		outcome := c.fail(storeCtx, log, rec, OutcomeRejected, nil, "rejected: "+err.Error())
		if outcome == OutcomeRejected {
			c.alert(ctx, alert.EventRejected, rec, map[string]string{"reason": err.Error()})
		}
		return outcome
	}

	if rec.AttemptCount >= c.cfg.MaxAttempts {
		return c.exhaust(ctx, storeCtx, log, rec, rec.AttemptCount, err.Error())
	}

	next := c.now().Add(Backoff(rec.AttemptCount, c.cfg.BaseBackoff, c.cfg.MaxBackoff))
	log.Warn("anchoring failed, will retry", zap.Time("next_attempt_at", next), zap.Error(err))
	return c.fail(storeCtx, log, rec, OutcomeTransient, &next, err.Error())
}

// exhaust fails rec permanently once no submission attempts remain.
func (c *Committer) exhaust(ctx, storeCtx context.Context, log *zap.Logger, rec *model.LogRecord, attempts int, cause string) Outcome {
	log.Error("anchoring retries exhausted", zap.String("cause", cause))
	// The reclaim counted an attempt that never reached the ledger.
	rec.AttemptCount = attempts
	reason := fmt.Sprintf("retries exhausted after %d attempts: %s", attempts, cause)
	outcome := c.fail(storeCtx, log, rec, OutcomeExhausted, nil, reason)
	if outcome == OutcomeExhausted {
		c.alert(ctx, alert.EventRetriesExhausted, rec, map[string]string{
			"attempts": fmt.Sprint(attempts),
			"reason":   cause,
		})
	}
	return outcome
}

func (c *Committer) submit(ctx context.Context, rec *model.LogRecord) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: rate limiter: %v", ledger.ErrUnavailable, err)
		}
	}
	submitCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()
	return c.ledger.Submit(submitCtx, rec.ID.String(), rec.Digest)
}

func (c *Committer) commit(ctx context.Context, log *zap.Logger, rec *model.LogRecord, txRef string) Outcome {
	err := c.store.MarkCommitted(ctx, rec.ID, txRef, c.now())
	switch {
	case err == nil:
		log.Info("record anchored", zap.String("tx_ref", txRef))
		return OutcomeCommitted
	case errors.Is(err, model.ErrIntegrity):
		log.Error("record already anchored under another transaction",
			zap.String("tx_ref", txRef), zap.Error(err))
		c.alert(ctx, alert.EventIntegrityViolation, rec, map[string]string{
			"tx_ref": txRef,
			"error":  err.Error(),
		})
		return OutcomeIntegrity
	default:
		// The ledger holds the digest; the claim lease expires and the next
		// submission returns the same tx reference.
		log.Error("mark committed failed", zap.String("tx_ref", txRef), zap.Error(err))
		return OutcomeTransient
	}
}

// fail records a failed attempt and returns outcome, or OutcomeClaimLost
// when another worker owns the record now. Only transient failures stay
// retryable.
func (c *Committer) fail(ctx context.Context, log *zap.Logger, rec *model.LogRecord, outcome Outcome, next *time.Time, reason string) Outcome {
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	if rec.ClaimToken == nil {
		log.Error("claimed record has no claim token")
		return OutcomeClaimLost
	}
	err := c.store.MarkFailed(ctx, rec.ID, model.FailureUpdate{
		ClaimToken:    *rec.ClaimToken,
		AttemptCount:  rec.AttemptCount,
		Retryable:     outcome == OutcomeTransient,
		NextAttemptAt: next,
		Reason:        reason,
	})
	switch {
	case err == nil:
		return outcome
	case errors.Is(err, model.ErrClaimLost):
		log.Info("claim lost before failure could be recorded")
		return OutcomeClaimLost
	default:
		// The claim lease expires and the record is retried.
		log.Error("mark failed failed", zap.Error(err))
		return OutcomeTransient
	}
}

func (c *Committer) alert(ctx context.Context, eventType string, rec *model.LogRecord, fields map[string]string) {
	if c.onAlert == nil {
		return
	}
	fields["record_id"] = rec.ID.String()
	fields["source"] = rec.Source
	fields["event_type"] = rec.EventType
	c.onAlert(context.WithoutCancel(ctx), eventType, fields)
}

// Backoff returns min(base·2^(attempt-1), ceiling).
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	return min(d, ceiling)
}
