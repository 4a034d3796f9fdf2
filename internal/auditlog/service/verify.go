package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banking-audit-ledger/anchor/internal/auditlog/model"
	"github.com/banking-audit-ledger/anchor/internal/auditlog/store"
	"github.com/banking-audit-ledger/anchor/internal/canonical"
	"github.com/banking-audit-ledger/anchor/internal/ledger"
)

// VerdictRecordFunc is an optional callback for counting verdicts.
type VerdictRecordFunc func(result *model.VerificationResult)

// Verifier cross-checks stored records against the ledger. It never writes.
type Verifier struct {
	store     store.Store
	ledger    ledger.Ledger
	now       func() time.Time
	onVerdict VerdictRecordFunc
	logger    *zap.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(st store.Store, l ledger.Ledger, logger *zap.Logger) *Verifier {
	return &Verifier{store: st, ledger: l, now: time.Now, logger: logger}
}

// SetMetricsRecord configures the verdict callback.
func (v *Verifier) SetMetricsRecord(fn VerdictRecordFunc) { v.onVerdict = fn }

// SetClock overrides the clock used for VerifiedAt.
func (v *Verifier) SetClock(now func() time.Time) { v.now = now }

// Verify recomputes the record digest and compares it with the stored digest
// and the digest the ledger holds for the record's transaction. A record that
// is not committed yields an invalid verdict, not an error. Errors are
// returned for a missing record, a storage failure or an unreachable ledger.
func (v *Verifier) Verify(ctx context.Context, id uuid.UUID) (*model.VerificationResult, error) {
	rec, err := v.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &model.VerificationResult{
		RecordID:     rec.ID,
		Status:       rec.Status,
		TxRef:        rec.TxRef,
		DigestStored: rec.Digest,
		VerifiedAt:   v.now().UTC(),
	}

	offchain, err := recompute(rec)
	if err != nil {
		res.Reason = model.ReasonPayloadCorrupt
		res.Detail = err.Error()
		return v.finish(rec, res), nil
	}
	res.DigestOffchain = offchain

	if !rec.IsCommitted() {
		res.Reason = model.ReasonNotAnchored
		if rec.Status == model.StatusFailed && !rec.Retryable {
			res.Reason = model.ReasonAnchorFailed
			res.Detail = rec.FailureReason
		}
		return v.finish(rec, res), nil
	}

	onchain, err := v.ledger.QueryDigest(ctx, *rec.TxRef)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		res.Reason = model.ReasonTxNotFound
		res.Detail = "ledger has no transaction " + *rec.TxRef
		return v.finish(rec, res), nil
	case err != nil:
		return nil, fmt.Errorf("querying ledger for %s: %w", *rec.TxRef, err)
	}
	res.DigestOnchain = onchain

	switch {
	case offchain != rec.Digest:
		res.Reason = model.ReasonStoredDigestMismatch
		res.Detail = "stored payload no longer matches the stored digest"
	case !strings.EqualFold(offchain, onchain):
		res.Reason = model.ReasonLedgerDigestMismatch
		res.Detail = "ledger digest differs from the recomputed digest"
	default:
		res.IsValid = true
	}
	return v.finish(rec, res), nil
}

// VerifyWithDigest runs Verify and additionally compares the recomputed
// digest with one supplied by the caller, such as a digest the event
// producer kept. A mismatch makes the verdict invalid.
func (v *Verifier) VerifyWithDigest(ctx context.Context, id uuid.UUID, digest string) (*model.VerificationResult, error) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	if digest == "" {
		return nil, &model.ErrValidation{Field: "digest", Msg: "is required"}
	}

	res, err := v.Verify(ctx, id)
	if err != nil {
		return nil, err
	}
	matches := res.DigestOffchain != "" && res.DigestOffchain == digest
	res.DigestProvided = digest
	res.MatchesProvided = &matches
	if !matches && res.IsValid {
		res.IsValid = false
		res.Reason = model.ReasonProvidedMismatch
		res.Detail = "supplied digest differs from the recomputed digest"
	}
	return res, nil
}

func (v *Verifier) finish(rec *model.LogRecord, res *model.VerificationResult) *model.VerificationResult {
	log := v.logger.With(zap.String("id", rec.ID.String()))
	switch res.Reason {
	case model.ReasonNone, model.ReasonNotAnchored, model.ReasonAnchorFailed:
		log.Debug("verify: verdict", zap.Bool("valid", res.IsValid), zap.String("reason", string(res.Reason)))
	default:
		log.Warn("verify: tamper evidence",
			zap.String("reason", string(res.Reason)),
			zap.String("digest_stored", res.DigestStored),
			zap.String("digest_offchain", res.DigestOffchain),
			zap.String("digest_onchain", res.DigestOnchain),
		)
	}
	if v.onVerdict != nil {
		v.onVerdict(res)
	}
	return res
}

// recompute derives the digest of a stored record from its stored fields.
func recompute(rec *model.LogRecord) (string, error) {
	payload, err := canonical.ParseObject(rec.Payload)
	if err != nil {
		return "", err
	}
	return canonical.Digest(canonical.Algorithm(rec.DigestAlg), rec.Source, rec.EventType, payload)
}
