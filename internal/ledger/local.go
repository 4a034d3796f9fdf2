package ledger

import (
	"context"
	"errors"

	"github.com/banking-audit-ledger/anchor/internal/chain"
)

// Local is a Ledger over an in-process chain. It serves single-node
// deployments and tests.
type Local struct {
	chain     chain.Chain
	submitter string
}

var _ Ledger = (*Local)(nil)

// NewLocal returns a Ledger that appends to c, recording submitter on every
// entry.
func NewLocal(c chain.Chain, submitter string) *Local {
	return &Local{chain: c, submitter: submitter}
}

// Submit implements Ledger.
func (l *Local) Submit(ctx context.Context, key, digest string) (string, error) {
	e, _, err := l.chain.Append(ctx, key, digest, l.submitter)
	if err != nil {
		return "", classifyChainError(err)
	}
	return e.TxRef, nil
}

// QueryDigest implements Ledger.
func (l *Local) QueryDigest(ctx context.Context, txRef string) (string, error) {
	e, err := l.chain.GetByTx(ctx, txRef)
	if err != nil {
		return "", classifyChainError(err)
	}
	return e.Digest, nil
}

// Ping implements Ledger.
func (l *Local) Ping(ctx context.Context) error {
	if _, err := l.chain.Len(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close implements Ledger. The chain is owned by the caller.
func (l *Local) Close() error { return nil }

func classifyChainError(err error) error {
	switch {
	case errors.Is(err, chain.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, chain.ErrInvalidDigest),
		errors.Is(err, chain.ErrInvalidKey),
		errors.Is(err, chain.ErrKeyConflict):
		return &RejectedError{Reason: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return unavailable(err)
	}
}
