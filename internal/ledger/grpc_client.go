package ledger

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Default per-call timeouts for a ledger node.
const (
	DefaultSubmitTimeout = 15 * time.Second
	DefaultQueryTimeout  = 5 * time.Second
)

// GRPCConfig configures a GRPCClient.
type GRPCConfig struct {
	Target        string
	Plaintext     bool
	SubmitTimeout time.Duration
	QueryTimeout  time.Duration

	// Submitter and Tokens identify this client to the node. Both are
	// optional; nodes running without auth ignore them.
	Submitter string
	Tokens    *Tokens
}

// GRPCClient is a Ledger talking to a ledger node over gRPC.
type GRPCClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	cfg    GRPCConfig
}

var _ Ledger = (*GRPCClient)(nil)

// NewGRPCClient creates a client for cfg.Target. The connection is
// established lazily on the first call. Extra dial options are appended
// after the ones derived from cfg.
func NewGRPCClient(cfg GRPCConfig, opts ...grpc.DialOption) (*GRPCClient, error) {
	if cfg.Target == "" {
		return nil, errors.New("ledger target is required")
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}

	dialOpts := []grpc.DialOption{}
	if cfg.Plaintext {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	if cfg.Tokens != nil {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(cfg.Tokens.PerRPC(cfg.Submitter, !cfg.Plaintext)))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create ledger client: %w", err)
	}
	return &GRPCClient{conn: conn, health: healthpb.NewHealthClient(conn), cfg: cfg}, nil
}

// Submit implements Ledger.
func (c *GRPCClient) Submit(ctx context.Context, key, digest string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	out := new(structpb.Struct)
	req := SubmitRequest{Key: key, Digest: digest}.Proto()
	if err := c.conn.Invoke(ctx, SubmitMethod, req, out); err != nil {
		return "", mapStatus(err)
	}
	resp, err := ParseSubmitResponse(out)
	if err != nil {
		return "", unavailable(fmt.Errorf("malformed submit response: %w", err))
	}
	return resp.TxRef, nil
}

// QueryDigest implements Ledger.
func (c *GRPCClient) QueryDigest(ctx context.Context, txRef string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, QueryDigestMethod, QueryDigestRequest{TxRef: txRef}.Proto(), out); err != nil {
		return "", mapStatus(err)
	}
	resp, err := ParseQueryDigestResponse(out)
	if err != nil {
		return "", unavailable(fmt.Errorf("malformed query response: %w", err))
	}
	return resp.Digest, nil
}

// Ping implements Ledger using the standard gRPC health service.
func (c *GRPCClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return mapStatus(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: node reports %s", ErrUnavailable, resp.GetStatus())
	}
	return nil
}

// Close implements Ledger.
func (c *GRPCClient) Close() error { return c.conn.Close() }

// mapStatus translates a gRPC status into the adapter's error classes.
func mapStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return unavailable(err)
	}
	switch st.Code() {
	case codes.NotFound:
		return ErrNotFound
	case codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated, codes.OutOfRange, codes.Unimplemented:
		return &RejectedError{Reason: st.Message()}
	default:
		// Unavailable, DeadlineExceeded, ResourceExhausted, Aborted, Canceled,
		// Internal, Unknown and DataLoss.
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, st.Code(), st.Message())
	}
}
