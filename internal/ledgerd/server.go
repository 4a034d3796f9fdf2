// Package ledgerd implements a ledger node: the gRPC Ledger service over a
// hash chain, its interceptors and a read-only REST explorer.
package ledgerd

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banking-audit-ledger/anchor/internal/chain"
	"github.com/banking-audit-ledger/anchor/internal/ledger"
)

// AnonymousSubmitter is recorded when the node runs without auth.
const AnonymousSubmitter = "anonymous"

// Server implements ledger.Server over a chain.
type Server struct {
	chain  chain.Chain
	logger *zap.Logger
}

var _ ledger.Server = (*Server)(nil)

// NewServer creates a Server appending to c.
func NewServer(c chain.Chain, logger *zap.Logger) *Server {
	return &Server{chain: c, logger: logger}
}

// Submit appends the requested digest.
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := ledger.ParseSubmitRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	submitter := SubmitterFromContext(ctx)
	e, created, err := s.chain.Append(ctx, req.Key, req.Digest, submitter)
	if err != nil {
		code := chainCode(err)
		recordSubmission(code.String())
		if code == codes.Unavailable {
			s.logger.Error("append failed", zap.String("key", req.Key), zap.Error(err))
		}
		return nil, status.Error(code, err.Error())
	}

	if created {
		recordSubmission("created")
		chainLength.Set(float64(e.Index + 1))
		s.logger.Info("digest anchored",
			zap.String("key", e.Key),
			zap.String("tx_ref", e.TxRef),
			zap.Int("index", e.Index),
			zap.String("submitter", submitter),
		)
	} else {
		recordSubmission("replayed")
	}
	return ledger.SubmitResponse{TxRef: e.TxRef, Index: e.Index, Created: created}.Proto(), nil
}

// QueryDigest returns the entry behind a tx reference.
func (s *Server) QueryDigest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := ledger.ParseQueryDigestRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	e, err := s.chain.GetByTx(ctx, req.TxRef)
	if err != nil {
		return nil, status.Error(chainCode(err), err.Error())
	}
	return ledger.QueryDigestResponse{
		TxRef:     e.TxRef,
		Key:       e.Key,
		Digest:    e.Digest,
		Index:     e.Index,
		Timestamp: e.Timestamp,
	}.Proto(), nil
}

func chainCode(err error) codes.Code {
	switch {
	case errors.Is(err, chain.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, chain.ErrInvalidDigest), errors.Is(err, chain.ErrInvalidKey):
		return codes.InvalidArgument
	case errors.Is(err, chain.ErrKeyConflict):
		return codes.AlreadyExists
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Unavailable
	}
}

// NewGRPCServer builds a gRPC server exposing srv with logging, optional
// token auth, the standard health service and reflection.
func NewGRPCServer(srv *Server, tokens *ledger.Tokens, logger *zap.Logger) (*grpc.Server, *health.Server) {
	interceptors := []grpc.UnaryServerInterceptor{loggingInterceptor(logger)}
	if tokens != nil {
		interceptors = append(interceptors, authInterceptor(tokens))
	}
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	ledger.RegisterServer(gs, srv)

	healthSvc := health.NewServer()
	healthpb.RegisterHealthServer(gs, healthSvc)
	healthSvc.SetServingStatus(ledger.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// gRPC reflection (for grpcurl and Evans)
	reflection.Register(gs)
	return gs, healthSvc
}
