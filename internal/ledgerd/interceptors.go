package ledgerd

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/banking-audit-ledger/anchor/internal/ledger"
)

type submitterKey struct{}

// SubmitterFromContext returns the authenticated submitter, or
// AnonymousSubmitter when the node runs without auth.
func SubmitterFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(submitterKey{}).(string); ok && s != "" {
		return s
	}
	return AnonymousSubmitter
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("latency", time.Since(start)),
		}
		if code == codes.OK || code == codes.NotFound {
			logger.Debug("grpc", fields...)
		} else {
			logger.Info("grpc", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}

// authInterceptor requires a valid submitter token on every Ledger call.
// Health and reflection calls pass through.
func authInterceptor(tokens *ledger.Tokens) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ledger.ServiceName+"/") {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing submitter token")
		}
		raw, ok := ledger.BearerToken(values[0])
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "malformed authorization header")
		}
		claims, err := tokens.Verify(raw)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(context.WithValue(ctx, submitterKey{}, claims.Submitter), req)
	}
}
