package api

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/solatis/crmrules/internal/core/auth"
	"github.com/solatis/crmrules/internal/core/logging"
	"github.com/solatis/crmrules/internal/metrics"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MetricsInterceptor records the count and latency of every unary call
// by method and status code.
func MetricsInterceptor(c *metrics.Collector) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		c.ObserveRPC(path.Base(info.FullMethod), status.Code(err).String(), time.Since(start))
		return resp, err
	}
}

// TimeoutInterceptor bounds each call to d. Zero disables the bound.
func TimeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if d <= 0 {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return handler(ctx, req)
	}
}

// LoggingInterceptor stores a request-scoped logger in the context and
// logs the outcome of each call. Server-side failures log at warn.
// Must run after authentication to pick up the tenant.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		l := logger.With(zap.String("method", path.Base(info.FullMethod)))
		if tenant := auth.TenantIDFromContext(ctx); tenant != "" {
			l = l.With(zap.String("tenant_id", tenant))
		}

		start := time.Now()
		resp, err := handler(logging.NewContext(ctx, l), req)

		code := status.Code(err)
		fields := []zap.Field{zap.String("code", code.String()), zap.Duration("elapsed", time.Since(start))}
		switch code {
		case codes.Unavailable, codes.Internal, codes.Unknown, codes.DeadlineExceeded:
			l.Warn("request failed", append(fields, zap.Error(err))...)
		default:
			l.Debug("request done", fields...)
		}
		return resp, err
	}
}

// SkipMethods wraps interceptor so calls to services named by prefixes
// bypass it.
func SkipMethods(interceptor grpc.UnaryServerInterceptor, prefixes ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		for _, p := range prefixes {
			if strings.HasPrefix(info.FullMethod, p) {
				return handler(ctx, req)
			}
		}
		return interceptor(ctx, req, info, handler)
	}
}
