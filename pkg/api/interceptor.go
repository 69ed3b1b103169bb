package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs every unary call and turns handler panics into
// codes.Internal. Health checks are logged at debug level since orchestrators
// poll them constantly.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("method", info.FullMethod).Msg(fmt.Sprintf("panic in handler: %v", r))
				err = status.Errorf(codes.Internal, "internal error")
			}

			ev := logger.Debug()
			if !isHealthMethod(info.FullMethod) {
				ev = logger.Info()
			}
			code := status.Code(err)
			if code != codes.OK {
				ev = logger.Warn().Err(err)
			}
			ev.Str("method", info.FullMethod).
				Str("code", code.String()).
				Dur("duration", time.Since(start)).
				Msg("gRPC call")
		}()

		return handler(ctx, req)
	}
}

// isHealthMethod reports whether the full method belongs to grpc.health.v1
func isHealthMethod(method string) bool {
	return strings.HasPrefix(method, "/grpc.health.v1.Health/")
}
