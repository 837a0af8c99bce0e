package handler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

const requestIDMetadata = "x-request-id"

// UnaryLogging is a gRPC unary server interceptor that carries the caller's
// x-request-id (or a fresh one) into the response header and logs each call.
func UnaryLogging(log *logger.Logger) grpc.UnaryServerInterceptor {
	l := log.Component("grpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
		requestID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(requestIDMetadata); len(ids) > 0 {
				requestID = ids[0]
			}
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadata, requestID))

		start := time.Now()
		resp, err := next(ctx, req)

		l.Debug().
			Str("request_id", requestID).
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}
