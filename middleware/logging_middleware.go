package middleware

import (
	"context"
	"log/slog"
	"time"

	"chanrpc/meta"
)

// Logging logs each dispatched request with its duration and outcome.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *meta.MetaData) *meta.MetaData {
			start := time.Now()
			reply := next(ctx, req)
			attrs := []any{
				"service", req.ServiceName,
				"method", req.MethodName,
				"duration", time.Since(start),
			}
			if reply != nil && reply.Failed() {
				attrs = append(attrs, "error_code", reply.ErrorCode, "error", reply.ErrorText)
				logger.Warn("request failed", attrs...)
				return reply
			}
			logger.Debug("request handled", attrs...)
			return reply
		}
	}
}
