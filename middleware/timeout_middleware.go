package middleware

import (
	"context"
	"time"

	"chanrpc/errcode"
	"chanrpc/meta"
)

// Timeout bounds handler execution on the serving side. The core itself has
// no per-call timeout; calls that want one layer it here or around the
// returned future.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *meta.MetaData) *meta.MetaData {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			// the receive loop reuses its envelope once this returns, so a
			// handler that outlives the deadline must work on its own copy
			reqCopy := *req
			done := make(chan *meta.MetaData, 1)
			go func() {
				done <- next(ctx, &reqCopy)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return failFor(req, errcode.CodeDeadlineExceeded, "request timed out")
			}
		}
	}
}
