package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"chanrpc/errcode"
	"chanrpc/meta"
)

// RateLimit rejects requests beyond the token-bucket rate with a
// CodeRateLimited error envelope.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *meta.MetaData) *meta.MetaData {
			if !limiter.Allow() {
				return failFor(req, errcode.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
