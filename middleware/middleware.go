// Package middleware wraps the channel's inbound request dispatch.
//
// A HandlerFunc takes a request envelope and returns the reply envelope, or
// nil when the method requires no response. Middlewares compose around the
// channel's dispatch handler in an onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
package middleware

import (
	"context"

	"chanrpc/meta"
)

type HandlerFunc func(ctx context.Context, req *meta.MetaData) *meta.MetaData

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, applied in registration order.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// failFor builds an error reply for req, or nil when the request did not
// require a response and there is nothing to correlate the error on.
func failFor(req *meta.MetaData, code int32, text string) *meta.MetaData {
	if req.TransmissionID == 0 {
		return nil
	}
	reply := &meta.MetaData{TransmissionID: req.TransmissionID}
	reply.SetFailed(code, text)
	return reply
}
