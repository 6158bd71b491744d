// Package middleware wraps payload handlers in an onion of cross-cutting concerns.
//
// Chain(A, B, C)(h) builds A(B(C(h))): A runs first on the way in and last on the way out.
// Middlewares run on a worker goroutine after the payload was already acknowledged, so none of
// them may drop a payload silently; they delay, retry, bound or log it.
package middleware

import "context"

// HandlerFunc processes one received payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Handle lets a HandlerFunc be used wherever a handler interface is expected.
func (f HandlerFunc) Handle(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one; the first argument is the outermost layer.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
