package middleware

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimit paces handler execution with a token bucket. The payload was already acknowledged,
// so instead of rejecting it the middleware waits for a token.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, payload []byte) error {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			return next(ctx, payload)
		}
	}
}
