package middleware

import (
	"context"
	"errors"
	"time"
)

var ErrHandlerTimeout = errors.New("handler timed out")

// Timeout bounds handler execution. The handler keeps running in the background after the
// deadline; it is expected to watch ctx and stop on its own.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, payload []byte) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next(ctx, payload)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ErrHandlerTimeout
			}
		}
	}
}
