package middleware

import (
	"context"
	"errors"
	"time"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry re-runs a failing handler up to maxRetries times with exponential backoff starting at
// baseDelay. Errors wrapped with Permanent are returned immediately.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, payload []byte) error {
			err := next(ctx, payload)
			for i := 0; i < maxRetries; i++ {
				if err == nil || IsPermanent(err) {
					return err
				}
				select {
				case <-ctx.Done():
					return err
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				err = next(ctx, payload)
			}
			return err
		}
	}
}
