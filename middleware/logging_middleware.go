package middleware

import (
	"context"
	"time"

	"ack-rpc/logger"

	"github.com/sirupsen/logrus"
)

// Logging records the size, duration and outcome of every handled payload.
func Logging(log *logger.Logger) Middleware {
	log = log.Component("handler")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, payload []byte) error {
			start := time.Now()
			err := next(ctx, payload)
			entry := log.WithFields(logrus.Fields{
				"payload_size": len(payload),
				"duration":     time.Since(start),
			})
			if err != nil {
				entry.WithError(err).Error("handler failed")
			} else {
				entry.Debug("handled payload")
			}
			return err
		}
	}
}
