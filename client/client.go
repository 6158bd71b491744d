// Package client routes fire-and-forget payloads to service instances.
//
// A Router owns, per service, a consistent-hash ring over the service's addresses and, per
// address, a fixed Pool of Connections. Each Connection runs one send loop goroutine that owns its
// socket, so any number of producer goroutines can enqueue concurrently while every socket keeps a
// single writer.
//
//	producer ─┐                             ┌─ Connection ─ send loop ─→ tcp://a:5555
//	producer ─┼→ Router ─ ring(key) → Pool ─┼─ Connection ─ send loop ─→ tcp://a:5555
//	producer ─┘                             └─ Connection ─ send loop ─→ tcp://a:5555
package client

import (
	"errors"
	"time"

	"ack-rpc/loadbalance"
	"ack-rpc/logger"
	"ack-rpc/transport"
)

var (
	ErrUnknownService   = errors.New("client: unknown service")
	ErrUnknownAddress   = errors.New("client: address not registered for service")
	ErrEmptyRing        = errors.New("client: service has no addresses")
	ErrRouterClosed     = errors.New("client: router closed")
	ErrConnectionClosed = errors.New("client: connection closed")
	ErrNotAcked         = errors.New("client: reply is not an acknowledgment")
	ErrPayloadTooLarge  = errors.New("client: payload exceeds maximum frame size")
)

// DefaultHighWaterMark is the queue length above which a Connection warns about backlog.
const DefaultHighWaterMark = 10000

type options struct {
	transport     transport.Options
	highWaterMark int
	virtualNodes  int
	warnInterval  time.Duration
	log           *logger.Logger
}

// Option configures a Router and the Connections it creates.
type Option func(*options)

func defaultOptions() options {
	return options{
		highWaterMark: DefaultHighWaterMark,
		virtualNodes:  loadbalance.DefaultVirtualNodes,
		warnInterval:  time.Second,
	}
}

// WithTransport sets the client socket timeouts.
func WithTransport(o transport.Options) Option {
	return func(opts *options) { opts.transport = o }
}

// WithHighWaterMark sets the queue length that triggers a backlog warning.
// It is a warning threshold only; a long queue never rejects a payload.
func WithHighWaterMark(n int) Option {
	return func(opts *options) {
		if n > 0 {
			opts.highWaterMark = n
		}
	}
}

// WithVirtualNodes sets the number of ring positions per address.
func WithVirtualNodes(n int) Option {
	return func(opts *options) {
		if n > 0 {
			opts.virtualNodes = n
		}
	}
}

// WithWarnInterval sets the minimum spacing of backlog warnings per connection.
func WithWarnInterval(d time.Duration) Option {
	return func(opts *options) { opts.warnInterval = d }
}

func WithLogger(l *logger.Logger) Option {
	return func(opts *options) { opts.log = l }
}
