// Package server turns a strictly alternating reply socket into an asynchronous receiver.
//
// A Listener acknowledges every payload as soon as it is queued, before any handler runs, so a
// slow handler never holds up the sender:
//
//	RepSocket.Recv → WorkUnit → Executor.Execute → RepSocket.Send("ack") → Recv ...
//	                                  ↓
//	                  worker goroutine: middleware chain → Handler
//
// "ack" therefore means "received", never "processed". Any transport error closes the socket and
// binds a new one on the same address; the sender retries whatever was not acknowledged.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ack-rpc/logger"
	"ack-rpc/middleware"
	"ack-rpc/protocol"
	"ack-rpc/registry"
	"ack-rpc/transport"
)

const registryTimeout = 5 * time.Second

type listenerOptions struct {
	transport   transport.Options
	middlewares []middleware.Middleware
	log         *logger.Logger

	registry      registry.Registry // nil when not using discovery
	serviceName   string
	advertiseAddr string
	ttl           int64
}

type Option func(*listenerOptions)

// WithMiddleware wraps the handler. Middlewares run in the order given, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *listenerOptions) { o.middlewares = append(o.middlewares, mws...) }
}

// WithRegistry registers the listener under serviceName once bound and deregisters it on Close.
// An empty advertiseAddr advertises the bound address, which is only routable on loopback setups.
func WithRegistry(reg registry.Registry, serviceName, advertiseAddr string, ttl int64) Option {
	return func(o *listenerOptions) {
		o.registry = reg
		o.serviceName = serviceName
		o.advertiseAddr = advertiseAddr
		o.ttl = ttl
	}
}

// WithTransport sets the reply send timeout and the rebind interval.
func WithTransport(t transport.Options) Option {
	return func(o *listenerOptions) { o.transport = t }
}

func WithLogger(l *logger.Logger) Option {
	return func(o *listenerOptions) { o.log = l }
}

// ListenerStats is a point-in-time view of a Listener.
type ListenerStats struct {
	Address        string `json:"address"`
	Received       uint64 `json:"received"`
	Acked          uint64 `json:"acked"`
	Rebinds        uint64 `json:"rebinds"`
	SubmitFailures uint64 `json:"submit_failures"`
}

// Listener receives payloads on one address and dispatches them to an Executor.
type Listener struct {
	address string // as bound, e.g. tcp://127.0.0.1:5555 even when :0 was requested
	handler Handler
	pool    Executor
	opts    listenerOptions
	log     *logger.Logger

	mu       sync.Mutex
	sock     *transport.RepSocket
	shutdown atomic.Bool // suppresses rebinding once Close started
	done     chan struct{}

	received       atomic.Uint64
	acked          atomic.Uint64
	rebinds        atomic.Uint64
	submitFailures atomic.Uint64
}

// NewListener binds address and starts receiving. None of the arguments may be nil or empty.
// A failed initial bind or registration is returned; later failures are handled by rebinding.
func NewListener(address string, handler Handler, pool Executor, opts ...Option) (*Listener, error) {
	if address == "" {
		return nil, errors.New("server: address is required")
	}
	if handler == nil {
		return nil, errors.New("server: handler is required")
	}
	if pool == nil {
		return nil, errors.New("server: executor is required")
	}

	o := listenerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Default()
	}
	if len(o.middlewares) > 0 {
		handler = middleware.Chain(o.middlewares...)(handler.Handle)
	}

	sock, err := transport.Bind(address, o.transport)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	bound := "tcp://" + sock.Addr().String()

	l := &Listener{
		address: bound,
		handler: handler,
		pool:    pool,
		opts:    o,
		log:     o.log.ListenerLogger(bound),
		sock:    sock,
		done:    make(chan struct{}),
	}
	l.log.Info("listening")

	if o.registry != nil {
		if o.advertiseAddr == "" {
			o.advertiseAddr = bound
			l.opts.advertiseAddr = bound
		}
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		err := o.registry.Register(ctx, o.serviceName, registry.ServiceInstance{Addr: o.advertiseAddr}, o.ttl)
		cancel()
		if err != nil {
			sock.Close()
			return nil, fmt.Errorf("register %s as %s: %w", o.serviceName, o.advertiseAddr, err)
		}
		l.log.WithField("service", o.serviceName).Infof("registered as %s", o.advertiseAddr)
	}

	go l.serve()
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.address
}

func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Address:        l.address,
		Received:       l.received.Load(),
		Acked:          l.acked.Load(),
		Rebinds:        l.rebinds.Load(),
		SubmitFailures: l.submitFailures.Load(),
	}
}

// Close deregisters the listener, closes its socket and waits for the receive loop to exit.
// Work already handed to the Executor is not affected.
func (l *Listener) Close() error {
	if l.shutdown.Swap(true) {
		<-l.done
		return nil
	}

	var err error
	if l.opts.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		err = l.opts.registry.Deregister(ctx, l.opts.serviceName, l.opts.advertiseAddr)
		cancel()
	}

	l.mu.Lock()
	if l.sock != nil {
		l.sock.Close()
	}
	l.mu.Unlock()

	<-l.done
	l.log.Info("listener closed")
	return err
}

func (l *Listener) socket() *transport.RepSocket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sock
}

func (l *Listener) serve() {
	defer close(l.done)

	for !l.shutdown.Load() {
		sock := l.socket()
		if sock == nil {
			return
		}

		payload, err := sock.Recv()
		if err != nil {
			l.rebind(err)
			continue
		}
		l.received.Add(1)

		if err := l.pool.Execute(NewWorkUnit(payload, l.handler)); err != nil {
			// Not acknowledged: the sender times out and retries.
			l.submitFailures.Add(1)
			l.rebind(fmt.Errorf("submit: %w", err))
			continue
		}

		if err := sock.Send(protocol.Ack); err != nil {
			l.rebind(err)
			continue
		}
		l.acked.Add(1)
	}
}

// rebind replaces the socket with a fresh one on the same address, retrying until it succeeds or
// the listener is closed.
func (l *Listener) rebind(cause error) {
	if l.shutdown.Load() {
		return
	}
	l.rebinds.Add(1)
	l.log.WithError(cause).Warn("socket failed, rebinding")

	l.mu.Lock()
	if l.sock != nil {
		l.sock.Close()
		l.sock = nil
	}
	l.mu.Unlock()

	interval := l.opts.transport.ReconnectInterval
	if interval <= 0 {
		interval = transport.DefaultReconnectInterval
	}

	for {
		l.mu.Lock()
		if l.shutdown.Load() {
			l.mu.Unlock()
			return
		}
		sock, err := transport.Bind(l.address, l.opts.transport)
		if err == nil {
			l.sock = sock
			l.mu.Unlock()
			l.log.Info("rebound")
			return
		}
		l.mu.Unlock()

		l.log.WithError(err).Debug("bind failed, retrying")
		time.Sleep(interval)
	}
}
