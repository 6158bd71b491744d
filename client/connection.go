package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"ack-rpc/logger"
	"ack-rpc/protocol"
	"ack-rpc/queue"
	"ack-rpc/transport"

	"golang.org/x/time/rate"
)

// State is the position of a Connection's send loop in its send/ack/retry cycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady        // idle, waiting for the next payload
	StateSending      // writing the in-flight payload
	StateAwaitingAck  // waiting for the reply
	StateReconnecting // last attempt failed, rebuilding the socket
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ConnectionStats is a point-in-time view of one Connection.
type ConnectionStats struct {
	Service    string `json:"service"`
	Address    string `json:"address"`
	State      string `json:"state"`
	QueueLen   int    `json:"queue_len"`
	InFlight   bool   `json:"in_flight"`
	Acked      uint64 `json:"acked"`
	Reconnects uint64 `json:"reconnects"`
}

// Connection delivers payloads to one address over one socket, one at a time.
//
// Enqueue only touches the queue. Everything else (the socket and the in-flight payload) belongs
// to the send loop goroutine:
//
//	take payload ─→ Send ─→ Recv ─→ "ack"? ──yes──→ drop payload, take next
//	                  ↑                 │
//	                  └── new socket ←──┘ no (timeout, bad reply, transport error)
//
// The in-flight payload lives outside the queue, so a payload survives any number of socket
// rebuilds and nothing queued behind it is sent first.
type Connection struct {
	serviceName string
	address     string
	opts        options
	log         *logger.Logger
	warn        *rate.Limiter

	queue    *queue.Queue[[]byte]
	inflight []byte // owned by run

	state      atomic.Int32
	busy       atomic.Bool // an in-flight payload exists
	acked      atomic.Uint64
	reconnects atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newConnection(serviceName, address string, opts options) (*Connection, error) {
	if _, _, err := transport.ParseAddress(address); err != nil {
		return nil, err
	}
	log := opts.log
	if log == nil {
		log = logger.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		serviceName: serviceName,
		address:     address,
		opts:        opts,
		log:         log.ConnectionLogger(serviceName, address),
		warn:        rate.NewLimiter(rate.Every(opts.warnInterval), 1),
		queue:       queue.New[[]byte](),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Address returns the destination of this connection.
func (c *Connection) Address() string {
	return c.address
}

// ServiceName returns the service this connection belongs to.
func (c *Connection) ServiceName() string {
	return c.serviceName
}

// Enqueue hands a payload to the send loop and returns immediately. The payload must not be
// modified afterwards. Delivery is at-least-once; failures are retried, never reported.
//
// A payload larger than protocol.MaxBodyLen can never be framed and is rejected with
// ErrPayloadTooLarge instead of stalling the queue. A nil error does not survive Close: a payload
// accepted while Close runs concurrently may be discarded with the rest of the queue.
func (c *Connection) Enqueue(payload []byte) error {
	if uint64(len(payload)) > uint64(protocol.MaxBodyLen) {
		return ErrPayloadTooLarge
	}
	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}
	n := c.queue.Push(payload)
	if n > c.opts.highWaterMark && c.warn.Allow() {
		c.log.WithField("queue_len", n).Warnf("sending queue is over %d", c.opts.highWaterMark)
	}
	return nil
}

// QueueLen returns the number of payloads waiting behind the in-flight one.
func (c *Connection) QueueLen() int {
	return c.queue.Len()
}

// State returns the current send loop state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Stats returns counters for monitoring.
func (c *Connection) Stats() ConnectionStats {
	return ConnectionStats{
		Service:    c.serviceName,
		Address:    c.address,
		State:      c.State().String(),
		QueueLen:   c.queue.Len(),
		InFlight:   c.busy.Load(),
		Acked:      c.acked.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// Close stops the send loop. An attempt already in progress runs to completion or timeout first.
// Payloads not yet acknowledged are discarded.
func (c *Connection) Close() {
	c.cancel()
	<-c.done
}

func (c *Connection) run() {
	defer close(c.done)

	sock := c.connect()
	defer func() {
		sock.Close()
		c.setState(StateClosed)
	}()

	for c.ctx.Err() == nil {
		if c.inflight == nil {
			c.setState(StateReady)
			payload, err := c.queue.Take(c.ctx)
			if err != nil {
				continue
			}
			c.inflight = payload
			c.busy.Store(true)
		}

		if err := c.deliver(sock, c.inflight); err != nil {
			c.reconnects.Add(1)
			c.setState(StateReconnecting)
			c.log.WithError(err).Warn("delivery failed, rebuilding socket")
			sock.Close()
			sock = c.connect()
			continue
		}

		c.inflight = nil
		c.busy.Store(false)
		c.acked.Add(1)
	}
}

// connect opens a fresh socket. The dial itself happens lazily on the first Send.
func (c *Connection) connect() *transport.ReqSocket {
	c.setState(StateConnecting)
	// The address was validated by newConnection, so this cannot fail.
	sock, _ := transport.NewReqSocket(c.address, c.opts.transport)
	c.log.Debug("socket opened")
	return sock
}

func (c *Connection) deliver(sock *transport.ReqSocket, payload []byte) error {
	c.setState(StateSending)
	if err := sock.Send(payload); err != nil {
		return err
	}

	c.setState(StateAwaitingAck)
	reply, err := sock.Recv()
	if err != nil {
		return err
	}
	if !protocol.IsAck(reply) {
		if len(reply) > 16 {
			reply = reply[:16]
		}
		return fmt.Errorf("%w: %q", ErrNotAcked, reply)
	}
	return nil
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}
