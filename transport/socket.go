// Package transport implements strictly alternating request/reply sockets over TCP.
//
// A ReqSocket sends one request and must receive one reply before it may send again. A RepSocket
// receives one request and must reply to it before it may receive the next one. Frames use the
// protocol package's header so a stale or foreign reply is detected instead of being mistaken for
// the current one.
//
//	ReqSocket ──Send(seq=7, payload)──→ RepSocket.Recv
//	ReqSocket ←──Recv(seq=7, "ack")──── RepSocket.Send
//
// Like the messaging libraries this mirrors, a ReqSocket whose reply timed out stays in the
// "awaiting reply" state forever; the only way forward is to close it and open a new one.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	ErrClosed      = errors.New("transport: socket closed")
	ErrTimeout     = errors.New("transport: operation timed out")
	ErrState       = errors.New("transport: operation not valid in current socket state")
	ErrBadReply    = errors.New("transport: malformed reply")
	ErrBadProtocol = errors.New("transport: unsupported address scheme")
)

// Default timeouts, overridable per socket.
const (
	DefaultSendTimeout       = 2000 * time.Millisecond
	DefaultReceiveTimeout    = 2000 * time.Millisecond
	DefaultReconnectInterval = 100 * time.Millisecond
)

// Options tunes a socket. Zero durations fall back to the defaults, except ReceiveTimeout on a
// RepSocket, where blocking forever is the intended behaviour.
type Options struct {
	SendTimeout       time.Duration
	ReceiveTimeout    time.Duration
	ReconnectInterval time.Duration // pause between dial (or bind) attempts
}

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = DefaultReceiveTimeout
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	return o
}

// ParseAddress converts an endpoint string into a network and a host:port pair.
//
// Accepted forms: "tcp://host:port", "tcp://*:port" (all interfaces) and bare "host:port".
func ParseAddress(address string) (network, hostport string, err error) {
	rest := address
	if scheme, after, ok := strings.Cut(address, "://"); ok {
		if scheme != "tcp" {
			return "", "", fmt.Errorf("%w: %q", ErrBadProtocol, scheme)
		}
		rest = after
	}
	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		return "", "", fmt.Errorf("transport: invalid address %q: %w", address, err)
	}
	if port == "" {
		return "", "", fmt.Errorf("transport: invalid address %q: missing port", address)
	}
	if host == "*" {
		host = ""
	}
	return "tcp", net.JoinHostPort(host, port), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
