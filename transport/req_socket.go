package transport

import (
	"fmt"
	"net"
	"time"

	"ack-rpc/protocol"
)

// ReqSocket is the client half of a request/reply pair.
//
// It connects lazily: the first Send dials, retrying every ReconnectInterval until SendTimeout
// elapses. A ReqSocket is owned by a single goroutine and is not safe for concurrent use.
type ReqSocket struct {
	address  string
	network  string
	hostport string
	opts     Options
	dialer   net.Dialer

	conn     net.Conn
	seq      uint32
	awaiting bool // a request was sent and its reply has not been received yet
	closed   bool
}

// NewReqSocket validates the address and returns an unconnected socket.
func NewReqSocket(address string, opts Options) (*ReqSocket, error) {
	network, hostport, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return &ReqSocket{
		address:  address,
		network:  network,
		hostport: hostport,
		opts:     opts.withDefaults(),
	}, nil
}

// Address returns the endpoint this socket connects to.
func (s *ReqSocket) Address() string {
	return s.address
}

// Send writes one request frame. It fails with ErrState if the previous request has not been
// answered yet, and with an ErrTimeout-wrapped error if the peer cannot be reached in time.
func (s *ReqSocket) Send(payload []byte) error {
	if s.closed {
		return ErrClosed
	}
	if s.awaiting {
		return ErrState
	}

	deadline := time.Now().Add(s.opts.SendTimeout)
	if err := s.ensureConn(deadline); err != nil {
		return err
	}

	s.seq++
	header := protocol.Header{
		MsgType: protocol.MsgTypeRequest,
		Seq:     s.seq,
		BodyLen: uint32(len(payload)),
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.dropConn()
		return err
	}
	if err := protocol.Encode(s.conn, &header, payload); err != nil {
		s.dropConn()
		if isTimeout(err) {
			return fmt.Errorf("%w: send to %s", ErrTimeout, s.hostport)
		}
		return err
	}
	s.awaiting = true
	return nil
}

// Recv waits up to ReceiveTimeout for the reply to the last request.
//
// On any failure the socket stays in the awaiting state, so the caller has to close it and open
// a fresh one before sending again.
func (s *ReqSocket) Recv() ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if !s.awaiting || s.conn == nil {
		return nil, ErrState
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.ReceiveTimeout)); err != nil {
		return nil, err
	}
	header, body, err := protocol.Decode(s.conn)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: receive from %s", ErrTimeout, s.hostport)
		}
		return nil, err
	}
	if header.MsgType != protocol.MsgTypeReply {
		return nil, fmt.Errorf("%w: unexpected %s frame", ErrBadReply, header.MsgType)
	}
	if header.Seq != s.seq {
		return nil, fmt.Errorf("%w: seq %d, want %d", ErrBadReply, header.Seq, s.seq)
	}

	s.awaiting = false
	return body, nil
}

// Close releases the connection. It is safe to call more than once.
func (s *ReqSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *ReqSocket) ensureConn(deadline time.Time) error {
	if s.conn != nil {
		return nil
	}

	var lastErr error
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: dial %s: %v", ErrTimeout, s.hostport, lastErr)
		}
		s.dialer.Timeout = remaining
		conn, err := s.dialer.Dial(s.network, s.hostport)
		if err == nil {
			s.conn = conn
			return nil
		}
		lastErr = err

		wait := s.opts.ReconnectInterval
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		if wait > 0 {
			time.Sleep(wait)
		}
	}
}

func (s *ReqSocket) dropConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
