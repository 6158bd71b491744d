package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"ack-rpc/protocol"
)

// request is one inbound frame together with the connection that must receive its reply.
type request struct {
	conn net.Conn
	seq  uint32
	body []byte
}

// RepSocket is the server half of a request/reply pair.
//
// It accepts any number of peers. One reader goroutine per peer decodes frames and hands them to
// Recv one at a time; Send answers the peer of the most recent request. Recv and Send belong to
// one goroutine, Close may be called from any goroutine.
type RepSocket struct {
	ln   net.Listener
	opts Options

	requests chan request
	errs     chan error // listener-level faults, surfaced through Recv
	closed   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	pending *request
}

// Bind listens on address and starts accepting peers.
func Bind(address string, opts Options) (*RepSocket, error) {
	network, hostport, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen(network, hostport)
	if err != nil {
		return nil, err
	}

	s := &RepSocket{
		ln:       ln,
		opts:     opts.withDefaults(),
		requests: make(chan request),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the bound address, which differs from the requested one when port 0 was used.
func (s *RepSocket) Addr() net.Addr {
	return s.ln.Addr()
}

// Recv blocks until a request arrives, the socket faults, or it is closed.
func (s *RepSocket) Recv() ([]byte, error) {
	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrState
	}
	s.mu.Unlock()

	select {
	case <-s.closed:
		return nil, ErrClosed
	case err := <-s.errs:
		return nil, err
	case req := <-s.requests:
		s.mu.Lock()
		s.pending = &req
		s.mu.Unlock()
		return req.body, nil
	}
}

// Send replies to the peer of the last received request, bounded by SendTimeout.
func (s *RepSocket) Send(reply []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	req := s.pending
	s.pending = nil
	s.mu.Unlock()
	if req == nil {
		return ErrState
	}

	header := protocol.Header{
		MsgType: protocol.MsgTypeReply,
		Seq:     req.seq,
		BodyLen: uint32(len(reply)),
	}
	if err := req.conn.SetWriteDeadline(time.Now().Add(s.opts.SendTimeout)); err != nil {
		return err
	}
	if err := protocol.Encode(req.conn, &header, reply); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: reply to %s", ErrTimeout, req.conn.RemoteAddr())
		}
		return err
	}
	return nil
}

// Close stops accepting, disconnects every peer and waits for the reader goroutines.
func (s *RepSocket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.ln.Close()

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
	return err
}

func (s *RepSocket) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
			case s.errs <- err:
			default:
			}
			return
		}

		s.mu.Lock()
		select {
		case <-s.closed:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.readLoop(conn)
	}
}

// readLoop feeds one peer's requests to Recv. A broken peer only loses its own connection; it is
// not a fault of the socket as a whole.
func (s *RepSocket) readLoop(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			return
		}
		select {
		case s.requests <- request{conn: conn, seq: header.Seq, body: body}:
		case <-s.closed:
			return
		}
	}
}
