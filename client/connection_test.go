package client

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ack-rpc/logger"
	"ack-rpc/protocol"
	"ack-rpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastTransport = transport.Options{
	SendTimeout:       300 * time.Millisecond,
	ReceiveTimeout:    300 * time.Millisecond,
	ReconnectInterval: 20 * time.Millisecond,
}

func testOptions() options {
	o := defaultOptions()
	o.transport = fastTransport
	o.log = logger.Discard()
	return o
}

// fakeServer records every request and answers it with whatever reply returns.
// A nil reply means "do not answer in time".
type fakeServer struct {
	rep   *transport.RepSocket
	reply func(n int, body []byte) []byte

	mu       sync.Mutex
	received []string
}

func startFakeServer(t *testing.T, reply func(n int, body []byte) []byte) *fakeServer {
	t.Helper()
	rep, err := transport.Bind("tcp://127.0.0.1:0", fastTransport)
	require.NoError(t, err)
	s := &fakeServer{rep: rep, reply: reply}
	if s.reply == nil {
		s.reply = func(int, []byte) []byte { return protocol.Ack }
	}
	go s.serve()
	t.Cleanup(func() { rep.Close() })
	return s
}

func (s *fakeServer) address() string {
	return "tcp://" + s.rep.Addr().String()
}

func (s *fakeServer) serve() {
	for n := 0; ; n++ {
		body, err := s.rep.Recv()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, string(body))
		s.mu.Unlock()

		reply := s.reply(n, body)
		if reply == nil {
			// Let the client give up, then answer the stale request so the socket can move on.
			time.Sleep(fastTransport.ReceiveTimeout + 100*time.Millisecond)
			reply = protocol.Ack
		}
		_ = s.rep.Send(reply)
	}
}

func (s *fakeServer) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// syncBuffer is a bytes.Buffer safe for a logger writing from another goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestConnection(t *testing.T, address string, o options) *Connection {
	t.Helper()
	c, err := newConnection("TestService", address, o)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestConnectionDeliversInOrder(t *testing.T) {
	srv := startFakeServer(t, nil)
	c := newTestConnection(t, srv.address(), testOptions())

	var want []string
	for i := 0; i < 50; i++ {
		p := fmt.Sprintf("payload-%02d", i)
		want = append(want, p)
		require.NoError(t, c.Enqueue([]byte(p)))
	}

	require.Eventually(t, func() bool { return len(srv.Received()) == len(want) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, srv.Received())
	assert.Equal(t, uint64(50), c.Stats().Acked)
	assert.Zero(t, c.Stats().Reconnects)
}

func TestConnectionRetriesUntilAcked(t *testing.T) {
	const failures = 3
	srv := startFakeServer(t, func(n int, body []byte) []byte {
		if n < failures {
			return []byte("nope")
		}
		return protocol.Ack
	})
	c := newTestConnection(t, srv.address(), testOptions())

	require.NoError(t, c.Enqueue([]byte("first")))
	require.NoError(t, c.Enqueue([]byte("second")))

	want := []string{"first", "first", "first", "first", "second"}
	require.Eventually(t, func() bool { return len(srv.Received()) == len(want) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, srv.Received(), "a payload is retried until acked and nothing overtakes it")

	require.Eventually(t, func() bool { return c.Stats().Acked == 2 }, time.Second, 10*time.Millisecond)
	st := c.Stats()
	assert.Equal(t, uint64(failures), st.Reconnects)
	assert.False(t, st.InFlight)
	assert.Zero(t, st.QueueLen)
}

func TestConnectionRetriesAfterReceiveTimeout(t *testing.T) {
	srv := startFakeServer(t, func(n int, body []byte) []byte {
		if n == 0 {
			return nil
		}
		return protocol.Ack
	})
	c := newTestConnection(t, srv.address(), testOptions())

	require.NoError(t, c.Enqueue([]byte("slow")))
	require.Eventually(t, func() bool { return c.Stats().Acked == 1 }, 5*time.Second, 10*time.Millisecond)

	// At-least-once: the server saw the payload again on the rebuilt socket.
	assert.Equal(t, []string{"slow", "slow"}, srv.Received())
	assert.Equal(t, uint64(1), c.Stats().Reconnects)
}

func TestConnectionWaitsForServer(t *testing.T) {
	// Reserve a port, then free it so the first attempts fail to connect.
	rep, err := transport.Bind("tcp://127.0.0.1:0", fastTransport)
	require.NoError(t, err)
	address := "tcp://" + rep.Addr().String()
	require.NoError(t, rep.Close())

	c := newTestConnection(t, address, testOptions())
	require.NoError(t, c.Enqueue([]byte("early")))

	require.Eventually(t, func() bool { return c.Stats().Reconnects > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, c.Stats().InFlight)

	late, err := transport.Bind(address, fastTransport)
	require.NoError(t, err)
	defer late.Close()

	body, err := late.Recv()
	require.NoError(t, err)
	assert.Equal(t, "early", string(body))
	require.NoError(t, late.Send(protocol.Ack))

	require.Eventually(t, func() bool { return c.Stats().Acked == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestConnectionHighWaterWarning(t *testing.T) {
	var buf syncBuffer
	log := logger.Discard()
	log.SetOutput(&buf)

	o := testOptions()
	o.log = log
	o.highWaterMark = 2
	o.warnInterval = time.Minute

	// Nothing listens here, so the queue only grows.
	c := newTestConnection(t, "tcp://127.0.0.1:1", o)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Enqueue([]byte("x")), "payloads are accepted past the mark")
	}

	assert.GreaterOrEqual(t, c.QueueLen(), 9)
	assert.Equal(t, 1, strings.Count(buf.String(), "sending queue is over 2"), "warnings are rate limited")
}

func TestConnectionRejectsAfterClose(t *testing.T) {
	c, err := newConnection("TestService", "tcp://127.0.0.1:1", testOptions())
	require.NoError(t, err)

	c.Close()
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Enqueue([]byte("late")), ErrConnectionClosed)
}

func TestConnectionRejectsOversizedPayload(t *testing.T) {
	srv := startFakeServer(t, func(n int, body []byte) []byte { return protocol.Ack })
	c := newTestConnection(t, srv.address(), testOptions())

	assert.ErrorIs(t, c.Enqueue(make([]byte, protocol.MaxBodyLen+1)), ErrPayloadTooLarge)
	assert.Zero(t, c.QueueLen())
	require.NoError(t, c.Enqueue([]byte("behind")))

	require.Eventually(t, func() bool { return c.Stats().Acked == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"behind"}, srv.Received())
	assert.Zero(t, c.Stats().Reconnects)
	assert.Zero(t, c.QueueLen())
}

func TestNewConnectionRejectsBadAddress(t *testing.T) {
	_, err := newConnection("TestService", "udp://127.0.0.1:5555", testOptions())
	assert.ErrorIs(t, err, transport.ErrBadProtocol)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_ack", StateAwaitingAck.String())
	assert.Equal(t, "State(42)", State(42).String())
}
