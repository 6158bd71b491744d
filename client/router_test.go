package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"ack-rpc/logger"
	"ack-rpc/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Nothing listens on these; connections only dial once a payload is enqueued.
var idleAddresses = []string{
	"tcp://127.0.0.1:1",
	"tcp://127.0.0.1:2",
	"tcp://127.0.0.1:3",
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(WithTransport(fastTransport), WithLogger(logger.Discard()))
	t.Cleanup(r.Close)
	return r
}

func TestRegisterAddressValidation(t *testing.T) {
	r := newTestRouter(t)

	assert.Error(t, r.RegisterAddress("", idleAddresses[0], 1))
	assert.Error(t, r.RegisterAddress("S", "", 1))
	assert.Error(t, r.RegisterAddress("S", idleAddresses[0], 0))
	assert.Error(t, r.RegisterAddress("S", "not-an-address", 1))
	assert.Nil(t, r.ListAddresses("S"), "failed registrations leave nothing behind")
}

func TestRegisterAddressIsIdempotent(t *testing.T) {
	r := newTestRouter(t)

	require.NoError(t, r.RegisterAddress("S", idleAddresses[1], 2))
	require.NoError(t, r.RegisterAddress("S", idleAddresses[0], 2))
	require.NoError(t, r.RegisterAddress("S", idleAddresses[1], 5))

	assert.Equal(t, idleAddresses[:2], r.ListAddresses("S"))
	stats, err := r.Stats("S")
	require.NoError(t, err)
	assert.Len(t, stats, 4, "second registration of a known address adds no connections")
	assert.Equal(t, []string{"S"}, r.Services())
}

func TestResolveErrors(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.RegisterAddress("S", idleAddresses[0], 1))

	c, err := r.ResolveKey("nope", "k")
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrUnknownService)

	c, err = r.Resolve("nope")
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrUnknownService)

	c, err = r.ResolveByAddress("S", idleAddresses[2])
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrUnknownAddress)

	_, err = r.ResolveByAddress("nope", idleAddresses[0])
	assert.ErrorIs(t, err, ErrUnknownService)

	assert.ErrorIs(t, r.Send("nope", "k", []byte("x")), ErrUnknownService)
	assert.ErrorIs(t, r.SendAny("nope", []byte("x")), ErrUnknownService)
	_, err = r.Stats("nope")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestResolveKeyAffinity(t *testing.T) {
	r := newTestRouter(t)
	for _, a := range idleAddresses {
		require.NoError(t, r.RegisterAddress("S", a, 3))
	}

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("user-%d", i)
		first, err := r.ResolveKey("S", key)
		require.NoError(t, err)
		for j := 0; j < 3; j++ {
			again, err := r.ResolveKey("S", key)
			require.NoError(t, err)
			assert.Equal(t, first.Address(), again.Address(), "key %q", key)
		}
	}
}

func TestResolveByAddressRoundRobin(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.RegisterAddress("S", idleAddresses[0], 3))

	v, _ := r.services.Load("S")
	pool, _ := v.(*serviceEntry).pools.Load(idleAddresses[0])
	conns := pool.(*Pool).Connections()

	var got []*Connection
	for i := 0; i < 6; i++ {
		c, err := r.ResolveByAddress("S", idleAddresses[0])
		require.NoError(t, err)
		got = append(got, c)
	}
	want := []*Connection{conns[1], conns[2], conns[0], conns[1], conns[2], conns[0]}
	for i := range want {
		assert.Same(t, want[i], got[i], "pick %d", i)
	}
}

func TestGroupByAddressMatchesResolveKey(t *testing.T) {
	r := newTestRouter(t)
	for _, a := range idleAddresses {
		require.NoError(t, r.RegisterAddress("S", a, 1))
	}

	keys := make([]string, 200)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	groups := r.GroupByAddress("S", keys)

	total := 0
	for address, group := range groups {
		total += len(group)
		for _, key := range group {
			c, err := r.ResolveKey("S", key)
			require.NoError(t, err)
			assert.Equal(t, address, c.Address())
		}
	}
	assert.Equal(t, len(keys), total)
	assert.Empty(t, r.GroupByAddress("nope", keys))
}

func TestResolveRandomReachesEveryAddress(t *testing.T) {
	r := newTestRouter(t)
	for _, a := range idleAddresses {
		require.NoError(t, r.RegisterAddress("S", a, 1))
	}

	seen := make(map[string]int)
	for i := 0; i < 600; i++ {
		c, err := r.Resolve("S")
		require.NoError(t, err)
		seen[c.Address()]++
	}
	for _, a := range idleAddresses {
		assert.Greater(t, seen[a], 30, "%s barely gets traffic", a)
	}
}

func TestWatchRegistersDiscoveredAddresses(t *testing.T) {
	r := newTestRouter(t)
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "S", registry.ServiceInstance{Addr: idleAddresses[0]}, 10))

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Watch(watchCtx, reg, "S", 2) }()

	require.Eventually(t, func() bool {
		return len(r.ListAddresses("S")) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Register(ctx, "S", registry.ServiceInstance{Addr: idleAddresses[1], Connections: 4}, 10))
	require.Eventually(t, func() bool {
		return len(r.ListAddresses("S")) == 2
	}, time.Second, 10*time.Millisecond)

	stats, err := r.Stats("S")
	require.NoError(t, err)
	assert.Len(t, stats, 2+4)

	// Removal from the registry does not shrink the ring.
	require.NoError(t, reg.Deregister(ctx, "S", idleAddresses[0]))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, idleAddresses[:2], r.ListAddresses("S"))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestRouterClose(t *testing.T) {
	r := NewRouter(WithTransport(fastTransport), WithLogger(logger.Discard()))
	require.NoError(t, r.RegisterAddress("S", idleAddresses[0], 2))
	c, err := r.ResolveKey("S", "k")
	require.NoError(t, err)

	r.Close()
	r.Close()

	assert.ErrorIs(t, r.RegisterAddress("S", idleAddresses[1], 1), ErrRouterClosed)
	assert.ErrorIs(t, c.Enqueue([]byte("x")), ErrConnectionClosed)
}
