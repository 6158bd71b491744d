package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"ack-rpc/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// newTestEtcd connects to a local etcd, skipping the test when none is running.
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, time.Second, logger.Discard())
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Get(ctx, "/ack-rpc-probe"); err != nil {
		reg.Close()
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)
	ctx := context.Background()

	inst1 := ServiceInstance{Addr: "tcp://127.0.0.1:8001", Connections: 2}
	inst2 := ServiceInstance{Addr: "tcp://127.0.0.1:8002"}
	require.NoError(t, reg.Register(ctx, "EtcdTest", inst1, 10))
	require.NoError(t, reg.Register(ctx, "EtcdTest", inst2, 10))
	defer reg.Deregister(ctx, "EtcdTest", inst2.Addr)

	instances, err := reg.Discover(ctx, "EtcdTest")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "EtcdTest", inst1.Addr))

	instances, err = reg.Discover(ctx, "EtcdTest")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{inst2}, instances)
}

func TestEtcdWatch(t *testing.T) {
	reg := newTestEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := reg.Watch(ctx, "EtcdWatchTest")
	<-ch // initial snapshot

	inst := ServiceInstance{Addr: "tcp://127.0.0.1:9001"}
	require.NoError(t, reg.Register(context.Background(), "EtcdWatchTest", inst, 10))
	defer reg.Deregister(context.Background(), "EtcdWatchTest", inst.Addr)

	select {
	case snap := <-ch:
		assert.Contains(t, snap, inst)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not report the new instance")
	}
}

func leaseIDs(t *testing.T, reg *EtcdRegistry) map[clientv3.LeaseID]bool {
	t.Helper()
	resp, err := reg.client.Leases(context.Background())
	require.NoError(t, err)
	ids := make(map[clientv3.LeaseID]bool, len(resp.Leases))
	for _, l := range resp.Leases {
		ids[l.ID] = true
	}
	return ids
}

func TestEtcdRegisterRevokesLeaseWhenPutFails(t *testing.T) {
	reg := newTestEtcd(t)
	before := leaseIDs(t, reg)

	// Key and value both carry the address, which pushes the Put past the request size limit.
	huge := ServiceInstance{Addr: "tcp://" + strings.Repeat("h", 3<<20)}
	require.Error(t, reg.Register(context.Background(), "EtcdRevokeTest", huge, 10))

	for id := range leaseIDs(t, reg) {
		assert.True(t, before[id], "lease %d left behind by failed registration", id)
	}
	_, tracked := reg.leases.Load("EtcdRevokeTest/" + huge.Addr)
	assert.False(t, tracked)
}
