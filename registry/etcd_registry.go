package registry

// etcd keeps the phonebook of service addresses:
//
//	Key:   /ack-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL leases: if a listener's process dies, the lease expires and the entry is
// removed without anyone calling Deregister.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ack-rpc/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	keyPrefix     = "/ack-rpc/"
	revokeTimeout = 2 * time.Second
)

func serviceKey(serviceName string) string {
	return keyPrefix + serviceName + "/"
}

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	log    *logger.Logger
	leases sync.Map // "{service}/{addr}" → clientv3.LeaseID
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, log *logger.Logger) (*EtcdRegistry, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("registry: no etcd endpoints configured")
	}
	if log == nil {
		log = logger.Default()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, log: log.Component("registry")}, nil
}

// Register stores the instance under a TTL lease and keeps the lease alive in the background.
//
// The lease ID is tracked per (service, addr) so Deregister can revoke exactly that lease even
// when many listeners share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		r.revoke(lease.ID)
		return err
	}

	_, err = r.client.Put(ctx, serviceKey(serviceName)+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		r.revoke(lease.ID)
		return err
	}

	// KeepAlive outlives the registration call, so it must not inherit a request-scoped ctx.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		r.revoke(lease.ID)
		return err
	}
	r.leases.Store(serviceName+"/"+instance.Addr, lease.ID)

	// Drain responses so the keep-alive channel never fills up.
	go func() {
		for range ch {
		}
		r.log.WithField("service", serviceName).WithField("address", instance.Addr).Debug("lease keep-alive stopped")
	}()
	return nil
}

// revoke drops a lease granted by a registration that did not complete. It runs on its own
// timeout because the caller's ctx may be the reason the registration failed.
func (r *EtcdRegistry) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
	defer cancel()
	if _, err := r.client.Revoke(ctx, id); err != nil {
		r.log.WithError(err).WithField("lease", int64(id)).Warn("failed to revoke lease")
	}
}

// Deregister removes the instance and revokes its lease, which also stops the keep-alive.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	if _, err := r.client.Delete(ctx, serviceKey(serviceName)+addr); err != nil {
		return err
	}
	if id, ok := r.leases.LoadAndDelete(serviceName + "/" + addr); ok {
		if _, err := r.client.Revoke(ctx, id.(clientv3.LeaseID)); err != nil {
			return err
		}
	}
	return nil
}

// Watch re-reads the full instance list of a service on every change under its prefix.
// The channel is closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)

		// Initial snapshot, so watchers do not have to wait for the first change.
		if instances, err := r.Discover(ctx, serviceName); err == nil {
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}

		watchChan := r.client.Watch(ctx, serviceKey(serviceName), clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.log.WithError(err).WithField("service", serviceName).Warn("watch error")
				continue
			}
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.log.WithError(err).WithField("service", serviceName).Warn("discover after watch event failed")
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, serviceKey(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.WithField("key", string(kv.Key)).Warn("skipping malformed registry entry")
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
