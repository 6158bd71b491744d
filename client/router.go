package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"ack-rpc/loadbalance"
	"ack-rpc/logger"
	"ack-rpc/registry"
)

type serviceEntry struct {
	pools sync.Map // address -> *Pool
	ring  *loadbalance.HashRing
	addrs []string // guarded by Router.mu
}

// Router maps services to addresses and addresses to connection pools.
//
// Lookups never take a lock. Registrations are serialised so a service's ring is always rebuilt
// from its complete address set.
type Router struct {
	opts options
	log  *logger.Logger

	mu       sync.Mutex
	services sync.Map // service -> *serviceEntry
	closed   atomic.Bool
}

func NewRouter(opts ...Option) *Router {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Default()
	}
	return &Router{
		opts: o,
		log:  o.log.Component("router"),
	}
}

// RegisterAddress adds address to service with a pool of count connections and rebuilds the
// service's ring. Registering a known (service, address) pair again does nothing.
func (r *Router) RegisterAddress(service, address string, count int) error {
	if service == "" {
		return errors.New("client: service name is required")
	}
	if address == "" {
		return errors.New("client: address is required")
	}
	if count < 1 {
		return fmt.Errorf("client: connection count must be at least 1, got %d", count)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrRouterClosed
	}

	if v, ok := r.services.Load(service); ok {
		if _, ok := v.(*serviceEntry).pools.Load(address); ok {
			return nil
		}
	}

	pool, err := newPool(service, address, count, r.opts)
	if err != nil {
		return fmt.Errorf("register %s at %s: %w", service, address, err)
	}
	entry := r.entry(service)
	entry.pools.Store(address, pool)
	entry.addrs = append(entry.addrs, address)
	entry.ring.Set(entry.addrs)

	r.log.WithFields(map[string]interface{}{
		"service":     service,
		"address":     address,
		"connections": count,
	}).Info("address registered")
	return nil
}

// entry returns the service entry, creating it. Caller holds r.mu.
func (r *Router) entry(service string) *serviceEntry {
	if v, ok := r.services.Load(service); ok {
		return v.(*serviceEntry)
	}
	e := &serviceEntry{ring: loadbalance.NewHashRing(r.opts.virtualNodes)}
	r.services.Store(service, e)
	return e
}

func (r *Router) lookup(service string) (*serviceEntry, error) {
	v, ok := r.services.Load(service)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	return v.(*serviceEntry), nil
}

// Resolve picks a connection of service for a payload that has no routing key.
func (r *Router) Resolve(service string) (*Connection, error) {
	return r.ResolveKey(service, strconv.FormatUint(rand.Uint64(), 36))
}

// ResolveKey picks a connection for key: the ring chooses the address, round robin chooses the
// connection within its pool.
func (r *Router) ResolveKey(service, key string) (*Connection, error) {
	entry, err := r.lookup(service)
	if err != nil {
		r.log.WithField("service", service).Error("resolve: unknown service")
		return nil, err
	}
	address, ok := entry.ring.Lookup(key)
	if !ok {
		r.log.WithField("service", service).Error("resolve: ring is empty")
		return nil, fmt.Errorf("%w: %q", ErrEmptyRing, service)
	}
	v, ok := entry.pools.Load(address)
	if !ok {
		r.log.WithFields(map[string]interface{}{"service": service, "address": address}).
			Error("resolve: ring points at an address without a pool")
		return nil, fmt.Errorf("%w: %q", ErrUnknownAddress, address)
	}
	return v.(*Pool).Next(), nil
}

// ResolveByAddress picks the next connection to a specific address, bypassing the ring.
func (r *Router) ResolveByAddress(service, address string) (*Connection, error) {
	entry, err := r.lookup(service)
	if err != nil {
		r.log.WithField("service", service).Error("resolve by address: unknown service")
		return nil, err
	}
	v, ok := entry.pools.Load(address)
	if !ok {
		r.log.WithFields(map[string]interface{}{"service": service, "address": address}).
			Error("resolve by address: address not registered")
		return nil, fmt.Errorf("%w: %q", ErrUnknownAddress, address)
	}
	return v.(*Pool).Next(), nil
}

// GroupByAddress partitions keys by the address the ring assigns them. Keys that cannot be
// resolved are logged and left out. Order within each group follows the input.
func (r *Router) GroupByAddress(service string, keys []string) map[string][]string {
	groups := make(map[string][]string)
	entry, err := r.lookup(service)
	if err != nil {
		r.log.WithField("service", service).WithField("keys", len(keys)).Error("group: unknown service")
		return groups
	}
	for _, key := range keys {
		address, ok := entry.ring.Lookup(key)
		if !ok {
			r.log.WithField("service", service).WithField("key", key).Error("group: key could not be resolved")
			continue
		}
		groups[address] = append(groups[address], key)
	}
	return groups
}

// ListAddresses returns the sorted addresses registered for service, or nil if it is unknown.
func (r *Router) ListAddresses(service string) []string {
	entry, err := r.lookup(service)
	if err != nil {
		return nil
	}
	return entry.ring.Members()
}

// Services returns the sorted names of all registered services.
func (r *Router) Services() []string {
	var out []string
	r.services.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Stats returns per-connection statistics for service, ordered by address.
func (r *Router) Stats(service string) ([]ConnectionStats, error) {
	entry, err := r.lookup(service)
	if err != nil {
		return nil, err
	}
	var out []ConnectionStats
	for _, address := range entry.ring.Members() {
		v, ok := entry.pools.Load(address)
		if !ok {
			continue
		}
		for _, c := range v.(*Pool).conns {
			out = append(out, c.Stats())
		}
	}
	return out, nil
}

// Send enqueues payload on the connection chosen for key.
func (r *Router) Send(service, key string, payload []byte) error {
	c, err := r.ResolveKey(service, key)
	if err != nil {
		return err
	}
	return c.Enqueue(payload)
}

// SendAny enqueues payload on a connection chosen by a random key.
func (r *Router) SendAny(service string, payload []byte) error {
	c, err := r.Resolve(service)
	if err != nil {
		return err
	}
	return c.Enqueue(payload)
}

// Watch registers every address reg reports for service until ctx is done. Addresses that
// disappear from the registry are kept. Instances without a suggested pool size get count
// connections.
func (r *Router) Watch(ctx context.Context, reg registry.Registry, service string, count int) error {
	log := r.log.WithField("service", service)
	updates := reg.Watch(ctx, service)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case instances, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			for _, inst := range instances {
				n := inst.Connections
				if n <= 0 {
					n = count
				}
				if err := r.RegisterAddress(service, inst.Addr, n); err != nil {
					if errors.Is(err, ErrRouterClosed) {
						return err
					}
					log.WithError(err).WithField("address", inst.Addr).Error("watch: registration failed")
				}
			}
		}
	}
}

// Close stops every connection. Queued payloads are discarded.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed.Swap(true) {
		r.mu.Unlock()
		return
	}
	var pools []*Pool
	r.services.Range(func(_, v any) bool {
		v.(*serviceEntry).pools.Range(func(_, p any) bool {
			pools = append(pools, p.(*Pool))
			return true
		})
		return true
	})
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.close()
		}(p)
	}
	wg.Wait()
	r.log.Info("router closed")
}
