// Package registry keeps track of which addresses serve which service.
//
// Listeners register their advertise address under a service name; routers watch a service and
// add every newly discovered address to their ring. Registration is additive on the router side:
// an address that disappears from the registry keeps its pool until the router is rebuilt.
package registry

import "context"

// ServiceInstance is one registered address of a service.
type ServiceInstance struct {
	Addr        string `json:"addr"`
	Connections int    `json:"connections,omitempty"` // suggested pool size, 0 = router default
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list of serviceName on every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
