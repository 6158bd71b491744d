package client

import (
	"ack-rpc/loadbalance"
)

// Pool is the fixed set of Connections to one address of one service.
type Pool struct {
	serviceName string
	address     string
	conns       []*Connection
	rr          loadbalance.RoundRobin
}

func newPool(serviceName, address string, count int, opts options) (*Pool, error) {
	p := &Pool{
		serviceName: serviceName,
		address:     address,
		conns:       make([]*Connection, 0, count),
	}
	for i := 0; i < count; i++ {
		c, err := newConnection(serviceName, address, opts)
		if err != nil {
			p.close()
			return nil, err
		}
		p.conns = append(p.conns, c)
	}
	return p, nil
}

// Next returns the next Connection in round-robin order.
func (p *Pool) Next() *Connection {
	return p.conns[p.rr.Next(len(p.conns))]
}

func (p *Pool) Size() int {
	return len(p.conns)
}

func (p *Pool) Address() string {
	return p.address
}

// Connections returns the pool's connections in creation order.
func (p *Pool) Connections() []*Connection {
	out := make([]*Connection, len(p.conns))
	copy(out, p.conns)
	return out
}

func (p *Pool) close() {
	for _, c := range p.conns {
		c.Close()
	}
}
