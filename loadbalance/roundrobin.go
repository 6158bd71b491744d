package loadbalance

import "sync/atomic"

// RoundRobin hands out indexes in cyclic order: 1, 2, ..., n-1, 0, 1, ...
// Uses an atomic counter, so concurrent callers never see an out-of-range index and n
// consecutive calls visit every index exactly once.
type RoundRobin struct {
	counter atomic.Uint64
}

// Next returns the next index in [0, n). It returns -1 when n <= 0.
func (b *RoundRobin) Next(n int) int {
	if n <= 0 {
		return -1
	}
	return int(b.counter.Add(1) % uint64(n))
}

// Last returns the most recently handed out index for a set of size n.
func (b *RoundRobin) Last(n int) int {
	if n <= 0 {
		return -1
	}
	return int(b.counter.Load() % uint64(n))
}
