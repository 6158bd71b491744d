// Package loadbalance provides the two selection strategies the router layers on top of each
// other:
//   - HashRing:   key → address, for per-key affinity across service instances
//   - RoundRobin: cyclic choice among the pooled connections of one address
package loadbalance

import (
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the number of ring positions generated per address.
const DefaultVirtualNodes = 10

// HashRing maps keys to addresses using consistent hashing with virtual nodes.
//
// Each address owns VirtualNodes positions at xxhash64("{addr}#{i}"). A key is owned by the first
// position at or after xxhash64(key), wrapping to the smallest position.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
//
// The ring is immutable once built; Set builds a complete replacement and swaps it in, so a
// concurrent Lookup sees either the old or the new ring and never a half-built one.
type HashRing struct {
	replicas int
	state    atomic.Pointer[ringState]
}

type ringState struct {
	vnodes  []vnode
	members []string // sorted
}

type vnode struct {
	hash  uint64
	owner string
}

// NewHashRing returns an empty ring. replicas <= 0 selects DefaultVirtualNodes.
func NewHashRing(replicas int) *HashRing {
	if replicas <= 0 {
		replicas = DefaultVirtualNodes
	}
	r := &HashRing{replicas: replicas}
	r.state.Store(&ringState{})
	return r
}

// Set rebuilds the ring from the complete address set. Duplicates are ignored and input order
// does not matter: equal sets always produce identical rings.
func (r *HashRing) Set(addresses []string) {
	members := dedupSorted(addresses)

	vnodes := make([]vnode, 0, len(members)*r.replicas)
	for _, addr := range members {
		for i := 0; i < r.replicas; i++ {
			vnodes = append(vnodes, vnode{hash: hashKey(addr + "#" + strconv.Itoa(i)), owner: addr})
		}
	}
	// Owner breaks hash ties so the order never depends on insertion order.
	sort.Slice(vnodes, func(i, j int) bool {
		if vnodes[i].hash != vnodes[j].hash {
			return vnodes[i].hash < vnodes[j].hash
		}
		return vnodes[i].owner < vnodes[j].owner
	})

	r.state.Store(&ringState{vnodes: vnodes, members: members})
}

// Lookup returns the address owning key, or ("", false) if the ring is empty.
func (r *HashRing) Lookup(key string) (string, bool) {
	s := r.state.Load()
	if len(s.vnodes) == 0 {
		return "", false
	}
	h := hashKey(key)
	idx := sort.Search(len(s.vnodes), func(i int) bool {
		return s.vnodes[i].hash >= h
	})
	if idx == len(s.vnodes) {
		idx = 0 // wrap around
	}
	return s.vnodes[idx].owner, true
}

// Members returns the sorted address set the ring was last built from.
func (r *HashRing) Members() []string {
	s := r.state.Load()
	out := make([]string, len(s.members))
	copy(out, s.members)
	return out
}

// Len returns the number of virtual nodes on the ring.
func (r *HashRing) Len() int {
	return len(r.state.Load().vnodes)
}

// Replicas returns the number of virtual nodes per address.
func (r *HashRing) Replicas() int {
	return r.replicas
}

func hashKey(s string) uint64 {
	return xxhash.Sum64String(s)
}

func dedupSorted(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	n := 0
	for i, s := range out {
		if i > 0 && s == out[n-1] {
			continue
		}
		out[n] = s
		n++
	}
	return out[:n]
}
