package loadbalance

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddresses = []string{
	"tcp://10.0.0.1:5555",
	"tcp://10.0.0.2:5555",
	"tcp://10.0.0.3:5555",
}

func TestRoundRobin(t *testing.T) {
	var b RoundRobin

	// Starts one past zero, then cycles.
	got := make([]int, 6)
	for i := range got {
		got[i] = b.Next(3)
	}
	assert.Equal(t, []int{1, 2, 0, 1, 2, 0}, got)
	assert.Equal(t, 0, b.Last(3))
}

func TestRoundRobinEmpty(t *testing.T) {
	var b RoundRobin
	assert.Equal(t, -1, b.Next(0))
	assert.Equal(t, -1, b.Last(0))
}

func TestRoundRobinCoverageUnderConcurrency(t *testing.T) {
	var b RoundRobin
	const size, rounds = 4, 250

	var mu sync.Mutex
	counts := make([]int, size)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < size*rounds/8; i++ {
				idx := b.Next(size)
				mu.Lock()
				counts[idx]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for idx, c := range counts {
		assert.Equal(t, rounds, c, "index %d", idx)
	}
}

func TestHashRingEmpty(t *testing.T) {
	r := NewHashRing(0)
	_, ok := r.Lookup("anything")
	assert.False(t, ok)
	assert.Equal(t, DefaultVirtualNodes, r.Replicas())
	assert.Zero(t, r.Len())
}

func TestHashRingSingleAddress(t *testing.T) {
	r := NewHashRing(DefaultVirtualNodes)
	r.Set([]string{"tcp://only:1"})

	for i := 0; i < 100; i++ {
		addr, ok := r.Lookup(fmt.Sprintf("key-%d", i))
		require.True(t, ok)
		assert.Equal(t, "tcp://only:1", addr)
	}
}

func TestHashRingDeterministic(t *testing.T) {
	r1 := NewHashRing(DefaultVirtualNodes)
	r1.Set([]string{testAddresses[2], testAddresses[0], testAddresses[1]})

	r2 := NewHashRing(DefaultVirtualNodes)
	r2.Set([]string{testAddresses[1], testAddresses[2], testAddresses[0], testAddresses[1]})

	assert.Equal(t, r1.Members(), r2.Members())
	assert.Equal(t, 3*DefaultVirtualNodes, r2.Len(), "duplicates are ignored")
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("user-%d", i)
		a1, _ := r1.Lookup(key)
		a2, _ := r2.Lookup(key)
		require.Equal(t, a1, a2, "key %q", key)
	}
}

func TestHashRingAffinity(t *testing.T) {
	r := NewHashRing(DefaultVirtualNodes)
	r.Set(testAddresses)

	first, ok := r.Lookup("user-123")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, _ := r.Lookup("user-123")
		assert.Equal(t, first, again)
	}
}

func TestHashRingGrowthOnlyMovesKeysToNewAddress(t *testing.T) {
	before := NewHashRing(100)
	before.Set(testAddresses[:2])

	grown := append([]string{}, testAddresses...)
	after := NewHashRing(100)
	after.Set(grown)

	const n = 10_000
	moved := 0
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		a, _ := before.Lookup(key)
		b, _ := after.Lookup(key)
		if a != b {
			moved++
			require.Equal(t, testAddresses[2], b, "key %q moved between old addresses", key)
		}
	}

	// One address in three is new, so roughly a third of the keys move.
	assert.Greater(t, moved, 0)
	assert.Less(t, moved, n/2, "most keys keep their address")
}

func TestHashRingDistribution(t *testing.T) {
	r := NewHashRing(160)
	r.Set(testAddresses)

	counts := make(map[string]int)
	const n = 10_000
	for i := 0; i < n; i++ {
		addr, ok := r.Lookup(fmt.Sprintf("key-%d", i))
		require.True(t, ok)
		counts[addr]++
	}

	require.Len(t, counts, len(testAddresses))
	for addr, c := range counts {
		share := float64(c) / n
		assert.Greater(t, share, 0.20, "%s is starved", addr)
		assert.Less(t, share, 0.47, "%s is overloaded", addr)
	}
}

func TestHashRingSetReplacesWholeRing(t *testing.T) {
	r := NewHashRing(DefaultVirtualNodes)
	r.Set(testAddresses)
	r.Set(testAddresses[:1])

	assert.Equal(t, testAddresses[:1], r.Members())
	for i := 0; i < 50; i++ {
		addr, _ := r.Lookup(fmt.Sprintf("k%d", i))
		assert.Equal(t, testAddresses[0], addr)
	}
}

func TestHashRingConcurrentLookupDuringRebuild(t *testing.T) {
	r := NewHashRing(DefaultVirtualNodes)
	r.Set(testAddresses[:1])

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				r.Set(testAddresses)
			} else {
				r.Set(testAddresses[:1])
			}
		}
	}()

	valid := map[string]bool{}
	for _, a := range testAddresses {
		valid[a] = true
	}
	for i := 0; i < 5000; i++ {
		addr, ok := r.Lookup(fmt.Sprintf("k%d", i))
		require.True(t, ok)
		require.True(t, valid[addr])
	}
	close(stop)
	wg.Wait()
}
