// Package routing implements the Sybil node's transient neighbour table and
// the self-tuning neighbour cap. Unlike a real DHT client's Kademlia
// k-bucket tree, this table has no notion of distance-ordered buckets: it
// is a flat, capped set of (id, address) pairs that gets wiped every tick
// (spec.md §4.2), so no eviction or bucket-splitting logic is needed.
package routing

import (
	"sync/atomic"

	"sybildht/krpc"
)

// Table is the routing table owned by the crawler's single dispatch
// goroutine. It is not safe for concurrent use — spec.md's concurrency
// model serialises all access through one goroutine, matching the
// teacher's DHT.loop() being the sole mutator of its routing table.
type Table struct {
	nodes map[krpc.NodeID]krpc.NodeAddress
	cap   *Cap
}

// New creates an empty table governed by cap.
func New(cap *Cap) *Table {
	return &Table{nodes: make(map[krpc.NodeID]krpc.NodeAddress), cap: cap}
}

// Len returns the number of entries currently held.
func (t *Table) Len() int { return len(t.nodes) }

// Add inserts (id, addr) if id is not bogus, addr's port is non-zero, and
// the table has not yet reached the neighbour cap. It never evicts an
// existing entry to make room (spec.md §3 invariant).
func (t *Table) Add(id krpc.NodeID, addr krpc.NodeAddress) {
	if id.Bogus() || addr.Port == 0 {
		return
	}
	if len(t.nodes) >= t.cap.Value() {
		return
	}
	t.nodes[id] = addr
}

// Clear empties the table. Called once per tick, after the crawler has
// sent a find_node to every entry.
func (t *Table) Clear() {
	t.nodes = make(map[krpc.NodeID]krpc.NodeAddress, len(t.nodes)/2+1)
}

// Each calls f for every (id, addr) pair currently in the table.
func (t *Table) Each(f func(id krpc.NodeID, addr krpc.NodeAddress)) {
	for id, addr := range t.nodes {
		f(id, addr)
	}
}

// Cap is the adaptive neighbour population threshold: additions to the
// routing table stop once it is reached, congestion shrinks it, and a slow
// background drip grows it back. It is safe for concurrent use: the
// dispatch loop shrinks and grows it, while Value may be read from any
// goroutine (for example by Node.Stats).
type Cap struct {
	value int64
	floor int64
}

// NewCap creates a Cap starting at initial, warning once it is shrunk below
// floor.
func NewCap(initial, floor int) *Cap {
	return &Cap{value: int64(initial), floor: int64(floor)}
}

// Value returns the current cap.
func (c *Cap) Value() int {
	return int(atomic.LoadInt64(&c.value))
}

// Shrink multiplies the cap by 9/10, per spec.md §4.3's congestion
// back-off, unless it is already at or below the configured floor, in
// which case the value is left untouched — matching the original
// crawler's error_received, which only applies the ×9/10 factor in the
// branch guarded by "not yet below the floor" and otherwise just re-warns.
// It reports whether the value is at or below the floor, so the caller can
// log a warning.
func (c *Cap) Shrink() (belowFloor bool) {
	for {
		old := atomic.LoadInt64(&c.value)
		if old <= c.floor {
			return true
		}
		next := old * 9 / 10
		if atomic.CompareAndSwapInt64(&c.value, old, next) {
			return next <= c.floor
		}
	}
}

// Grow multiplies the cap by 101/100, per spec.md §4.2's slow reclaim.
// Deliberately unbounded above: per spec.md §9's Open Question, congestion
// (Shrink) is the only brake on neighbour population, and DESIGN.md records
// that choice rather than silently imposing a ceiling here.
func (c *Cap) Grow() {
	for {
		old := atomic.LoadInt64(&c.value)
		next := old * 101 / 100
		if atomic.CompareAndSwapInt64(&c.value, old, next) {
			return
		}
	}
}
