// Package arena implements a fixed-size free list of byte slices.
//
// The Sybil node's UDP read loop churns through a slice per datagram;
// recycling them through an Arena keeps that off the garbage collector. Callers Pop() a slice before a read, then Push() it
// back once the packet has been dispatched.
package arena

import "expvar"

// totalStarvation counts Pop calls that found the free list empty and had
// to block, alongside krpc's own expvar counters (krpc.TotalSent/TotalRecv).
// A crawler soaking up announce_peer traffic from many swarms at once can
// out-run a too-small arena; a rising counter here is the operational
// signal to raise numBlocks, not just a GC curiosity.
var totalStarvation = expvar.NewInt("arena.totalStarvation")

// Arena is a free list of pre-allocated byte slices, all of the same
// capacity. Slices returned by Pop are not zeroed — callers must only read
// the portion they know was just overwritten (e.g. by slicing to n after a
// socket read).
type Arena chan []byte

// New creates an Arena holding numBlocks slices of length blockSize.
func New(blockSize, numBlocks int) Arena {
	a := make(Arena, numBlocks)
	for i := 0; i < numBlocks; i++ {
		a <- make([]byte, blockSize)
	}
	return a
}

// Pop removes a slice from the free list, blocking if none is available.
// A blocking wait is recorded under arena.totalStarvation so an embedder
// watching /debug/vars can see the read loop outrunning the pool.
func (a Arena) Pop() []byte {
	select {
	case x := <-a:
		return x
	default:
		totalStarvation.Add(1)
		return <-a
	}
}

// Push returns a slice to the free list, restoring it to full capacity.
func (a Arena) Push(x []byte) {
	a <- x[:cap(x)]
}

// StarvationCount returns the number of Pop calls, across every Arena in
// the process, that found the free list empty.
func StarvationCount() int64 {
	return totalStarvation.Value()
}
