package sybildht

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// DefaultCompleteSetCapacity bounds the default CompleteSet's memory: a
// long-lived crawl sees far more completed info-hashes than any embedder
// needs to keep dropping duplicate work for. Grounded on the teacher's own
// use of groupcache/lru to bound its per-info-hash peer cache
// (_examples/STX5-dht/peer/peer_store.go's InfoHashPeers); here the same
// library bounds the complete-set instead, since the Sybil's own "never
// evicted" invariant (spec.md §3) applies to the routing table, not to this
// embedder-facing bookkeeping set.
const DefaultCompleteSetCapacity = 1 << 20

// lruCompleteSet is the default CompleteSet: an LRU-bounded set of
// info-hashes, safe for concurrent use since the dispatch goroutine and an
// embedder's own goroutine may both touch it (spec.md §5). groupcache/lru's
// Cache is not itself concurrency-safe, so every access is serialised
// through a mutex here, same as the teacher's PeerStore wraps its *lru.Cache
// in its own lock.
type lruCompleteSet struct {
	mu sync.Mutex
	c  *lru.Cache
}

// NewCompleteSet returns a ready-to-use, concurrency-safe CompleteSet
// bounded at DefaultCompleteSetCapacity entries.
func NewCompleteSet() CompleteSet {
	return NewBoundedCompleteSet(DefaultCompleteSetCapacity)
}

// NewBoundedCompleteSet is NewCompleteSet with an explicit capacity.
func NewBoundedCompleteSet(capacity int) CompleteSet {
	return &lruCompleteSet{c: lru.New(capacity)}
}

func (s *lruCompleteSet) Has(ih InfoHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.c.Get(ih)
	return ok
}

func (s *lruCompleteSet) Add(ih InfoHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Add(ih, struct{}{})
}
