package logsync

import (
	lru "github.com/hashicorp/golang-lru"
)

// DefaultDedupSize is the default bound on the set of processed
// operation ids a session remembers: 1024 entries, evicted in FIFO
// order once full.
const DefaultDedupSize = 1024

// DedupSet is a bounded set of operation ids already processed, shared
// between a session's initial reconciliation and its live-mode
// continuation so an operation seen in either phase is dropped by the
// other. A plain LRU suffices: eviction order only needs to be roughly
// recency-based, not frequency-aware.
type DedupSet struct {
	cache *lru.Cache
}

// NewDedupSet returns a DedupSet bounded to size entries, or
// DefaultDedupSize when size is not positive.
func NewDedupSet(size int) *DedupSet {
	if size <= 0 {
		size = DefaultDedupSize
	}
	c, err := lru.New(size)
	if err != nil {
		// size is always > 0 here, lru.New only errors on size <= 0.
		panic(err)
	}
	return &DedupSet{cache: c}
}

// Seen reports whether id has already been recorded, and records it if
// not (atomic check-and-set from the caller's point of view).
func (d *DedupSet) Seen(id string) bool {
	if d.cache.Contains(id) {
		return true
	}
	d.cache.Add(id, struct{}{})
	return false
}
