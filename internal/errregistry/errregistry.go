// Package errregistry implements the frame-error registry E: an ordered
// set of (expected_ts, observed_ts) gap records emitted by the
// preprocessor whenever a timestamp discontinuity is seen, consumed by
// eviction (to retire stale records) and by the request handler (to know
// when to fall back to binary-search lookup instead of O(1) arithmetic).
package errregistry

import (
	"container/heap"
	"sync"
)

// GapRecord describes a single timestamp discontinuity: the timestamp
// that was expected to follow the previous frame, and the one actually
// observed.
type GapRecord struct {
	ExpectedTS uint64
	ObservedTS uint64
}

// Registry is a min-heap of GapRecord ordered by ObservedTS. The
// preprocessor (consumer goroutine) pushes on every discontinuity while
// the housekeeper concurrently pops stale records during eviction and
// request workers concurrently call HasError; a mutex guards the heap
// since none of those three call sites are otherwise coordinated with
// each other.
type Registry struct {
	mu sync.Mutex
	gh gapHeap
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Add records a newly observed discontinuity.
func (r *Registry) Add(g GapRecord) {
	r.mu.Lock()
	heap.Push(&r.gh, g)
	r.mu.Unlock()
}

// HasError reports whether any gap record is currently outstanding. A
// non-empty registry forces fixed-rate lookup to fall back to binary
// search for the duration of the gap.
func (r *Registry) HasError() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gh) > 0
}

// Len returns the number of outstanding gap records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gh)
}

// UpdateLatestFrameInBuffer retires every gap record whose ObservedTS
// precedes ts (the new front timestamp of the buffer after eviction).
// Returns the number of records retired.
func (r *Registry) UpdateLatestFrameInBuffer(ts uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for len(r.gh) > 0 && r.gh[0].ObservedTS < ts {
		heap.Pop(&r.gh)
		n++
	}
	return n
}

// gapHeap implements container/heap.Interface, ordering by ObservedTS
// ascending (min-heap), mirroring the original's
// priority_queue<FrameError, ..., std::greater<FrameError>>.
type gapHeap []GapRecord

func (h gapHeap) Len() int           { return len(h) }
func (h gapHeap) Less(i, j int) bool { return h[i].ObservedTS < h[j].ObservedTS }
func (h gapHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *gapHeap) Push(x any)        { *h = append(*h, x.(GapRecord)) }
func (h *gapHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
