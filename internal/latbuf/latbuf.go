// Package latbuf implements the two interchangeable latency-buffer
// variants B described by the readout core: a fixed-rate SPSC ring for
// constant-rate, gapless links, and a concurrent skip list for
// variable-rate, sparse or out-of-order links. Both are bounded (the
// ring by element count, the skip list by timestamp span), ordered by
// timestamp, and tolerate a single producer racing concurrent readers.
package latbuf

// Element is the minimal contract a buffer element must satisfy: total
// ordering by the timestamp of its first raw frame. frame.SuperChunk
// implements this.
type Element interface {
	FirstTimestamp() uint64
}

// Cursor walks a contiguous, ordered run of resident elements starting
// from some lower bound. It is the Go rendering of the original's
// queue/skip-list iterator: Valid must be checked immediately before
// each Value, since a concurrent writer (ring) or evictor (either
// variant) may invalidate the position the cursor refers to.
type Cursor[E Element] interface {
	// Valid reports whether the cursor currently refers to a resident
	// element.
	Valid() bool

	// Value returns the element at the cursor's current position.
	// Only safe to call when Valid reports true.
	Value() E

	// Next advances the cursor by one element and returns the new
	// Valid() state.
	Next() bool
}

// Buffer is the common interface both variants satisfy, so request
// handling code can be written once against either.
type Buffer[E Element] interface {
	// Write appends e. It never blocks: if the buffer is full (ring) it
	// drops the newest write and reports false; the skip list always
	// accepts (bounded instead by timestamp span via EvictBefore).
	Write(e E) bool

	// Occupancy is an estimate of the number of resident elements;
	// callers tolerate slack of +/-1 under concurrent mutation.
	Occupancy() int

	// Front and Back return the oldest/newest resident element. ok is
	// false if the buffer is empty.
	Front() (E, bool)
	Back() (E, bool)

	// LowerBound returns a cursor at the first element whose
	// FirstTimestamp is >= ts. withGaps forces binary/ordered search
	// instead of O(1) arithmetic; callers pass true whenever the
	// frame-error registry reports an outstanding gap.
	LowerBound(ts uint64, withGaps bool) (Cursor[E], bool)

	// OverwrittenCount is the running count of writes dropped because
	// the buffer was full (ring only; always 0 for the skip list, which
	// never drops writes).
	OverwrittenCount() uint64
}
