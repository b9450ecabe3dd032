// Package request implements the data-request handling path R/G: request
// classification against the latency buffer, zero-copy fragment
// assembly, a waiting list for requests that arrive before their window
// is fully buffered, and the eviction barrier that coordinates
// housekeeper cleanup with in-flight request workers.
package request

import "github.com/google/uuid"

// Request is one data request issued by the trigger-decision path: build
// a fragment covering [WindowBegin, WindowEnd) for the given trigger.
type Request struct {
	TriggerNumber    uint64
	RunNumber        uint32
	TriggerTimestamp uint64
	WindowBegin      uint64
	WindowEnd        uint64
	SequenceNumber   uint64

	// RetryCount is mutated only by the housekeeper's waiting-list scan;
	// request workers never see a nonzero value on first issue.
	RetryCount int
}

// ErrorBits flags conditions noticed while building a fragment. Multiple
// bits may be set (e.g. kDataNotFound together with kOldWindow).
type ErrorBits uint32

const (
	// ErrDataNotFound means the requested window can't be built from
	// what's resident because its start lies before the buffer's current
	// front. Always set in that case; ErrOldWindow marks the sub-case in
	// which the whole window lies before the front.
	ErrDataNotFound ErrorBits = 1 << iota
	// ErrOldWindow is set alongside ErrDataNotFound when the window ends
	// at or before the buffer's current front timestamp. It does not
	// tell whether that data was evicted or never buffered.
	ErrOldWindow
	// ErrInvalidWindow means WindowEnd <= WindowBegin or the window
	// exceeds the configured maximum span.
	ErrInvalidWindow
	// ErrTimedOut is set alongside ErrDataNotFound when the request was
	// retried to the configured limit while waiting for its window to
	// fill and was given up on.
	ErrTimedOut
	// ErrEndOfRun means the request was still outstanding when the link
	// was stopped and was flushed as a fragment with no pieces.
	ErrEndOfRun
)

// Piece is one zero-copy contiguous span of a fragment's payload: either
// a whole buffer element's payload arena, or a single raw frame's
// sub-slice of it when only part of an element falls in the window.
type Piece struct {
	Data []byte
}

// Header carries everything about a fragment besides its payload pieces.
type Header struct {
	TriggerNumber    uint64
	RunNumber        uint32
	TriggerTimestamp uint64
	WindowBegin      uint64
	WindowEnd        uint64
	SequenceNumber   uint64
	APANumber        uint32
	LinkNumber       uint32
	FragmentType     uint8
	SystemType       uint8
	Errors           ErrorBits

	// FragmentID correlates this fragment with its request and any
	// related log lines across the consumer/requester/housekeeper
	// goroutines, independent of SequenceNumber reuse across runs.
	FragmentID uuid.UUID
}

// Fragment is the assembled response to a Request: a header plus an
// ordered list of zero-copy pieces. An error fragment (Errors != 0) may
// carry zero pieces.
type Fragment struct {
	Header Header
	Pieces []Piece
}

// TotalBytes sums the length of every piece.
func (f *Fragment) TotalBytes() int {
	n := 0
	for _, p := range f.Pieces {
		n += len(p.Data)
	}
	return n
}

// Result classifies the outcome of one classification pass over the
// latency buffer, mirroring the kFound/kNotFound/kNotYet/kPass states.
type Result int

const (
	// ResultFound means the window was fully covered by resident
	// elements and a fragment was assembled.
	ResultFound Result = iota
	// ResultNotFound means part or all of the window predates the
	// buffer's front (evicted or never seen).
	ResultNotFound
	// ResultNotYet means the window's end has not arrived yet; the
	// request should be parked on the waiting list and retried later.
	ResultNotYet
	// ResultPass means the request was rejected outright (invalid
	// window) without ever touching the buffer.
	ResultPass
)

func (r Result) String() string {
	switch r {
	case ResultFound:
		return "found"
	case ResultNotFound:
		return "not_found"
	case ResultNotYet:
		return "not_yet"
	case ResultPass:
		return "pass"
	default:
		return "unknown"
	}
}
