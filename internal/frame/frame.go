// Package frame defines the element type stored in a link's latency
// buffer: a super-chunk aggregating a small, fixed number of raw
// electronics frames for a single link.
package frame

import "fmt"

// Kind describes the static, per-link-type properties a super-chunk is
// built from. It is the Go rendering of the compile-time frame traits
// the original model expects of every frame type (frame_size,
// frames_per_element, tick_distance, fragment_type, system_type).
type Kind struct {
	Name string

	// FrameSize is the fixed byte length of one raw electronics frame.
	FrameSize uint32

	// FramesPerElement is the number of consecutive raw frames
	// aggregated into one buffer element (a "super-chunk").
	FramesPerElement uint32

	// TickDistance is the number of time-ticks between the first
	// timestamps of two consecutive raw frames of the same link.
	// Zero means variable-rate (no fixed-rate lookup is possible).
	TickDistance uint64

	// FragmentType and SystemType are opaque tags copied verbatim into
	// fragment headers.
	FragmentType uint8
	SystemType   uint8
}

// ElementSize is the total byte length of one buffer element.
func (k Kind) ElementSize() uint32 {
	return k.FrameSize * k.FramesPerElement
}

// ElementSpan is the timestamp distance between the first raw frame of
// element i and element i+1, assuming no gaps.
func (k Kind) ElementSpan() uint64 {
	return k.TickDistance * uint64(k.FramesPerElement)
}

// FixedRate reports whether this link type supports O(1) fixed-rate
// lookup (TickDistance != 0).
func (k Kind) FixedRate() bool {
	return k.TickDistance != 0
}

func (k Kind) String() string {
	return fmt.Sprintf("%s(frame=%dB x%d, tick=%d)", k.Name, k.FrameSize, k.FramesPerElement, k.TickDistance)
}

// Well-known kinds, named after the original front-end link flavors this
// core was built to serve. Any link type with fixed-size, fixed-rate
// frames can be described the same way.
var (
	// WIBSuperChunk aggregates 12 WIB frames of 464 bytes each.
	WIBSuperChunk = Kind{
		Name:             "wib",
		FrameSize:        464,
		FramesPerElement: 12,
		TickDistance:     25,
		FragmentType:     1,
		SystemType:       1,
	}

	// WIB2SuperChunk aggregates 12 WIB2 frames of 468 bytes each.
	WIB2SuperChunk = Kind{
		Name:             "wib2",
		FrameSize:        468,
		FramesPerElement: 12,
		TickDistance:     32,
		FragmentType:     2,
		SystemType:       1,
	}

	// PDSSuperChunk aggregates 12 photon-detector frames of 584 bytes each.
	PDSSuperChunk = Kind{
		Name:             "pds",
		FrameSize:        584,
		FramesPerElement: 12,
		TickDistance:     16,
		FragmentType:     3,
		SystemType:       2,
	}
)

// SuperChunk is the buffer element: a handful of raw frames bundled
// together, each a fixed byte span inside a single contiguous payload
// arena. Holding one arena per element (rather than one []byte per raw
// frame) lets RawFrameBytes return a true sub-slice with no copy, and
// lets the whole element be forwarded as a single (ptr, len) fragment
// piece when it sits entirely inside a request window.
type SuperChunk struct {
	Kind Kind

	// Timestamps holds one timestamp per raw frame, Timestamps[0] being
	// the super-chunk's own first timestamp.
	Timestamps []uint64

	// ErrorBits holds one error/status bitfield per raw frame, as
	// extracted by the error-flag-check preprocessing task.
	ErrorBits []uint16

	// Payload is the concatenated raw bytes of every raw frame in this
	// element, len(Payload) == Kind.ElementSize().
	Payload []byte
}

// NewSuperChunk allocates a zeroed super-chunk for the given kind.
func NewSuperChunk(k Kind) *SuperChunk {
	return &SuperChunk{
		Kind:       k,
		Timestamps: make([]uint64, k.FramesPerElement),
		ErrorBits:  make([]uint16, k.FramesPerElement),
		Payload:    make([]byte, k.ElementSize()),
	}
}

// FirstTimestamp satisfies latbuf.Element: elements are totally ordered
// by the timestamp of their first raw frame.
func (s *SuperChunk) FirstTimestamp() uint64 {
	return s.Timestamps[0]
}

// LastTimestamp is the timestamp of the final raw frame in the element.
func (s *SuperChunk) LastTimestamp() uint64 {
	return s.Timestamps[len(s.Timestamps)-1]
}

// SetFirstTimestamp overwrites only the first raw frame's timestamp,
// matching the original's set_timestamp (as opposed to FakeTimestamps,
// which rewrites the whole element).
func (s *SuperChunk) SetFirstTimestamp(ts uint64) {
	s.Timestamps[0] = ts
}

// FakeTimestamps rewrites every raw frame's timestamp to a perfectly
// incrementing sequence starting at first, spaced by the kind's tick
// distance. Used by the preprocessor's emulator mode.
func (s *SuperChunk) FakeTimestamps(first uint64) {
	for i := range s.Timestamps {
		s.Timestamps[i] = first + uint64(i)*s.Kind.TickDistance
	}
}

// Less orders two super-chunks by first timestamp.
func (s *SuperChunk) Less(other *SuperChunk) bool {
	return s.FirstTimestamp() < other.FirstTimestamp()
}

// RawFrameBytes returns the zero-copy byte span of the i'th raw frame
// inside this element's payload arena.
func (s *SuperChunk) RawFrameBytes(i int) []byte {
	fs := int(s.Kind.FrameSize)
	return s.Payload[i*fs : (i+1)*fs]
}

// NumRawFrames is the number of raw frames aggregated into this element.
func (s *SuperChunk) NumRawFrames() int {
	return len(s.Timestamps)
}

// Frames iterates the raw frames of this element in order, yielding each
// one's timestamp, error bits and zero-copy payload span. This is the Go
// rendering of the original's begin()/end() iteration, used by the
// request handler's partial-window expansion.
func (s *SuperChunk) Frames(yield func(idx int, ts uint64, errBits uint16, payload []byte) bool) {
	for i, ts := range s.Timestamps {
		if !yield(i, ts, s.ErrorBits[i], s.RawFrameBytes(i)) {
			return
		}
	}
}

// InWindow reports whether the whole element lies within [begin, end).
func (s *SuperChunk) InWindow(begin, end uint64) bool {
	return s.FirstTimestamp() >= begin && s.LastTimestamp() < end
}

// OverlapsWindow reports whether any raw frame of the element falls
// inside [begin, end).
func (s *SuperChunk) OverlapsWindow(begin, end uint64) bool {
	return s.LastTimestamp() >= begin && s.FirstTimestamp() < end
}
