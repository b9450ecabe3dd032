package preprocess

import (
	"github.com/nhdewitt/readout-core/internal/errregistry"
	"github.com/nhdewitt/readout-core/internal/frame"
)

// TimestampCheckTask verifies that each incoming element's first
// timestamp follows the previous one by exactly one element span. On a
// discontinuity it pushes a gap record into the shared registry and, in
// emulator mode, overwrites the element's raw-frame timestamps with a
// perfectly incrementing sequence so downstream fixed-rate lookups keep
// working without a real gap in the data.
//
// Per-task private state (the previous timestamp) lives here, not in
// Context: each link's pipeline owns its own TimestampCheckTask
// instance.
type TimestampCheckTask struct {
	prevTS  uint64
	hasPrev bool
}

func (t *TimestampCheckTask) Run(elem *frame.SuperChunk, ctx *Context) {
	cur := elem.FirstTimestamp()

	if !t.hasPrev {
		t.prevTS = cur
		t.hasPrev = true
		return
	}

	expectedIncrement := elem.Kind.ElementSpan()
	expected := t.prevTS + expectedIncrement

	if cur != expected {
		ctx.Errors.Add(errregistry.GapRecord{ExpectedTS: expected, ObservedTS: cur})
		ctx.Counters.TSErrorCtr.Add(1)

		if ctx.Emulator {
			elem.FakeTimestamps(expected)
			cur = expected
		}
	}

	t.prevTS = cur
}

// ErrorFlagCheckTask inspects each raw frame's error bitfield and counts
// the non-zero ones. It never drops or rewrites data; it only reports.
type ErrorFlagCheckTask struct{}

func (t *ErrorFlagCheckTask) Run(elem *frame.SuperChunk, ctx *Context) {
	for _, bits := range elem.ErrorBits {
		if bits != 0 {
			ctx.Counters.FrameErrorCtr.Add(1)
		}
	}
}
