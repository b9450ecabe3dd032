package request

import (
	"context"
	"testing"
	"time"

	"github.com/nhdewitt/readout-core/internal/errregistry"
	"github.com/nhdewitt/readout-core/internal/frame"
	"github.com/nhdewitt/readout-core/internal/latbuf"
	"github.com/nhdewitt/readout-core/internal/queue"
)

func testKind() frame.Kind {
	return frame.Kind{
		Name:             "test",
		FrameSize:        8,
		FramesPerElement: 4,
		TickDistance:     10,
		FragmentType:     7,
		SystemType:       1,
	}
}

// fillElement builds a super-chunk starting at firstTS with perfectly
// spaced raw frames. Only the timestamps are set; the payload stays
// zeroed.
func fillElement(k frame.Kind, firstTS uint64) *frame.SuperChunk {
	e := frame.NewSuperChunk(k)
	for i := range e.Timestamps {
		e.Timestamps[i] = firstTS + uint64(i)*k.TickDistance
	}
	return e
}

func newTestHandler(t *testing.T, capacity int) (*Handler, *latbuf.FixedRateRing[*frame.SuperChunk]) {
	t.Helper()
	k := testKind()
	ring := latbuf.NewFixedRateRing[*frame.SuperChunk](capacity, k.ElementSpan(), 0)
	errs := errregistry.New()
	policy := &RingEvictionPolicy{Ring: ring, Errors: errs, PopLimitSize: capacity, PopSizeFraction: 0.5}
	cfg := Config{
		Kind:                 k,
		APANumber:            1,
		LinkNumber:           2,
		MaxWindowSpan:        1000,
		RetryLimit:           3,
		FragmentQueueTimeout: 50 * time.Millisecond,
		TaskQueueCapacity:    16,
	}
	return NewHandler(ring, errs, policy, cfg), ring
}

func TestClassifyInvalidWindowIsPass(t *testing.T) {
	h, _ := newTestHandler(t, 8)
	req := Request{WindowBegin: 100, WindowEnd: 100}
	result, frag := h.classifyAndBuild(req)
	if result != ResultPass {
		t.Fatalf("want ResultPass, got %v", result)
	}
	if frag.Header.Errors&ErrInvalidWindow == 0 {
		t.Fatalf("expected ErrInvalidWindow bit set, got %v", frag.Header.Errors)
	}
}

func TestClassifyEmptyBufferIsNotYet(t *testing.T) {
	h, _ := newTestHandler(t, 8)
	req := Request{WindowBegin: 0, WindowEnd: 40}
	result, _ := h.classifyAndBuild(req)
	if result != ResultNotYet {
		t.Fatalf("want ResultNotYet, got %v", result)
	}
}

func TestClassifyFoundAssemblesPieces(t *testing.T) {
	h, ring := newTestHandler(t, 8)
	k := testKind()
	span := k.ElementSpan()
	for i := 0; i < 4; i++ {
		ring.Write(fillElement(k, uint64(i)*span))
	}
	req := Request{WindowBegin: span, WindowEnd: 2 * span}
	result, frag := h.classifyAndBuild(req)
	if result != ResultFound {
		t.Fatalf("want ResultFound, got %v", result)
	}
	if len(frag.Pieces) != 1 {
		t.Fatalf("want 1 whole-element piece, got %d", len(frag.Pieces))
	}
}

func TestClassifyNotYetWhenWindowAheadOfBuffer(t *testing.T) {
	h, ring := newTestHandler(t, 8)
	k := testKind()
	span := k.ElementSpan()
	ring.Write(fillElement(k, 0))
	req := Request{WindowBegin: span, WindowEnd: 10 * span}
	result, _ := h.classifyAndBuild(req)
	if result != ResultNotYet {
		t.Fatalf("want ResultNotYet, got %v", result)
	}
}

func TestClassifyOldWindowAndDataNotFound(t *testing.T) {
	h, ring := newTestHandler(t, 8)
	k := testKind()
	span := k.ElementSpan()
	for i := 2; i < 6; i++ {
		ring.Write(fillElement(k, uint64(i)*span))
	}

	// Entirely before the buffer's oldest element: kDataNotFound, with the
	// finer-grained kOldWindow bit also set.
	req := Request{WindowBegin: 0, WindowEnd: span}
	result, frag := h.classifyAndBuild(req)
	if result != ResultNotFound || frag.Header.Errors&ErrDataNotFound == 0 || frag.Header.Errors&ErrOldWindow == 0 {
		t.Fatalf("want ResultNotFound/ErrDataNotFound|ErrOldWindow, got %v %v", result, frag.Header.Errors)
	}

	// Overlapping the buffer's oldest element from before it: kDataNotFound.
	req2 := Request{WindowBegin: 0, WindowEnd: 3 * span}
	result2, frag2 := h.classifyAndBuild(req2)
	if result2 != ResultNotFound || frag2.Header.Errors&ErrDataNotFound == 0 {
		t.Fatalf("want ResultNotFound/ErrDataNotFound, got %v %v", result2, frag2.Header.Errors)
	}
}

func TestRescanWaitingPromotesOnceWindowArrives(t *testing.T) {
	h, ring := newTestHandler(t, 8)
	k := testKind()
	span := k.ElementSpan()
	ring.Write(fillElement(k, 0))

	sink := queue.New[*Fragment](1)
	req := Request{WindowBegin: 0, WindowEnd: span + 1}
	result, _ := h.classifyAndBuild(req)
	if result != ResultNotYet {
		t.Fatalf("setup: want ResultNotYet, got %v", result)
	}
	h.waiting.add(waitingEntry{req: req, sink: sink})

	ring.Write(fillElement(k, span))

	ctx := context.Background()
	h.RescanWaiting(ctx)

	frag, ok := sink.PopTimeout(ctx, time.Second)
	if !ok {
		t.Fatalf("expected a delivered fragment after window arrived")
	}
	if frag.Header.Errors != 0 {
		t.Fatalf("expected a clean fragment, got errors %v", frag.Header.Errors)
	}
	if h.WaitingCount() != 0 {
		t.Fatalf("expected waiting list to be drained, got %d", h.WaitingCount())
	}
}

func TestRescanWaitingTimesOutAfterRetryLimit(t *testing.T) {
	h, _ := newTestHandler(t, 8)
	span := testKind().ElementSpan()
	sink := queue.New[*Fragment](1)
	req := Request{WindowBegin: 0, WindowEnd: span}
	h.waiting.add(waitingEntry{req: req, sink: sink})

	ctx := context.Background()
	for i := 0; i <= h.cfg.RetryLimit; i++ {
		h.RescanWaiting(ctx)
	}

	if h.WaitingCount() != 0 {
		t.Fatalf("expected request to be retired after retry limit, got %d still waiting", h.WaitingCount())
	}
	if h.counters.NumTimedOut.Load() != 1 {
		t.Fatalf("expected NumTimedOut == 1, got %d", h.counters.NumTimedOut.Load())
	}

	frag, ok := sink.PopTimeout(ctx, time.Second)
	if !ok {
		t.Fatalf("expected a timed-out fragment to be delivered")
	}
	if frag.Header.Errors&ErrDataNotFound == 0 || frag.Header.Errors&ErrTimedOut == 0 {
		t.Fatalf("want ErrDataNotFound|ErrTimedOut, got %v", frag.Header.Errors)
	}
}

func TestIssueRequestDropsWhenTaskQueueFull(t *testing.T) {
	h, _ := newTestHandler(t, 8)
	h.tasks = make(chan task) // zero-capacity: every send blocks without a receiver
	sink := queue.New[*Fragment](1)
	h.IssueRequest(Request{WindowBegin: 0, WindowEnd: 10}, sink)
	if h.counters.NumTasksDropped.Load() != 1 {
		t.Fatalf("expected dropped task to be counted, got %d", h.counters.NumTasksDropped.Load())
	}
}

func TestCleanupCheckRespectsRecordingFloor(t *testing.T) {
	h, ring := newTestHandler(t, 8)
	k := testKind()
	span := k.ElementSpan()
	for i := 0; i < 4; i++ {
		ring.Write(fillElement(k, uint64(i)*span))
	}
	// Lower the eviction trigger so occupancy 4 is already over it.
	h.policy.(*RingEvictionPolicy).PopLimitSize = 3

	// Forbid eviction past the first (oldest) resident element's timestamp.
	h.SetNextTimestampToRecord(0)
	if n := h.CleanupCheck(); n != 0 {
		t.Fatalf("expected eviction to be held back by the recording floor, evicted %d", n)
	}

	// Raising the floor past the oldest element's span allows it through.
	h.SetNextTimestampToRecord(span)
	n := h.CleanupCheck()
	if n == 0 {
		t.Fatalf("expected eviction to proceed once the recording floor advanced")
	}
}
