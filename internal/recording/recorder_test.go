package recording

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nhdewitt/readout-core/internal/errregistry"
	"github.com/nhdewitt/readout-core/internal/frame"
	"github.com/nhdewitt/readout-core/internal/latbuf"
	"github.com/nhdewitt/readout-core/internal/request"
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

func fillElement(k frame.Kind, firstTS uint64) *frame.SuperChunk {
	e := frame.NewSuperChunk(k)
	for i := range e.Timestamps {
		e.Timestamps[i] = firstTS + uint64(i)*k.TickDistance
	}
	return e
}

func newTestHandler(t *testing.T, ring *latbuf.FixedRateRing[*frame.SuperChunk]) *request.Handler {
	t.Helper()
	k := testKind()
	errs := errregistry.New()
	policy := &request.RingEvictionPolicy{Ring: ring, Errors: errs, PopLimitSize: ring.Capacity(), PopSizeFraction: 0.5}
	cfg := request.Config{
		Kind:                 k,
		MaxWindowSpan:        10000,
		RetryLimit:           3,
		FragmentQueueTimeout: 50 * time.Millisecond,
		TaskQueueCapacity:    4,
	}
	return request.NewHandler(ring, errs, policy, cfg)
}

func TestRecordIsNotConcurrentReentrant(t *testing.T) {
	k := testKind()
	ring := latbuf.NewFixedRateRing[*frame.SuperChunk](8, k.ElementSpan(), 0)
	handler := newTestHandler(t, ring)
	rec := NewRecorder(ring, handler)

	dir := t.TempDir()
	cfg := Config{OutputFile: filepath.Join(dir, "run.bin"), Algorithm: AlgoNone, StreamBufferSize: 64}

	ctx := context.Background()
	if err := rec.Record(ctx, cfg, 0, time.Second); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	defer rec.Stop()

	if err := rec.Record(ctx, cfg, 0, time.Second); err != ErrAlreadyRecording {
		t.Fatalf("want ErrAlreadyRecording, got %v", err)
	}
}

func TestRecorderWritesResidentElements(t *testing.T) {
	k := testKind()
	ring := latbuf.NewFixedRateRing[*frame.SuperChunk](8, k.ElementSpan(), 0)
	handler := newTestHandler(t, ring)
	rec := NewRecorder(ring, handler)

	span := k.ElementSpan()
	ring.Write(fillElement(k, 0))
	ring.Write(fillElement(k, span))

	dir := t.TempDir()
	outPath := filepath.Join(dir, "run.bin")
	cfg := Config{OutputFile: outPath, Algorithm: AlgoNone, StreamBufferSize: 16}

	ctx, cancel := context.WithCancel(context.Background())
	if err := rec.Record(ctx, cfg, 0, time.Hour); err != nil {
		t.Fatalf("Record: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	rec.Wait()

	if rec.Active() {
		t.Fatalf("expected recorder to be inactive after Stop/Wait")
	}

	info, err := os.Stat(outPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	wantBytes := int64(2 * k.ElementSize())
	if info.Size() != wantBytes {
		t.Fatalf("want %d bytes written, got %d", wantBytes, info.Size())
	}
}

func TestRecorderSkipsForwardWhenLapped(t *testing.T) {
	k := testKind()
	ring := latbuf.NewFixedRateRing[*frame.SuperChunk](4, k.ElementSpan(), 0)
	handler := newTestHandler(t, ring)
	rec := NewRecorder(ring, handler)

	span := k.ElementSpan()
	for i := 0; i < 4; i++ {
		ring.Write(fillElement(k, uint64(i)*span))
	}
	ring.Pop(4) // evict everything out from under a cursor still at ts 0
	ring.Write(fillElement(k, 4*span))

	rec.nextTS.Store(0)
	rec.mu.Lock()
	rec.writer = nil
	rec.mu.Unlock()

	rec.advance()

	// The cursor must skip forward past the evicted gap rather than
	// getting stuck at 0, and also past the one element it found
	// resident at 4*span.
	if got, want := rec.nextTS.Load(), 4*span+1; got != want {
		t.Fatalf("want cursor to land at %d, got %d", want, got)
	}
}
