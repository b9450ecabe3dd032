package readoutcore

import (
	"context"
	"testing"
	"time"

	"github.com/nhdewitt/readout-core/internal/config"
	"github.com/nhdewitt/readout-core/internal/frame"
	"github.com/nhdewitt/readout-core/internal/queue"
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

func TestConfBeforeStartThenStopAllowsReconf(t *testing.T) {
	k := testKind()
	cfg := config.Default(k)
	cfg.LatencyBufferSize = 16

	c := New("test-link")
	if err := c.Conf(cfg, nil); err != nil {
		t.Fatalf("Conf: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop is idempotent.
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	// Reconf after stop must succeed.
	if err := c.Conf(cfg, nil); err != nil {
		t.Fatalf("reconf after stop: %v", err)
	}
	if err := c.Scrap(); err != nil {
		t.Fatalf("Scrap: %v", err)
	}
}

func TestStartBeforeConfFails(t *testing.T) {
	c := New("test-link")
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("expected error starting an unconfigured core")
	}
}

func TestConfRejectsInvalidConfig(t *testing.T) {
	c := New("test-link")
	bad := config.Config{}
	if err := c.Conf(bad, nil); err == nil {
		t.Fatalf("expected validation error for zero-value config")
	}
}

func TestPushFrameFlowsThroughToRequestHandling(t *testing.T) {
	k := testKind()
	cfg := config.Default(k)
	cfg.LatencyBufferSize = 64
	cfg.SourceQueueTimeout = 5 * time.Millisecond

	requests := queue.New[request.Request](4)
	responses := queue.New[*request.Fragment](4)

	c := New("test-link")
	if err := c.Conf(cfg, []RequestSource{{Requests: requests, Responses: responses}}); err != nil {
		t.Fatalf("Conf: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	// Conf builds the ring with a lookup safety margin of 10 elements, so
	// O(1) lookup only succeeds once more than 10 elements are resident.
	const numElements = 12
	span := k.ElementSpan()
	for i := 0; i < numElements; i++ {
		if !c.PushFrame(fillElement(k, uint64(i)*span)) {
			t.Fatalf("PushFrame %d rejected", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.GetInfo().Occupancy < numElements && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if occ := c.GetInfo().Occupancy; occ < numElements {
		t.Fatalf("want at least %d elements resident, got %d", numElements, occ)
	}

	req := request.Request{WindowBegin: 0, WindowEnd: span}
	requests.TryPush(req)

	frag, ok := responses.PopTimeout(ctx, 2*time.Second)
	if !ok {
		t.Fatalf("expected a fragment response")
	}
	if frag.TotalBytes() == 0 {
		t.Fatalf("expected a non-empty fragment for a resident window")
	}
}

func TestRecordRequiresRunningAndEnabled(t *testing.T) {
	k := testKind()
	cfg := config.Default(k)
	cfg.LatencyBufferSize = 16

	c := New("test-link")
	if err := c.Conf(cfg, nil); err != nil {
		t.Fatalf("Conf: %v", err)
	}
	if err := c.Record(context.Background(), time.Second); err == nil {
		t.Fatalf("expected error recording on a non-running core")
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	if err := c.Record(context.Background(), time.Second); err == nil {
		t.Fatalf("expected error recording without enable_raw_recording")
	}
}
