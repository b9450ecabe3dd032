// Command readout-demo is a smoke-test harness for one readoutcore.Core:
// a synthetic fixed-rate frame generator feeds the consumer, the core's
// fake-trigger mode issues self-triggered data requests from its
// heartbeats, and info is logged periodically until interrupted.
// Fragments answering the self-triggers go to the core's internal
// fake-trigger sink and show up only in the logged counters; the demo
// pushes nothing onto its own requests queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nhdewitt/readout-core/internal/config"
	"github.com/nhdewitt/readout-core/internal/frame"
	"github.com/nhdewitt/readout-core/internal/queue"
	"github.com/nhdewitt/readout-core/internal/readoutcore"
	"github.com/nhdewitt/readout-core/internal/request"
)

func demoKind() frame.Kind {
	return frame.Kind{
		Name:             "demo-wib",
		FrameSize:        464,
		FramesPerElement: 12,
		TickDistance:     25,
		FragmentType:     1,
		SystemType:       3,
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nreceived termination signal, shutting down...")
		cancel()
	}()

	kind := demoKind()
	cfg := config.Default(kind)
	cfg.APANumber = 3
	cfg.LinkNumber = 7
	cfg.LatencyBufferSize = 2000
	cfg.FakeTriggerFlag = true

	requests := queue.New[request.Request](16)
	responses := queue.New[*request.Fragment](16)

	core := readoutcore.New(fmt.Sprintf("apa%d-link%d", cfg.APANumber, cfg.LinkNumber))
	if err := core.Conf(cfg, []readoutcore.RequestSource{{Requests: requests, Responses: responses}}); err != nil {
		fmt.Fprintln(os.Stderr, "conf:", err)
		os.Exit(1)
	}
	if err := core.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		os.Exit(1)
	}

	go generateFrames(ctx, core, kind)
	go reportFragments(ctx, responses)
	go logInfo(ctx, core)

	<-ctx.Done()
	core.Stop()
	core.Scrap()
	fmt.Println("readout-demo exiting")
}

// generateFrames synthesizes one gapless element every tick interval,
// standing in for a real link's front-end data source.
func generateFrames(ctx context.Context, core *readoutcore.Core, kind frame.Kind) {
	span := kind.ElementSpan()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var ts uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e := frame.NewSuperChunk(kind)
			for i := range e.Timestamps {
				e.Timestamps[i] = ts + uint64(i)*kind.TickDistance
			}
			core.PushFrame(e)
			ts += span
		}
	}
}

// reportFragments prints every fragment delivered to the demo's
// responses queue, i.e. answers to requests pushed onto its requests
// queue; self-triggered fragments are not delivered here.
func reportFragments(ctx context.Context, responses *queue.Queue[*request.Fragment]) {
	for {
		frag, ok := responses.PopTimeout(ctx, 200*time.Millisecond)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		fmt.Printf("fragment: trigger=%d bytes=%d errors=%#x\n",
			frag.Header.TriggerNumber, frag.TotalBytes(), frag.Header.Errors)
	}
}

func logInfo(ctx context.Context, core *readoutcore.Core) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info := core.GetInfo()
			fmt.Printf("occupancy=%d found=%d not_found=%d pass=%d waiting=%d last_daq=%d\n",
				info.Occupancy, info.NumFound, info.NumNotFound, info.NumPass, info.NumWaiting, info.LastProcessedDAQ)
		}
	}
}
