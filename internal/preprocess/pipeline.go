// Package preprocess implements the ordered, synchronous preprocessing
// pipeline run on the consumer goroutine for every frame popped from the
// input queue: timestamp-continuity checking, error-flag extraction, and
// an optional SIMD-shaped trigger-primitive finder.
package preprocess

import (
	"sync/atomic"

	"github.com/nhdewitt/readout-core/internal/errregistry"
	"github.com/nhdewitt/readout-core/internal/frame"
)

// Counters are the atomic counters the pipeline updates, surfaced
// verbatim through the core's GetInfo().
type Counters struct {
	TSErrorCtr       atomic.Uint64
	FrameErrorCtr    atomic.Uint64
	LastProcessedDAQ atomic.Uint64
	TPsFound         atomic.Uint64
}

// Context is shared, mutable state visible to every task in a pipeline
// run: the error registry tasks report gaps into, the emulator-mode
// flag, and the counters tasks update. Tasks only run on the consumer
// goroutine, but other goroutines read through it concurrently: the
// counters are atomics read by GetInfo and the heartbeat, and the
// registry guards itself with a mutex for request workers and eviction.
type Context struct {
	Errors   *errregistry.Registry
	Emulator bool
	Counters *Counters
}

// Task is one stage of the pipeline. A task never propagates an error
// past Run: failures are counted via ctx.Counters and the frame always
// proceeds to the next stage, matching the "never throws past the
// pipeline" contract.
type Task interface {
	Run(elem *frame.SuperChunk, ctx *Context)
}

// Pipeline is an ordered, fixed list of stateful tasks executed
// synchronously on the consumer goroutine in declared order. Composition
// is fixed at construction time per link type.
type Pipeline struct {
	tasks []Task
}

// New builds a pipeline from an ordered task list.
func New(tasks ...Task) *Pipeline {
	return &Pipeline{tasks: tasks}
}

// Process runs every task over elem in order.
func (p *Pipeline) Process(elem *frame.SuperChunk, ctx *Context) {
	for _, t := range p.tasks {
		t.Run(elem, ctx)
	}
	ctx.Counters.LastProcessedDAQ.Store(elem.FirstTimestamp())
}
