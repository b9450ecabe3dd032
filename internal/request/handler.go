package request

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nhdewitt/readout-core/internal/errregistry"
	"github.com/nhdewitt/readout-core/internal/frame"
	"github.com/nhdewitt/readout-core/internal/latbuf"
	"github.com/nhdewitt/readout-core/internal/queue"
)

// Counters are the atomic counters the handler updates, surfaced
// verbatim through the core's GetInfo().
type Counters struct {
	NumFound                 atomic.Uint64
	NumNotFound              atomic.Uint64
	NumPass                  atomic.Uint64
	NumTimedOut              atomic.Uint64
	NumEndOfRun              atomic.Uint64
	NumFragmentQueueTimeouts atomic.Uint64
	NumTasksDropped          atomic.Uint64
}

// Config holds everything about a link's fragment framing and retry
// policy that the handler needs but doesn't own itself.
type Config struct {
	Kind frame.Kind

	APANumber  uint32
	LinkNumber uint32

	// MaxWindowSpan is the largest tolerated (WindowEnd - WindowBegin),
	// in ticks. A request exceeding it is rejected outright (kPass).
	MaxWindowSpan uint64

	// RetryLimit is the number of housekeeper rescans a kNotYet request
	// is allowed before it is given up on as timed out.
	RetryLimit int

	// FragmentQueueTimeout bounds how long delivery to a requester's
	// response queue will wait for room before the fragment is dropped
	// and counted.
	FragmentQueueTimeout time.Duration

	// TaskQueueCapacity sizes the internal worker task queue.
	TaskQueueCapacity int
}

type task struct {
	req  Request
	sink *queue.Queue[*Fragment]
}

// Handler is the per-link request handling path: a pool of worker
// goroutines classifying requests against the latency buffer, a waiting
// list for requests whose window hasn't fully arrived yet, and the
// eviction barrier coordinating both with housekeeper cleanup.
type Handler struct {
	buf    latbuf.Buffer[*frame.SuperChunk]
	errs   *errregistry.Registry
	policy EvictionPolicy
	cfg    Config

	waiting  *waitingList
	barrier  *barrier
	counters *Counters

	tasks chan task
	wg    sync.WaitGroup

	// nextTimestampToRecord is the recording subsystem's eviction floor:
	// eviction must never cross it while raw recording is active. It
	// defaults to the maximum uint64 (no constraint) and is updated by
	// the recording.Recorder wired to this handler's link.
	nextTimestampToRecord atomic.Uint64
}

// NewHandler builds a handler around the given buffer, error registry
// and eviction policy. The three must all refer to the same underlying
// latency buffer instance for a single link.
func NewHandler(buf latbuf.Buffer[*frame.SuperChunk], errs *errregistry.Registry, policy EvictionPolicy, cfg Config) *Handler {
	if cfg.TaskQueueCapacity <= 0 {
		cfg.TaskQueueCapacity = 1024
	}
	h := &Handler{
		buf:      buf,
		errs:     errs,
		policy:   policy,
		cfg:      cfg,
		waiting:  newWaitingList(),
		barrier:  newBarrier(),
		counters: &Counters{},
		tasks:    make(chan task, cfg.TaskQueueCapacity),
	}
	h.nextTimestampToRecord.Store(^uint64(0))
	return h
}

// Counters returns the handler's live counters.
func (h *Handler) Counters() *Counters {
	return h.counters
}

// WaitingCount is the number of requests currently parked awaiting their
// window.
func (h *Handler) WaitingCount() int {
	return h.waiting.len()
}

// SetNextTimestampToRecord updates the eviction floor imposed by active
// raw recording. Pass ^uint64(0) to clear the constraint.
func (h *Handler) SetNextTimestampToRecord(ts uint64) {
	h.nextTimestampToRecord.Store(ts)
}

// StartWorkers launches n worker goroutines consuming issued requests
// until ctx is cancelled.
func (h *Handler) StartWorkers(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		h.wg.Add(1)
		go h.runWorker(ctx)
	}
}

// Wait blocks until every worker goroutine started by StartWorkers has
// returned (i.e. ctx has been cancelled and they've drained out).
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) runWorker(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-h.tasks:
			h.process(ctx, t)
		}
	}
}

// IssueRequest enqueues req for worker-pool execution. Non-blocking: if
// the internal task queue is full, the request is dropped and counted
// rather than applying backpressure to the caller.
func (h *Handler) IssueRequest(req Request, sink *queue.Queue[*Fragment]) {
	select {
	case h.tasks <- task{req: req, sink: sink}:
	default:
		h.counters.NumTasksDropped.Add(1)
	}
}

func (h *Handler) process(ctx context.Context, t task) {
	result, frag := h.classifyAndBuild(t.req)
	switch result {
	case ResultFound:
		h.counters.NumFound.Add(1)
		h.deliver(ctx, t.sink, frag)
	case ResultNotFound:
		h.counters.NumNotFound.Add(1)
		h.deliver(ctx, t.sink, frag)
	case ResultPass:
		h.counters.NumPass.Add(1)
		h.deliver(ctx, t.sink, frag)
	case ResultNotYet:
		h.waiting.add(waitingEntry{req: t.req, sink: t.sink})
	}
}

func (h *Handler) deliver(ctx context.Context, sink *queue.Queue[*Fragment], frag *Fragment) {
	if !sink.PushTimeout(ctx, frag, h.cfg.FragmentQueueTimeout) {
		h.counters.NumFragmentQueueTimeouts.Add(1)
	}
}

// classifyAndBuild runs the classification algorithm for one request
// against the current state of the latency buffer, returning the
// outcome and, for every outcome except kNotYet, a ready-to-deliver
// fragment (possibly error-only).
func (h *Handler) classifyAndBuild(req Request) (Result, *Fragment) {
	if req.WindowEnd <= req.WindowBegin || (req.WindowEnd-req.WindowBegin) > h.cfg.MaxWindowSpan {
		return ResultPass, h.errorFragment(req, ErrInvalidWindow)
	}

	h.barrier.enter()
	defer h.barrier.exit()

	front, ok := h.buf.Front()
	if !ok {
		return ResultNotYet, nil
	}
	back, _ := h.buf.Back()
	oldest := front.FirstTimestamp()
	newest := back.LastTimestamp()

	switch {
	case req.WindowEnd <= oldest:
		// The entire window predates anything currently resident.
		return ResultNotFound, h.errorFragment(req, ErrDataNotFound|ErrOldWindow)
	case req.WindowBegin < oldest:
		// Part of the window was evicted out from under it.
		return ResultNotFound, h.errorFragment(req, ErrDataNotFound)
	case req.WindowEnd-1 > newest:
		// The window's tail hasn't arrived yet.
		return ResultNotYet, nil
	}

	cur, ok := h.buf.LowerBound(req.WindowBegin, h.errs.HasError())
	if !ok {
		// Either the buffer moved between the checks above and here (a
		// write or eviction raced us), or the ring's O(1) lookup refused
		// a timestamp inside its safety margin near the newest end; treat
		// as not yet available and retry later.
		return ResultNotYet, nil
	}

	var pieces []Piece
	for ok {
		e := cur.Value()
		if e.FirstTimestamp() >= req.WindowEnd {
			break
		}
		if e.InWindow(req.WindowBegin, req.WindowEnd) {
			pieces = append(pieces, Piece{Data: e.Payload})
		} else if e.OverlapsWindow(req.WindowBegin, req.WindowEnd) {
			e.Frames(func(_ int, ts uint64, _ uint16, payload []byte) bool {
				if ts >= req.WindowBegin && ts < req.WindowEnd {
					pieces = append(pieces, Piece{Data: payload})
				}
				return true
			})
		}
		ok = cur.Next()
	}

	return ResultFound, h.fragment(req, 0, pieces)
}

func (h *Handler) errorFragment(req Request, bits ErrorBits) *Fragment {
	return &Fragment{Header: h.header(req, bits)}
}

func (h *Handler) fragment(req Request, bits ErrorBits, pieces []Piece) *Fragment {
	return &Fragment{Header: h.header(req, bits), Pieces: pieces}
}

func (h *Handler) header(req Request, bits ErrorBits) Header {
	return Header{
		TriggerNumber:    req.TriggerNumber,
		RunNumber:        req.RunNumber,
		TriggerTimestamp: req.TriggerTimestamp,
		WindowBegin:      req.WindowBegin,
		WindowEnd:        req.WindowEnd,
		SequenceNumber:   req.SequenceNumber,
		APANumber:        h.cfg.APANumber,
		LinkNumber:       h.cfg.LinkNumber,
		FragmentType:     h.cfg.Kind.FragmentType,
		SystemType:       h.cfg.Kind.SystemType,
		Errors:           bits,
		FragmentID:       uuid.New(),
	}
}

// RescanWaiting re-evaluates every parked request against the buffer's
// current state. Called periodically by the housekeeper. A request
// still not ready has its RetryCount bumped; once RetryCount reaches
// cfg.RetryLimit it is given up on and delivered as a kTimedOut error
// fragment instead of being parked again.
func (h *Handler) RescanWaiting(ctx context.Context) {
	h.waiting.scan(func(e *waitingEntry) bool {
		result, frag := h.classifyAndBuild(e.req)
		if result == ResultNotYet {
			e.req.RetryCount++
			if e.req.RetryCount < h.cfg.RetryLimit {
				return true
			}
			h.counters.NumTimedOut.Add(1)
			h.deliver(ctx, e.sink, h.errorFragment(e.req, ErrDataNotFound|ErrTimedOut))
			return false
		}

		switch result {
		case ResultFound:
			h.counters.NumFound.Add(1)
		case ResultNotFound:
			h.counters.NumNotFound.Add(1)
		case ResultPass:
			h.counters.NumPass.Add(1)
		}
		h.deliver(ctx, e.sink, frag)
		return false
	})
}

// DrainAtEndOfRun flushes every still-parked request as an empty
// kEndOfRun error fragment (no pieces), whatever data happens to be
// resident. Called once when the link is stopped.
func (h *Handler) DrainAtEndOfRun(ctx context.Context) {
	h.waiting.scan(func(e *waitingEntry) bool {
		h.counters.NumEndOfRun.Add(1)
		h.deliver(ctx, e.sink, h.errorFragment(e.req, ErrEndOfRun))
		return false
	})
}

// CleanupCheck asks the eviction policy whether a cleanup pass is due
// and, if so, runs it under the barrier so no request worker observes
// the buffer mid-eviction. Called periodically by the housekeeper.
// Returns the number of elements evicted.
func (h *Handler) CleanupCheck() int {
	if !h.policy.ShouldEvict() {
		return 0
	}
	h.barrier.beginCleanup()
	defer h.barrier.endCleanup()
	return h.policy.Evict(h.nextTimestampToRecord.Load())
}
