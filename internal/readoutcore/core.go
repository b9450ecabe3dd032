// Package readoutcore wires the preprocessing pipeline, latency buffer,
// and request handler into the four long-lived activities of one link's
// readout core: consumer, requester(s), request-worker pool, and
// housekeeper. It implements the init/conf/start/stop/scrap life-cycle
// contract and the run_marker cancellation model via context.Context.
package readoutcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nhdewitt/readout-core/internal/config"
	"github.com/nhdewitt/readout-core/internal/errregistry"
	"github.com/nhdewitt/readout-core/internal/frame"
	"github.com/nhdewitt/readout-core/internal/latbuf"
	"github.com/nhdewitt/readout-core/internal/preprocess"
	"github.com/nhdewitt/readout-core/internal/queue"
	"github.com/nhdewitt/readout-core/internal/recording"
	"github.com/nhdewitt/readout-core/internal/request"
	"github.com/nhdewitt/readout-core/internal/telemetry"
)

type state int

const (
	stateNew state = iota
	stateInitialized
	stateConfigured
	stateRunning
	stateStopped
	stateScrapped
)

// RequestSource pairs one requester's inbound data-request queue with
// the response queue fragments for it are delivered to. A core may have
// any number of sources feeding its single worker pool.
type RequestSource struct {
	Requests  *queue.Queue[request.Request]
	Responses *queue.Queue[*request.Fragment]
}

const (
	rawInputQueueCapacity    = 4096
	timesyncQueueCapacity    = 16
	fakeTriggerQueueCapacity = 64
	waitingScanInterval      = 10 * time.Millisecond
	heartbeatInterval        = 100 * time.Millisecond
)

// Core is one link's complete readout core.
type Core struct {
	name string

	mu    sync.Mutex
	state state
	cfg   config.Config

	buf     latbuf.Buffer[*frame.SuperChunk]
	errs    *errregistry.Registry
	pipe    *preprocess.Pipeline
	pctx    *preprocess.Context
	handler *request.Handler
	rec     *recording.Recorder

	log *telemetry.Logger

	rawInput        *queue.Queue[*frame.SuperChunk]
	timesync        *queue.Queue[telemetry.TimeSync]
	fakeTriggerSink *queue.Queue[*request.Fragment]
	sources         []RequestSource

	fakeSeq atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a newly-initialized core with the given diagnostic name
// (e.g. "apa3-link7"). Equivalent to the life-cycle's init command.
func New(name string) *Core {
	return &Core{
		name:  name,
		state: stateInitialized,
		log:   telemetry.New(name),
	}
}

// Conf validates cfg and allocates B, E and the request handler for it.
// Valid from stateInitialized or stateStopped (a core may be
// reconfigured and restarted after a stop).
func (c *Core) Conf(cfg config.Config, sources []RequestSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateInitialized && c.state != stateStopped {
		return fmt.Errorf("readoutcore: conf called in state %d", c.state)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfg = cfg
	c.errs = errregistry.New()

	var policy request.EvictionPolicy
	if cfg.Kind.FixedRate() {
		ring := latbuf.NewFixedRateRing[*frame.SuperChunk](cfg.LatencyBufferSize, cfg.Kind.ElementSpan(), 10)
		c.buf = ring
		policy = &request.RingEvictionPolicy{
			Ring:            ring,
			Errors:          c.errs,
			PopLimitSize:    int(float64(cfg.LatencyBufferSize) * cfg.PopLimitPct),
			PopSizeFraction: cfg.PopSizePct,
		}
	} else {
		sl := latbuf.NewSkipList[*frame.SuperChunk](cfg.MaxWindowSpanTicks)
		c.buf = sl
		policy = &request.SkipListEvictionPolicy{
			List:    sl,
			Errors:  c.errs,
			MaxSpan: cfg.MaxWindowSpanTicks,
		}
	}

	c.pipe = preprocess.New(&preprocess.TimestampCheckTask{}, &preprocess.ErrorFlagCheckTask{})
	c.pctx = &preprocess.Context{Errors: c.errs, Emulator: cfg.EmulatorMode, Counters: &preprocess.Counters{}}

	c.handler = request.NewHandler(c.buf, c.errs, policy, request.Config{
		Kind:                 cfg.Kind,
		APANumber:            cfg.APANumber,
		LinkNumber:           cfg.LinkNumber,
		MaxWindowSpan:        cfg.MaxWindowSpanTicks,
		RetryLimit:           cfg.RetryCount,
		FragmentQueueTimeout: cfg.FragmentQueueTimeout,
	})

	c.rec = recording.NewRecorder(c.buf, c.handler)

	c.rawInput = queue.New[*frame.SuperChunk](rawInputQueueCapacity)
	c.timesync = queue.New[telemetry.TimeSync](timesyncQueueCapacity)
	c.fakeTriggerSink = queue.New[*request.Fragment](fakeTriggerQueueCapacity)
	c.sources = sources

	c.state = stateConfigured
	return nil
}

// WithTPFinder adds the optional SIMD-shaped trigger-primitive finder as
// the pipeline's final stage. Must be called after Conf and before
// Start.
func (c *Core) WithTPFinder(task *preprocess.TPFinderTask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConfigured {
		return fmt.Errorf("readoutcore: WithTPFinder called in state %d", c.state)
	}
	c.pipe = preprocess.New(&preprocess.TimestampCheckTask{}, &preprocess.ErrorFlagCheckTask{}, task)
	return nil
}

// Start spawns the consumer, one requester per source, the worker pool,
// and the housekeeper, all gated by ctx (the run_marker rendering).
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConfigured {
		return fmt.Errorf("readoutcore: start called in state %d", c.state)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.handler.StartWorkers(runCtx, c.cfg.NumRequestHandlingThreads)

	c.wg.Add(1)
	consumer := namedWorker{name: c.name + ".consumer", cpu: c.cfg.ConsumerCPU}
	go consumer.run(c.log, func() { c.runConsumer(runCtx) })

	for i, src := range c.sources {
		c.wg.Add(1)
		src := src
		requester := namedWorker{name: fmt.Sprintf("%s.requester%d", c.name, i), cpu: -1}
		go requester.run(c.log, func() { c.runRequester(runCtx, src) })
	}

	c.wg.Add(1)
	housekeeper := namedWorker{name: c.name + ".housekeeper", cpu: c.cfg.HousekeeperCPU}
	go housekeeper.run(c.log, func() { c.runHousekeeper(runCtx) })

	c.state = stateRunning
	c.log.Printf("started")
	return nil
}

// Stop cancels the run, waits for every activity to drain, and clears B
// and the pipeline's counters. Idempotent: calling Stop on an already
// stopped or scrapped core is a no-op.
func (c *Core) Stop() error {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.rec.Stop()
	c.wg.Wait()
	c.handler.Wait()

	c.drainBufferToEmpty()
	c.resetCounters()

	c.mu.Lock()
	c.state = stateStopped
	c.mu.Unlock()
	c.log.Printf("stopped")
	return nil
}

// Scrap releases this core's resources. Terminal: a scrapped core cannot
// be configured or started again.
func (c *Core) Scrap() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateRunning {
		return errors.New("readoutcore: scrap called while running")
	}
	c.state = stateScrapped
	return nil
}

// Record begins a concurrent recording for the given duration, starting
// at the buffer's current front timestamp. Only valid while running.
func (c *Core) Record(ctx context.Context, duration time.Duration) error {
	c.mu.Lock()
	running := c.state == stateRunning
	enabled := c.cfg.EnableRawRecording
	c.mu.Unlock()
	if !running {
		return errors.New("readoutcore: record called while not running")
	}
	if !enabled {
		return errors.New("readoutcore: enable_raw_recording is false")
	}

	recCfg, err := c.cfg.RecordingConfig()
	if err != nil {
		return err
	}
	front, ok := c.buf.Front()
	startTS := uint64(0)
	if ok {
		startTS = front.FirstTimestamp()
	}
	return c.rec.Record(ctx, recCfg, startTS, duration)
}

// IssueRequest forwards req into the worker pool for classification;
// the resulting fragment (or error fragment) is eventually delivered to
// sink.
func (c *Core) IssueRequest(req request.Request, sink *queue.Queue[*request.Fragment]) {
	c.handler.IssueRequest(req, sink)
}

// PushFrame enqueues a raw element for the consumer to preprocess and
// buffer. Non-blocking: returns false if raw_input is full.
func (c *Core) PushFrame(e *frame.SuperChunk) bool {
	return c.rawInput.TryPush(e)
}

// Timesync returns the heartbeat output queue.
func (c *Core) Timesync() *queue.Queue[telemetry.TimeSync] {
	return c.timesync
}

// GetInfo snapshots every exposed counter.
func (c *Core) GetInfo() telemetry.Info {
	info := telemetry.Info{
		Occupancy:        c.buf.Occupancy(),
		OverwrittenCount: c.buf.OverwrittenCount(),
		OutstandingGaps:  c.errs.Len(),
	}
	if c.pctx != nil {
		info.TSErrorCount = c.pctx.Counters.TSErrorCtr.Load()
		info.FrameErrorCount = c.pctx.Counters.FrameErrorCtr.Load()
		info.LastProcessedDAQ = c.pctx.Counters.LastProcessedDAQ.Load()
		info.TPsFound = c.pctx.Counters.TPsFound.Load()
	}
	if hc := c.handler.Counters(); hc != nil {
		info.NumFound = hc.NumFound.Load()
		info.NumNotFound = hc.NumNotFound.Load()
		info.NumPass = hc.NumPass.Load()
		info.NumTimedOut = hc.NumTimedOut.Load()
		info.NumEndOfRun = hc.NumEndOfRun.Load()
		info.NumFragmentQueueTimeouts = hc.NumFragmentQueueTimeouts.Load()
		info.NumTasksDropped = hc.NumTasksDropped.Load()
	}
	info.NumWaiting = c.handler.WaitingCount()
	info.RecordingActive = c.rec.Active()
	if err := c.rec.LastError(); err != nil {
		info.RecordingError = err.Error()
	}
	return info
}

func (c *Core) runConsumer(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			c.drainRawInput()
			return
		default:
		}
		e, ok := c.rawInput.PopTimeout(ctx, c.cfg.SourceQueueTimeout)
		if !ok {
			continue
		}
		c.pipe.Process(e, c.pctx)
		c.buf.Write(e)
	}
}

func (c *Core) drainRawInput() {
	for {
		e, ok := c.rawInput.TryPop()
		if !ok {
			return
		}
		c.pipe.Process(e, c.pctx)
		c.buf.Write(e)
	}
}

func (c *Core) runRequester(ctx context.Context, src RequestSource) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		req, ok := src.Requests.PopTimeout(ctx, c.cfg.SourceQueueTimeout)
		if !ok {
			continue
		}
		c.handler.IssueRequest(req, src.Responses)
	}
}

func (c *Core) runHousekeeper(ctx context.Context) {
	defer c.wg.Done()

	waitingTicker := time.NewTicker(waitingScanInterval)
	defer waitingTicker.Stop()
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.handler.DrainAtEndOfRun(context.Background())
			return
		case <-waitingTicker.C:
			c.handler.RescanWaiting(ctx)
			c.handler.CleanupCheck()
		case <-heartbeatTicker.C:
			c.emitHeartbeat()
		}
	}
}

func (c *Core) emitHeartbeat() {
	daq := c.pctx.Counters.LastProcessedDAQ.Load()
	if daq == 0 {
		return
	}
	c.timesync.TryPush(telemetry.TimeSync{DAQTime: daq, SystemTime: time.Now().UnixNano()})
	if c.cfg.FakeTriggerFlag {
		c.issueFakeTrigger(daq)
	}
}

func (c *Core) issueFakeTrigger(daq uint64) {
	span := c.cfg.Kind.ElementSpan()
	if span == 0 {
		return
	}
	begin := uint64(0)
	if daq > span {
		begin = daq - span
	}
	req := request.Request{
		TriggerTimestamp: daq,
		WindowBegin:      begin,
		WindowEnd:        daq,
		SequenceNumber:   c.fakeSeq.Add(1),
	}
	c.handler.IssueRequest(req, c.fakeTriggerSink)
}

func (c *Core) drainBufferToEmpty() {
	for {
		occ := c.buf.Occupancy()
		if occ <= 0 {
			return
		}
		switch b := c.buf.(type) {
		case *latbuf.FixedRateRing[*frame.SuperChunk]:
			b.Pop(occ)
			return
		case *latbuf.SkipList[*frame.SuperChunk]:
			back, ok := b.Back()
			if !ok {
				return
			}
			b.EvictBefore(back.FirstTimestamp() + 1)
			return
		default:
			return
		}
	}
}

func (c *Core) resetCounters() {
	c.pctx.Counters.TSErrorCtr.Store(0)
	c.pctx.Counters.FrameErrorCtr.Store(0)
	c.pctx.Counters.LastProcessedDAQ.Store(0)
	c.pctx.Counters.TPsFound.Store(0)
}
