package recording

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nhdewitt/readout-core/internal/frame"
	"github.com/nhdewitt/readout-core/internal/latbuf"
	"github.com/nhdewitt/readout-core/internal/request"
)

// ErrAlreadyRecording is returned by Record when a recording is already
// active for this link: at most one recording runs per link, and a
// second call while one is active is a no-op error rather than a queued
// second recording.
var ErrAlreadyRecording = errors.New("recording: already active")

// Recorder drives the copy-mode recording task for one link: a
// background goroutine that periodically looks up its own
// next-timestamp-to-record cursor in the latency buffer, writes every
// newly-resident element's payload through a BufferedWriter, and
// advances the cursor — coordinating with eviction via
// handler.SetNextTimestampToRecord so the buffer never evicts data this
// recording hasn't copied out yet.
type Recorder struct {
	buf     latbuf.Buffer[*frame.SuperChunk]
	handler *request.Handler

	active atomic.Bool
	nextTS atomic.Uint64

	mu       sync.Mutex
	writer   *BufferedWriter
	cancel   context.CancelFunc
	done     chan struct{}
	writeErr error
	errOnce  sync.Once
}

// NewRecorder builds a recorder over the given link's latency buffer and
// request handler (whose eviction floor it will update while active).
func NewRecorder(buf latbuf.Buffer[*frame.SuperChunk], handler *request.Handler) *Recorder {
	r := &Recorder{buf: buf, handler: handler}
	r.nextTS.Store(^uint64(0))
	return r
}

// Active reports whether a recording is currently in progress.
func (r *Recorder) Active() bool {
	return r.active.Load()
}

// LastError returns the first write error observed by the current or
// most recent recording, if any.
func (r *Recorder) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeErr
}

// Record begins a concurrent recording of startTS onward, bounded to
// duration wall-clock time. Idempotent while a recording is already
// active: returns ErrAlreadyRecording immediately rather than queuing or
// restarting one.
func (r *Recorder) Record(ctx context.Context, cfg Config, startTS uint64, duration time.Duration) error {
	if !r.active.CompareAndSwap(false, true) {
		return ErrAlreadyRecording
	}

	writer, err := NewBufferedWriter(cfg)
	if err != nil {
		r.active.Store(false)
		return err
	}

	r.mu.Lock()
	r.writer = writer
	r.writeErr = nil
	r.errOnce = sync.Once{}
	r.mu.Unlock()

	r.nextTS.Store(startTS)
	r.handler.SetNextTimestampToRecord(startTS)

	recCtx, cancel := context.WithTimeout(ctx, duration)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(recCtx)
	return nil
}

// Stop ends the active recording early, if any, and blocks until its
// goroutine has flushed and exited.
func (r *Recorder) Stop() {
	if !r.active.Load() {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.Wait()
}

// Wait blocks until the current recording (if any) has finished.
func (r *Recorder) Wait() {
	done := r.done
	if done != nil {
		<-done
	}
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	defer r.finish()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.advance() // final pass: flush whatever arrived since the last tick
			return
		case <-ticker.C:
			r.advance()
		}
	}
}

func (r *Recorder) finish() {
	r.mu.Lock()
	w := r.writer
	r.writer = nil
	r.mu.Unlock()

	if w != nil {
		if err := w.Close(); err != nil {
			r.noteError(err)
		}
	}
	r.handler.SetNextTimestampToRecord(^uint64(0))
	r.active.Store(false)
}

// advance walks the buffer forward from the recorder's own cursor,
// writing every newly-resident element and pushing the eviction floor
// along with it. If the cursor has fallen behind the buffer's oldest
// resident element (the consumer lapped it), it skips forward silently:
// recording never retards the consumer.
//
// Unlike the request handler, advance runs outside the handler's
// eviction barrier (it is its own goroutine, not a request worker), so
// on a skip-list buffer it holds an AccessorToken for the duration of
// the walk to defer any concurrent EvictBefore.
func (r *Recorder) advance() {
	if sl, ok := r.buf.(*latbuf.SkipList[*frame.SuperChunk]); ok {
		tok := sl.AcquireToken()
		defer tok.Release()
	}

	ts := r.nextTS.Load()

	cur, ok := r.buf.LowerBound(ts, true)
	if !ok {
		// Either the buffer is empty or ts is still ahead of anything
		// resident yet; nothing to do until more data arrives.
		return
	}

	if first := cur.Value().FirstTimestamp(); first > ts {
		// The consumer lapped the recorder's cursor: data between ts and
		// first was evicted before this recording could copy it out.
		// Recording never retards the consumer, so it silently skips
		// forward instead of erroring.
		ts = first
	}

	last := ts
	for ok {
		e := cur.Value()
		if err := r.write(e.Payload); err != nil {
			r.noteError(err)
		}
		last = e.FirstTimestamp() + 1
		ok = cur.Next()
	}
	r.setCursor(last)
}

func (r *Recorder) write(p []byte) error {
	r.mu.Lock()
	w := r.writer
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Write(p)
}

func (r *Recorder) setCursor(ts uint64) {
	r.nextTS.Store(ts)
	r.handler.SetNextTimestampToRecord(ts)
}

// noteError records the first write failure for LastError and otherwise
// swallows it: a recording write failure does not abort the recording,
// and nothing is logged here.
func (r *Recorder) noteError(err error) {
	r.errOnce.Do(func() {
		r.mu.Lock()
		r.writeErr = err
		r.mu.Unlock()
	})
}
