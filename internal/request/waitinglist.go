package request

import (
	"sync"

	"github.com/nhdewitt/readout-core/internal/queue"
)

// waitingEntry is one request parked because its window had not fully
// arrived yet at classification time.
type waitingEntry struct {
	id   uint64
	req  Request
	sink *queue.Queue[*Fragment]
}

// waitingList is a mutex-protected, unordered collection of parked
// requests. Each entry carries a monotonic id so a scan can remove
// exactly the entries it decided to drop without clobbering entries
// concurrently added by request workers while the scan was running.
type waitingList struct {
	mu     sync.Mutex
	items  []waitingEntry
	nextID uint64
}

func newWaitingList() *waitingList {
	return &waitingList{}
}

// add parks e at the end of the list.
func (w *waitingList) add(e waitingEntry) {
	w.mu.Lock()
	w.nextID++
	e.id = w.nextID
	w.items = append(w.items, e)
	w.mu.Unlock()
}

// len reports the number of currently parked requests.
func (w *waitingList) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// scan calls fn once for every entry parked at the moment scan begins,
// with a pointer into a private snapshot copy: fn may freely mutate the
// entry (e.g. bump RetryCount) and the mutation is written back. fn
// returns true to keep the entry parked, false to have it dropped.
//
// Only entries present in the initial snapshot are ever touched by id,
// so an entry added concurrently by a request worker (e.g. a freshly
// parked kNotYet request) survives untouched even if it lands mid-scan.
func (w *waitingList) scan(fn func(e *waitingEntry) bool) {
	w.mu.Lock()
	snapshot := make([]waitingEntry, len(w.items))
	copy(snapshot, w.items)
	w.mu.Unlock()

	type outcome struct {
		entry waitingEntry
		keep  bool
	}
	processed := make(map[uint64]outcome, len(snapshot))
	for i := range snapshot {
		e := &snapshot[i]
		keep := fn(e)
		processed[e.id] = outcome{entry: *e, keep: keep}
	}
	if len(processed) == 0 {
		return
	}

	w.mu.Lock()
	kept := w.items[:0]
	for _, cur := range w.items {
		if out, ok := processed[cur.id]; ok {
			if out.keep {
				kept = append(kept, out.entry)
			}
			continue
		}
		kept = append(kept, cur)
	}
	w.items = kept
	w.mu.Unlock()
}
