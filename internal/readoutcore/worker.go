package readoutcore

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/nhdewitt/readout-core/internal/telemetry"
)

// namedWorker runs fn as a long-lived goroutine carrying a human-readable
// name (for logging) and an optional CPU to pin to. Go has no notion of
// pinning a goroutine itself; the best a runtime can offer is locking the
// goroutine to one OS thread (runtime.LockOSThread) and then pinning
// that thread's CPU affinity, which is what setAffinity does. A worker
// with no CPU requested skips both and just runs fn.
type namedWorker struct {
	name string
	cpu  int // -1 means no pinning requested
}

// run executes fn; when a CPU is requested, fn runs locked to a
// dedicated OS thread pinned to that CPU, otherwise it runs as an
// ordinary goroutine. Errors
// setting affinity are reported to log rather than treated as fatal: a
// readout core should still run, just without the placement hint, on a
// machine where pinning isn't permitted (e.g. inside some containers).
func (w namedWorker) run(log *telemetry.Logger, fn func()) {
	if w.cpu < 0 {
		fn()
		return
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := setAffinity(w.cpu); err != nil {
		log.Printf("%s: pin to cpu %d failed: %v", w.name, w.cpu, err)
	}
	fn()
}

// setAffinity pins the calling OS thread to the single given CPU.
func setAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
