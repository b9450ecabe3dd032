// Package telemetry is the readout core's ambient logging and counters
// surface: a thin, component-prefixed wrapper over the standard log
// package plus the aggregated Info snapshot returned by get_info.
package telemetry

import (
	"log"
	"os"
)

// Logger prefixes every line with a component tag, e.g. "[link3]". It
// wraps *log.Logger rather than replacing it: nothing here changes how
// log lines look on the wire, it just standardizes the prefix readout
// components use.
type Logger struct {
	l *log.Logger
}

// New returns a Logger writing to stderr with the given component tag.
func New(component string) *Logger {
	return &Logger{l: log.New(os.Stderr, "["+component+"] ", log.LstdFlags)}
}

func (lg *Logger) Printf(format string, args ...any) {
	lg.l.Printf(format, args...)
}

func (lg *Logger) Println(args ...any) {
	lg.l.Println(args...)
}

// TimeSync is the heartbeat message the housekeeper emits every 100ms:
// the current DAQ time (from the preprocessor's last-processed
// timestamp) paired with wall-clock system time. Only emitted when
// DAQTime != 0, i.e. once the consumer has processed at least one frame.
type TimeSync struct {
	DAQTime    uint64
	SystemTime int64 // Unix nanoseconds
}

// Info is the snapshot returned by GetInfo: every atomic counter the
// core exposes, aggregated from the preprocessing pipeline, the request
// handler, and the latency buffer.
type Info struct {
	// Preprocessing
	TSErrorCount     uint64
	FrameErrorCount  uint64
	LastProcessedDAQ uint64
	TPsFound         uint64

	// Latency buffer
	Occupancy        int
	OverwrittenCount uint64

	// Frame-error registry
	OutstandingGaps int

	// Request handling
	NumFound                 uint64
	NumNotFound              uint64
	NumPass                  uint64
	NumTimedOut              uint64
	NumEndOfRun              uint64
	NumFragmentQueueTimeouts uint64
	NumTasksDropped          uint64
	NumWaiting               int

	// Recording
	RecordingActive bool
	RecordingError  string
}
