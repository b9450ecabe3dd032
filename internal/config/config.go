// Package config defines the readout core's configuration surface: one
// struct enumerating every recognised key from init/conf, with
// validation that reports every problem found rather than failing on
// the first one, mirroring the life-cycle contract conf (after init,
// before start) -> start -> record -> stop -> scrap.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nhdewitt/readout-core/internal/frame"
	"github.com/nhdewitt/readout-core/internal/recording"
)

// Config is the full set of keys a link's readout core is configured
// with at conf time.
type Config struct {
	// Kind is the link's frame type: frame size, frames per element,
	// tick distance, fragment/system type tags.
	Kind frame.Kind

	APANumber  uint32
	LinkNumber uint32

	// LatencyBufferSize is the capacity of B, in elements. Ignored by
	// the skip-list variant, which is bounded by MaxWindowSpanTicks
	// instead.
	LatencyBufferSize int

	// PopLimitPct is the eviction high-water fraction of capacity, in
	// [0, 1].
	PopLimitPct float64

	// PopSizePct is the fraction of occupancy popped per eviction, in
	// [0, 1].
	PopSizePct float64

	// NumRequestHandlingThreads sizes the worker pool.
	NumRequestHandlingThreads int

	// RetryCount is the max kNotYet retries before a waiting request
	// times out.
	RetryCount int

	// MaxWindowSpanTicks bounds the largest (window_end - window_begin)
	// a request may ask for before it is rejected with kInvalidWindow.
	MaxWindowSpanTicks uint64

	SourceQueueTimeout   time.Duration
	FragmentQueueTimeout time.Duration

	// EnableRawRecording, OutputFile, StreamBufferSize,
	// CompressionAlgorithm and UseODirect configure the recording
	// subsystem; only consulted when EnableRawRecording is true.
	EnableRawRecording   bool
	OutputFile           string
	StreamBufferSize     int
	CompressionAlgorithm string
	UseODirect           bool

	// FakeTriggerFlag synthesises self-triggers from heartbeats, for
	// standalone testing without a real trigger-decision system.
	FakeTriggerFlag bool

	// EmulatorMode has the preprocessor rewrite timestamps to be
	// perfectly incrementing after a gap; the gap is still recorded in
	// the error registry and counted.
	EmulatorMode bool

	// ConsumerCPU and HousekeeperCPU, when >= 0, pin the consumer and
	// housekeeper goroutines' OS threads to the given CPU. -1 (the
	// default) requests no pinning.
	ConsumerCPU    int
	HousekeeperCPU int
}

// Default returns a Config with conservative defaults for every key;
// callers override only what their link needs. The result is valid for
// any fixed-rate kind with nonzero sizes. For a variable-rate kind
// (TickDistance 0) MaxWindowSpanTicks defaults to 0, which Validate
// rejects until the caller sets it.
func Default(kind frame.Kind) Config {
	return Config{
		Kind:                      kind,
		LatencyBufferSize:         10_000,
		PopLimitPct:               0.75,
		PopSizePct:                0.25,
		NumRequestHandlingThreads: 4,
		RetryCount:                5,
		MaxWindowSpanTicks:        kind.ElementSpan() * 1000,
		SourceQueueTimeout:        100 * time.Millisecond,
		FragmentQueueTimeout:      100 * time.Millisecond,
		CompressionAlgorithm:      "none",
		ConsumerCPU:               -1,
		HousekeeperCPU:            -1,
	}
}

// Validate reports every problem found with the configuration, not just
// the first. A nil return means conf may proceed to start.
func (c Config) Validate() error {
	var problems []string

	if c.Kind.FrameSize == 0 || c.Kind.FramesPerElement == 0 {
		problems = append(problems, "frame kind must have nonzero frame_size and frames_per_element")
	}
	if c.LatencyBufferSize <= 0 {
		problems = append(problems, "latency_buffer_size must be positive")
	}
	if c.PopLimitPct < 0 || c.PopLimitPct > 1 {
		problems = append(problems, "pop_limit_pct must be in [0, 1]")
	}
	if c.PopSizePct < 0 || c.PopSizePct > 1 {
		problems = append(problems, "pop_size_pct must be in [0, 1]")
	}
	if c.NumRequestHandlingThreads <= 0 {
		problems = append(problems, "num_request_handling_threads must be positive")
	}
	if c.RetryCount < 0 {
		problems = append(problems, "retry_count must be >= 0")
	}
	if c.MaxWindowSpanTicks == 0 {
		problems = append(problems, "max_window_span_ticks must be positive")
	}
	if c.SourceQueueTimeout <= 0 {
		problems = append(problems, "source_queue_timeout_ms must be positive")
	}
	if c.FragmentQueueTimeout <= 0 {
		problems = append(problems, "fragment_queue_timeout_ms must be positive")
	}

	if c.EnableRawRecording {
		if c.OutputFile == "" {
			problems = append(problems, "output_file must be set when enable_raw_recording is true")
		}
		if c.StreamBufferSize <= 0 {
			problems = append(problems, "stream_buffer_size must be positive when enable_raw_recording is true")
		}
		if _, err := recording.ParseAlgorithm(c.CompressionAlgorithm); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(problems, "; "))
}

// RecordingConfig projects the recording-relevant keys into a
// recording.Config, resolving CompressionAlgorithm. Only meaningful
// when EnableRawRecording is true; callers should check that first.
func (c Config) RecordingConfig() (recording.Config, error) {
	algo, err := recording.ParseAlgorithm(c.CompressionAlgorithm)
	if err != nil {
		return recording.Config{}, err
	}
	return recording.Config{
		OutputFile:       c.OutputFile,
		StreamBufferSize: c.StreamBufferSize,
		Algorithm:        algo,
		UseODirect:       c.UseODirect,
	}, nil
}
