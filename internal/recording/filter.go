// Package recording implements the optional raw-recording subsystem: a
// buffered writer with an aligned staging block, a pluggable compression
// filter chain, and an O_DIRECT block sink, driven by a Recorder that
// walks a link's latency buffer forward from a next-timestamp-to-record
// cursor without ever retarding the consumer.
package recording

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

// Algorithm selects the compression filter applied before data reaches
// the block sink.
type Algorithm int

const (
	AlgoNone Algorithm = iota
	AlgoZstd
	AlgoZlib
	AlgoLZMA
)

func (a Algorithm) String() string {
	switch a {
	case AlgoNone:
		return "none"
	case AlgoZstd:
		return "zstd"
	case AlgoZlib:
		return "zlib"
	case AlgoLZMA:
		return "lzma"
	default:
		return "unknown"
	}
}

// ParseAlgorithm resolves the configuration value compression_algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "", "none":
		return AlgoNone, nil
	case "zstd":
		return AlgoZstd, nil
	case "zlib":
		return AlgoZlib, nil
	case "lzma":
		return AlgoLZMA, nil
	default:
		return AlgoNone, fmt.Errorf("recording: unknown compression_algorithm %q", s)
	}
}

// newFilter wraps w in the compressor for a, or returns nil for AlgoNone
// (BufferedWriter then writes straight to the sink with no
// intermediate transform).
func newFilter(a Algorithm, w io.Writer) (io.WriteCloser, error) {
	switch a {
	case AlgoNone:
		return nil, nil
	case AlgoZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return enc, nil
	case AlgoZlib:
		return zlib.NewWriter(w), nil
	case AlgoLZMA:
		lw, err := lzma.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return lw, nil
	default:
		return nil, fmt.Errorf("recording: no filter for algorithm %v", a)
	}
}
