package recording

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"unsafe"
)

func TestBlockSinkFlushesFullBlocksAndTrailingPartial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	sink, err := NewBlockSink(path, 16, false)
	if err != nil {
		t.Fatalf("NewBlockSink: %v", err)
	}

	payload := bytes.Repeat([]byte{0xAB}, 16*3+5) // three full blocks plus a partial tail
	if _, err := sink.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-tripped %d bytes, want %d bytes equal to input", len(got), len(payload))
	}
}

func TestAlignedBufferIsAligned(t *testing.T) {
	buf := alignedBuffer(4096, 4096)
	if len(buf) != 4096 {
		t.Fatalf("want len 4096, got %d", len(buf))
	}
	if addr := uintptr(unsafe.Pointer(&buf[0])); addr%4096 != 0 {
		t.Fatalf("want address aligned to 4096, got %#x", addr)
	}
}

func TestParseAlgorithm(t *testing.T) {
	cases := map[string]Algorithm{
		"":     AlgoNone,
		"none": AlgoNone,
		"zstd": AlgoZstd,
		"zlib": AlgoZlib,
		"lzma": AlgoLZMA,
	}
	for in, want := range cases {
		got, err := ParseAlgorithm(in)
		if err != nil {
			t.Fatalf("ParseAlgorithm(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseAlgorithm(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseAlgorithm("bogus"); err == nil {
		t.Fatalf("expected error for unknown algorithm")
	}
}
