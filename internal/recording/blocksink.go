package recording

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultAlignment is the block size assumed for O_DIRECT writes absent
// a more specific value (the common Linux logical block size).
const DefaultAlignment = 4096

// BlockSink is an aligned, block-oriented file writer suitable for
// O_DIRECT: writes are staged into a single alignment-sized scratch
// buffer whose backing memory is itself aligned (O_DIRECT requires the
// buffer address, the file offset and the length all be multiples of
// the device's logical block size), and flushed as whole blocks. Any
// trailing partial block is written with O_DIRECT temporarily disabled
// via fcntl(F_SETFL), then re-enabled.
type BlockSink struct {
	f         *os.File
	alignment int
	direct    bool
	buf       []byte
	filled    int
}

// NewBlockSink opens path for writing (truncating any existing file) and
// returns a sink that flushes in alignment-sized blocks. If useODirect is
// true the file is opened with O_DIRECT.
func NewBlockSink(path string, alignment int, useODirect bool) (*BlockSink, error) {
	if alignment <= 0 {
		alignment = DefaultAlignment
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if useODirect {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	return &BlockSink{
		f:         f,
		alignment: alignment,
		direct:    useODirect,
		buf:       alignedBuffer(alignment, alignment),
	}, nil
}

// Write stages p into the scratch buffer, flushing every time it fills
// to exactly one alignment-sized block.
func (s *BlockSink) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		n := copy(s.buf[s.filled:], p)
		s.filled += n
		p = p[n:]
		if s.filled == s.alignment {
			if _, err := s.f.Write(s.buf); err != nil {
				return total - len(p), err
			}
			s.filled = 0
		}
	}
	return total, nil
}

// Close flushes any trailing partial block and closes the underlying
// file.
func (s *BlockSink) Close() error {
	if s.filled > 0 {
		if err := s.flushPartial(); err != nil {
			s.f.Close()
			return err
		}
	}
	return s.f.Close()
}

func (s *BlockSink) flushPartial() error {
	if s.direct {
		if err := s.toggleDirect(false); err != nil {
			return err
		}
		defer s.toggleDirect(true)
	}
	_, err := s.f.Write(s.buf[:s.filled])
	s.filled = 0
	return err
}

func (s *BlockSink) toggleDirect(on bool) error {
	fd := int(s.f.Fd())
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	if on {
		flags |= unix.O_DIRECT
	} else {
		flags &^= unix.O_DIRECT
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
	return err
}

// alignedBuffer returns a size-byte slice whose address is a multiple of
// alignment, carved out of a slightly larger backing allocation.
func alignedBuffer(size, alignment int) []byte {
	raw := make([]byte, size+alignment)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	offset := 0
	if rem := addr % uintptr(alignment); rem != 0 {
		offset = alignment - int(rem)
	}
	return raw[offset : offset+size : offset+size]
}
