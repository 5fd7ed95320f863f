package bitvector

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapBackend owns a memory-mapped region and the file descriptor it was
// mapped from. Fadvise(RANDOM) is set on open, mirroring the random-access
// hint this codebase already applies to its other mmap'd on-disk indexes.
type mmapBackend struct {
	file   *os.File
	region []byte
}

// NewMmap maps the BytesFor(lenBits) bytes of f starting at fileOffset into
// memory and returns a BitVector of lenBits bits backed by that region.
// fileOffset must be a multiple of 8 but need not be page-aligned: the
// mapping starts at the enclosing page boundary.
//
// If readOnly is false, the mapping is PROT_READ|PROT_WRITE and OrWindow is
// permitted; f must itself be open for read/write and the region must
// already exist in the file (callers are expected to have sized the file
// with Truncate/Fallocate before mapping).
func NewMmap(f *os.File, fileOffset int64, lenBits uint64, readOnly bool) (*BitVector, error) {
	byteLen := int(BytesFor(lenBits))
	if byteLen == 0 {
		return nil, fmt.Errorf("bitvector: mmap of zero-length region")
	}

	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	pageOff := fileOffset % int64(os.Getpagesize())
	region, err := unix.Mmap(int(f.Fd()), fileOffset-pageOff, byteLen+int(pageOff), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("bitvector: mmap %s at offset %d (%d bytes): %w", f.Name(), fileOffset, byteLen, err)
	}
	if err := unix.Fadvise(int(f.Fd()), fileOffset, int64(byteLen), unix.FADV_RANDOM); err != nil {
		// Advisory only; a failure here never invalidates the mapping.
		_ = err
	}

	words := unsafe.Slice((*uint64)(unsafe.Pointer(&region[pageOff])), byteLen/8)
	return &BitVector{
		words:    words,
		lenBits:  lenBits,
		readOnly: readOnly,
		backend:  &mmapBackend{file: f, region: region},
	}, nil
}

func (m *mmapBackend) flush() error {
	if len(m.region) == 0 {
		return nil
	}
	if err := unix.Msync(m.region, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync %s: %w", m.file.Name(), err)
	}
	return nil
}

func (m *mmapBackend) close() error {
	if len(m.region) == 0 {
		return nil
	}
	region := m.region
	m.region = nil
	if err := unix.Munmap(region); err != nil {
		return fmt.Errorf("munmap %s: %w", m.file.Name(), err)
	}
	return nil
}
