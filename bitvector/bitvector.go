// Package bitvector implements a fixed-size bit array addressed by bit
// index, backed by either heap memory or a memory-mapped file region.
//
// A BitVector never grows or shrinks after construction. Windows up to 64
// bits wide can be read or OR'd in starting at any bit offset, including
// windows that straddle a machine-word boundary.
package bitvector

import (
	"fmt"
	"math/bits"
)

// WordBits is the width of the machine word used to address storage.
const WordBits = 64

// BitVector is a contiguous bit array of Len() bits.
//
// Concurrency: many goroutines may call GetWindow/PopcountWindow
// concurrently. OrWindow requires the caller to be the sole writer; the
// BitVector itself performs no locking.
type BitVector struct {
	words    []uint64
	lenBits  uint64
	readOnly bool
	backend  backend
}

// backend abstracts the storage behind words: either a plain heap slice or
// an mmap'd region. It exists so Close/Flush can release the right kind of
// resource; the bit operations themselves only ever touch words.
type backend interface {
	flush() error
	close() error
}

// NewHeap allocates a zero-initialized, heap-backed BitVector of lenBits
// bits, rounded up to a whole word.
func NewHeap(lenBits uint64) *BitVector {
	nWords := wordsFor(lenBits)
	return &BitVector{
		words:   make([]uint64, nWords),
		lenBits: lenBits,
		backend: noopBackend{},
	}
}

func wordsFor(lenBits uint64) uint64 {
	return (lenBits + WordBits - 1) / WordBits
}

// BytesFor returns the number of bytes occupied by lenBits bits once
// rounded up to a whole word, i.e. ceil(lenBits/64)*8.
func BytesFor(lenBits uint64) uint64 {
	return wordsFor(lenBits) * 8
}

// Len returns the number of addressable bits.
func (b *BitVector) Len() uint64 { return b.lenBits }

// ReadOnly reports whether OrWindow is permitted.
func (b *BitVector) ReadOnly() bool { return b.readOnly }

// GetWindow returns bits [i, i+width) as the low `width` bits of a uint64,
// with bit i as the LSB. width must be in [0, 64].
func (b *BitVector) GetWindow(i uint64, width uint) uint64 {
	if width == 0 {
		return 0
	}
	wordIdx := i / WordBits
	bitOff := i % WordBits
	lo := b.words[wordIdx] >> bitOff
	if bitOff+uint64(width) > WordBits && wordIdx+1 < uint64(len(b.words)) {
		hi := b.words[wordIdx+1] << (WordBits - bitOff)
		lo |= hi
	}
	if width < 64 {
		lo &= (uint64(1) << width) - 1
	}
	return lo
}

// OrWindow ORs the low `width` bits of pattern into bits [i, i+width).
// Panics if the BitVector is read-only.
func (b *BitVector) OrWindow(i uint64, width uint, pattern uint64) {
	if b.readOnly {
		panic("bitvector: OrWindow on a read-only BitVector")
	}
	if width == 0 {
		return
	}
	if width < 64 {
		pattern &= (uint64(1) << width) - 1
	}
	wordIdx := i / WordBits
	bitOff := i % WordBits
	b.words[wordIdx] |= pattern << bitOff
	if bitOff+uint64(width) > WordBits && wordIdx+1 < uint64(len(b.words)) {
		b.words[wordIdx+1] |= pattern >> (WordBits - bitOff)
	}
}

// PopcountWindow returns the number of set bits in [i, i+width).
func (b *BitVector) PopcountWindow(i uint64, width uint) int {
	return bits.OnesCount64(b.GetWindow(i, width))
}

// Flush persists in-memory changes to the backing store (msync for mmap,
// a no-op for heap).
func (b *BitVector) Flush() error {
	if err := b.backend.flush(); err != nil {
		return fmt.Errorf("bitvector: flush: %w", err)
	}
	return nil
}

// Close releases the BitVector's storage (unmap for mmap, a no-op for
// heap). Close does not flush; call Flush first if needed.
func (b *BitVector) Close() error {
	return b.backend.close()
}

type noopBackend struct{}

func (noopBackend) flush() error { return nil }
func (noopBackend) close() error { return nil }
