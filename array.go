package bfield

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/rpcpool/bfield/bitvector"
	"github.com/rpcpool/bfield/hashfanout"
	"github.com/rpcpool/bfield/metrics"
)

// Array is one level of a BField cascade: a fixed-size bit region plus the
// parameters needed to scatter-OR and scatter-AND marker patterns into it.
//
// A single goroutine must own Insert calls (see the BitVector concurrency
// note); Lookup is safe to call concurrently with other Lookups.
type Array struct {
	path    string
	index   uint32
	numArr  uint32
	params  Params
	seeds   hashfanout.Seeds
	codec   *codec
	bits    *bitvector.BitVector
	file    *os.File // nil for heap-backed arrays
	log     *slog.Logger
	sealed  bool

	// inserts and lookups mirror the Prometheus counters this level
	// contributes to (metrics.ArrayInsertsTotal/ArrayLookupsTotal), so
	// Info can report per-level counts in-process without scraping.
	inserts atomic.Uint64
	lookups atomic.Uint64
}

// createArray creates a new on-disk Array file at path, sized for params,
// and returns a writable handle. If inMemory is true the bit region lives
// on the heap and is only persisted to path when SealTo is called (Finalize
// does this); otherwise
// it is memory-mapped directly over the file.
func createArray(path string, index, numArr uint32, params Params, inMemory bool, log *slog.Logger) (*Array, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	h := &fileHeader{
		L:           params.Size,
		K:           params.NHashes,
		Nu:          params.MarkerWidth,
		Kappa:       params.NMarkerBits,
		Index:       index,
		NumArrays:   numArr,
		Seed1:       params.Seed1,
		Seed2:       params.Seed2,
		Theta:       params.MaxValue,
		Finalized:   false,
		OtherParams: params.OtherParams,
	}
	headerBuf, err := h.marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal header: %v", ErrFormat, err)
	}
	bitOffset, err := h.bitRegionOffset()
	if err != nil {
		return nil, err
	}
	totalSize := bitOffset + int64(bitvector.BytesFor(params.Size))

	flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrIO, path, err)
	}
	if err := f.Truncate(totalSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate %s: %v", ErrIO, path, err)
	}
	if _, err := f.WriteAt(headerBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write header %s: %v", ErrIO, path, err)
	}

	var bv *bitvector.BitVector
	var keepFile *os.File
	if inMemory {
		bv = bitvector.NewHeap(params.Size)
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: sync %s: %v", ErrIO, path, err)
		}
		f.Close()
	} else {
		bv, err = bitvector.NewMmap(f, bitOffset, params.Size, false)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: mmap %s: %v", ErrIO, path, err)
		}
		keepFile = f
	}

	if log == nil {
		log = slog.Default()
	}
	metrics.ArrayBitsAllocated.WithLabelValues(levelLabel(index)).Set(float64(params.Size))

	return &Array{
		path:   path,
		index:  index,
		numArr: numArr,
		params: params,
		seeds:  hashfanout.Seeds{S1: params.Seed1, S2: params.Seed2},
		codec:  newCodec(uint(params.MarkerWidth), uint(params.NMarkerBits)),
		bits:   bv,
		file:   keepFile,
		log:    log.With("level", index),
	}, nil
}

// openArray opens an existing Array file for reading (readOnly) or further
// writing. The header is validated (magic, version, checksum) and the file
// must be long enough to hold the whole bit region before that region is
// mapped; a shorter file is an ErrFormat.
func openArray(path string, readOnly bool, log *slog.Logger) (*Array, error) {
	flags := os.O_RDONLY
	if !readOnly {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}

	var prefix [fixedHeaderSize]byte
	if _, err := f.ReadAt(prefix[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read header prefix %s: %v", ErrFormat, path, err)
	}
	paramLen := int(leUint64(prefix[61:69]))
	headerLen := fixedHeaderSize + paramLen + checksumSize
	headerBuf := make([]byte, headerLen)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read header %s: %v", ErrFormat, path, err)
	}
	h, err := unmarshalHeader(headerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	// A finalized file is sealed read-only regardless of what the caller
	// asked for: write access would silently corrupt a structure the spec
	// requires to stay write-once-then-sealed.
	effectiveReadOnly := readOnly || h.Finalized

	bitOffset := alignUp8(int64(headerLen))
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}
	if wantSize := bitOffset + int64(bitvector.BytesFor(h.L)); fi.Size() < wantSize {
		f.Close()
		return nil, fmt.Errorf("%w: bit region truncated in %s: have %d bytes, need %d", ErrFormat, path, fi.Size(), wantSize)
	}
	bv, err := bitvector.NewMmap(f, bitOffset, h.L, effectiveReadOnly)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrIO, path, err)
	}

	if log == nil {
		log = slog.Default()
	}
	params := Params{
		Size:        h.L,
		NHashes:     h.K,
		MarkerWidth: h.Nu,
		NMarkerBits: h.Kappa,
		MaxValue:    h.Theta,
		Seed1:       h.Seed1,
		Seed2:       h.Seed2,
		OtherParams: h.OtherParams,
	}
	metrics.ArrayBitsAllocated.WithLabelValues(levelLabel(h.Index)).Set(float64(h.L))

	return &Array{
		path:   path,
		index:  h.Index,
		numArr: h.NumArrays,
		params: params,
		seeds:  hashfanout.Seeds{S1: h.Seed1, S2: h.Seed2},
		codec:  newCodec(uint(h.Nu), uint(h.Kappa)),
		bits:   bv,
		file:   f,
		log:    log.With("level", h.Index),
		sealed: h.Finalized,
	}, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func levelLabel(i uint32) string {
	return strconv.FormatUint(uint64(i), 10)
}

// Insert scatter-ORs the marker pattern for value into the k hash-selected
// windows of this level. Precondition: 0 <= value < params.MaxValue.
func (a *Array) Insert(key []byte, value uint64) error {
	if a.sealed {
		return fmt.Errorf("%w: insert after finalize", ErrOperational)
	}
	if a.bits.ReadOnly() {
		return fmt.Errorf("%w: insert on read-only array", ErrOperational)
	}
	if value >= a.params.MaxValue {
		return fmt.Errorf("%w: value %d >= max_value %d", ErrValueRange, value, a.params.MaxValue)
	}

	pattern := a.codec.encode(value)
	indices := hashfanout.Indices(key, a.seeds, a.bits.Len(), uint(a.params.NHashes), uint(a.params.MarkerWidth))
	for _, idx := range indices {
		a.bits.OrWindow(idx, uint(a.params.MarkerWidth), pattern)
	}
	metrics.ArrayInsertsTotal.WithLabelValues(levelLabel(a.index)).Inc()
	a.inserts.Add(1)
	a.log.Debug("insert", "key_len", len(key), "value", value)
	return nil
}

// Lookup AND-reduces the k hash-selected windows and classifies the result
// by popcount against kappa.
func (a *Array) Lookup(key []byte) Decision {
	indices := hashfanout.Indices(key, a.seeds, a.bits.Len(), uint(a.params.NHashes), uint(a.params.MarkerWidth))
	acc := ^uint64(0)
	width := uint(a.params.MarkerWidth)
	if width < 64 {
		acc &= (uint64(1) << width) - 1
	}
	for _, idx := range indices {
		acc &= a.bits.GetWindow(idx, width)
	}

	var d Decision
	switch popcount := countOnes(acc); {
	case popcount < int(a.params.NMarkerBits):
		d = Decision{Kind: Absent}
	case popcount == int(a.params.NMarkerBits):
		d = Decision{Kind: Some, Value: a.codec.decode(acc)}
	default:
		d = Decision{Kind: Indeterminate}
	}

	metrics.ArrayLookupsTotal.WithLabelValues(levelLabel(a.index), d.Kind.String()).Inc()
	a.lookups.Add(1)
	return d
}

func countOnes(v uint64) int {
	count := 0
	for v != 0 {
		v &= v - 1
		count++
	}
	return count
}

// Flush persists in-memory changes (msync for mmap, a no-op for heap).
func (a *Array) Flush() error {
	return a.bits.Flush()
}

// Finalize persists the sentinel finalized flag for this level — in the
// header's fixed byte for mmap-backed arrays, or as part of the full
// header+bit-region dump for heap-backed ones via SealTo — so that even a
// freshly Loaded handle on this file refuses further writes regardless of
// how the caller asked to open it. Idempotent.
func (a *Array) Finalize() error {
	if a.sealed {
		return nil
	}
	if a.file == nil {
		if err := a.SealTo(a.path); err != nil {
			return err
		}
		a.sealed = true
		return nil
	}

	h := &fileHeader{
		L:           a.params.Size,
		K:           a.params.NHashes,
		Nu:          a.params.MarkerWidth,
		Kappa:       a.params.NMarkerBits,
		Index:       a.index,
		NumArrays:   a.numArr,
		Seed1:       a.params.Seed1,
		Seed2:       a.params.Seed2,
		Theta:       a.params.MaxValue,
		Finalized:   true,
		OtherParams: a.params.OtherParams,
	}
	headerBuf, err := h.marshal()
	if err != nil {
		return fmt.Errorf("%w: marshal header: %v", ErrFormat, err)
	}
	if _, err := a.file.WriteAt(headerBuf, 0); err != nil {
		return fmt.Errorf("%w: write header %s: %v", ErrIO, a.path, err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrIO, a.path, err)
	}
	a.sealed = true
	return a.Flush()
}

// SealTo writes a heap-backed Array's full contents (header + bit region,
// with the finalized flag set) to path, for use once a cascade level is
// finalized and will not be inserted into again. No-op (besides Flush) for
// mmap-backed arrays, which are already resident on disk; Finalize handles
// persisting the flag for that case instead.
func (a *Array) SealTo(path string) error {
	if a.file != nil {
		// Already file-backed via mmap; just flush.
		return a.Flush()
	}
	h := &fileHeader{
		L:           a.params.Size,
		K:           a.params.NHashes,
		Nu:          a.params.MarkerWidth,
		Kappa:       a.params.NMarkerBits,
		Index:       a.index,
		NumArrays:   a.numArr,
		Seed1:       a.params.Seed1,
		Seed2:       a.params.Seed2,
		Theta:       a.params.MaxValue,
		Finalized:   true,
		OtherParams: a.params.OtherParams,
	}
	headerBuf, err := h.marshal()
	if err != nil {
		return fmt.Errorf("%w: marshal header: %v", ErrFormat, err)
	}
	bitOffset, err := h.bitRegionOffset()
	if err != nil {
		return err
	}
	nWords := bitvector.BytesFor(a.params.Size) / 8

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	totalSize := bitOffset + int64(nWords*8)
	if err := f.Truncate(totalSize); err != nil {
		return fmt.Errorf("%w: truncate %s: %v", ErrIO, path, err)
	}
	if _, err := f.WriteAt(headerBuf, 0); err != nil {
		return fmt.Errorf("%w: write header %s: %v", ErrIO, path, err)
	}
	for w := uint64(0); w < nWords; w++ {
		word := a.bits.GetWindow(w*64, 64)
		var wordBuf [8]byte
		for i := 0; i < 8; i++ {
			wordBuf[i] = byte(word >> (8 * i))
		}
		if _, err := f.WriteAt(wordBuf[:], bitOffset+int64(w*8)); err != nil {
			return fmt.Errorf("%w: write bit region %s: %v", ErrIO, path, err)
		}
	}
	return f.Sync()
}

// Close releases the Array's storage (unmap for mmap, a no-op for heap).
func (a *Array) Close() error {
	if err := a.bits.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}
