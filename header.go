package bfield

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/rpcpool/bfield/meta"
)

// Magic is the 4-byte file-type tag at the start of every array file.
var Magic = [4]byte{'B', 'F', 'L', 'D'}

// Version is the on-disk format version. Bumping it is a breaking change.
const Version uint32 = 1

// fixedHeaderSize is the size, in bytes, of the header fields preceding
// other_params (everything up to and including len(other_params)).
const fixedHeaderSize = 69

// checksumSize is the size, in bytes, of the trailing header checksum.
const checksumSize = 8

// finalizedOffset is the byte offset of the sentinel finalized flag within
// the fixed header prefix.
const finalizedOffset = 60

// fileHeader is the on-disk header for one Array file, laid out exactly as
// documented in SPEC_FULL.md §4.6 / §6: a fixed-field prefix, the
// variable-length other_params blob, and a trailing xxhash64 checksum over
// everything preceding it. The bit-array region starts at the next 8-byte
// boundary after the checksum.
type fileHeader struct {
	L           uint64 // bit length of this array
	K           uint32 // n_hashes
	Nu          uint32 // marker_width
	Kappa       uint32 // n_marker_bits
	Index       uint32 // this array's index in the cascade (i)
	NumArrays   uint32 // total number of arrays in the cascade (a)
	Seed1       uint64
	Seed2       uint64
	Theta       uint64 // max_value
	Finalized   bool   // set at BField.Finalize; once true, the array is write-once-sealed
	OtherParams meta.Meta
}

// marshal encodes the header (fixed fields + other_params + checksum) and
// returns the bytes; their length is the unaligned total header length.
func (h *fileHeader) marshal() ([]byte, error) {
	paramBytes, err := h.OtherParams.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("bfield: marshal other_params: %w", err)
	}

	buf := make([]byte, fixedHeaderSize+len(paramBytes)+checksumSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.L)
	binary.LittleEndian.PutUint32(buf[16:20], h.K)
	binary.LittleEndian.PutUint32(buf[20:24], h.Nu)
	binary.LittleEndian.PutUint32(buf[24:28], h.Kappa)
	binary.LittleEndian.PutUint32(buf[28:32], h.Index)
	binary.LittleEndian.PutUint32(buf[32:36], h.NumArrays)
	binary.LittleEndian.PutUint64(buf[36:44], h.Seed1)
	binary.LittleEndian.PutUint64(buf[44:52], h.Seed2)
	binary.LittleEndian.PutUint64(buf[52:60], h.Theta)
	if h.Finalized {
		buf[finalizedOffset] = 1
	}
	binary.LittleEndian.PutUint64(buf[61:69], uint64(len(paramBytes)))
	copy(buf[69:69+len(paramBytes)], paramBytes)

	sumOffset := fixedHeaderSize + len(paramBytes)
	checksum := xxhash.Sum64(buf[:sumOffset])
	binary.LittleEndian.PutUint64(buf[sumOffset:sumOffset+checksumSize], checksum)

	return buf, nil
}

// headerLen returns the exact (unaligned) byte length of the header that
// marshal would produce. It marshals other_params to learn their length but
// does not build or checksum the full header.
func (h *fileHeader) headerLen() (int, error) {
	paramBytes, err := h.OtherParams.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return fixedHeaderSize + len(paramBytes) + checksumSize, nil
}

// bitRegionOffset returns the file offset, 8-byte aligned, where the bit
// array begins.
func (h *fileHeader) bitRegionOffset() (int64, error) {
	n, err := h.headerLen()
	if err != nil {
		return 0, err
	}
	return alignUp8(int64(n)), nil
}

func alignUp8(n int64) int64 {
	return (n + 7) &^ 7
}

// unmarshalHeader decodes and validates a header from buf, which must be at
// least large enough to contain the fixed prefix plus the declared
// other_params length plus checksum; the caller is responsible for having
// read at least that many bytes (see openArray, which reads the length
// field first).
func unmarshalHeader(buf []byte) (*fileHeader, error) {
	if len(buf) < fixedHeaderSize {
		return nil, fmt.Errorf("%w: header truncated: have %d bytes, need at least %d", ErrFormat, len(buf), fixedHeaderSize)
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %x, want %x", ErrFormat, magic, Magic)
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d, want %d", ErrFormat, version, Version)
	}

	h := &fileHeader{
		L:         binary.LittleEndian.Uint64(buf[8:16]),
		K:         binary.LittleEndian.Uint32(buf[16:20]),
		Nu:        binary.LittleEndian.Uint32(buf[20:24]),
		Kappa:     binary.LittleEndian.Uint32(buf[24:28]),
		Index:     binary.LittleEndian.Uint32(buf[28:32]),
		NumArrays: binary.LittleEndian.Uint32(buf[32:36]),
		Seed1:     binary.LittleEndian.Uint64(buf[36:44]),
		Seed2:     binary.LittleEndian.Uint64(buf[44:52]),
		Theta:     binary.LittleEndian.Uint64(buf[52:60]),
		Finalized: buf[finalizedOffset] != 0,
	}
	paramLen := binary.LittleEndian.Uint64(buf[61:69])

	sumOffset := fixedHeaderSize + int(paramLen)
	if len(buf) < sumOffset+checksumSize {
		return nil, fmt.Errorf("%w: header truncated: have %d bytes, need %d", ErrFormat, len(buf), sumOffset+checksumSize)
	}
	paramBytes := buf[fixedHeaderSize:sumOffset]
	if err := h.OtherParams.UnmarshalBinary(paramBytes); err != nil {
		return nil, fmt.Errorf("%w: other_params: %v", ErrFormat, err)
	}

	wantSum := binary.LittleEndian.Uint64(buf[sumOffset : sumOffset+checksumSize])
	gotSum := xxhash.Sum64(buf[:sumOffset])
	if wantSum != gotSum {
		return nil, fmt.Errorf("%w: header checksum mismatch: got %x, want %x", ErrFormat, gotSum, wantSum)
	}

	return h, nil
}
