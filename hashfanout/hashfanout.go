// Package hashfanout derives the k probe indices used to scatter a marker
// pattern across an Array's bit region.
//
// The hash primitive is pinned to xxhash64 (github.com/cespare/xxhash/v2):
// fast, non-cryptographic, good avalanche. Two independent digests, one per
// seed, are combined by double-hashing (Kirsch-Mitzenmacher) rather than
// computing k independent hashes. Changing the primitive or the seed
// encoding invalidates every file written with the old one.
package hashfanout

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Seeds are the two per-array hash seeds used to decorrelate cascade
// levels. Distinct arrays in a cascade must use distinct seeds.
type Seeds struct {
	S1 uint64
	S2 uint64
}

// seededHash hashes key with seed mixed in as an 8-byte little-endian
// prefix, using a fresh xxhash digest per call.
func seededHash(seed uint64, key []byte) uint64 {
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], seed)
	d := xxhash.New()
	_, _ = d.Write(prefix[:])
	_, _ = d.Write(key)
	return d.Sum64()
}

// Indices returns k probe indices into a level of bitLen bits, each in
// [0, bitLen-markerWidth+1), so that a markerWidth-bit window starting at
// that index fits entirely inside the level.
//
// bitLen must be >= markerWidth; callers (Array) enforce this at
// construction time.
func Indices(key []byte, seeds Seeds, bitLen uint64, k uint, markerWidth uint) []uint64 {
	span := bitLen - uint64(markerWidth) + 1
	ha := seededHash(seeds.S1, key)
	hb := seededHash(seeds.S2, key)

	out := make([]uint64, k)
	for i := uint(0); i < k; i++ {
		raw := ha + uint64(i)*hb // wraparound is intentional
		out[i] = raw % span
	}
	return out
}
