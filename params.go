package bfield

import (
	"fmt"

	"github.com/rpcpool/bfield/meta"
)

// Params holds the parameters of a single Array (one level of the cascade).
// Size is derived per-level by the cascade and the seeds are drawn fresh for
// each level (see bfield.go); NHashes, MarkerWidth, NMarkerBits, and
// MaxValue are shared across all levels of one BField.
type Params struct {
	// Size is the bit length L of this array's underlying bit vector.
	Size uint64
	// NHashes is k, the number of probe indices derived per key.
	NHashes uint32
	// MarkerWidth is nu, the width in bits of the combinatorial pattern.
	MarkerWidth uint32
	// NMarkerBits is kappa, the Hamming weight of every inserted pattern.
	NMarkerBits uint32
	// MaxValue is theta, the exclusive upper bound on insertable values;
	// must satisfy theta <= C(nu, kappa).
	MaxValue uint64
	// Seed1 and Seed2 seed the two independent hash functions that the
	// double-hashing fanout combines into k probe indices.
	Seed1 uint64
	Seed2 uint64
	// OtherParams carries caller-supplied opaque metadata through to the
	// on-disk header.
	OtherParams meta.Meta
}

// Validate checks the Parameter-kind invariants a set of Params must
// satisfy before an Array can be built from them. All returned errors wrap
// ErrParameter.
func (p Params) Validate() error {
	if p.NHashes == 0 {
		return fmt.Errorf("%w: n_hashes (k) must be > 0", ErrParameter)
	}
	if p.MarkerWidth == 0 || p.MarkerWidth > 64 {
		return fmt.Errorf("%w: marker_width (nu) must be in [1, 64], got %d", ErrParameter, p.MarkerWidth)
	}
	if p.NMarkerBits == 0 || p.NMarkerBits > p.MarkerWidth {
		return fmt.Errorf("%w: n_marker_bits (kappa) must be in [1, nu=%d], got %d", ErrParameter, p.MarkerWidth, p.NMarkerBits)
	}
	if p.Size < uint64(p.MarkerWidth) {
		return fmt.Errorf("%w: size (%d) must be >= marker_width (%d)", ErrParameter, p.Size, p.MarkerWidth)
	}

	c := newCodec(uint(p.MarkerWidth), uint(p.NMarkerBits))
	maxEncodable := c.maxValue()
	if p.MaxValue == 0 {
		return fmt.Errorf("%w: max_value (theta) must be > 0", ErrParameter)
	}
	if p.MaxValue > maxEncodable {
		return fmt.Errorf("%w: max_value (theta=%d) exceeds C(nu=%d, kappa=%d)=%d", ErrParameter, p.MaxValue, p.MarkerWidth, p.NMarkerBits, maxEncodable)
	}
	if err := validateOtherParams(p.OtherParams); err != nil {
		return err
	}
	return nil
}

// validateOtherParams rejects an other_params blob that exceeds the
// documented KV-count or key/value size caps at configuration time, so the
// caller gets ErrParameter from Create rather than ErrFormat surfacing later
// out of header marshaling.
func validateOtherParams(m meta.Meta) error {
	if len(m.KeyVals) > meta.MaxNumKVs {
		return fmt.Errorf("%w: other_params has %d key-value pairs, exceeds max %d", ErrParameter, len(m.KeyVals), meta.MaxNumKVs)
	}
	for i, kv := range m.KeyVals {
		if len(kv.Key) > meta.MaxKeySize {
			return fmt.Errorf("%w: other_params key %d size %d exceeds max %d", ErrParameter, i, len(kv.Key), meta.MaxKeySize)
		}
		if len(kv.Value) > meta.MaxValueSize {
			return fmt.Errorf("%w: other_params value %d size %d exceeds max %d", ErrParameter, i, len(kv.Value), meta.MaxValueSize)
		}
	}
	return nil
}

// validateBetaHat checks the cascade-level shrinkage parameter independent
// of a specific Params, since it governs how per-level Size is derived
// rather than belonging to any one level's on-disk header.
func validateBetaHat(betaHat float64) error {
	if !(betaHat > 0 && betaHat < 1) {
		return fmt.Errorf("%w: beta_hat must be in (0, 1), got %v", ErrParameter, betaHat)
	}
	return nil
}
