// Package bfield implements a cascade of probabilistic associative arrays:
// a Bloom-filter-style scatter-OR/scatter-AND structure that associates a
// bounded-range integer value with each key instead of a plain membership
// bit, and drives its false-positive ("indeterminate") rate toward zero by
// layering shrinking secondary arrays underneath the first.
//
// A BField is a sequence of on-disk Arrays, named "<base>.<i>.bfd" for
// i in [0, numArrays). Array 0 holds every key; Array i for i > 0 holds
// only the keys that were still Indeterminate after a lookup against
// Arrays 0..i-1, so each successive level is smaller and rarer to reach.
package bfield

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rpcpool/bfield/bitvector"
	"github.com/rpcpool/bfield/meta"
	"github.com/rpcpool/bfield/metrics"
)

// BField is a handle to a full cascade of Arrays, opened for either
// building (inserting) or querying.
type BField struct {
	dir      string
	base     string
	arrays   []*Array
	inMemory bool
	readOnly bool
	log      *slog.Logger

	// betaHat and maxScaledown are the shrinkage-law inputs from Create.
	// They are not part of the persisted header (only their effect, the
	// resulting per-level Size, is durable) so a Loaded BField reports
	// them as zero.
	betaHat      float64
	maxScaledown float64
}

// arrayPath returns the on-disk path for cascade level i of base under dir.
func arrayPath(dir, base string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.bfd", base, i))
}

// levelSize returns the bit length of cascade level i, derived from the
// level-0 size and the shrinkage law size_i = ceil(size0 * max(betaHat^i,
// maxScaledown^i)), rounded up to the next whole machine word.
func levelSize(size0 uint64, betaHat, maxScaledown float64, i int) uint64 {
	if i == 0 {
		return roundUpWord(size0)
	}
	ratio := math.Max(math.Pow(betaHat, float64(i)), math.Pow(maxScaledown, float64(i)))
	n := uint64(math.Ceil(float64(size0) * ratio))
	if n == 0 {
		n = 1
	}
	return roundUpWord(n)
}

func roundUpWord(n uint64) uint64 {
	return ((n + bitvector.WordBits - 1) / bitvector.WordBits) * bitvector.WordBits
}

func randomSeeds() (s1, s2 uint64, err error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, 0, fmt.Errorf("%w: generate seeds: %v", ErrIO, err)
	}
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16]), nil
}

// CreateOptions configures a new cascade.
type CreateOptions struct {
	Dir          string
	Base         string
	Size         uint64 // bit length of level 0
	NHashes      uint32
	MarkerWidth  uint32
	NMarkerBits  uint32
	MaxValue     uint64
	BetaHat      float64 // target per-level indeterminacy rate, in (0, 1)
	MaxScaledown float64 // lower bound on shrinkage ratio per level, in (0, 1]
	NumArrays    int
	InMemory     bool
	OtherParams  meta.Meta
	Logger       *slog.Logger
}

// Create builds a new, empty cascade of opts.NumArrays Arrays under
// opts.Dir, ready for Insert.
func Create(opts CreateOptions) (*BField, error) {
	if opts.NumArrays <= 0 {
		return nil, fmt.Errorf("%w: num_arrays must be > 0", ErrParameter)
	}
	if err := validateBetaHat(opts.BetaHat); err != nil {
		return nil, err
	}
	if opts.MaxScaledown <= 0 || opts.MaxScaledown > 1 {
		return nil, fmt.Errorf("%w: max_scaledown must be in (0, 1], got %v", ErrParameter, opts.MaxScaledown)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrIO, opts.Dir, err)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	bf := &BField{
		dir:          opts.Dir,
		base:         opts.Base,
		inMemory:     opts.InMemory,
		log:          log,
		betaHat:      opts.BetaHat,
		maxScaledown: opts.MaxScaledown,
	}

	if !opts.InMemory {
		registerDiskCollector(opts.Dir, log)
	}

	for i := 0; i < opts.NumArrays; i++ {
		s1, s2, err := randomSeeds()
		if err != nil {
			bf.Close()
			return nil, err
		}
		p := Params{
			Size:        levelSize(opts.Size, opts.BetaHat, opts.MaxScaledown, i),
			NHashes:     opts.NHashes,
			MarkerWidth: opts.MarkerWidth,
			NMarkerBits: opts.NMarkerBits,
			MaxValue:    opts.MaxValue,
			Seed1:       s1,
			Seed2:       s2,
			OtherParams: opts.OtherParams,
		}
		path := arrayPath(opts.Dir, opts.Base, i)
		arr, err := createArray(path, uint32(i), uint32(opts.NumArrays), p, opts.InMemory, log)
		if err != nil {
			bf.Close()
			return nil, err
		}
		bf.arrays = append(bf.arrays, arr)
	}

	log.Info("bfield created", "dir", opts.Dir, "base", opts.Base, "num_arrays", opts.NumArrays, "size0", opts.Size)
	return bf, nil
}

// Load opens an existing cascade by the path to its level-0 file
// ("<base>.0.bfd"). Sibling levels are discovered from the level-0 header's
// NumArrays field and the naming convention.
func Load(pathToArray0 string, readOnly bool, log *slog.Logger) (*BField, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Dir(pathToArray0)
	base, err := baseFromArray0Path(pathToArray0)
	if err != nil {
		return nil, err
	}

	arr0, err := openArray(pathToArray0, readOnly, log)
	if err != nil {
		return nil, err
	}

	bf := &BField{
		dir:      dir,
		base:     base,
		readOnly: readOnly,
		arrays:   []*Array{arr0},
		log:      log,
	}

	for i := 1; i < int(arr0.numArr); i++ {
		path := arrayPath(dir, base, i)
		arr, err := openArray(path, readOnly, log)
		if err != nil {
			bf.Close()
			return nil, err
		}
		if arr.index != uint32(i) || arr.numArr != arr0.numArr ||
			arr.params.NHashes != arr0.params.NHashes ||
			arr.params.MarkerWidth != arr0.params.MarkerWidth ||
			arr.params.NMarkerBits != arr0.params.NMarkerBits {
			arr.Close()
			bf.Close()
			return nil, fmt.Errorf("%w: %s does not match the parameters of level 0", ErrFormat, path)
		}
		bf.arrays = append(bf.arrays, arr)
	}

	log.Info("bfield loaded", "dir", dir, "base", base, "num_arrays", arr0.numArr)
	return bf, nil
}

func baseFromArray0Path(path string) (string, error) {
	name := filepath.Base(path)
	const suffix = ".0.bfd"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return "", fmt.Errorf("%w: array path %q does not end in %q", ErrParameter, path, suffix)
	}
	return name[:len(name)-len(suffix)], nil
}

// NumArrays returns the number of cascade levels.
func (bf *BField) NumArrays() int { return len(bf.arrays) }

// Insert writes value for key into cascade level pass. Pass 0 always
// writes. Pass p > 0 writes only when levels 0..p-1 all classify key as
// Indeterminate (see EligibleForPass); otherwise Insert writes nothing and
// returns nil.
func (bf *BField) Insert(key []byte, value uint64, pass int) error {
	if pass < 0 || pass >= len(bf.arrays) {
		return fmt.Errorf("%w: pass %d out of range [0, %d)", ErrParameter, pass, len(bf.arrays))
	}
	if !bf.EligibleForPass(key, pass) {
		return nil
	}
	return bf.arrays[pass].Insert(key, value)
}

// EligibleForPass reports whether key qualifies for insertion at the given
// pass: pass 0 is always eligible; pass p > 0 requires that levels 0..p-1
// all classify key as Indeterminate (if any of them says Absent or Some,
// there is nothing for a deeper level to resolve).
func (bf *BField) EligibleForPass(key []byte, pass int) bool {
	if pass <= 0 {
		return true
	}
	for i := 0; i < pass && i < len(bf.arrays); i++ {
		if bf.arrays[i].Lookup(key).Kind != Indeterminate {
			return false
		}
	}
	return true
}

// Get looks up key across the cascade, stopping at the first level that
// returns Absent or Some. If every level is Indeterminate, the overall
// result is Indeterminate.
func (bf *BField) Get(key []byte) Decision {
	var last Decision
	for _, arr := range bf.arrays {
		d := arr.Lookup(key)
		if d.Kind != Indeterminate {
			metrics.CascadeLookupsTotal.WithLabelValues(d.Kind.String()).Inc()
			return d
		}
		last = d
	}
	metrics.CascadeLookupsTotal.WithLabelValues(last.Kind.String()).Inc()
	return last
}

// Finalize flushes every level to disk (sealing heap-backed levels into
// their on-disk files) and marks the cascade read-only for further
// Insert calls from this handle. The BField remains open for Get until
// Close.
func (bf *BField) Finalize() error {
	for _, arr := range bf.arrays {
		if err := arr.Finalize(); err != nil {
			return err
		}
	}
	bf.log.Info("bfield finalized", "dir", bf.dir, "base", bf.base)
	return nil
}

// LevelInfo reports the parameters and observed activity of one cascade
// level, as returned by BField.Info.
type LevelInfo struct {
	Index       uint32
	Size        uint64 // L, bit length of this level's array
	NHashes     uint32 // k
	MarkerWidth uint32 // nu
	NMarkerBits uint32 // kappa
	MaxValue    uint64 // theta
	Seed1       uint64
	Seed2       uint64
	Sealed      bool

	// Inserts and Lookups mirror the level's Prometheus counters
	// (bfield_array_inserts_total, bfield_array_lookups_total) so a caller
	// can read current counts without a scrape.
	Inserts uint64
	Lookups uint64
}

// CascadeInfo reports a BField's cascade-wide and per-level parameters and
// observed activity, as returned by BField.Info.
type CascadeInfo struct {
	// BetaHat and MaxScaledown are the shrinkage-law inputs supplied to
	// Create. Zero on a Loaded (not freshly Created) BField, since they
	// are not part of the persisted header.
	BetaHat      float64
	MaxScaledown float64
	Levels       []LevelInfo
}

// Info reports the parameters and per-array sizes of every cascade level,
// largest (level 0) first, along with the per-level insert/lookup counts
// also exported as Prometheus counters.
func (bf *BField) Info() CascadeInfo {
	levels := make([]LevelInfo, len(bf.arrays))
	for i, arr := range bf.arrays {
		levels[i] = LevelInfo{
			Index:       arr.index,
			Size:        arr.bits.Len(),
			NHashes:     arr.params.NHashes,
			MarkerWidth: arr.params.MarkerWidth,
			NMarkerBits: arr.params.NMarkerBits,
			MaxValue:    arr.params.MaxValue,
			Seed1:       arr.params.Seed1,
			Seed2:       arr.params.Seed2,
			Sealed:      arr.sealed,
			Inserts:     arr.inserts.Load(),
			Lookups:     arr.lookups.Load(),
		}
	}
	return CascadeInfo{
		BetaHat:      bf.betaHat,
		MaxScaledown: bf.maxScaledown,
		Levels:       levels,
	}
}

// Close releases every level's storage. Safe to call after Finalize.
func (bf *BField) Close() error {
	var firstErr error
	for _, arr := range bf.arrays {
		if err := arr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	diskCollectorMu         sync.Mutex
	diskCollectorRegistered = map[string]bool{}
)

// registerDiskCollector wires up disk-usage gauges for dir, the directory a
// cascade's array files live in, once per directory per process.
// Best-effort: a registration failure is logged and otherwise ignored,
// since disk telemetry is a diagnostic nicety, not load-bearing for
// correctness.
func registerDiskCollector(dir string, log *slog.Logger) {
	diskCollectorMu.Lock()
	defer diskCollectorMu.Unlock()
	if diskCollectorRegistered[dir] {
		return
	}
	if err := metrics.RegisterCascadeDiskUsage(dir); err != nil {
		log.Debug("disk usage gauges not registered", "dir", dir, "error", err)
		return
	}
	diskCollectorRegistered[dir] = true
}
