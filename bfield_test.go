package bfield

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rpcpool/bfield/meta"
	"github.com/stretchr/testify/require"
)

// TestBloomDegenerate checks the nu=1, kappa=1 corner case: the marker
// pattern has only one possible value (the single bit set), so the
// cascade behaves exactly like a classic Bloom filter membership test.
func TestBloomDegenerate(t *testing.T) {
	bf, err := Create(CreateOptions{
		Dir: t.TempDir(), Base: "deg",
		Size: 4096, NHashes: 4, MarkerWidth: 1, NMarkerBits: 1, MaxValue: 1,
		BetaHat: 0.1, MaxScaledown: 1, NumArrays: 1, InMemory: true,
	})
	require.NoError(t, err)
	defer bf.Close()

	present := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, k := range present {
		require.NoError(t, bf.Insert(k, 0, 0))
	}
	for _, k := range present {
		d := bf.Get(k)
		require.Equal(t, Some, d.Kind)
		require.Equal(t, uint64(0), d.Value)
	}

	absent := 0
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("not-inserted-%d", i))
		if bf.Get(k).Kind == Absent {
			absent++
		}
	}
	require.Greater(t, absent, 40, "expected most absent keys to classify as Absent at this load factor")
}

// TestSmallAlphabetCascade inserts a handful of key/value pairs drawn from
// a small value alphabet at pass 0 of a three-level cascade and checks that
// no inserted key resolves to Absent and that any Some carries the correct
// value.
func TestSmallAlphabetCascade(t *testing.T) {
	bf, err := Create(CreateOptions{
		Dir: t.TempDir(), Base: "small",
		Size: 2048, NHashes: 3, MarkerWidth: 8, NMarkerBits: 3, MaxValue: 50,
		BetaHat: 0.25, MaxScaledown: 0.5, NumArrays: 3, InMemory: true,
	})
	require.NoError(t, err)
	defer bf.Close()

	pairs := map[string]uint64{
		"red": 1, "green": 2, "blue": 3, "yellow": 4, "black": 5,
	}
	for k, v := range pairs {
		require.NoError(t, bf.Insert([]byte(k), v, 0))
	}

	for k, v := range pairs {
		d := bf.Get([]byte(k))
		require.NotEqual(t, Absent, d.Kind, "key %q should not be absent", k)
		if d.Kind == Some {
			require.Equal(t, v, d.Value, "key %q", k)
		}
	}
}

// TestCascadeShrinkage checks that levelSize follows the documented
// ceil(size0 * max(betaHat^i, maxScaledown^i)) law, rounded up to a word.
func TestCascadeShrinkage(t *testing.T) {
	const size0 = 10000
	betaHat := 0.1
	maxScaledown := 0.5

	prev := levelSize(size0, betaHat, maxScaledown, 0)
	require.Equal(t, roundUpWord(size0), prev)

	for i := 1; i <= 4; i++ {
		cur := levelSize(size0, betaHat, maxScaledown, i)
		require.LessOrEqual(t, cur, prev, "level %d should not grow relative to level %d", i, i-1)
		require.Greater(t, cur, uint64(0))
		prev = cur
	}

	// maxScaledown floors the shrinkage: even with a tiny betaHat, level 2
	// should track maxScaledown^2, not the much smaller betaHat^2.
	want := roundUpWord(uint64(float64(size0) * maxScaledown * maxScaledown))
	got := levelSize(size0, 0.001, maxScaledown, 2)
	require.Equal(t, want, got)
}

// TestPersistenceRoundtrip creates a cascade, inserts, finalizes, reloads
// from disk, and checks that every answer matches what was observed before
// finalization.
func TestPersistenceRoundtrip(t *testing.T) {
	dir := t.TempDir()
	bf, err := Create(CreateOptions{
		Dir: dir, Base: "rt",
		Size: 4096, NHashes: 4, MarkerWidth: 10, NMarkerBits: 3, MaxValue: 100,
		BetaHat: 0.2, MaxScaledown: 0.5, NumArrays: 2, InMemory: true,
	})
	require.NoError(t, err)

	keys := map[string]uint64{}
	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("key-%d", i)
		keys[k] = uint64(i % 100)
		require.NoError(t, bf.Insert([]byte(k), keys[k], 0))
	}

	before := map[string]Decision{}
	for k := range keys {
		before[k] = bf.Get([]byte(k))
	}

	require.NoError(t, bf.Finalize())
	require.NoError(t, bf.Close())

	loaded, err := Load(arrayPath(dir, "rt", 0), true, nil)
	require.NoError(t, err)
	defer loaded.Close()

	for k := range keys {
		require.Equal(t, before[k], loaded.Get([]byte(k)), "key %q", k)
	}
}

// TestFinalizedFileRejectsWrites checks that a finalized cascade, reloaded
// with readOnly=false, still refuses Insert: the persisted header flag
// overrides whatever access mode the caller asked Load for.
func TestFinalizedFileRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	bf, err := Create(CreateOptions{
		Dir: dir, Base: "seal",
		Size: 1024, NHashes: 2, MarkerWidth: 4, NMarkerBits: 2, MaxValue: 5,
		BetaHat: 0.3, MaxScaledown: 0.5, NumArrays: 1, InMemory: true,
	})
	require.NoError(t, err)
	require.NoError(t, bf.Insert([]byte("x"), 1, 0))
	require.NoError(t, bf.Finalize())
	require.NoError(t, bf.Close())

	loaded, err := Load(arrayPath(dir, "seal", 0), false, nil)
	require.NoError(t, err)
	defer loaded.Close()

	require.True(t, loaded.arrays[0].sealed, "reloaded array should report sealed from the persisted header flag")
	err = loaded.Insert([]byte("y"), 2, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrOperational)
}

// TestOversizedMetadataRejected checks that other_params exceeding the
// documented KV-count cap is rejected at Create with ErrParameter, not
// surfaced later as a format error out of header marshaling.
func TestOversizedMetadataRejected(t *testing.T) {
	var m meta.Meta
	for i := 0; i < meta.MaxNumKVs+1; i++ {
		m.KeyVals = append(m.KeyVals, meta.KV{
			Key:   []byte(fmt.Sprintf("k%d", i)),
			Value: []byte("v"),
		})
	}

	_, err := Create(CreateOptions{
		Dir: t.TempDir(), Base: "oversized",
		Size: 1024, NHashes: 2, MarkerWidth: 4, NMarkerBits: 2, MaxValue: 5,
		BetaHat: 0.3, MaxScaledown: 0.5, NumArrays: 1, InMemory: true,
		OtherParams: m,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrParameter)
}

// TestInfoReportsParametersAndCounts checks that Info exposes per-level
// parameters and the same counts also visible via the Prometheus counters.
func TestInfoReportsParametersAndCounts(t *testing.T) {
	bf, err := Create(CreateOptions{
		Dir: t.TempDir(), Base: "info",
		Size: 2048, NHashes: 3, MarkerWidth: 8, NMarkerBits: 3, MaxValue: 50,
		BetaHat: 0.25, MaxScaledown: 0.5, NumArrays: 2, InMemory: true,
	})
	require.NoError(t, err)
	defer bf.Close()

	require.NoError(t, bf.Insert([]byte("red"), 1, 0))
	bf.Get([]byte("red"))
	bf.Get([]byte("absent-key"))

	info := bf.Info()
	require.Equal(t, 0.25, info.BetaHat)
	require.Equal(t, 0.5, info.MaxScaledown)
	require.Len(t, info.Levels, 2)

	lvl0 := info.Levels[0]
	require.EqualValues(t, 0, lvl0.Index)
	require.EqualValues(t, 3, lvl0.NHashes)
	require.EqualValues(t, 8, lvl0.MarkerWidth)
	require.EqualValues(t, 3, lvl0.NMarkerBits)
	require.EqualValues(t, 50, lvl0.MaxValue)
	require.Greater(t, lvl0.Size, uint64(0))
	require.EqualValues(t, 1, lvl0.Inserts)
	require.GreaterOrEqual(t, lvl0.Lookups, uint64(2))
	require.False(t, lvl0.Sealed)
}

// TestLoadRejectsMalformedFile checks that truncated files and flipped
// magic bytes are reported as ErrFormat rather than panicking.
func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	bf, err := Create(CreateOptions{
		Dir: dir, Base: "bad",
		Size: 1024, NHashes: 2, MarkerWidth: 4, NMarkerBits: 2, MaxValue: 5,
		BetaHat: 0.3, MaxScaledown: 0.5, NumArrays: 1, InMemory: true,
	})
	require.NoError(t, err)
	require.NoError(t, bf.Insert([]byte("x"), 1, 0))
	require.NoError(t, bf.Finalize())
	require.NoError(t, bf.Close())

	path := arrayPath(dir, "bad", 0)

	t.Run("truncated", func(t *testing.T) {
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		truncPath := filepath.Join(dir, "trunc.0.bfd")
		require.NoError(t, os.WriteFile(truncPath, raw[:20], 0o644))

		_, err = Load(truncPath, true, nil)
		require.Error(t, err)
		require.ErrorIs(t, err, ErrFormat)
	})

	t.Run("flipped magic", func(t *testing.T) {
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		corrupt := append([]byte(nil), raw...)
		corrupt[0] ^= 0xff
		corruptPath := filepath.Join(dir, "corrupt.0.bfd")
		require.NoError(t, os.WriteFile(corruptPath, corrupt, 0o644))

		_, err = Load(corruptPath, true, nil)
		require.Error(t, err)
		require.ErrorIs(t, err, ErrFormat)
	})
}

// TestMetadataRoundtrip checks that caller-supplied other_params survive a
// Create -> Finalize -> Load cycle unchanged.
func TestMetadataRoundtrip(t *testing.T) {
	dir := t.TempDir()
	var m meta.Meta
	require.NoError(t, m.Add([]byte("name"), []byte("accounts-index")))
	require.NoError(t, m.Add([]byte("schema"), []byte("v3")))

	bf, err := Create(CreateOptions{
		Dir: dir, Base: "meta",
		Size: 1024, NHashes: 2, MarkerWidth: 4, NMarkerBits: 2, MaxValue: 5,
		BetaHat: 0.3, MaxScaledown: 0.5, NumArrays: 1, InMemory: true,
		OtherParams: m,
	})
	require.NoError(t, err)
	require.NoError(t, bf.Finalize())
	require.NoError(t, bf.Close())

	loaded, err := Load(arrayPath(dir, "meta", 0), true, nil)
	require.NoError(t, err)
	defer loaded.Close()

	got := loaded.arrays[0].params.OtherParams
	name, ok := got.Get([]byte("name"))
	require.True(t, ok)
	require.Equal(t, "accounts-index", string(name))
	schema, ok := got.Get([]byte("schema"))
	require.True(t, ok)
	require.Equal(t, "v3", string(schema))
}
