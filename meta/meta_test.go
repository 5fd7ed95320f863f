package meta

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	var m Meta
	require.NoError(t, m.Add([]byte("name"), []byte("primary-array")))
	require.NoError(t, m.Add([]byte("created_by"), []byte("bfield-tests")))

	b, err := m.MarshalBinary()
	require.NoError(t, err)

	var got Meta
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, m.KeyVals, got.KeyVals)
}

func TestEmptyMeta(t *testing.T) {
	var m Meta
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, []byte{0}, b)

	var got Meta
	require.NoError(t, got.UnmarshalBinary(b))
	require.Empty(t, got.KeyVals)
}

func TestAddRejectsOversizedKey(t *testing.T) {
	var m Meta
	bigKey := make([]byte, MaxKeySize+1)
	err := m.Add(bigKey, []byte("v"))
	require.Error(t, err)
}

func TestAddRejectsTooManyPairs(t *testing.T) {
	var m Meta
	for i := 0; i < MaxNumKVs; i++ {
		require.NoError(t, m.Add([]byte{byte(i)}, []byte("v")))
	}
	err := m.Add([]byte("one-too-many"), []byte("v"))
	require.Error(t, err)
}

func TestGet(t *testing.T) {
	var m Meta
	require.NoError(t, m.Add([]byte("k"), []byte("v1")))
	require.NoError(t, m.Add([]byte("k2"), []byte("v2")))
	v, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
	_, ok = m.Get([]byte("missing"))
	require.False(t, ok)
}
