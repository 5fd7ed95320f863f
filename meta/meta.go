// Package meta implements the opaque, caller-attached other_params blob
// persisted verbatim in every Array header.
//
// The engine never interprets these key/value pairs; it only stores and
// returns them. Encoding is a simple length-prefixed KV list so that a
// single other_params field can carry more than one caller-defined
// attribute (e.g. a human-readable name and a schema tag) while staying
// byte-for-byte reproducible, which Invariant 5 (determinism) requires.
package meta

import (
	"bytes"
	"fmt"
	"io"
)

const (
	MaxNumKVs    = 255
	MaxKeySize   = 255
	MaxValueSize = 255
)

// KV is one opaque key/value pair.
type KV struct {
	Key   []byte
	Value []byte
}

// Meta is an ordered list of opaque key/value pairs.
type Meta struct {
	KeyVals []KV
}

// Add appends a key/value pair. Returns an error (never panics or
// truncates) if the pair or the list would exceed the documented caps.
func (m *Meta) Add(key, value []byte) error {
	if len(m.KeyVals) >= MaxNumKVs {
		return fmt.Errorf("meta: number of key-value pairs %d exceeds max %d", len(m.KeyVals), MaxNumKVs)
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("meta: key size %d exceeds max %d", len(key), MaxKeySize)
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("meta: value size %d exceeds max %d", len(value), MaxValueSize)
	}
	m.KeyVals = append(m.KeyVals, KV{Key: cloneBytes(key), Value: cloneBytes(value)})
	return nil
}

// Get returns the first value for key, if present.
func (m Meta) Get(key []byte) ([]byte, bool) {
	for _, kv := range m.KeyVals {
		if bytes.Equal(kv.Key, key) {
			return kv.Value, true
		}
	}
	return nil, false
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}

// MarshalBinary serializes Meta as: 1 byte count, then for each pair
// 1 byte key length + key bytes + 1 byte value length + value bytes.
func (m Meta) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if len(m.KeyVals) > MaxNumKVs {
		return nil, fmt.Errorf("meta: number of key-value pairs %d exceeds max %d", len(m.KeyVals), MaxNumKVs)
	}
	buf.WriteByte(byte(len(m.KeyVals)))
	for i, kv := range m.KeyVals {
		if len(kv.Key) > MaxKeySize {
			return nil, fmt.Errorf("meta: key %d size %d exceeds max %d", i, len(kv.Key), MaxKeySize)
		}
		if len(kv.Value) > MaxValueSize {
			return nil, fmt.Errorf("meta: value %d size %d exceeds max %d", i, len(kv.Value), MaxValueSize)
		}
		buf.WriteByte(byte(len(kv.Key)))
		buf.Write(kv.Key)
		buf.WriteByte(byte(len(kv.Value)))
		buf.Write(kv.Value)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a blob produced by MarshalBinary.
func (m *Meta) UnmarshalBinary(b []byte) error {
	m.KeyVals = nil
	if len(b) == 0 {
		return nil
	}
	numKVs := int(b[0])
	if numKVs > MaxNumKVs {
		return fmt.Errorf("meta: number of key-value pairs %d exceeds max %d", numKVs, MaxNumKVs)
	}
	r := bytes.NewReader(b[1:])
	for i := 0; i < numKVs; i++ {
		keyLen, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("meta: read key length %d: %w", i, err)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return fmt.Errorf("meta: read key %d: %w", i, err)
		}
		valLen, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("meta: read value length %d: %w", i, err)
		}
		val := make([]byte, valLen)
		if _, err := io.ReadFull(r, val); err != nil {
			return fmt.Errorf("meta: read value %d: %w", i, err)
		}
		m.KeyVals = append(m.KeyVals, KV{Key: key, Value: val})
	}
	return nil
}
