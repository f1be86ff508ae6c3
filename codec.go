package oort

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes entities and values for transport between nodes.
type Codec[V any] interface {
	Marshal(value V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// BytesCodec passes through raw bytes without copying.
// The caller must not modify the returned slice.
type BytesCodec struct{}

func (BytesCodec) Marshal(value []byte) ([]byte, error) {
	return value, nil
}

func (BytesCodec) Unmarshal(data []byte) ([]byte, error) {
	return data, nil
}

// StringCodec encodes strings as raw bytes.
// It allocates on marshal/unmarshal to keep data immutable.
type StringCodec struct{}

func (StringCodec) Marshal(value string) ([]byte, error) {
	return []byte(value), nil
}

func (StringCodec) Unmarshal(data []byte) (string, error) {
	return string(data), nil
}

// GobCodec uses encoding/gob for serialization.
// It works with most Go types without extra registration.
type GobCodec[V any] struct{}

func (GobCodec[V]) Marshal(value V) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(value); err != nil {
		return nil, errors.Wrap(err, "gob encode")
	}
	return buf.Bytes(), nil
}

func (GobCodec[V]) Unmarshal(data []byte) (V, error) {
	var value V
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&value); err != nil {
		return value, errors.Wrap(err, "gob decode")
	}
	return value, nil
}

// MsgpackCodec encodes values with MessagePack. It is the default codec.
type MsgpackCodec[V any] struct{}

func (MsgpackCodec[V]) Marshal(value V) ([]byte, error) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "msgpack encode")
	}
	return data, nil
}

func (MsgpackCodec[V]) Unmarshal(data []byte) (V, error) {
	var value V
	if err := msgpack.Unmarshal(data, &value); err != nil {
		return value, errors.Wrap(err, "msgpack decode")
	}
	return value, nil
}

// entriesCodec encodes a whole map entity as key -> encoded value pairs so
// that values keep using the codec chosen for the map.
type entriesCodec[V any] struct {
	values Codec[V]
}

func (c entriesCodec[V]) Marshal(entries *Entries[V]) ([]byte, error) {
	raw := make(map[string][]byte, entries.Len())
	var rangeErr error
	entries.Range(func(key string, value V) bool {
		data, err := c.values.Marshal(value)
		if err != nil {
			rangeErr = errors.Wrapf(err, "encode entry %q", key)
			return false
		}
		raw[key] = data
		return true
	})
	if rangeErr != nil {
		return nil, rangeErr
	}
	data, err := msgpack.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "msgpack encode entries")
	}
	return data, nil
}

func (c entriesCodec[V]) Unmarshal(data []byte) (*Entries[V], error) {
	var raw map[string][]byte
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "msgpack decode entries")
	}
	entries := NewEntries[V](nil)
	for key, encoded := range raw {
		value, err := c.values.Unmarshal(encoded)
		if err != nil {
			return nil, errors.Wrapf(err, "decode entry %q", key)
		}
		entries.store(key, value)
	}
	return entries, nil
}
