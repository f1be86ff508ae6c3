package oort

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	Name  string
	Roles []string
}

func TestEntriesCodecUsesValueCodec(t *testing.T) {
	codec := entriesCodec[profile]{values: GobCodec[profile]{}}
	entries := NewEntries(map[string]profile{
		"alice": {Name: "Alice", Roles: []string{"admin"}},
		"bob":   {Name: "Bob"},
	})

	data, err := codec.Marshal(entries)
	require.NoError(t, err)
	decoded, err := codec.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, entries.ToMap(), decoded.ToMap())
}

func TestEntriesCodecRejectsGarbage(t *testing.T) {
	codec := entriesCodec[string]{values: StringCodec{}}
	_, err := codec.Unmarshal([]byte{0xc1})
	assert.Error(t, err)
}

func TestMsgpackCodecStruct(t *testing.T) {
	codec := MsgpackCodec[profile]{}
	data, err := codec.Marshal(profile{Name: "Carol", Roles: []string{"ops", "dev"}})
	require.NoError(t, err)
	value, err := codec.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, profile{Name: "Carol", Roles: []string{"ops", "dev"}}, value)

	_, err = codec.Unmarshal([]byte{0xc1})
	assert.Error(t, err)
}

func TestGobCodecRejectsGarbage(t *testing.T) {
	_, err := GobCodec[profile]{}.Unmarshal([]byte("not gob"))
	assert.Error(t, err)
}

func TestEnvelopeLeavesEchoBehind(t *testing.T) {
	env := &Envelope{
		Version:  7,
		OwnerURL: "oort://a",
		Name:     "users",
		Type:     TypeEntry,
		Action:   ActionRemove,
		Key:      "k",
		echo:     &localEcho{value: "v"},
	}
	data, err := encodeEnvelope(env)
	require.NoError(t, err)
	decoded, err := decodeEnvelope(data)
	require.NoError(t, err)

	assert.Nil(t, decoded.echo)
	assert.Equal(t, uint64(7), decoded.Version)
	assert.Equal(t, ActionRemove, decoded.Action)
	assert.Equal(t, "k", decoded.Key)
	assert.Empty(t, decoded.Value)
}

func TestEntriesKeysSortedAndCopied(t *testing.T) {
	entries := NewEntries(map[string]int{"c": 3, "a": 1, "b": 2})
	assert.Equal(t, []string{"a", "b", "c"}, entries.Keys())

	copied := entries.ToMap()
	copied["d"] = 4
	assert.Equal(t, 3, entries.Len())

	prev, existed := entries.swap("a", 10)
	assert.True(t, existed)
	assert.Equal(t, 1, prev)
	_, existed = entries.delete("missing")
	assert.False(t, existed)
}
