// ABOUTME: Tests for the bus CBOR codec
// ABOUTME: Checks determinism and forward-compatible decoding

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID   string `cbor:"id"`
	Room string `cbor:"room"`
	Data []byte `cbor:"data"`
}

type sampleV2 struct {
	ID    string `cbor:"id"`
	Room  string `cbor:"room"`
	Data  []byte `cbor:"data"`
	Extra int    `cbor:"extra"`
}

func TestMarshal_Deterministic(t *testing.T) {
	in := map[string]any{"b": 2, "a": 1, "c": "x"}

	first, err := Marshal(in)
	require.NoError(t, err)
	for range 10 {
		again, err := Marshal(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestUnmarshal_IgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(sampleV2{ID: "01H", Room: "task:1", Data: []byte(`{}`), Extra: 9})
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, sample{ID: "01H", Room: "task:1", Data: []byte(`{}`)}, out)
}

func TestUnmarshal_AnyUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	require.NoError(t, err)

	var out any
	require.NoError(t, Unmarshal(data, &out))

	m, ok := out.(map[string]any)
	require.True(t, ok, "got %T", out)
	_, ok = m["nested"].(map[string]any)
	assert.True(t, ok)
}

func TestUnmarshal_RejectsGarbage(t *testing.T) {
	var out sample
	assert.Error(t, Unmarshal([]byte{0xff, 0x00, 0x01}, &out))
}
