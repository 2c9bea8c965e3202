package codec

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	c := JSON{}

	t.Run("decodes a mapping", func(t *testing.T) {
		var v any
		require.NoError(t, c.Decode([]byte(`{"op": "add", "a": 2, "b": 3}`), &v))

		m, ok := v.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "add", m["op"])
		assert.Equal(t, json.Number("2"), m["a"])
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		var v any
		assert.Error(t, c.Decode([]byte(`{"op": `), &v))
		assert.Error(t, c.Decode([]byte(`{} {}`), &v))
		assert.Error(t, c.Decode([]byte(`{"op": "add", "a": 2, "b": 3}}`), &v))
		assert.Error(t, c.Decode([]byte(`{"a":1}]`), &v))
		assert.Error(t, c.Decode([]byte(`5]`), &v))
		assert.Error(t, c.Decode([]byte{0xff, 0xfe}, &v))
		assert.Error(t, c.Decode(nil, &v))
	})

	t.Run("allows trailing whitespace", func(t *testing.T) {
		var v any
		require.NoError(t, c.Decode([]byte("{\"a\": 1}\n \t"), &v))
		assert.Equal(t, map[string]any{"a": json.Number("1")}, v)
	})

	t.Run("encodes compactly", func(t *testing.T) {
		b, err := c.Encode(map[string]any{"result": 5})
		require.NoError(t, err)
		assert.Equal(t, `{"result":5}`, string(b))
	})

	t.Run("encode failure is reported", func(t *testing.T) {
		_, err := c.Encode(math.Inf(1))
		assert.Error(t, err)
	})

	t.Run("content type", func(t *testing.T) {
		assert.Equal(t, "text/json", c.ContentType())
	})
}
