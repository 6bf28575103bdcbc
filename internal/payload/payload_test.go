package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestDecodeFrameJSON(t *testing.T) {
	env, err := DecodeFrame(false, []byte(`{"type":"features","workload":0.7,"confidence":0.9}`))
	require.NoError(t, err)

	assert.Equal(t, "features", env.Type)
	assert.Equal(t, 0.7, env.Payload["workload"])
	assert.NotContains(t, env.Payload, "type", "routing tag is stripped from the payload")
}

func TestDecodeFrameMsgpack(t *testing.T) {
	raw, err := msgpack.Marshal(map[string]any{
		"type":     "raw",
		"channels": []any{1.5, 2.5},
	})
	require.NoError(t, err)

	env, err := DecodeFrame(true, raw)
	require.NoError(t, err)
	assert.Equal(t, "raw", env.Type)
	assert.NotContains(t, env.Payload, "type")
}

func TestDecodeFrameMissingType(t *testing.T) {
	env, err := DecodeFrame(false, []byte(`{"workload":0.7}`))
	require.NoError(t, err)
	assert.Empty(t, env.Type)
	assert.Equal(t, 0.7, env.Payload["workload"])
}

func TestDecodeFrameInvalid(t *testing.T) {
	_, err := DecodeFrame(false, []byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeFrame(true, []byte{0xc1}) // reserved msgpack byte
	assert.Error(t, err)
}

// Binary msgpack frames and text JSON frames with equal logical content must
// produce envelopes that are handled identically downstream.
func TestFrameEncodingEquivalence(t *testing.T) {
	jsonEnv, err := DecodeFrame(false, []byte(`{"type":"features","workload":0.7,"tags":["a","b"]}`))
	require.NoError(t, err)

	raw, err := msgpack.Marshal(map[string]any{
		"type":     "features",
		"workload": 0.7,
		"tags":     []any{"a", "b"},
	})
	require.NoError(t, err)
	mpEnv, err := DecodeFrame(true, raw)
	require.NoError(t, err)

	assert.Equal(t, jsonEnv.Type, mpEnv.Type)

	wl1, ok1 := Float(jsonEnv.Payload["workload"])
	wl2, ok2 := Float(mpEnv.Payload["workload"])
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, wl1, wl2)
}

func TestTopicRoundTrip(t *testing.T) {
	in := Map{
		"workload":   0.7,
		"channels":   []any{int8(1), int8(2), int8(3)},
		"label":      "alpha",
		"calibrated": true,
		"note":       nil,
		"nested":     map[string]any{"depth": map[string]any{"value": 1.25}},
	}

	encoded, err := EncodeTopic(in)
	require.NoError(t, err)
	out, err := DecodeTopic(encoded)
	require.NoError(t, err)

	assert.Equal(t, 0.7, out["workload"])
	assert.Equal(t, "alpha", out["label"])
	assert.Equal(t, true, out["calibrated"])
	assert.Nil(t, out["note"])

	nested, ok := out["nested"].(map[string]any)
	require.True(t, ok)
	depth, ok := nested["depth"].(map[string]any)
	require.True(t, ok)
	v, ok := Float(depth["value"])
	require.True(t, ok)
	assert.Equal(t, 1.25, v)
}

func TestFloatAcceptsAllNumericTypes(t *testing.T) {
	cases := map[string]any{
		"float64": float64(1),
		"float32": float32(1),
		"int":     int(1),
		"int8":    int8(1),
		"int16":   int16(1),
		"int32":   int32(1),
		"int64":   int64(1),
		"uint":    uint(1),
		"uint8":   uint8(1),
		"uint16":  uint16(1),
		"uint32":  uint32(1),
		"uint64":  uint64(1),
		"number":  json.Number("1"),
	}
	for name, v := range cases {
		f, ok := Float(v)
		assert.True(t, ok, name)
		assert.Equal(t, 1.0, f, name)
	}

	_, ok := Float("1")
	assert.False(t, ok)
	_, ok = Float(nil)
	assert.False(t, ok)
}

func TestConfidence(t *testing.T) {
	assert.Nil(t, Confidence(nil))
	assert.Nil(t, Confidence(Map{}))
	assert.Nil(t, Confidence(Map{"confidence": "high"}))

	c := Confidence(Map{"confidence": 0.85})
	require.NotNil(t, c)
	assert.Equal(t, 0.85, *c)

	// msgpack may decode a whole-number confidence as an integer
	c = Confidence(Map{"confidence": int8(1)})
	require.NotNil(t, c)
	assert.Equal(t, 1.0, *c)
}

func TestString(t *testing.T) {
	m := Map{"prediction_type": "workload", "empty": ""}
	assert.Equal(t, "workload", String(m, "prediction_type", "azure_ml"))
	assert.Equal(t, "azure_ml", String(m, "missing", "azure_ml"))
	assert.Equal(t, "azure_ml", String(m, "empty", "azure_ml"))
}
