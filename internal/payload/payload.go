// Package payload carries the schema-agnostic message bodies that flow
// between edge relays, topics, the stream buffer and the datastore.
//
// The broker never interprets payload contents beyond the "type" tag: bodies
// are nested key/value trees (maps, arrays, strings, numbers, bools, null)
// decoded straight off the wire.
package payload

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Map is a dynamic payload tree.
type Map = map[string]any

// Envelope is the decoded form of one inbound edge frame.
// Type is the routing tag ("features", "raw", "heartbeat"); Payload holds
// every other field of the frame.
type Envelope struct {
	Type    string
	Payload Map
}

// DecodeFrame decodes one WebSocket frame into an Envelope.
// Binary frames are MessagePack, text frames are JSON; both produce the same
// logical envelope so downstream handling is identical.
func DecodeFrame(binary bool, data []byte) (Envelope, error) {
	var fields Map
	if binary {
		if err := msgpack.Unmarshal(data, &fields); err != nil {
			return Envelope{}, fmt.Errorf("msgpack decode: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &fields); err != nil {
			return Envelope{}, fmt.Errorf("json decode: %w", err)
		}
	}

	env := Envelope{Payload: fields}
	if t, ok := fields["type"].(string); ok {
		env.Type = t
		delete(fields, "type")
	}
	return env, nil
}

// EncodeTopic encodes a payload tree for publication on a pub/sub topic.
// Topic payloads are MessagePack and do not include the type tag; the topic
// name already identifies the sample kind.
func EncodeTopic(p Map) ([]byte, error) {
	b, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return b, nil
}

// DecodeTopic decodes a topic payload back into a tree.
func DecodeTopic(data []byte) (Map, error) {
	var p Map
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("msgpack decode: %w", err)
	}
	return p, nil
}

// Float extracts a numeric field as float64. MessagePack decodes integers to
// sized int/uint types while JSON always yields float64; both must compare
// equal downstream.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Confidence extracts an optional confidence score from a payload tree.
// Returns nil when the field is absent or not numeric.
func Confidence(p Map) *float64 {
	if p == nil {
		return nil
	}
	if f, ok := Float(p["confidence"]); ok {
		return &f
	}
	return nil
}

// String extracts a string field, returning fallback when absent.
func String(p Map, key, fallback string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
