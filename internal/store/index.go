package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// indexValueWire is the on-disk shape of one IndexSet entry: the value
// tagged with its Go type, so Find's filter comparisons see back the same
// concrete type (string, int64, float64, bool, time.Time) that was put in,
// rather than whatever encoding/json would otherwise guess decoding into
// an any-typed map (which flattens time.Time to a plain string and numbers
// to float64).
type indexValueWire struct {
	Type string          `json:"t"`
	Val  json.RawMessage `json:"v"`
}

// MarshalJSON encodes idx as a type-tagged object, used by the SQLite and
// Postgres backends to persist index_json.
func (idx IndexSet) MarshalJSON() ([]byte, error) {
	out := make(map[string]indexValueWire, len(idx))
	for field, v := range idx {
		var tag string
		var raw any
		switch val := v.(type) {
		case string:
			tag, raw = "string", val
		case int64:
			tag, raw = "int64", val
		case int:
			tag, raw = "int64", int64(val)
		case float64:
			tag, raw = "float64", val
		case bool:
			tag, raw = "bool", val
		case time.Time:
			tag, raw = "time", val.UTC().Format(time.RFC3339Nano)
		default:
			return nil, fmt.Errorf("store: index field %q has unsupported value type %T", field, v)
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("store: encode index field %q: %w", field, err)
		}
		out[field] = indexValueWire{Type: tag, Val: b}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a type-tagged index object back into idx, restoring
// each field's original Go type. Called even for a literal JSON null
// (encoding/json always invokes Unmarshaler methods), so that case is
// handled explicitly.
func (idx *IndexSet) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*idx = nil
		return nil
	}

	var raw map[string]indexValueWire
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(IndexSet, len(raw))
	for field, wire := range raw {
		switch wire.Type {
		case "string":
			var s string
			if err := json.Unmarshal(wire.Val, &s); err != nil {
				return fmt.Errorf("store: decode index field %q: %w", field, err)
			}
			out[field] = s
		case "int64":
			var n int64
			if err := json.Unmarshal(wire.Val, &n); err != nil {
				return fmt.Errorf("store: decode index field %q: %w", field, err)
			}
			out[field] = n
		case "float64":
			var f float64
			if err := json.Unmarshal(wire.Val, &f); err != nil {
				return fmt.Errorf("store: decode index field %q: %w", field, err)
			}
			out[field] = f
		case "bool":
			var b bool
			if err := json.Unmarshal(wire.Val, &b); err != nil {
				return fmt.Errorf("store: decode index field %q: %w", field, err)
			}
			out[field] = b
		case "time":
			var s string
			if err := json.Unmarshal(wire.Val, &s); err != nil {
				return fmt.Errorf("store: decode index field %q: %w", field, err)
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("store: decode index field %q: %w", field, err)
			}
			out[field] = t
		default:
			return fmt.Errorf("store: index field %q has unknown wire type %q", field, wire.Type)
		}
	}
	*idx = out
	return nil
}
