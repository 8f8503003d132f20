package idempotency

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// ErrDuplicateKey is returned for objects with two keys that are equal after
// NFC normalization
var ErrDuplicateKey = errors.New("duplicate object key after normalization")

// marshalCanonical produces a canonical JSON encoding of v: object keys are
// sorted, strings are NFC normalized, HTML characters are not escaped and
// numbers keep their JSON text. Two values that encode to the same JSON
// document, regardless of map order or Go type, produce identical bytes.
func marshalCanonical(v interface{}) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toGeneric round-trips v through encoding/json so structs, typed maps and
// slices collapse to map[string]interface{}, []interface{} and json.Number.
func toGeneric(v interface{}) (interface{}, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("payload is not serializable: %w", err)
	}

	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return out, nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(canonicalNumber(val))
	case string:
		return writeString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		// Keys are normalized before sorting. Two keys that normalize to the
		// same text cannot be ordered deterministically, so they are rejected.
		normalized := make(map[string]interface{}, len(val))
		for k, elem := range val {
			nk := norm.NFC.String(k)
			if _, dup := normalized[nk]; dup {
				return fmt.Errorf("%w: %q", ErrDuplicateKey, nk)
			}
			normalized[nk] = elem
		}
		keys := make([]string, 0, len(normalized))
		for k := range normalized {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, normalized[k]); err != nil {
				return fmt.Errorf("value for key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	// json.Encoder adds trailing newline
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

// canonicalNumber maps integral numbers written with a fraction or exponent
// (1.0, 1e0) onto their integer text so they match ints of the same value.
func canonicalNumber(n json.Number) string {
	s := n.String()
	if i, err := n.Int64(); err == nil {
		return fmt.Sprintf("%d", i)
	}
	if f, err := n.Float64(); err == nil && f < 1<<53 && f > -(1<<53) && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return s
}
