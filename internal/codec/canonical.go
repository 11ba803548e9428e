package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// CanonicalJSON renders value as deterministic JSON: object keys sorted
// recursively, array order preserved, nil as null. Numbers that arrive as
// json.Number keep their original literal, so re-encoding a peer's payload is
// byte-stable.
func CanonicalJSON(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeRaw canonicalizes an encoded JSON document.
func CanonicalizeRaw(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	value, err := decodeWithNumbers(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return CanonicalJSON(value)
}

func decodeWithNumbers(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

func appendCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case json.Number:
		buf.WriteString(v.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite number in canonical json")
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case []any:
		buf.WriteByte('[')
		for idx, item := range v {
			if idx > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		first := true
		for _, key := range keys {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			encodedKey, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := appendCanonical(buf, v[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case json.RawMessage:
		decoded, err := decodeWithNumbers(v)
		if err != nil {
			return err
		}
		return appendCanonical(buf, decoded)
	default:
		// Structs and library types round-trip through their JSON encoding.
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		decoded, err := decodeWithNumbers(encoded)
		if err != nil {
			return err
		}
		return appendCanonical(buf, decoded)
	}
	return nil
}
