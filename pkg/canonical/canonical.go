// Package canonical produces the unique deterministic JSON encoding used as
// the signed region of a license document. Keys are sorted lexicographically
// at every nesting level and no insignificant whitespace is emitted, so any
// reordering or reformatting of a distributed document changes the bytes and
// breaks its signature.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// SignatureField is the envelope key carrying the signature. It is attached
// to the final document and never part of the signed region.
const SignatureField = "signature"

var (
	ErrUnsupportedValue = fmt.Errorf("canonical: unsupported value type")
	ErrNonIntegralFloat = fmt.Errorf("canonical: non-integral float in document")
)

// Marshal encodes doc canonically. Allowed values are the JSON-compatible
// set: map[string]any, []any, string, bool, nil, json.Number and integral
// numbers. Non-integral floats are rejected rather than risking formatting
// divergence across encoders.
func Marshal(doc map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses raw JSON preserving numbers as json.Number, so a document
// that round-tripped through other encoders re-canonicalizes to the same
// bytes it was signed over.
func Decode(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	return doc, nil
}

// Strip returns a shallow copy of doc without the signature envelope.
func Strip(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == SignatureField {
			continue
		}
		out[k] = v
	}
	return out
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	case json.Number:
		return encodeNumber(buf, val)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) || math.Trunc(val) != val {
			return ErrNonIntegralFloat
		}
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		return encodeArray(buf, val)
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return encodeArray(buf, arr)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return nil
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedValue, n.String())
	}
	if math.Trunc(f) != f || math.IsInf(f, 0) || math.IsNaN(f) {
		return ErrNonIntegralFloat
	}
	buf.WriteString(strconv.FormatInt(int64(f), 10))
	return nil
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
