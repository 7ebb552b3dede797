// Package canonicalize implements the deterministic JSON byte encoding that
// every Kernel signature and hash is computed over. The same value must
// canonicalize to the same bytes regardless of which language or process
// produced it, so this package has exactly one cross-implementation
// contract: sort mapping keys lexicographically, preserve array order,
// serialize numbers in their shortest round-trip form, and never escape
// HTML-sensitive runes.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// InvalidInputError is returned when a value cannot be canonicalized: an
// unsupported Go type reached the encoder, or a float is NaN/Inf.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("canonicalize: invalid input: %s", e.Reason)
}

// Canonicalize returns the canonical JSON byte encoding of v.
//
// v is first round-tripped through the standard encoder to respect struct
// tags, then decoded into a generic tree with json.Number preserved, then
// re-encoded recursively with sorted keys and HTML escaping disabled.
func Canonicalize(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, &InvalidInputError{Reason: err.Error()}
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, &InvalidInputError{Reason: err.Error()}
	}

	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 hex digest of the canonical encoding of v.
func Hash(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, t)
	case float64:
		return encodeNumber(buf, json.Number(fmt.Sprintf("%v", t)))
	case string:
		return encodeString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return &InvalidInputError{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	if f, err := n.Float64(); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &InvalidInputError{Reason: "non-finite number"}
		}
	}
	s := n.String()
	if s == "" {
		return &InvalidInputError{Reason: "empty number literal"}
	}
	buf.WriteString(s)
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	var sb bytes.Buffer
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return &InvalidInputError{Reason: err.Error()}
	}
	buf.Write(bytes.TrimSuffix(sb.Bytes(), []byte{'\n'}))
	return nil
}
