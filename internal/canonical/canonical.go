// Package canonical produces byte-stable JSON for content addressing.
//
// Versioned artifacts (rule definitions, workflow graphs) are stored in
// canonical form and identified by the SHA-256 of that form, so that field
// reordering in a client payload never changes an artifact's identity and
// silent content drift is detectable.
//
// Canonical form:
//   - object keys sorted lexicographically at every nesting level
//   - array element order preserved
//   - numeric literals preserved verbatim (json.Number, no float round-trip)
//   - strings NFC normalized, no HTML escaping
//   - no insignificant whitespace
//
// Canonicalization is idempotent: canonicalizing already-canonical input
// reproduces it byte for byte.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize parses a JSON document and re-serializes it in canonical form.
func Canonicalize(doc []byte) ([]byte, error) {
	value, err := Decode(doc)
	if err != nil {
		return nil, err
	}
	return Marshal(value)
}

// Decode parses a JSON document preserving numeric literals as json.Number.
// Trailing non-whitespace content after the document is rejected.
func Decode(doc []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing content after JSON document")
	}
	return value, nil
}

// Marshal serializes a decoded JSON value (or plain Go value) canonically.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshalValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ChecksumSHA256 returns the hex SHA-256 digest of canonical bytes.
func ChecksumSHA256(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func marshalValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return marshalString(buf, val)
	case json.Number:
		buf.WriteString(string(val))
		return nil
	case int:
		fmt.Fprintf(buf, "%d", val)
		return nil
	case int64:
		fmt.Fprintf(buf, "%d", val)
		return nil
	case float64:
		// Only reachable for values built in Go code, never for decoded
		// documents (Decode uses json.Number). Defer to encoding/json's
		// shortest-form float rendering for stability.
		out, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(out)
		return nil
	case []any:
		return marshalArray(buf, val)
	case map[string]any:
		return marshalObject(buf, val)
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
}

// marshalString writes a JSON string with NFC normalization and HTML escaping
// disabled, so `<`, `>` and `&` survive untouched.
func marshalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}

	out := tmp.Bytes()
	// json.Encoder appends a trailing newline.
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	buf.Write(out)
	return nil
}

func marshalArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := marshalValue(buf, elem); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

func marshalObject(buf *bytes.Buffer, obj map[string]any) error {
	// Keys are normalized before sorting so that canonical output sorts the
	// same way on a second pass (idempotence with non-ASCII keys).
	byNorm := make(map[string]string, len(obj))
	keys := make([]string, 0, len(obj))
	for k := range obj {
		nk := norm.NFC.String(k)
		if prev, ok := byNorm[nk]; ok {
			// Two distinct keys collapsing to one normalized form would
			// leave the document without a single canonical identity.
			return fmt.Errorf("canonical: keys %q and %q normalize to the same string", prev, k)
		}
		byNorm[nk] = k
		keys = append(keys, nk)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, nk := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := marshalString(buf, nk); err != nil {
			return fmt.Errorf("key %q: %w", nk, err)
		}
		k := byNorm[nk]
		buf.WriteByte(':')
		if err := marshalValue(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}
