// Package canonicaljson implements the deterministic JSON encoding federation
// signing and reference hashing depend on: UTF-8, lexically sorted object
// keys, no insignificant whitespace, and integers rendered without a
// decimal point. See the GLOSSARY entry "Canonical JSON" in the federation
// specification.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// Encode parses raw as JSON and re-serializes it canonically: object keys
// sorted lexicographically by their UTF-8 byte sequence, no whitespace
// between tokens, and numbers preserved in their original (integer-or-not)
// form rather than round-tripped through float64.
func Encode(raw []byte) ([]byte, error) {
	var value interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decoding JSON for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeValue(&buf, value); err != nil {
		return nil, fmt.Errorf("encoding canonical JSON: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeValue canonically serializes an already-decoded Go value (the
// result of json.Unmarshal with UseNumber, or a map[string]interface{}
// built in code). Useful for building a signing envelope programmatically
// instead of round-tripping through raw bytes.
func EncodeValue(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, value); err != nil {
		return nil, fmt.Errorf("encoding canonical JSON: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(string(v))
		return nil
	case int:
		buf.WriteString(fmt.Sprintf("%d", v))
		return nil
	case int64:
		buf.WriteString(fmt.Sprintf("%d", v))
		return nil
	case string:
		return encodeString(buf, v)
	case []interface{}:
		return encodeArray(buf, v)
	case map[string]interface{}:
		return encodeObject(buf, v)
	default:
		return fmt.Errorf("unsupported canonical JSON value type %T", value)
	}
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
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
		if err := encodeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeString writes v as a JSON string using the standard library's
// escaping rules (which already produce valid UTF-8 JSON strings); the
// standard encoder's HTML-escaping is disabled so angle brackets and
// ampersands pass through unescaped, matching the Matrix reference
// encoders other homeservers use.
func encodeString(buf *bytes.Buffer, v string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// json.Encoder.Encode appends a trailing newline; trim it back off.
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding string %q: %w", v, err)
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}

// stripKeys are removed from a PDU before reference hashing, per the
// room-version >= 3 reference hash rule.
var stripKeys = map[string]bool{
	"signatures": true,
	"unsigned":   true,
	"event_id":   true,
}

// ReferenceHash computes the reference hash of a PDU's canonical JSON with
// signatures, unsigned, and event_id stripped, per room version 6 rules.
// Returns the unpadded base64 SHA-256 digest (no "$" prefix — callers that
// need an EventID add it themselves).
func ReferenceHash(raw []byte) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("decoding PDU for reference hash: %w", err)
	}
	for k := range stripKeys {
		delete(obj, k)
	}

	stripped, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("re-marshaling stripped PDU: %w", err)
	}

	canonical, err := Encode(stripped)
	if err != nil {
		return "", fmt.Errorf("canonicalizing stripped PDU: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return base64.RawStdEncoding.EncodeToString(sum[:]), nil
}
