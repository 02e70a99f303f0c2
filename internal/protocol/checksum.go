// internal/protocol/checksum.go
package protocol

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// normalize round-trips v through JSON so structs, raw messages and typed maps all
// become plain maps, slices and json.Number values.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return parse(b)
}

// parse decodes b keeping numbers as their literal text.
func parse(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after json value")
	}
	return out, nil
}

// canonical serializes v compactly with map keys sorted at every depth and no
// HTML escaping. Both ends of the wire hash this form.
func canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Checksum returns the hex MD5 of the canonical form of fields. The checksum
// member itself must already be absent from fields.
func Checksum(fields map[string]any) (string, error) {
	b, err := canonical(fields)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// seal normalizes fields, stamps the checksum and returns the wire bytes.
func seal(fields map[string]any) ([]byte, error) {
	norm, err := normalize(fields)
	if err != nil {
		return nil, err
	}
	m := norm.(map[string]any)
	sum, err := Checksum(m)
	if err != nil {
		return nil, err
	}
	m[KeyChecksum] = sum
	return canonical(m)
}

// verify recomputes the checksum of fields (minus the member stored under key)
// and compares it with the received value.
func verify(fields map[string]any, key string) bool {
	got, ok := fields[key].(string)
	if !ok {
		return false
	}
	rest := make(map[string]any, len(fields)-1)
	for k, v := range fields {
		if k != key {
			rest[k] = v
		}
	}
	want, err := Checksum(rest)
	if err != nil {
		return false
	}
	return got == want
}

// lookup finds name among the keys of m, ignoring case. An exact match wins.
func lookup(m map[string]any, name string) (string, bool) {
	if _, ok := m[name]; ok {
		return name, true
	}
	for k := range m {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}
