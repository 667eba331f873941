package querykey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Key identifies a cached entry. Elements may be any JSON-encodable value.
type Key []any

// New builds a key from its parts
func New(parts ...any) Key {
	return Key(parts)
}

// Hash returns the canonical form of the key. Equal keys hash identically
// regardless of map ordering or value identity.
func (k Key) Hash() string {
	return HashValue([]any(k))
}

// String implements fmt.Stringer
func (k Key) String() string {
	return k.Hash()
}

// HasPrefix reports whether every element of prefix matches the leading elements of k
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if !Equal(k[i], prefix[i]) {
			return false
		}
	}
	return true
}

// HashValue returns the canonical JSON encoding of v
func HashValue(v any) string {
	return string(canonical(v))
}

// Digest returns a short fixed-size digest of the canonical form, for use in
// log fields and metric labels
func Digest(v any) string {
	sum := sha256.Sum256(canonical(v))
	return hex.EncodeToString(sum[:8])
}

// Equal compares two values by their canonical form
func Equal(a, b any) bool {
	return bytes.Equal(canonical(a), canonical(b))
}

// canonical marshals v, then re-marshals the decoded tree with sorted keys so
// structs and maps with the same content produce the same bytes
func canonical(v any) []byte {
	if v == nil {
		return []byte("null")
	}

	raw, err := json.Marshal(v)
	if err != nil {
		// Not JSON encodable (channels, funcs): fall back to the Go syntax form
		return []byte(fmt.Sprintf("%#v", v))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return raw
	}

	var buf bytes.Buffer
	writeValue(&buf, data)
	return buf.Bytes()
}

// writeValue recursively writes a decoded JSON value with object keys sorted
func writeValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			name, _ := json.Marshal(k)
			buf.Write(name)
			buf.WriteByte(':')
			writeValue(buf, val[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, item)
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(val.String())
	default:
		out, _ := json.Marshal(val)
		buf.Write(out)
	}
}
