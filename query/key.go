package query

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Key identifies a unit of cached data, e.g. Key{"patients", 42}.
//
// Keys are compared structurally: every element is JSON-encoded and two keys
// are equal iff their encodings match element by element. Callers must build
// the same Key for the same logical resource on every call; a key that mints
// a fresh identity per call (a pointer, a random value) defeats caching.
type Key []any

// String returns the canonical encoding of k, e.g. ["patients",42].
func (k Key) String() string {
	return "[" + strings.Join(k.parts(), ",") + "]"
}

// HasPrefix reports whether the first len(p) elements of k equal p.
// An empty prefix matches every key.
func (k Key) HasPrefix(p Key) bool {
	return hasPrefix(k.parts(), p.parts())
}

// Equal reports whether k and o are structurally equal.
func (k Key) Equal(o Key) bool {
	return len(k) == len(o) && k.HasPrefix(o)
}

func (k Key) parts() []string {
	out := make([]string, len(k))
	for i, el := range k {
		out[i] = encodeElement(el)
	}
	return out
}

func encodeElement(el any) string {
	b, err := json.Marshal(el)
	if err != nil {
		// Unencodable values (funcs, channels, cyclic data) still get a
		// stable, quoted representation.
		return fmt.Sprintf("%q", fmt.Sprintf("%#v", el))
	}
	return string(b)
}

func hasPrefix(parts, prefix []string) bool {
	if len(prefix) > len(parts) {
		return false
	}
	for i := range prefix {
		if parts[i] != prefix[i] {
			return false
		}
	}
	return true
}

// keyRef is a key resolved once per call: the caller's key (copied), its
// element encodings and its canonical string used by the entry table.
type keyRef struct {
	key   Key
	parts []string
	hash  string
}

func resolveKey(k Key) keyRef {
	parts := k.parts()
	return keyRef{
		key:   append(Key(nil), k...),
		parts: parts,
		hash:  "[" + strings.Join(parts, ",") + "]",
	}
}
