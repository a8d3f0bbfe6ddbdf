package http

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Headers is a case-insensitive header map. Keys are stored lowercased;
// CanonicalKey restores the wire form when writing.
type Headers map[string][]string

// NewHeaders returns an empty header map
func NewHeaders() Headers {
	return Headers{}
}

// Get returns the first value for key, or "" when absent
func (h Headers) Get(key string) string {
	if v := h[strings.ToLower(key)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns every value stored for key
func (h Headers) Values(key string) []string {
	return h[strings.ToLower(key)]
}

// Has reports whether key is present
func (h Headers) Has(key string) bool {
	_, ok := h[strings.ToLower(key)]
	return ok
}

// Set replaces all values for key
func (h Headers) Set(key, value string) {
	h[strings.ToLower(key)] = []string{value}
}

// Add appends a value for key
func (h Headers) Add(key, value string) {
	key = strings.ToLower(key)
	h[key] = append(h[key], value)
}

// Del removes key
func (h Headers) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Keys returns the stored (lowercase) keys in sorted order
func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// CanonicalKey converts a header name to its wire form, e.g.
// "content-length" -> "Content-Length".
// A Caser is stateful, so each call gets its own.
func CanonicalKey(key string) string {
	return cases.Title(language.English).String(key)
}
