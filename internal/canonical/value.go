// Package canonical implements the deterministic encoding and digest of audit
// events.
//
// Payloads are represented as a closed Value sum type so the encoding rules
// are total: every Value has exactly one canonical byte form. The encoding
// follows RFC 8785 (JSON Canonicalization Scheme) with two refinements:
// strings are NFC-normalized and numbers are kept as exact decimals instead
// of being routed through IEEE-754 doubles.
package canonical

import (
	"sort"
	"unicode/utf16"
)

// Value is a canonical payload value. The set of implementations is closed:
// Null, Bool, Number, String, List and Map.
type Value interface {
	isValue()
}

// Null is the JSON null literal.
type Null struct{}

// Bool is a JSON boolean.
type Bool bool

// String is a JSON string. It is NFC-normalized when encoded.
type String string

// List is an ordered sequence of values.
type List []Value

// Map is a string-keyed mapping. Key order carries no meaning; the encoder
// sorts keys.
type Map map[string]Value

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (String) isValue() {}
func (Number) isValue() {}
func (List) isValue()   {}
func (Map) isValue()    {}

// SortedKeys returns the keys of m ordered by UTF-16 code units, as RFC 8785
// requires.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return compareUTF16(keys[i], keys[j]) < 0
	})
	return keys
}

// compareUTF16 orders two strings by their UTF-16 code units. This differs
// from Go's byte order for characters outside the Basic Multilingual Plane.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := len(a16)
	if len(b16) < n {
		n = len(b16)
	}
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
