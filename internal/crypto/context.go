package crypto

import "sort"

// ContextData is the associated-data / KDF-info dictionary threaded through
// every façade operation. Both peers must agree on its contents exactly;
// Canonical serializes it deterministically so it can be folded into a hash,
// an HKDF info parameter, or an AEAD's additional data.
type ContextData map[string]string

// Canonical returns a deterministic byte encoding of c: keys sorted
// lexicographically, each entry "key\x00value\x00".
func (c ContextData) Canonical() []byte {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]byte, 0, 32*len(keys))
	for _, k := range keys {
		out = append(out, k...)
		out = append(out, 0)
		out = append(out, c[k]...)
		out = append(out, 0)
	}
	return out
}
