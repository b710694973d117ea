// Package serialize provides the deterministic binary encoding STT uses for
// small structured messages: handshake payloads and Kademlia RPC records.
// It replaces the source's dynamically-typed dictionary encoding with a
// stable, language-neutral tagged encoding (CBOR, RFC 8949) so independently
// implemented nodes can interoperate.
package serialize

import "github.com/ugorji/go/codec"

var handle = func() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	return h
}()

// Marshal encodes v as canonical CBOR: map keys sorted, deterministic
// output for a given value.
func Marshal(v any) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unmarshal decodes CBOR-encoded data into v, which must be a pointer.
func Unmarshal(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, handle)
	return dec.Decode(v)
}
