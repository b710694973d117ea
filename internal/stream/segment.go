// Package stream implements the STT streaming encoder/decoder (C4) and the
// multiplexed per-session Stream (C5): fragmenting and reassembling a byte
// sequence into encrypted, sequenced, restartable segments with credit-based
// flow control and a sequence reorder buffer.
package stream

import (
	"fmt"

	"github.com/kestrelnet/stt/internal/crypto"
)

const (
	emptyFlagSet   byte = 1
	emptyFlagUnset byte = 0
)

// Encoder belongs to exactly one (session id, stream id) pair and owns a
// per-stream crypto context. Encoding is independent per stream: no
// cross-stream state is shared.
type Encoder struct {
	ctx     *crypto.StreamContext
	nextSeq uint64
}

// NewEncoder returns an Encoder using ctx for chunk encryption.
func NewEncoder(ctx *crypto.StreamContext) *Encoder {
	return &Encoder{ctx: ctx}
}

// EncodeSegment encrypts chunk (which may be empty) and returns the wire
// segment `empty_flag(1) | header(16) | ciphertext(variable)` alongside the
// sequence number assigned to it. Sequence numbers are consecutive starting
// at 0.
func (e *Encoder) EncodeSegment(chunk []byte) (segment []byte, sequence uint64, err error) {
	header, ciphertext, err := e.ctx.EncryptChunk(chunk)
	if err != nil {
		return nil, 0, fmt.Errorf("stream: encode segment: %w", err)
	}

	sequence = e.nextSeq
	e.nextSeq++

	if len(chunk) == 0 {
		segment = make([]byte, 1+crypto.ChunkHeaderLen+1)
		segment[0] = emptyFlagSet
		copy(segment[1:], header[:])
		segment[1+crypto.ChunkHeaderLen] = 0
		return segment, sequence, nil
	}

	segment = make([]byte, 1+crypto.ChunkHeaderLen+len(ciphertext))
	segment[0] = emptyFlagUnset
	copy(segment[1:], header[:])
	copy(segment[1+crypto.ChunkHeaderLen:], ciphertext)
	return segment, sequence, nil
}

// Decoder belongs to exactly one (session id, stream id) pair and owns a
// per-stream crypto context matching the peer's Encoder.
type Decoder struct {
	ctx *crypto.StreamContext
}

// NewDecoder returns a Decoder using ctx for chunk decryption.
func NewDecoder(ctx *crypto.StreamContext) *Decoder {
	return &Decoder{ctx: ctx}
}

// DecodeSegment reverses EncodeSegment, returning the plaintext chunk (empty
// if the segment carried an empty-chunk placeholder).
func (d *Decoder) DecodeSegment(segment []byte) ([]byte, error) {
	if len(segment) < 1+crypto.ChunkHeaderLen+1 {
		return nil, ErrInvalidSegment
	}

	flag := segment[0]
	var header [crypto.ChunkHeaderLen]byte
	copy(header[:], segment[1:1+crypto.ChunkHeaderLen])
	rest := segment[1+crypto.ChunkHeaderLen:]

	if flag == emptyFlagSet {
		// The placeholder byte carries no information; discard it without
		// attempting to decrypt.
		return []byte{}, nil
	}

	plaintext, err := d.ctx.DecryptChunk(header, rest)
	if err != nil {
		return nil, fmt.Errorf("%w", ErrDecryptFailure)
	}
	return plaintext, nil
}
