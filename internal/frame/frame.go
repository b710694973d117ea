// Package frame implements the STT wire frame: encoding, decoding, and the
// associated-data view AEAD binds ciphertexts to.
package frame

import (
	"encoding/binary"

	"github.com/libp2p/go-buffer-pool"
	varint "github.com/multiformats/go-varint"
)

// Type identifies the purpose of a frame's payload.
type Type byte

const (
	TypeHandshake Type = 0x00
	TypeData      Type = 0x01
	// CustomRangeStart marks the beginning of the caller-defined type range.
	CustomRangeStart Type = 0x80
)

// IsCustom reports whether t falls in the reserved caller-defined range.
func (t Type) IsCustom() bool {
	return t >= CustomRangeStart
}

var magic = [2]byte{'S', 'T'}

// DefaultMaxFrameSize is the safe-MTU default for UDP (spec §3).
const DefaultMaxFrameSize = 1472

// headerFieldsLen is the length of type|flags|session_id|sequence|timestamp|reserved,
// i.e. everything the length varint covers besides the payload.
const headerFieldsLen = 1 + 1 + 8 + 8 + 8 + 2

// associatedDataLen is the length of type|flags|session_id|sequence|timestamp,
// the header minus magic, length and reserved (spec §3).
const associatedDataLen = 1 + 1 + 8 + 8 + 8

// Frame is the atomic wire unit exchanged between STT nodes.
type Frame struct {
	Type      Type
	Flags     byte
	SessionID uint64
	Sequence  uint64
	Timestamp uint64 // milliseconds since epoch
	Reserved  uint16
	Payload   []byte
}

// Codec encodes and decodes frames against a configured maximum size.
// It is pure and allocation-lean and performs no cryptography.
type Codec struct {
	MaxFrameSize int
}

// NewCodec returns a Codec using DefaultMaxFrameSize.
func NewCodec() *Codec {
	return &Codec{MaxFrameSize: DefaultMaxFrameSize}
}

// Encode assembles f's header and payload into wire bytes.
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	maxSize := c.MaxFrameSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	bodyLen := headerFieldsLen + len(f.Payload)
	lenBuf := pool.Get(binary.MaxVarintLen64)
	defer pool.Put(lenBuf)
	n := varint.PutUvarint(lenBuf, uint64(bodyLen))

	total := len(magic) + n + bodyLen
	if total > maxSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, total)
	off := 0
	copy(out[off:], magic[:])
	off += len(magic)
	copy(out[off:], lenBuf[:n])
	off += n

	out[off] = byte(f.Type)
	off++
	out[off] = f.Flags
	off++
	binary.BigEndian.PutUint64(out[off:], f.SessionID)
	off += 8
	binary.BigEndian.PutUint64(out[off:], f.Sequence)
	off += 8
	binary.BigEndian.PutUint64(out[off:], f.Timestamp)
	off += 8
	binary.BigEndian.PutUint16(out[off:], f.Reserved)
	off += 2
	copy(out[off:], f.Payload)

	return out, nil
}

// Decode parses a frame from the front of buf, returning the frame and the
// number of bytes consumed. buf may contain trailing bytes beyond the frame.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < len(magic) {
		return nil, 0, ErrShortBuffer
	}
	if buf[0] != magic[0] || buf[1] != magic[1] {
		return nil, 0, ErrInvalidMagic
	}

	bodyLen, n, err := varint.FromUvarint(buf[len(magic):])
	if err != nil || n <= 0 {
		return nil, 0, ErrBadLength
	}

	headerStart := len(magic) + n
	total := headerStart + int(bodyLen)
	if bodyLen < headerFieldsLen {
		return nil, 0, ErrBadLength
	}
	if len(buf) < total {
		return nil, 0, ErrShortBuffer
	}

	h := buf[headerStart:total]
	if len(h) < headerFieldsLen {
		return nil, 0, ErrHeaderParse
	}

	f := &Frame{}
	off := 0
	f.Type = Type(h[off])
	off++
	f.Flags = h[off]
	off++
	f.SessionID = binary.BigEndian.Uint64(h[off:])
	off += 8
	f.Sequence = binary.BigEndian.Uint64(h[off:])
	off += 8
	f.Timestamp = binary.BigEndian.Uint64(h[off:])
	off += 8
	f.Reserved = binary.BigEndian.Uint16(h[off:])
	off += 2

	payload := h[off:]
	f.Payload = make([]byte, len(payload))
	copy(f.Payload, payload)

	return f, total, nil
}

// AssociatedData returns the 26-byte subsequence type|flags|session_id|sequence|timestamp
// that AEAD operations bind the ciphertext to.
func (f *Frame) AssociatedData() []byte {
	ad := make([]byte, associatedDataLen)
	off := 0
	ad[off] = byte(f.Type)
	off++
	ad[off] = f.Flags
	off++
	binary.BigEndian.PutUint64(ad[off:], f.SessionID)
	off += 8
	binary.BigEndian.PutUint64(ad[off:], f.Sequence)
	off += 8
	binary.BigEndian.PutUint64(ad[off:], f.Timestamp)
	return ad
}
