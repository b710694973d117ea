package node

import (
	"fmt"

	"github.com/kestrelnet/stt/internal/handshake"
	"github.com/kestrelnet/stt/internal/serialize"
)

// handshakeKind tags which of the four handshake messages an envelope
// carries, so a single TypeHandshake frame payload can be decoded without
// first knowing which side of the exchange sent it.
type handshakeKind byte

const (
	kindHello handshakeKind = iota + 1
	kindResponse
	kindAuthProof
	kindFinal
)

// handshakeEnvelope wraps one handshake message for transport inside a
// frame.Frame's Payload: Kind selects how Body is interpreted, Body itself
// is the CBOR encoding of the concrete message struct.
type handshakeEnvelope struct {
	Kind handshakeKind
	Body []byte
}

func encodeEnvelope(kind handshakeKind, msg any) ([]byte, error) {
	body, err := serialize.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("node: marshal handshake body: %w", err)
	}
	return serialize.Marshal(handshakeEnvelope{Kind: kind, Body: body})
}

func decodeEnvelope(payload []byte) (*handshakeEnvelope, error) {
	var env handshakeEnvelope
	if err := serialize.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("node: unmarshal handshake envelope: %w", err)
	}
	return &env, nil
}

func decodeHello(env *handshakeEnvelope) (*handshake.Hello, error) {
	var m handshake.Hello
	if err := serialize.Unmarshal(env.Body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeResponse(env *handshakeEnvelope) (*handshake.Response, error) {
	var m handshake.Response
	if err := serialize.Unmarshal(env.Body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeAuthProof(env *handshakeEnvelope) (*handshake.AuthProof, error) {
	var m handshake.AuthProof
	if err := serialize.Unmarshal(env.Body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeFinal(env *handshakeEnvelope) (*handshake.Final, error) {
	var m handshake.Final
	if err := serialize.Unmarshal(env.Body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// dataPayload is how a TypeData frame's Payload is laid out: an 8-byte
// big-endian stream id ahead of the encoded segment. The frame header has
// no stream id field of its own (spec §3's reserved header bytes are
// earmarked for session-level gap detection, not multiplexing), so Node
// carries it at the front of the payload instead.
func encodeDataPayload(streamID uint64, segment []byte) []byte {
	out := make([]byte, 8+len(segment))
	out[0] = byte(streamID >> 56)
	out[1] = byte(streamID >> 48)
	out[2] = byte(streamID >> 40)
	out[3] = byte(streamID >> 32)
	out[4] = byte(streamID >> 24)
	out[5] = byte(streamID >> 16)
	out[6] = byte(streamID >> 8)
	out[7] = byte(streamID)
	copy(out[8:], segment)
	return out
}

func decodeDataPayload(payload []byte) (streamID uint64, segment []byte, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("node: data payload too short")
	}
	streamID = uint64(payload[0])<<56 | uint64(payload[1])<<48 | uint64(payload[2])<<40 | uint64(payload[3])<<32 |
		uint64(payload[4])<<24 | uint64(payload[5])<<16 | uint64(payload[6])<<8 | uint64(payload[7])
	return streamID, payload[8:], nil
}

// controlMarker tags the payload of frames on stream id 0, the control
// stream reserved by the session package for in-band session management
// rather than application data.
type controlMarker byte

const controlKeyRotation controlMarker = 1

func idAsUint64(id [8]byte) uint64 {
	var v uint64
	for _, b := range id {
		v = v<<8 | uint64(b)
	}
	return v
}
