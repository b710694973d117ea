package nat

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrelnet/stt/internal/serialize"
)

// relayOpcode identifies a relay-coordination message's purpose.
type relayOpcode byte

const (
	relayOpAnnounce      relayOpcode = 1
	relayOpRefresh       relayOpcode = 2
	relayOpUnannounce    relayOpcode = 3
	relayOpQuery         relayOpcode = 4
	relayOpQueryResponse relayOpcode = 5
)

type relayAnnouncePayload struct {
	NodeID NodeID
	Host   string
	Port   int
}

type relayQueryPayload struct {
	Target NodeID
}

type relayQueryResponsePayload struct {
	Found bool
	Host  string
	Port  int
}

func encodeRelayMessage(reqID uint64, op relayOpcode, payload any) ([]byte, error) {
	body, err := serialize.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("nat: relay encode: %w", err)
	}
	out := make([]byte, 8+1+len(body))
	binary.BigEndian.PutUint64(out[:8], reqID)
	out[8] = byte(op)
	copy(out[9:], body)
	return out, nil
}

type relayMessage struct {
	RequestID uint64
	Opcode    relayOpcode
	Payload   []byte
}

func decodeRelayMessage(data []byte) (*relayMessage, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("nat: relay message too short")
	}
	return &relayMessage{
		RequestID: binary.BigEndian.Uint64(data[:8]),
		Opcode:    relayOpcode(data[8]),
		Payload:   data[9:],
	}, nil
}

func decodeRelayPayload(data []byte, v any) error {
	if err := serialize.Unmarshal(data, v); err != nil {
		return fmt.Errorf("nat: relay decode: %w", err)
	}
	return nil
}
