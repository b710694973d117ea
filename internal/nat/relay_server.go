package nat

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// registrationTTL is how long an announced registration remains valid
// without a refresh before the relay evicts it.
const registrationTTL = 90 * time.Second

// RelaySender is the transport a relay client or server uses to exchange
// relay-protocol datagrams, mirroring dht.Sender so the same in-memory
// harness style can drive tests without a real socket.
type RelaySender interface {
	SendTo(host string, port int, data []byte) error
}

type registration struct {
	Endpoint
	lastRefresh time.Time
}

// RelayServer tracks ANNOUNCE'd endpoints and answers QUERY lookups for
// peers that cannot reach each other directly. It is transport-agnostic:
// HandleDatagram is fed raw relay-protocol messages and replies through
// the supplied RelaySender.
type RelayServer struct {
	mu    sync.Mutex
	regs  map[NodeID]registration
	clock clock.Clock
	log   *slog.Logger
}

// NewRelayServer returns a relay server with no registrations.
func NewRelayServer() *RelayServer {
	return &RelayServer{
		regs:  make(map[NodeID]registration),
		clock: clock.New(),
		log:   slog.Default().With("component", "nat-relay-server"),
	}
}

// HandleDatagram processes one inbound relay-protocol message from
// (fromHost, fromPort) and replies via sender when the opcode requires one.
func (s *RelayServer) HandleDatagram(sender RelaySender, fromHost string, fromPort int, data []byte) error {
	msg, err := decodeRelayMessage(data)
	if err != nil {
		return err
	}

	switch msg.Opcode {
	case relayOpAnnounce, relayOpRefresh:
		var p relayAnnouncePayload
		if err := decodeRelayPayload(msg.Payload, &p); err != nil {
			return err
		}
		s.evictExpired()
		s.mu.Lock()
		s.regs[p.NodeID] = registration{
			Endpoint:    Endpoint{Host: p.Host, Port: p.Port},
			lastRefresh: s.clock.Now(),
		}
		s.mu.Unlock()
		return nil

	case relayOpUnannounce:
		var p relayAnnouncePayload
		if err := decodeRelayPayload(msg.Payload, &p); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.regs, p.NodeID)
		s.mu.Unlock()
		return nil

	case relayOpQuery:
		var p relayQueryPayload
		if err := decodeRelayPayload(msg.Payload, &p); err != nil {
			return err
		}
		s.evictExpired()
		s.mu.Lock()
		reg, ok := s.regs[p.Target]
		s.mu.Unlock()

		resp := relayQueryResponsePayload{Found: ok}
		if ok {
			resp.Host, resp.Port = reg.Host, reg.Port
		}
		out, err := encodeRelayMessage(msg.RequestID, relayOpQueryResponse, resp)
		if err != nil {
			return err
		}
		return sender.SendTo(fromHost, fromPort, out)

	default:
		return fmt.Errorf("nat: relay server: unknown opcode %d", msg.Opcode)
	}
}

func (s *RelayServer) evictExpired() {
	cutoff := s.clock.Now().Add(-registrationTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, reg := range s.regs {
		if reg.lastRefresh.Before(cutoff) {
			delete(s.regs, id)
		}
	}
}

// RegistrationCount reports the number of live registrations, for tests.
func (s *RelayServer) RegistrationCount() int {
	s.evictExpired()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}
