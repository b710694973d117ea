package nat

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RefreshInterval is how often Relay re-announces its local registration so
// the relay server's registrationTTL never lapses under normal operation.
const RefreshInterval = 30 * time.Second

const relayQueryTimeout = 5 * time.Second

// Relay is the NAT coordinator strategy that registers the local endpoint
// with an external relay server and falls back to relay-mediated lookup
// when a direct hint is unavailable or a peer has been pinned to relayed
// routing (C12 Relay strategy).
type Relay struct {
	localID  NodeID
	relayHost string
	relayPort int
	sender   RelaySender
	log      *slog.Logger

	mu            sync.Mutex
	pending       map[uint64]chan *relayMessage
	relayRequired map[NodeID]bool
	memoized      map[NodeID]Endpoint
	stats         Stats

	localHost string
	localPort int

	stopCh    chan struct{}
	stopOnce  sync.Once
	refreshWG sync.WaitGroup
}

// NewRelay returns a Relay coordinator that talks to the relay server at
// (relayHost, relayPort) through sender.
func NewRelay(localID NodeID, relayHost string, relayPort int, sender RelaySender) *Relay {
	return &Relay{
		localID:       localID,
		relayHost:     relayHost,
		relayPort:     relayPort,
		sender:        sender,
		log:           slog.Default().With("component", "nat-relay"),
		pending:       make(map[uint64]chan *relayMessage),
		relayRequired: make(map[NodeID]bool),
		memoized:      make(map[NodeID]Endpoint),
		stopCh:        make(chan struct{}),
	}
}

func newRelayRequestID() uint64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

// HandleDatagram dispatches an inbound relay-protocol message to its
// awaiting requester, if any.
func (r *Relay) HandleDatagram(fromHost string, fromPort int, data []byte) {
	msg, err := decodeRelayMessage(data)
	if err != nil {
		r.log.Debug("malformed relay datagram", "from", fmt.Sprintf("%s:%d", fromHost, fromPort), "error", err)
		return
	}

	r.mu.Lock()
	ch, ok := r.pending[msg.RequestID]
	r.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (r *Relay) roundTrip(ctx context.Context, op relayOpcode, payload any) (*relayMessage, error) {
	reqID := newRelayRequestID()
	out, err := encodeRelayMessage(reqID, op, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *relayMessage, 1)
	r.mu.Lock()
	r.pending[reqID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, reqID)
		r.mu.Unlock()
	}()

	if err := r.sender.SendTo(r.relayHost, r.relayPort, out); err != nil {
		return nil, fmt.Errorf("nat: relay send: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, relayQueryTimeout)
	defer cancel()

	select {
	case msg := <-ch:
		return msg, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("nat: relay request timed out: %w", timeoutCtx.Err())
	}
}

// RegisterLocal announces the local endpoint to the relay server and starts
// a background loop refreshing the registration before it expires.
func (r *Relay) RegisterLocal(host string, port int) error {
	r.mu.Lock()
	r.localHost, r.localPort = host, port
	r.mu.Unlock()

	if err := r.announce(relayOpAnnounce); err != nil {
		return err
	}

	r.refreshWG.Add(1)
	go r.refreshLoop()
	return nil
}

func (r *Relay) announce(op relayOpcode) error {
	payload := relayAnnouncePayload{NodeID: r.localID, Host: r.localHost, Port: r.localPort}
	out, err := encodeRelayMessage(newRelayRequestID(), op, payload)
	if err != nil {
		return err
	}
	return r.sender.SendTo(r.relayHost, r.relayPort, out)
}

func (r *Relay) refreshLoop() {
	defer r.refreshWG.Done()
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.announce(relayOpRefresh); err != nil {
				r.log.Debug("relay refresh failed", "error", err)
			}
		case <-r.stopCh:
			return
		}
	}
}

// Resolve optimistically returns a direct hint when one is available and
// the peer has not been pinned to relayed routing; otherwise it queries the
// relay for the peer's last-known endpoint, falling back to the relay's own
// address as a forwarding path.
func (r *Relay) Resolve(ctx context.Context, peerID NodeID, hint *Endpoint) (Endpoint, error) {
	r.mu.Lock()
	pinned := r.relayRequired[peerID]
	r.mu.Unlock()

	if !pinned && hint != nil {
		r.mu.Lock()
		r.stats.DirectAttempts++
		r.mu.Unlock()
		return *hint, nil
	}

	if !pinned {
		r.mu.Lock()
		ep, ok := r.memoized[peerID]
		if ok {
			r.stats.DirectAttempts++
		}
		r.mu.Unlock()
		if ok {
			return ep, nil
		}
	}

	r.mu.Lock()
	r.stats.RelayAttempts++
	r.mu.Unlock()

	msg, err := r.roundTrip(ctx, relayOpQuery, relayQueryPayload{Target: peerID})
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: relay query failed: %v", ErrPeerUnreachable, err)
	}

	var resp relayQueryResponsePayload
	if err := decodeRelayPayload(msg.Payload, &resp); err != nil {
		return Endpoint{}, err
	}

	r.mu.Lock()
	r.stats.RelaySuccesses++
	r.mu.Unlock()

	if resp.Found {
		return Endpoint{Host: resp.Host, Port: resp.Port}, nil
	}
	// No last-known address on file: forward via the relay server itself.
	return Endpoint{Host: r.relayHost, Port: r.relayPort}, nil
}

// MarkDirectSuccess records that a direct connection to peerID succeeded,
// memoising its endpoint for future Resolve calls.
func (r *Relay) MarkDirectSuccess(peerID NodeID, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.DirectSuccesses++
	r.memoized[peerID] = ep
}

// MarkRelayRequired pins peerID to relayed routing, skipping direct hints
// on future Resolve calls.
func (r *Relay) MarkRelayRequired(peerID NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.relayRequired[peerID] {
		r.stats.RelayedPeers++
	}
	r.relayRequired[peerID] = true
	delete(r.memoized, peerID)
}

// Unregister sends UNANNOUNCE and stops the refresh loop.
func (r *Relay) Unregister() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stopCh)
		err = r.announce(relayOpUnannounce)
	})
	r.refreshWG.Wait()
	return err
}

// Stats returns a point-in-time snapshot of direct/relay usage.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
