package nat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	libp2pnat "github.com/libp2p/go-nat"
)

// Manual is the operator-populated NAT strategy: peers must be configured
// explicitly via AddPeer. Resolve fails for unconfigured peers.
type Manual struct {
	mu    sync.RWMutex
	peers map[NodeID]Endpoint
	log   *slog.Logger

	localHost string
	localPort int
	mappedExternal *Endpoint
}

// NewManual returns an empty Manual coordinator.
func NewManual() *Manual {
	return &Manual{
		peers: make(map[NodeID]Endpoint),
		log:   slog.Default().With("component", "nat-manual"),
	}
}

// AddPeer registers peerID's known address for future Resolve calls.
func (m *Manual) AddPeer(peerID NodeID, host string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peerID] = Endpoint{Host: host, Port: port}
}

// RemovePeer forgets a previously configured peer.
func (m *Manual) RemovePeer(peerID NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// RegisterLocal attempts an automatic port mapping via UPnP/NAT-PMP so
// peers behind a NAT without operator-configured forwarding can still be
// reached, falling back to the bare local address if no gateway responds.
func (m *Manual) RegisterLocal(host string, port int) error {
	m.mu.Lock()
	m.localHost, m.localPort = host, port
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	gateway, err := libp2pnat.DiscoverGateway(ctx)
	if err != nil {
		m.log.Debug("no NAT gateway discovered, using bare local address", "error", err)
		return nil
	}

	externalIP, err := gateway.GetExternalAddress()
	if err != nil {
		m.log.Debug("gateway found but external address unavailable", "error", err)
		return nil
	}

	if err := gateway.AddPortMapping("udp", port, "stt", 0); err != nil {
		m.log.Debug("port mapping request failed", "error", err)
		return nil
	}

	m.mu.Lock()
	m.mappedExternal = &Endpoint{Host: externalIP.String(), Port: port}
	m.mu.Unlock()
	m.log.Info("NAT port mapping established", "external", externalIP.String(), "port", port)
	return nil
}

// Resolve returns hint when it is non-nil, and otherwise the
// operator-configured endpoint for peerID.
func (m *Manual) Resolve(ctx context.Context, peerID NodeID, hint *Endpoint) (Endpoint, error) {
	if hint != nil {
		return *hint, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.peers[peerID]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %x not configured", ErrPeerUnreachable, peerID[:4])
	}
	return ep, nil
}

// Unregister is a no-op for Manual: there is no external registration to
// withdraw, though any UPnP mapping from RegisterLocal is left installed
// since tearing it down reliably within shutdown deadlines is not
// guaranteed across gateway implementations.
func (m *Manual) Unregister() error { return nil }

// ExternalAddress reports the address discovered via automatic port
// mapping, if any.
func (m *Manual) ExternalAddress() (Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mappedExternal == nil {
		return Endpoint{}, false
	}
	return *m.mappedExternal, true
}
