package nat

import (
	"context"
	"testing"
	"time"
)

// directToServerSender delivers a client's datagrams straight into the
// shared RelayServer, and routes the server's reply straight back into the
// originating Relay client — an in-process stand-in for a real socket pair,
// the same style as the dht package's memNetwork.
type directToServerSender struct {
	server   *RelayServer
	selfHost string
	selfPort int
	client   *Relay
}

func (s *directToServerSender) SendTo(host string, port int, data []byte) error {
	reply := &loopbackRelaySender{target: s.client}
	_ = s.server.HandleDatagram(reply, s.selfHost, s.selfPort, data)
	return nil
}

type loopbackRelaySender struct {
	target *Relay
}

func (l *loopbackRelaySender) SendTo(_ string, _ int, data []byte) error {
	if l.target != nil {
		l.target.HandleDatagram("relay.local", 9000, data)
	}
	return nil
}

func newTestRelay(server *RelayServer, id NodeID, host string, port int) *Relay {
	sender := &directToServerSender{server: server, selfHost: host, selfPort: port}
	r := NewRelay(id, "relay.local", 9000, sender)
	sender.client = r
	return r
}

func TestRelayAnnounceAndQuery(t *testing.T) {
	server := NewRelayServer()

	var nodeA, nodeB NodeID
	nodeA[0] = 0xAA
	nodeB[0] = 0xBB

	relayA := newTestRelay(server, nodeA, "10.0.0.1", 7001)
	relayB := newTestRelay(server, nodeB, "10.0.0.2", 7002)

	if err := relayA.RegisterLocal("10.0.0.1", 7001); err != nil {
		t.Fatalf("RegisterLocal a: %v", err)
	}
	defer relayA.Unregister()

	if err := relayB.RegisterLocal("10.0.0.2", 7002); err != nil {
		t.Fatalf("RegisterLocal b: %v", err)
	}
	defer relayB.Unregister()

	if got := server.RegistrationCount(); got != 2 {
		t.Fatalf("RegistrationCount = %d, want 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// B has no hint for A and isn't pinned, so Resolve falls through to the
	// relay query and finds A's announced endpoint.
	ep, err := relayB.Resolve(ctx, nodeA, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Host != "10.0.0.1" || ep.Port != 7001 {
		t.Fatalf("Resolve = %+v, want A's announced endpoint", ep)
	}

	stats := relayB.Stats()
	if stats.RelayAttempts != 1 || stats.RelaySuccesses != 1 {
		t.Fatalf("stats = %+v, want 1 relay attempt/success", stats)
	}
}

func TestRelayDirectHintOptimistic(t *testing.T) {
	server := NewRelayServer()
	var nodeA NodeID
	nodeA[0] = 0x01
	relay := newTestRelay(server, nodeA, "10.0.0.9", 7009)

	hint := &Endpoint{Host: "192.168.1.5", Port: 4000}
	ep, err := relay.Resolve(context.Background(), NodeID{0x02}, hint)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep != *hint {
		t.Fatalf("Resolve = %+v, want hint %+v", ep, *hint)
	}
	if relay.Stats().DirectAttempts != 1 {
		t.Fatal("expected direct attempt to be counted")
	}
}

func TestMarkRelayRequiredSkipsDirectHint(t *testing.T) {
	server := NewRelayServer()
	var self, peer, target NodeID
	self[0] = 0x10
	peer[0] = 0x20
	target = peer

	relay := newTestRelay(server, self, "10.0.0.3", 7003)

	// Announce the peer so the relay query has something to find once the
	// peer is pinned to relayed routing.
	peerRelay := newTestRelay(server, peer, "10.0.0.4", 7004)
	if err := peerRelay.RegisterLocal("10.0.0.4", 7004); err != nil {
		t.Fatalf("RegisterLocal: %v", err)
	}
	defer peerRelay.Unregister()

	relay.MarkRelayRequired(target)

	hint := &Endpoint{Host: "stale.example", Port: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ep, err := relay.Resolve(ctx, target, hint)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Host == hint.Host {
		t.Fatal("pinned peer must not resolve via the direct hint")
	}
	if ep.Host != "10.0.0.4" || ep.Port != 7004 {
		t.Fatalf("Resolve = %+v, want peer's relay-known endpoint", ep)
	}
}
