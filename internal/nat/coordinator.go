// Package nat implements the NAT coordinator (C12): a pluggable interface
// the node consults to translate a peer node id into a dialable address,
// with manual and relay strategies.
package nat

import "context"

// Endpoint is a dialable (host, port) pair.
type Endpoint struct {
	Host string
	Port int
}

// NodeID is a 32-byte opaque node identifier, matching dht.NodeID's shape
// without creating a dependency between the two packages.
type NodeID [32]byte

// Stats is a coordinator's point-in-time statistics snapshot.
type Stats struct {
	DirectAttempts  uint64
	DirectSuccesses uint64
	RelayAttempts   uint64
	RelaySuccesses  uint64
	RelayedPeers    int
}

// Coordinator is the abstract interface the node consults to resolve a
// peer's address.
type Coordinator interface {
	// RegisterLocal announces this node's own dialable address.
	RegisterLocal(host string, port int) error
	// Resolve returns a (host, port) to dial for peerID. hint, if non-nil,
	// is a previously-known direct address to try first.
	Resolve(ctx context.Context, peerID NodeID, hint *Endpoint) (Endpoint, error)
	// Unregister withdraws the local registration, e.g. on shutdown.
	Unregister() error
}
