// Package dht implements the Kademlia routing table (C10) and DHT (C11):
// k-buckets keyed by XOR distance, iterative FIND_NODE/FIND_VALUE/STORE,
// and provider records for content-addressed discovery.
package dht

import (
	"fmt"
	"math/big"
	"time"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multiaddr"
)

// NodeID is a 32-byte opaque Kademlia key, matching the crypto façade's
// node-identifier output.
type NodeID [32]byte

// Contact is a routing-table entry: a node id paired with its last-known
// address. Equality is by NodeID only.
type Contact struct {
	NodeID   NodeID
	Host     string
	Port     int
	LastSeen time.Time
}

// Equal reports whether c and other name the same node, ignoring address
// and last-seen time.
func (c Contact) Equal(other Contact) bool {
	return c.NodeID == other.NodeID
}

// String renders id as a base58 short id, the same rendering libp2p peer
// ids use, for compact log lines.
func (id NodeID) String() string {
	return base58.Encode(id[:])
}

// Multiaddr renders c's address as a multiaddr, e.g. /ip4/10.0.0.5/udp/4700.
func (c Contact) Multiaddr() (multiaddr.Multiaddr, error) {
	proto := "ip4"
	if isIPv6(c.Host) {
		proto = "ip6"
	}
	return multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/udp/%d", proto, c.Host, c.Port))
}

func isIPv6(host string) bool {
	for _, r := range host {
		if r == ':' {
			return true
		}
	}
	return false
}

// XORDistance returns the unsigned XOR distance between a and b as a
// big.Int so it composes with bit-length bucket indexing regardless of key
// width.
func XORDistance(a, b NodeID) *big.Int {
	var x [32]byte
	for i := range a {
		x[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(x[:])
}

// BucketIndex returns the k-bucket index for distance: bitlen(distance)-1,
// or 0 when distance is zero.
func BucketIndex(distance *big.Int) int {
	bits := distance.BitLen()
	if bits == 0 {
		return 0
	}
	return bits - 1
}
