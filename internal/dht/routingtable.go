package dht

import (
	"sort"
	"sync"
	"time"
)

// K is the Kademlia replication parameter: the maximum contacts per bucket.
const K = 20

// NumBuckets is the number of k-buckets, one per possible XOR-distance bit
// length over a 256-bit node id space.
const NumBuckets = 256

// kBucket holds up to K contacts ordered least-recently-seen first.
type kBucket struct {
	mu       sync.Mutex
	contacts []Contact
}

func (b *kBucket) add(c Contact) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.contacts {
		if existing.Equal(c) {
			c.LastSeen = time.Now()
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return true
		}
	}

	if len(b.contacts) >= K {
		// Stability preference: reject rather than evict. A replacement
		// probe against the least-recently-seen contact is left as an
		// extension, matching the routing table this is grounded on.
		return false
	}

	if c.LastSeen.IsZero() {
		c.LastSeen = time.Now()
	}
	b.contacts = append(b.contacts, c)
	return true
}

func (b *kBucket) remove(id NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.contacts {
		if c.NodeID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return
		}
	}
}

func (b *kBucket) updateLastSeen(id NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.contacts {
		if c.NodeID == id {
			c.LastSeen = time.Now()
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return
		}
	}
}

func (b *kBucket) snapshot() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Contact, len(b.contacts))
	copy(out, b.contacts)
	return out
}

// RoutingTable is a Kademlia routing table of NumBuckets k-buckets indexed
// by XOR-distance bit length to the local node id.
type RoutingTable struct {
	local   NodeID
	buckets [NumBuckets]*kBucket
}

// NewRoutingTable returns an empty routing table for local.
func NewRoutingTable(local NodeID) *RoutingTable {
	rt := &RoutingTable{local: local}
	for i := range rt.buckets {
		rt.buckets[i] = &kBucket{}
	}
	return rt
}

// Add inserts or refreshes a contact. It returns false if the contact's
// bucket is full and the contact is new (the bucket rejects it).
func (rt *RoutingTable) Add(c Contact) bool {
	if c.NodeID == rt.local {
		return false
	}
	idx := BucketIndex(XORDistance(rt.local, c.NodeID))
	return rt.buckets[idx].add(c)
}

// Remove evicts a contact by id, if present.
func (rt *RoutingTable) Remove(id NodeID) {
	idx := BucketIndex(XORDistance(rt.local, id))
	rt.buckets[idx].remove(id)
}

// UpdateLastSeen moves an existing contact to the most-recently-seen end of
// its bucket.
func (rt *RoutingTable) UpdateLastSeen(id NodeID) {
	idx := BucketIndex(XORDistance(rt.local, id))
	rt.buckets[idx].updateLastSeen(id)
}

// Get returns the contact with id, if tracked.
func (rt *RoutingTable) Get(id NodeID) (Contact, bool) {
	idx := BucketIndex(XORDistance(rt.local, id))
	for _, c := range rt.buckets[idx].snapshot() {
		if c.NodeID == id {
			return c, true
		}
	}
	return Contact{}, false
}

// FindClosest returns up to count contacts across all buckets, sorted by
// XOR distance to target.
func (rt *RoutingTable) FindClosest(target NodeID, count int) []Contact {
	all := make([]Contact, 0, count*2)
	for _, b := range rt.buckets {
		all = append(all, b.snapshot()...)
	}

	sort.Slice(all, func(i, j int) bool {
		di := XORDistance(target, all[i].NodeID)
		dj := XORDistance(target, all[j].NodeID)
		return di.Cmp(dj) < 0
	})

	if count < len(all) {
		all = all[:count]
	}
	return all
}

// BucketSize returns the current contact count of the bucket target falls
// into, for tests and diagnostics.
func (rt *RoutingTable) BucketSize(idx int) int {
	if idx < 0 || idx >= NumBuckets {
		return 0
	}
	return len(rt.buckets[idx].snapshot())
}
