package dht

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// contentCID wraps a content id as a CIDv1 over an identity multihash, for
// display in logs and error messages in a form consistent with the wider
// content-addressing ecosystem.
func contentCID(id NodeID) (cid.Cid, error) {
	mh, err := multihash.Encode(id[:], multihash.IDENTITY)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// Alpha is the Kademlia lookup concurrency parameter.
const Alpha = 3

// DefaultRPCTimeout is the per-RPC timeout; timeouts are not retried by the
// DHT itself, the iterative loop compensates with additional contacts.
const DefaultRPCTimeout = 5 * time.Second

// Sender is the minimal outbound capability the DHT needs from a transport;
// UDP framing and socket ownership belong to the transport package.
type Sender interface {
	SendTo(host string, port int, data []byte) error
}

// DHT implements the Kademlia distributed hash table over a Sender.
type DHT struct {
	local NodeID
	rt    *RoutingTable
	send  Sender
	log   *slog.Logger

	mu        sync.Mutex
	pending   map[RequestID]chan *datagram
	store     map[NodeID][]byte
	providers map[NodeID]map[NodeID]Contact

	rpcTimeout time.Duration
}

// New returns a DHT for the local node id, using send for outbound RPCs.
func New(local NodeID, send Sender) *DHT {
	return &DHT{
		local:      local,
		rt:         NewRoutingTable(local),
		send:       send,
		log:        slog.Default().With("component", "dht", "node_id", local.String()),
		pending:    make(map[RequestID]chan *datagram),
		store:      make(map[NodeID][]byte),
		providers:  make(map[NodeID]map[NodeID]Contact),
		rpcTimeout: DefaultRPCTimeout,
	}
}

// RoutingTable exposes the underlying routing table for bootstrap seeding
// and diagnostics.
func (d *DHT) RoutingTable() *RoutingTable { return d.rt }

// HandleDatagram dispatches an inbound DHT datagram: pending-response
// delivery if its request id is awaited, otherwise RPC-request handling.
func (d *DHT) HandleDatagram(fromHost string, fromPort int, data []byte) {
	dg, err := decodeDatagram(data)
	if err != nil {
		d.log.Debug("malformed DHT datagram", "error", err, "from", fromHost)
		return
	}

	d.mu.Lock()
	ch, waiting := d.pending[dg.RequestID]
	d.mu.Unlock()
	if waiting {
		select {
		case ch <- dg:
		default:
		}
		return
	}

	d.handleRequest(fromHost, fromPort, dg)
}

func (d *DHT) handleRequest(fromHost string, fromPort int, dg *datagram) {
	switch dg.Opcode {
	case OpPing:
		d.handlePing(fromHost, fromPort, dg)
	case OpFindNode:
		d.handleFindNode(fromHost, fromPort, dg)
	case OpStore:
		d.handleStore(fromHost, fromPort, dg)
	case OpFindValue:
		d.handleFindValue(fromHost, fromPort, dg)
	default:
		d.log.Debug("unexpected DHT opcode as request", "opcode", dg.Opcode)
	}
}

func (d *DHT) handlePing(fromHost string, fromPort int, dg *datagram) {
	var p pingPayload
	if err := decodePayload(dg.Payload, &p); err != nil {
		return
	}
	d.rt.Add(Contact{NodeID: p.NodeID, Host: fromHost, Port: fromPort, LastSeen: time.Now()})

	reply, err := encodeDatagram(dg.RequestID, OpPong, pongPayload{NodeID: d.local})
	if err != nil {
		return
	}
	_ = d.send.SendTo(fromHost, fromPort, reply)
}

func (d *DHT) handleFindNode(fromHost string, fromPort int, dg *datagram) {
	var p findNodePayload
	if err := decodePayload(dg.Payload, &p); err != nil {
		return
	}
	d.rt.Add(Contact{NodeID: p.NodeID, Host: fromHost, Port: fromPort, LastSeen: time.Now()})

	closest := d.rt.FindClosest(p.Target, K)
	wire := make([]wireContact, len(closest))
	for i, c := range closest {
		wire[i] = toWire(c)
	}

	reply, err := encodeDatagram(dg.RequestID, OpFoundNode, foundNodePayload{Contacts: wire})
	if err != nil {
		return
	}
	_ = d.send.SendTo(fromHost, fromPort, reply)
}

func (d *DHT) handleStore(fromHost string, fromPort int, dg *datagram) {
	var p storePayload
	if err := decodePayload(dg.Payload, &p); err != nil {
		return
	}
	d.rt.Add(Contact{NodeID: p.NodeID, Host: fromHost, Port: fromPort, LastSeen: time.Now()})

	d.mu.Lock()
	if p.IsProvider {
		set, ok := d.providers[p.ContentID]
		if !ok {
			set = make(map[NodeID]Contact)
			d.providers[p.ContentID] = set
		}
		set[p.Provider.NodeID] = fromWire(p.Provider)
	} else {
		d.store[p.ContentID] = p.Value
	}
	d.mu.Unlock()

	reply, err := encodeDatagram(dg.RequestID, OpStoreAck, storeAckPayload{OK: true})
	if err != nil {
		return
	}
	_ = d.send.SendTo(fromHost, fromPort, reply)
}

func (d *DHT) handleFindValue(fromHost string, fromPort int, dg *datagram) {
	var p findValuePayload
	if err := decodePayload(dg.Payload, &p); err != nil {
		return
	}
	d.rt.Add(Contact{NodeID: p.NodeID, Host: fromHost, Port: fromPort, LastSeen: time.Now()})

	d.mu.Lock()
	value, hasValue := d.store[p.ContentID]
	var providers []wireContact
	for _, c := range d.providers[p.ContentID] {
		providers = append(providers, toWire(c))
	}
	d.mu.Unlock()

	var reply []byte
	var err error
	if hasValue || len(providers) > 0 {
		reply, err = encodeDatagram(dg.RequestID, OpFoundValue, foundValuePayload{Value: value, Providers: providers})
	} else {
		closest := d.rt.FindClosest(p.ContentID, K)
		wire := make([]wireContact, len(closest))
		for i, c := range closest {
			wire[i] = toWire(c)
		}
		reply, err = encodeDatagram(dg.RequestID, OpFoundValue, foundValuePayload{Contacts: wire})
	}
	if err != nil {
		return
	}
	_ = d.send.SendTo(fromHost, fromPort, reply)
}

func decodePayload(data []byte, v any) error {
	return decodeInto(data, v)
}

// awaitResponse registers a pending request and blocks until a matching
// datagram arrives or ctx/timeout expires.
func (d *DHT) awaitResponse(ctx context.Context, reqID RequestID) (*datagram, error) {
	ch := make(chan *datagram, 1)
	d.mu.Lock()
	d.pending[reqID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, reqID)
		d.mu.Unlock()
	}()

	timeout := d.rpcTimeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case dg := <-ch:
		return dg, nil
	case <-timer.C:
		return nil, fmt.Errorf("dht: rpc timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping sends PING to contact and waits for PONG.
func (d *DHT) Ping(ctx context.Context, c Contact) error {
	reqID := NewRequestID()
	msg, err := encodeDatagram(reqID, OpPing, pingPayload{NodeID: d.local})
	if err != nil {
		return err
	}
	if err := d.send.SendTo(c.Host, c.Port, msg); err != nil {
		return fmt.Errorf("dht: ping send: %w", err)
	}
	dg, err := d.awaitResponse(ctx, reqID)
	if err != nil {
		return err
	}
	if dg.Opcode != OpPong {
		return fmt.Errorf("dht: ping: unexpected opcode %d", dg.Opcode)
	}
	d.rt.UpdateLastSeen(c.NodeID)
	return nil
}

func (d *DHT) rpcFindNode(ctx context.Context, c Contact, target NodeID) ([]Contact, error) {
	reqID := NewRequestID()
	msg, err := encodeDatagram(reqID, OpFindNode, findNodePayload{NodeID: d.local, Target: target})
	if err != nil {
		return nil, err
	}
	if err := d.send.SendTo(c.Host, c.Port, msg); err != nil {
		return nil, fmt.Errorf("dht: find_node send: %w", err)
	}
	dg, err := d.awaitResponse(ctx, reqID)
	if err != nil {
		return nil, err
	}
	var p foundNodePayload
	if err := decodeInto(dg.Payload, &p); err != nil {
		return nil, err
	}
	out := make([]Contact, len(p.Contacts))
	for i, w := range p.Contacts {
		out[i] = fromWire(w)
	}
	return out, nil
}

// FindNode performs an iterative lookup for target and returns the k
// closest live contacts discovered (property 9: DHT convergence).
func (d *DHT) FindNode(ctx context.Context, target NodeID) ([]Contact, error) {
	shortlist := d.rt.FindClosest(target, K)
	queried := make(map[NodeID]bool)

	for {
		candidates := closestUnqueried(shortlist, queried, Alpha)
		if len(candidates) == 0 {
			break
		}

		var mu sync.Mutex
		discovered := make([]Contact, 0)
		g, gctx := errgroup.WithContext(ctx)
		for _, c := range candidates {
			c := c
			queried[c.NodeID] = true
			g.Go(func() error {
				found, err := d.rpcFindNode(gctx, c, target)
				if err != nil {
					peer := c.Host
					if addr, maErr := c.Multiaddr(); maErr == nil {
						peer = addr.String()
					}
					d.log.Debug("find_node rpc failed", "peer", peer, "error", err)
					return nil // per-RPC failures do not abort the round
				}
				mu.Lock()
				discovered = append(discovered, found...)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		improved := false
		for _, c := range discovered {
			if c.NodeID == d.local {
				continue
			}
			d.rt.Add(c)
			if addToShortlist(&shortlist, c, target) {
				improved = true
			}
		}
		sortByDistance(shortlist, target)
		if len(shortlist) > K {
			shortlist = shortlist[:K]
		}
		if !improved {
			break
		}
	}

	return shortlist, nil
}

func (d *DHT) rpcStore(ctx context.Context, c Contact, payload storePayload) error {
	reqID := NewRequestID()
	msg, err := encodeDatagram(reqID, OpStore, payload)
	if err != nil {
		return err
	}
	if err := d.send.SendTo(c.Host, c.Port, msg); err != nil {
		return fmt.Errorf("dht: store send: %w", err)
	}
	dg, err := d.awaitResponse(ctx, reqID)
	if err != nil {
		return err
	}
	var ack storeAckPayload
	if err := decodeInto(dg.Payload, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("dht: store rejected")
	}
	return nil
}

// Store places value at the k closest nodes discovered for contentID.
// Duplicate store requests are idempotent.
func (d *DHT) Store(ctx context.Context, contentID NodeID, value []byte) error {
	targets, err := d.FindNode(ctx, contentID)
	if err != nil {
		return err
	}

	var combined error
	for _, c := range targets {
		if err := d.rpcStore(ctx, c, storePayload{NodeID: d.local, ContentID: contentID, Value: value}); err != nil {
			combined = multierr.Append(combined, err)
		}
	}
	return combined
}

// AnnounceProvider records the local node as a provider for contentID at
// the k closest nodes.
func (d *DHT) AnnounceProvider(ctx context.Context, contentID NodeID, self Contact) error {
	targets, err := d.FindNode(ctx, contentID)
	if err != nil {
		return err
	}

	var combined error
	for _, c := range targets {
		payload := storePayload{NodeID: d.local, ContentID: contentID, IsProvider: true, Provider: toWire(self)}
		if err := d.rpcStore(ctx, c, payload); err != nil {
			combined = multierr.Append(combined, err)
		}
	}
	return combined
}

func (d *DHT) rpcFindValue(ctx context.Context, c Contact, contentID NodeID) (*foundValuePayload, error) {
	reqID := NewRequestID()
	msg, err := encodeDatagram(reqID, OpFindValue, findValuePayload{NodeID: d.local, ContentID: contentID})
	if err != nil {
		return nil, err
	}
	if err := d.send.SendTo(c.Host, c.Port, msg); err != nil {
		return nil, fmt.Errorf("dht: find_value send: %w", err)
	}
	dg, err := d.awaitResponse(ctx, reqID)
	if err != nil {
		return nil, err
	}
	var p foundValuePayload
	if err := decodeInto(dg.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FindValue looks up contentID, first locally, then iteratively across the
// network, returning the value if found or an error if the lookup
// exhausts without locating it.
func (d *DHT) FindValue(ctx context.Context, contentID NodeID) ([]byte, error) {
	d.mu.Lock()
	if v, ok := d.store[contentID]; ok {
		d.mu.Unlock()
		return v, nil
	}
	d.mu.Unlock()

	shortlist := d.rt.FindClosest(contentID, K)
	queried := make(map[NodeID]bool)

	for {
		candidates := closestUnqueried(shortlist, queried, Alpha)
		if len(candidates) == 0 {
			break
		}

		for _, c := range candidates {
			queried[c.NodeID] = true
			resp, err := d.rpcFindValue(ctx, c, contentID)
			if err != nil {
				continue
			}
			if len(resp.Value) > 0 {
				return resp.Value, nil
			}
			for _, w := range resp.Contacts {
				contact := fromWire(w)
				d.rt.Add(contact)
				addToShortlist(&shortlist, contact, contentID)
			}
			sortByDistance(shortlist, contentID)
			if len(shortlist) > K {
				shortlist = shortlist[:K]
			}
		}
	}
	if c, err := contentCID(contentID); err == nil {
		return nil, fmt.Errorf("dht: value not found for %s", c)
	}
	return nil, fmt.Errorf("dht: value not found for %x", contentID[:8])
}

// sortByDistance orders shortlist by ascending XOR distance to target.
// closestUnqueried depends on this ordering to pick its candidates.
func sortByDistance(shortlist []Contact, target NodeID) {
	sort.Slice(shortlist, func(i, j int) bool {
		di := XORDistance(target, shortlist[i].NodeID)
		dj := XORDistance(target, shortlist[j].NodeID)
		return di.Cmp(dj) < 0
	})
}

// FindProviders looks up the set of contacts announced as providers for
// contentID, first locally, then iteratively across the network, mirroring
// FindValue's lookup but surfacing the providers FIND_VALUE responses carry
// alongside (or instead of) a stored value.
func (d *DHT) FindProviders(ctx context.Context, contentID NodeID) ([]Contact, error) {
	d.mu.Lock()
	if set, ok := d.providers[contentID]; ok && len(set) > 0 {
		out := make([]Contact, 0, len(set))
		for _, c := range set {
			out = append(out, c)
		}
		d.mu.Unlock()
		return out, nil
	}
	d.mu.Unlock()

	shortlist := d.rt.FindClosest(contentID, K)
	queried := make(map[NodeID]bool)

	for {
		candidates := closestUnqueried(shortlist, queried, Alpha)
		if len(candidates) == 0 {
			break
		}

		for _, c := range candidates {
			queried[c.NodeID] = true
			resp, err := d.rpcFindValue(ctx, c, contentID)
			if err != nil {
				continue
			}
			if len(resp.Providers) > 0 {
				out := make([]Contact, len(resp.Providers))
				for i, w := range resp.Providers {
					out[i] = fromWire(w)
				}
				return out, nil
			}
			for _, w := range resp.Contacts {
				contact := fromWire(w)
				d.rt.Add(contact)
				addToShortlist(&shortlist, contact, contentID)
			}
			sortByDistance(shortlist, contentID)
			if len(shortlist) > K {
				shortlist = shortlist[:K]
			}
		}
	}

	if c, err := contentCID(contentID); err == nil {
		return nil, fmt.Errorf("dht: no providers found for %s", c)
	}
	return nil, fmt.Errorf("dht: no providers found for %x", contentID[:8])
}

// closestUnqueried returns up to n not-yet-queried contacts from shortlist,
// which callers must keep sorted by ascending distance to the lookup target.
func closestUnqueried(shortlist []Contact, queried map[NodeID]bool, n int) []Contact {
	out := make([]Contact, 0, n)
	for _, c := range shortlist {
		if queried[c.NodeID] {
			continue
		}
		out = append(out, c)
		if len(out) == n {
			break
		}
	}
	return out
}

func addToShortlist(shortlist *[]Contact, c Contact, target NodeID) bool {
	for _, existing := range *shortlist {
		if existing.Equal(c) {
			return false
		}
	}
	*shortlist = append(*shortlist, c)
	return true
}
