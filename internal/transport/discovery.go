package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// Discovery opcodes, per the wire format: a single byte followed, for
// ANNOUNCE/RESPONSE, by node_id(32) || port(2).
const (
	discOpAnnounce byte = 1
	discOpRequest  byte = 2
	discOpResponse byte = 3
)

// DefaultDiscoveryPort is the broadcast port the LAN discovery sidechannel
// uses by default.
const DefaultDiscoveryPort = 9337

const discoveryAnnounceInterval = 10 * time.Second

// OnPeerFunc is invoked when an ANNOUNCE or RESPONSE is observed from
// another node.
type OnPeerFunc func(ip net.IP, port int, nodeID [32]byte)

// Discovery is the LAN peer-discovery broadcast sidechannel, running on its
// own UDP socket independent of the application transport.
type Discovery struct {
	nodeID  [32]byte
	port    int // the application transport's port, announced to peers
	onPeer  OnPeerFunc

	conn    *net.UDPConn
	bcast   *net.UDPAddr
	stopCh  chan struct{}

	dropped atomic.Uint64
	log     *slog.Logger
}

func newDiscovery(host string, nodeID [32]byte, servicePort int, onPeer OnPeerFunc) (*Discovery, error) {
	listenAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf(":%d", DefaultDiscoveryPort))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve discovery addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen discovery: %w", err)
	}

	effectiveHost := host
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		effectiveHost = localOutboundAddress().String()
	}
	bcastIP := broadcastAddressFor(effectiveHost)
	return &Discovery{
		nodeID: nodeID,
		port:   servicePort,
		onPeer: onPeer,
		conn:   conn,
		bcast:  &net.UDPAddr{IP: bcastIP, Port: DefaultDiscoveryPort},
		stopCh: make(chan struct{}),
		log:    slog.Default().With("component", "lan-discovery"),
	}, nil
}

// broadcastAddressFor picks a local-subnet broadcast address to target,
// falling back to the limited broadcast address if the host address can't
// be parsed into a useful subnet guess.
func broadcastAddressFor(host string) net.IP {
	ip := net.ParseIP(host)
	if ip == nil || ip.IsUnspecified() {
		return net.IPv4(255, 255, 255, 255)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return net.IPv4(255, 255, 255, 255)
	}
	// Assume a /24 — best-effort for a LAN sidechannel, not routing-table derived.
	return net.IPv4(ip4[0], ip4[1], ip4[2], 255)
}

// Start begins listening and periodic announcing.
func (d *Discovery) Start() {
	go d.listenLoop()
	go d.announceLoop()
	d.sendAnnounce()
}

// Stop closes the discovery socket.
func (d *Discovery) Stop() {
	close(d.stopCh)
	d.conn.Close()
}

func (d *Discovery) listenLoop() {
	buf := make([]byte, 64)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		d.handle(buf[:n], addr)
	}
}

func (d *Discovery) announceLoop() {
	ticker := time.NewTicker(discoveryAnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sendAnnounce()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Discovery) handle(data []byte, addr *net.UDPAddr) {
	if len(data) < 1 {
		d.dropped.Add(1)
		return
	}

	switch data[0] {
	case discOpAnnounce, discOpResponse:
		if len(data) != 35 {
			d.dropped.Add(1)
			return
		}
		var peerID [32]byte
		copy(peerID[:], data[1:33])
		port := int(data[33])<<8 | int(data[34])
		if peerID == d.nodeID {
			return
		}
		if d.onPeer != nil {
			d.onPeer(addr.IP, port, peerID)
		}

	case discOpRequest:
		d.sendResponse(addr)

	default:
		d.dropped.Add(1)
	}
}

func (d *Discovery) encodeSelf(opcode byte) []byte {
	out := make([]byte, 35)
	out[0] = opcode
	copy(out[1:33], d.nodeID[:])
	out[33] = byte(d.port >> 8)
	out[34] = byte(d.port)
	return out
}

func (d *Discovery) sendAnnounce() {
	d.conn.WriteToUDP(d.encodeSelf(discOpAnnounce), d.bcast)
}

func (d *Discovery) sendResponse(to *net.UDPAddr) {
	d.conn.WriteToUDP(d.encodeSelf(discOpResponse), to)
}

// DroppedCount reports the number of malformed discovery datagrams seen.
func (d *Discovery) DroppedCount() uint64 {
	return d.dropped.Load()
}
