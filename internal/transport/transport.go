// Package transport implements the node's UDP datagram transport (C8):
// binding a local socket, dispatching inbound datagrams to a registered
// handler, and sending bytes or pre-framed payloads to a peer address.
package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	flow "github.com/libp2p/go-flow-metrics"
	"github.com/libp2p/go-reuseport"
	temperrcatcher "github.com/jbenet/go-temp-err-catcher"
)

// MaxSafeMTU is the datagram size above which Send logs a warning: beyond
// this, IP fragmentation on typical paths becomes likely.
const MaxSafeMTU = 1472

const recvBufferSize = 64 * 1024

// Handler processes one inbound application datagram.
type Handler func(data []byte, addr *net.UDPAddr)

// Stats is a point-in-time snapshot of transport activity.
type Stats struct {
	BytesSent        uint64
	BytesRecv        uint64
	PacketsSent      uint64
	PacketsRecv      uint64
	SendErrors       uint64
	RecvErrors       uint64
	DiscoveryDropped uint64
	UptimeSec        float64
	SendRateBps      float64
	RecvRateBps      float64
}

// Transport is a UDP endpoint with SO_REUSEPORT binding, oversized-datagram
// warnings and byte-rate metering.
type Transport struct {
	conn    net.PacketConn
	host    string
	port    int
	handler Handler

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	bytesSent, bytesRecv      atomic.Uint64
	packetsSent, packetsRecv  atomic.Uint64
	sendErrors, recvErrors    atomic.Uint64
	startedAt                 time.Time

	sendMeter, recvMeter *flow.Meter
	disc                 *Discovery
	log                  *slog.Logger
}

// New binds a UDP socket on host:port with SO_REUSEPORT so multiple
// processes (or restarts during a graceful handoff) can share the port.
func New(host string, port int) (*Transport, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := reuseport.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	return &Transport{
		conn:       conn,
		host:       host,
		port:       port,
		stopCh:     make(chan struct{}),
		sendMeter:  &flow.Meter{},
		recvMeter:  &flow.Meter{},
		startedAt:  time.Now(),
		log:        slog.Default().With("component", "transport"),
	}, nil
}

// Start registers handler and begins the receive loop in the background.
func (t *Transport) Start(handler Handler) {
	t.handler = handler
	t.running.Store(true)
	t.wg.Add(1)
	go t.receiveLoop()
}

// EnableDiscovery starts the LAN discovery sidechannel alongside the main
// transport, announcing nodeID/port on the broadcast group.
func (t *Transport) EnableDiscovery(nodeID [32]byte, onPeer func(ip net.IP, port int, nodeID [32]byte)) error {
	disc, err := newDiscovery(t.host, nodeID, t.port, onPeer)
	if err != nil {
		return err
	}
	t.disc = disc
	disc.Start()
	return nil
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()

	var tec temperrcatcher.TempErrCatcher
	buf := make([]byte, recvBufferSize)

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if !t.running.Load() {
				return
			}
			if tec.IsTemporary(err) {
				continue
			}
			t.recvErrors.Add(1)
			t.log.Error("receive loop fatal error", "error", err)
			return
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		t.bytesRecv.Add(uint64(n))
		t.packetsRecv.Add(1)
		t.recvMeter.Mark(uint64(n))

		if t.handler != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.handler(data, udpAddr)
		}
	}
}

// Send transmits data to addr, warning (but not refusing) if it exceeds
// MaxSafeMTU.
func (t *Transport) Send(data []byte, addr *net.UDPAddr) error {
	if !t.running.Load() {
		return ErrTransportDown
	}
	if len(data) > MaxSafeMTU {
		t.log.Warn("outbound datagram exceeds safe MTU", "size", len(data), "mtu", MaxSafeMTU, "addr", addr)
	}

	n, err := t.conn.WriteTo(data, addr)
	if err != nil {
		t.sendErrors.Add(1)
		return fmt.Errorf("transport: send to %s: %w", addr, err)
	}

	t.bytesSent.Add(uint64(n))
	t.packetsSent.Add(1)
	t.sendMeter.Mark(uint64(n))
	return nil
}

// Close shuts down the receive loop, discovery sidechannel and socket.
func (t *Transport) Close() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stopCh)
	if t.disc != nil {
		t.disc.Stop()
	}
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// LocalAddr returns the transport's bound local address, useful when port 0
// was requested and the kernel assigned an ephemeral one.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Stats returns a point-in-time snapshot of transport activity.
func (t *Transport) Stats() Stats {
	sendSnap := t.sendMeter.Snapshot()
	recvSnap := t.recvMeter.Snapshot()
	var dropped uint64
	if t.disc != nil {
		dropped = t.disc.DroppedCount()
	}
	return Stats{
		BytesSent:        t.bytesSent.Load(),
		BytesRecv:        t.bytesRecv.Load(),
		PacketsSent:      t.packetsSent.Load(),
		PacketsRecv:      t.packetsRecv.Load(),
		SendErrors:       t.sendErrors.Load(),
		RecvErrors:       t.recvErrors.Load(),
		DiscoveryDropped: dropped,
		UptimeSec:        time.Since(t.startedAt).Seconds(),
		SendRateBps:      sendSnap.Rate,
		RecvRateBps:      recvSnap.Rate,
	}
}
