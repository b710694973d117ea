// Package node wires the STT core packages (handshake, session, stream,
// frame, transport) into the running endpoint (C9): one Node owns one UDP
// socket, drives a handshake per new peer contact, keeps a table of active
// sessions, and pumps stream segments to and from the wire.
package node

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kestrelnet/stt/internal/chamber"
	"github.com/kestrelnet/stt/internal/config"
	"github.com/kestrelnet/stt/internal/crypto"
	"github.com/kestrelnet/stt/internal/frame"
	"github.com/kestrelnet/stt/internal/handshake"
	"github.com/kestrelnet/stt/internal/nat"
	"github.com/kestrelnet/stt/internal/session"
	"github.com/kestrelnet/stt/internal/stream"
	"github.com/kestrelnet/stt/internal/transport"
)

// recvQueueCapacity bounds the number of fully-decoded application packets
// a Node buffers; once it is full, the per-stream receive pumps block until
// ReceivedPackets is drained.
const recvQueueCapacity = 4096

// connectTimeout bounds how long Connect waits for the peer to complete the
// four-message handshake.
const connectTimeout = 10 * time.Second

// ReceivedPacket is one fully decrypted, in-order application payload
// delivered on a stream.
type ReceivedPacket struct {
	SessionID [8]byte
	StreamID  uint64
	Data      []byte
}

type pendingConnect struct {
	engine   *handshake.Engine
	addr     *net.UDPAddr
	resultCh chan connectResult
}

type connectResult struct {
	sess *session.Session
	err  error
}

type sessionHealth struct {
	mu              sync.Mutex
	decryptFailures uint64
	lastActive      time.Time
}

// Node is a running STT endpoint: identity, transport, handshake engines in
// flight, and the table of active sessions it accumulates over its lifetime.
type Node struct {
	localID         [32]byte
	presharedFacade crypto.Facade
	rotationPolicy  session.RotationPolicy

	codec     *frame.Codec
	transport *transport.Transport
	chamber   *chamber.Chamber
	coord     nat.Coordinator

	mu                sync.RWMutex
	sessions          map[uint64]*session.Session
	sessionPeerAddr   map[uint64]*net.UDPAddr
	health            map[uint64]*sessionHealth
	responderEngines  map[string]*handshake.Engine
	pendingConnects   map[string]*pendingConnect

	recvQueue chan ReceivedPacket

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	startedAt time.Time
	log       *slog.Logger
}

// New constructs a Node bound to cfg's listen address and the pre-shared
// handshake seed presharedSeed. It does not start the receive loop; call
// Start for that.
func New(cfg *config.Config, presharedSeed []byte) (*Node, error) {
	localID, err := resolveNodeID(cfg.NodeID)
	if err != nil {
		return nil, err
	}

	tr, err := transport.New(cfg.ListenHost, cfg.ListenPort)
	if err != nil {
		return nil, fmt.Errorf("node: open transport: %w", err)
	}

	var ch *chamber.Chamber
	if cfg.ChamberDir != "" {
		nodeFacade := crypto.NewFacade(localID[:])
		ch, err = chamber.Open(cfg.ChamberDir, localID, nodeFacade)
		if err != nil {
			tr.Close()
			return nil, fmt.Errorf("node: open chamber: %w", err)
		}
	}

	n := &Node{
		localID:          localID,
		presharedFacade:  crypto.NewFacade(presharedSeed),
		rotationPolicy:   rotationPolicyFromConfig(cfg),
		codec:            frame.NewCodec(),
		transport:        tr,
		chamber:          ch,
		sessions:         make(map[uint64]*session.Session),
		sessionPeerAddr:  make(map[uint64]*net.UDPAddr),
		health:           make(map[uint64]*sessionHealth),
		responderEngines: make(map[string]*handshake.Engine),
		pendingConnects:  make(map[string]*pendingConnect),
		recvQueue:        make(chan ReceivedPacket, recvQueueCapacity),
		stopCh:           make(chan struct{}),
		startedAt:        time.Now(),
		log:              slog.Default().With("component", "node"),
	}
	return n, nil
}

func rotationPolicyFromConfig(cfg *config.Config) session.RotationPolicy {
	p := session.DefaultRotationPolicy()
	if cfg.RotationDataThresholdGB > 0 {
		p.DataThreshold = uint64(cfg.RotationDataThresholdGB) << 30
	}
	if cfg.RotationTimeThresholdMin > 0 {
		p.TimeThreshold = time.Duration(cfg.RotationTimeThresholdMin) * time.Minute
	}
	if cfg.RotationMessageThreshold > 0 {
		p.MessageThreshold = uint64(cfg.RotationMessageThreshold)
	}
	if cfg.RotationGraceFrames > 0 {
		p.GraceFrames = uint64(cfg.RotationGraceFrames)
	}
	return p
}

func resolveNodeID(hexID string) ([32]byte, error) {
	var id [32]byte
	if hexID == "" {
		if _, err := rand.Read(id[:]); err != nil {
			return id, fmt.Errorf("node: generate node id: %w", err)
		}
		return id, nil
	}
	raw, err := hex.DecodeString(hexID)
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("node: node_id must be 32 hex-encoded bytes")
	}
	copy(id[:], raw)
	return id, nil
}

// LocalID returns this node's 32-byte identity.
func (n *Node) LocalID() [32]byte { return n.localID }

// LocalAddr returns the UDP address the node's transport is bound to.
func (n *Node) LocalAddr() *net.UDPAddr { return n.transport.LocalAddr() }

// SetCoordinator attaches a NAT coordinator strategy used by ExecuteAction
// to steer misbehaving peers onto relay paths.
func (n *Node) SetCoordinator(c nat.Coordinator) { n.coord = c }

// Start begins the receive loop and, if requested, the LAN discovery
// sidechannel.
func (n *Node) Start(enableDiscovery bool) error {
	n.transport.Start(n.handleDatagram)
	if enableDiscovery {
		if err := n.transport.EnableDiscovery(n.localID, n.onDiscoveredPeer); err != nil {
			return fmt.Errorf("node: enable discovery: %w", err)
		}
	}
	return nil
}

func (n *Node) onDiscoveredPeer(ip net.IP, port int, peerID [32]byte) {
	n.log.Debug("discovered peer", "ip", ip, "port", port, "peer_id", hex.EncodeToString(peerID[:]))
}

// ReceivedPackets returns the channel of decoded application payloads.
func (n *Node) ReceivedPackets() <-chan ReceivedPacket {
	return n.recvQueue
}

// Connect drives the initiator side of a handshake against host:port and
// blocks until it completes, fails, or ctx is done.
func (n *Node) Connect(ctx context.Context, host string, port int) (*session.Session, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("node: resolve %s:%d: %w", host, port, err)
	}
	addrKey := addr.String()

	engine := handshake.NewInitiator(n.presharedFacade, n.localID)
	hello, err := engine.BuildHello()
	if err != nil {
		return nil, fmt.Errorf("node: build hello: %w", err)
	}

	pc := &pendingConnect{engine: engine, addr: addr, resultCh: make(chan connectResult, 1)}

	n.mu.Lock()
	if _, inFlight := n.pendingConnects[addrKey]; inFlight {
		n.mu.Unlock()
		return nil, ErrHandshakeInFlight
	}
	n.pendingConnects[addrKey] = pc
	n.mu.Unlock()

	if err := n.sendHandshake(kindHello, hello, addr); err != nil {
		n.mu.Lock()
		delete(n.pendingConnects, addrKey)
		n.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()

	select {
	case res := <-pc.resultCh:
		return res.sess, res.err
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.pendingConnects, addrKey)
		n.mu.Unlock()
		return nil, ctx.Err()
	case <-timer.C:
		n.mu.Lock()
		delete(n.pendingConnects, addrKey)
		n.mu.Unlock()
		return nil, ErrHandshakeTimeout
	}
}

func (n *Node) sendHandshake(kind handshakeKind, msg any, addr *net.UDPAddr) error {
	payload, err := encodeEnvelope(kind, msg)
	if err != nil {
		return err
	}
	f := &frame.Frame{
		Type:      frame.TypeHandshake,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   payload,
	}
	wire, err := n.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("node: encode handshake frame: %w", err)
	}
	return n.transport.Send(wire, addr)
}

// OpenStream opens a new stream on sess and starts the send/receive pumps
// that move its segments to and from the wire.
func (n *Node) OpenStream(sess *session.Session) (*stream.Stream, error) {
	st, err := sess.OpenStream()
	if err != nil {
		return nil, err
	}
	n.registerStream(sess, st)
	return st, nil
}

func (n *Node) registerStream(sess *session.Session, st *stream.Stream) {
	n.wg.Add(2)
	go n.sendPump(sess, st)
	go n.recvPump(sess, st)
}

// sendPump drains st's encoded outbound segments and frames each as a
// TypeData datagram. Segments are pushed to Outbound() in the exact order
// the Encoder assigns them sequence numbers, so a locally mirrored counter
// started at 0 stays in lockstep with it without the Stream exposing the
// number itself.
func (n *Node) sendPump(sess *session.Session, st *stream.Stream) {
	defer n.wg.Done()
	var seq uint64
	sessKey := idAsUint64(sess.ID)
	for {
		select {
		case segment, ok := <-st.Outbound():
			if !ok {
				return
			}
			n.mu.RLock()
			addr := n.sessionPeerAddr[sessKey]
			n.mu.RUnlock()
			if addr == nil {
				continue
			}
			f := &frame.Frame{
				Type:      frame.TypeData,
				SessionID: sessKey,
				Sequence:  seq,
				Timestamp: uint64(time.Now().UnixMilli()),
				Payload:   encodeDataPayload(st.ID, segment),
			}
			seq++
			wire, err := n.codec.Encode(f)
			if err != nil {
				n.log.Warn("encode data frame", "error", err)
				continue
			}
			if err := n.transport.Send(wire, addr); err != nil {
				n.log.Warn("send data frame", "error", err)
				continue
			}
			sess.RecordSent(len(wire))
		case <-n.stopCh:
			return
		case <-st.Done():
			return
		}
	}
}

// recvPump drains st's reassembled, in-order chunks into the node-wide
// receive queue.
func (n *Node) recvPump(sess *session.Session, st *stream.Stream) {
	defer n.wg.Done()
	for {
		data, err := st.Receive(0)
		if err != nil {
			if err == io.EOF {
				return
			}
			continue
		}
		pkt := ReceivedPacket{SessionID: sess.ID, StreamID: st.ID, Data: data}
		select {
		case n.recvQueue <- pkt:
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) markActive(sessKey uint64) {
	n.mu.Lock()
	h, ok := n.health[sessKey]
	if !ok {
		h = &sessionHealth{}
		n.health[sessKey] = h
	}
	n.mu.Unlock()

	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

func (n *Node) markDecryptFailure(sessKey uint64) {
	n.mu.Lock()
	h, ok := n.health[sessKey]
	if !ok {
		h = &sessionHealth{lastActive: time.Now()}
		n.health[sessKey] = h
	}
	n.mu.Unlock()

	h.mu.Lock()
	h.decryptFailures++
	h.mu.Unlock()
}

// Close shuts down the receive loop, closes every session (which closes
// their streams and stops the pumps), and releases the socket.
func (n *Node) Close() error {
	var err error
	n.stopOnce.Do(func() {
		close(n.stopCh)

		n.mu.Lock()
		sessions := make([]*session.Session, 0, len(n.sessions))
		for _, s := range n.sessions {
			sessions = append(sessions, s)
		}
		n.mu.Unlock()

		for _, s := range sessions {
			s.Close()
		}
		n.wg.Wait()
		err = n.transport.Close()
	})
	return err
}
