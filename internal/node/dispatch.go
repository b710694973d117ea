package node

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/kestrelnet/stt/internal/crypto"
	"github.com/kestrelnet/stt/internal/frame"
	"github.com/kestrelnet/stt/internal/handshake"
	"github.com/kestrelnet/stt/internal/session"
)

func (n *Node) handleDatagram(data []byte, addr *net.UDPAddr) {
	f, _, err := frame.Decode(data)
	if err != nil {
		n.log.Debug("drop malformed datagram", "addr", addr, "error", err)
		return
	}

	switch f.Type {
	case frame.TypeHandshake:
		n.handleHandshakeFrame(f, addr)
	case frame.TypeData:
		n.handleDataFrame(f, addr)
	default:
		n.log.Debug("drop unknown frame type", "type", f.Type, "addr", addr)
	}
}

func (n *Node) handleHandshakeFrame(f *frame.Frame, addr *net.UDPAddr) {
	env, err := decodeEnvelope(f.Payload)
	if err != nil {
		n.log.Debug("drop unparsable handshake envelope", "addr", addr, "error", err)
		return
	}

	addrKey := addr.String()
	switch env.Kind {
	case kindHello:
		n.handleHello(env, addr, addrKey)
	case kindResponse:
		n.handleResponse(env, addr, addrKey)
	case kindAuthProof:
		n.handleAuthProof(env, addr, addrKey)
	case kindFinal:
		n.handleFinal(env, addr, addrKey)
	default:
		n.log.Debug("drop handshake envelope with unknown kind", "kind", env.Kind, "addr", addr)
	}
}

// handleHello is the responder's entry point: the first message from a new
// peer address creates a fresh Engine for that address.
func (n *Node) handleHello(env *handshakeEnvelope, addr *net.UDPAddr, addrKey string) {
	hello, err := decodeHello(env)
	if err != nil {
		n.log.Debug("drop malformed hello", "addr", addr, "error", err)
		return
	}

	engine := handshake.NewResponder(n.presharedFacade, n.localID)
	resp, err := engine.HandleHello(hello)
	if err != nil {
		n.log.Debug("reject hello", "addr", addr, "error", err)
		return
	}

	n.mu.Lock()
	n.responderEngines[addrKey] = engine
	n.mu.Unlock()

	if err := n.sendHandshake(kindResponse, resp, addr); err != nil {
		n.log.Warn("send response", "addr", addr, "error", err)
	}
}

// handleResponse is the initiator's continuation: it matches the pending
// Connect call for addr and advances its Engine.
func (n *Node) handleResponse(env *handshakeEnvelope, addr *net.UDPAddr, addrKey string) {
	resp, err := decodeResponse(env)
	if err != nil {
		n.log.Debug("drop malformed response", "addr", addr, "error", err)
		return
	}

	n.mu.RLock()
	pc, ok := n.pendingConnects[addrKey]
	n.mu.RUnlock()
	if !ok {
		n.log.Debug("drop response with no pending connect", "addr", addr)
		return
	}

	proof, err := pc.engine.HandleResponse(resp)
	if err != nil {
		n.failConnect(addrKey, pc, err)
		return
	}

	if err := n.sendHandshake(kindAuthProof, proof, addr); err != nil {
		n.failConnect(addrKey, pc, err)
	}
}

// handleAuthProof is the responder's continuation: it matches the Engine
// created in handleHello and, on success, activates the session.
func (n *Node) handleAuthProof(env *handshakeEnvelope, addr *net.UDPAddr, addrKey string) {
	proof, err := decodeAuthProof(env)
	if err != nil {
		n.log.Debug("drop malformed auth proof", "addr", addr, "error", err)
		return
	}

	n.mu.RLock()
	engine, ok := n.responderEngines[addrKey]
	n.mu.RUnlock()
	if !ok {
		n.log.Debug("drop auth proof with no pending responder engine", "addr", addr)
		return
	}

	final, err := engine.HandleAuthProof(proof)
	if err != nil {
		n.log.Debug("reject auth proof", "addr", addr, "error", err)
		n.mu.Lock()
		delete(n.responderEngines, addrKey)
		n.mu.Unlock()
		return
	}

	if err := n.sendHandshake(kindFinal, final, addr); err != nil {
		n.log.Warn("send final", "addr", addr, "error", err)
		return
	}

	n.mu.Lock()
	delete(n.responderEngines, addrKey)
	n.mu.Unlock()

	n.activateSession(engine, addr, false)
}

// handleFinal completes the initiator side of a pending Connect call.
func (n *Node) handleFinal(env *handshakeEnvelope, addr *net.UDPAddr, addrKey string) {
	final, err := decodeFinal(env)
	if err != nil {
		n.log.Debug("drop malformed final", "addr", addr, "error", err)
		return
	}

	n.mu.RLock()
	pc, ok := n.pendingConnects[addrKey]
	n.mu.RUnlock()
	if !ok {
		n.log.Debug("drop final with no pending connect", "addr", addr)
		return
	}

	if err := pc.engine.HandleFinal(final); err != nil {
		n.failConnect(addrKey, pc, err)
		return
	}

	sess := n.activateSession(pc.engine, addr, true)

	n.mu.Lock()
	delete(n.pendingConnects, addrKey)
	n.mu.Unlock()

	pc.resultCh <- connectResult{sess: sess}
}

func (n *Node) failConnect(addrKey string, pc *pendingConnect, err error) {
	n.mu.Lock()
	delete(n.pendingConnects, addrKey)
	n.mu.Unlock()
	pc.resultCh <- connectResult{err: err}
}

func (n *Node) activateSession(engine *handshake.Engine, addr *net.UDPAddr, isInitiator bool) *session.Session {
	sessID := engine.SessionID()
	peerID := engine.PeerID(isInitiator)
	sess := session.New(sessID, peerID, engine.SessionKey(), n.rotationPolicy)
	sess.Activate()

	key := idAsUint64(sessID)
	n.mu.Lock()
	n.sessions[key] = sess
	n.sessionPeerAddr[key] = addr
	n.mu.Unlock()

	n.markActive(key)
	return sess
}

// handleDataFrame routes a data-plane frame to its session and stream,
// unless it targets stream id 0, the reserved control stream.
func (n *Node) handleDataFrame(f *frame.Frame, addr *net.UDPAddr) {
	n.mu.RLock()
	sess, ok := n.sessions[f.SessionID]
	n.mu.RUnlock()
	if !ok {
		n.log.Debug("drop data frame for unknown session", "session_id", f.SessionID, "addr", addr)
		return
	}

	streamID, segment, err := decodeDataPayload(f.Payload)
	if err != nil {
		n.log.Debug("drop malformed data payload", "session_id", f.SessionID, "error", err)
		return
	}

	if streamID == 0 {
		n.handleControlFrame(sess, f.SessionID, segment)
		return
	}

	st, ok := sess.GetStream(streamID)
	if !ok {
		var err error
		st, err = sess.OpenStreamWithID(streamID)
		if err != nil {
			n.log.Debug("cannot open inbound stream", "stream_id", streamID, "error", err)
			return
		}
		n.registerStream(sess, st)
	}

	if err := st.Deliver(f.Sequence, segment); err != nil {
		n.markDecryptFailure(f.SessionID)
		n.log.Debug("deliver failed", "session_id", f.SessionID, "stream_id", streamID, "error", err)
		return
	}
	sess.RecordReceived(len(segment))
	n.markActive(f.SessionID)
}

// handleControlFrame processes a message on the reserved control stream.
// The only control message Node currently emits is a key-rotation
// announcement, carrying the new key sealed under the still-current key so
// the peer can verify it came from the authenticated session.
func (n *Node) handleControlFrame(sess *session.Session, sessKey uint64, segment []byte) {
	if len(segment) < 1 {
		return
	}
	switch controlMarker(segment[0]) {
	case controlKeyRotation:
		if len(segment) < 1+12 {
			return
		}
		nonce := segment[1:13]
		ciphertext := segment[13:]
		newKey, err := sess.DecryptWithGrace(ciphertext, nonce, rotationContext())
		if err != nil {
			n.markDecryptFailure(sessKey)
			n.log.Warn("reject key rotation announcement", "session_id", sessKey, "error", err)
			return
		}
		if err := sess.RotateKeys(newKey); err != nil {
			n.log.Warn("rotate keys", "session_id", sessKey, "error", err)
			return
		}
		n.markActive(sessKey)
	default:
		n.log.Debug("drop unknown control message", "marker", segment[0])
	}
}

func rotationContext() crypto.ContextData {
	return crypto.ContextData{"purpose": "key_rotation_announce"}
}

// RotateIfDue checks sess's rotation policy and, if a threshold has been
// crossed, generates a fresh key, installs it locally, and announces it to
// the peer over the control stream.
func (n *Node) RotateIfDue(sess *session.Session) error {
	if !sess.ShouldRotate() {
		return nil
	}

	newKey := make([]byte, 32)
	if _, err := rand.Read(newKey); err != nil {
		return fmt.Errorf("node: generate rotation key: %w", err)
	}

	ciphertext, nonce, err := sess.Encrypt(newKey, rotationContext())
	if err != nil {
		return fmt.Errorf("node: seal rotation announcement: %w", err)
	}

	if err := sess.RotateKeys(newKey); err != nil {
		return fmt.Errorf("node: rotate local key: %w", err)
	}

	segment := make([]byte, 1+len(nonce)+len(ciphertext))
	segment[0] = byte(controlKeyRotation)
	copy(segment[1:], nonce)
	copy(segment[1+len(nonce):], ciphertext)

	sessKey := idAsUint64(sess.ID)
	n.mu.RLock()
	addr := n.sessionPeerAddr[sessKey]
	n.mu.RUnlock()
	if addr == nil {
		return fmt.Errorf("node: no known address for session %x", sess.ID)
	}

	wf := &frame.Frame{
		Type:      frame.TypeData,
		SessionID: sessKey,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   encodeDataPayload(0, segment),
	}
	wire, err := n.codec.Encode(wf)
	if err != nil {
		return fmt.Errorf("node: encode rotation frame: %w", err)
	}
	return n.transport.Send(wire, addr)
}
