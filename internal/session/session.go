// Package session implements the STT Session (C6): the stream table,
// session key and key-rotation accounting, and peer identity owned by an
// authenticated peer context.
package session

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/kestrelnet/stt/internal/crypto"
	"github.com/kestrelnet/stt/internal/stream"
)

// State is a Session's lifecycle state.
type State int

const (
	StateInit State = iota
	StateHandshake
	StateActive
	StateKeyRotating
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshake:
		return "handshake"
	case StateActive:
		return "active"
	case StateKeyRotating:
		return "key-rotating"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RotationPolicy configures the three OR'd key-rotation thresholds and the
// receive-side grace window (spec §9 Open Question, resolved as a
// frame-counted grace window rather than a control-frame coordination
// exchange: the core has no reliable control channel over UDP to negotiate
// rotation timing on).
type RotationPolicy struct {
	DataThreshold    uint64        // bytes transmitted since last rotation
	TimeThreshold    time.Duration // time since last rotation
	MessageThreshold uint64        // messages transmitted since last rotation
	GraceFrames      uint64        // frames after rotation during which the previous key is still tried
}

// DefaultRotationPolicy matches spec §4.4's defaults.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		DataThreshold:    1 << 30, // 1 GiB
		TimeThreshold:    time.Hour,
		MessageThreshold: 1 << 20,
		GraceFrames:      32,
	}
}

// Stats is a point-in-time snapshot of a session's statistics.
type Stats struct {
	SessionID       string
	PeerNodeID      string
	State           string
	KeyVersion      uint64
	BytesSent       uint64
	BytesReceived   uint64
	FramesSent      uint64
	FramesReceived  uint64
	StreamCount     int
	SessionStart    time.Time
	LastRotation    time.Time
}

// Session is owned by a Node and represents an authenticated context with
// one peer.
type Session struct {
	ID         [8]byte
	PeerNodeID [32]byte
	Policy     RotationPolicy

	mu    sync.RWMutex
	state State

	facade         *crypto.Default
	previousFacade *crypto.Default
	keyVersion     uint64

	streams      map[uint64]*stream.Stream
	nextStreamID uint64

	bytesSent, bytesReceived     uint64
	framesSent, framesReceived   uint64
	messagesSinceRotation        uint64
	bytesSinceRotation           uint64
	sessionStart, lastRotation   time.Time
	gracedFramesAvailable        uint64
}

// New constructs an active-pending session bound to sessionKey (the result
// of the handshake's KDF). The session starts in StateInit; callers
// transition it to StateActive once the handshake confirms.
func New(id [8]byte, peerNodeID [32]byte, sessionKey []byte, policy RotationPolicy) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		PeerNodeID:   peerNodeID,
		Policy:       policy,
		state:        StateInit,
		facade:       crypto.NewFacade(sessionKey),
		keyVersion:   0,
		streams:      make(map[uint64]*stream.Stream),
		nextStreamID: 1, // stream id 0 is reserved for control
		sessionStart: now,
		lastRotation: now,
	}
}

// Activate transitions an init/handshake session to active.
func (s *Session) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed && s.state != StateClosing {
		s.state = StateActive
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) streamSeed(streamID uint64) []byte {
	ctx := crypto.ContextData{
		"purpose":   "stream_context",
		"stream_id": strconv.FormatUint(streamID, 10),
	}
	return s.facade.DeriveKey(32, ctx)
}

// OpenStream allocates a new stream id and returns its Stream, deriving a
// per-stream crypto context from the session key so both peers arrive at
// the same stream seed without an extra exchange.
func (s *Session) OpenStream() (*stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateClosing {
		return nil, ErrClosed
	}

	id := s.nextStreamID
	s.nextStreamID++

	seed := s.streamSeed(id)
	sendCtx := s.facade.StreamingContext(seed)
	recvCtx := s.facade.StreamingContext(seed)

	st := stream.New(idAsUint64(s.ID), id, sendCtx, recvCtx)
	s.streams[id] = st
	return st, nil
}

// OpenStreamWithID is like OpenStream but for the responder side, which
// must open the same stream id the initiator assigned rather than
// allocating its own.
func (s *Session) OpenStreamWithID(id uint64) (*stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateClosing {
		return nil, ErrClosed
	}
	if existing, ok := s.streams[id]; ok {
		return existing, nil
	}

	seed := s.streamSeed(id)
	sendCtx := s.facade.StreamingContext(seed)
	recvCtx := s.facade.StreamingContext(seed)

	st := stream.New(idAsUint64(s.ID), id, sendCtx, recvCtx)
	s.streams[id] = st
	if id >= s.nextStreamID {
		s.nextStreamID = id + 1
	}
	return st, nil
}

// GetStream returns the stream with id, if any.
func (s *Session) GetStream(id uint64) (*stream.Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	return st, ok
}

// CloseStream closes and forgets the stream with id.
func (s *Session) CloseStream(id uint64) error {
	s.mu.Lock()
	st, ok := s.streams[id]
	if !ok {
		s.mu.Unlock()
		return ErrStreamNotFound
	}
	delete(s.streams, id)
	s.mu.Unlock()

	st.Close()
	return nil
}

// Close closes all streams and zeroes key material. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	streams := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[uint64]*stream.Stream)
	s.facade = nil
	s.previousFacade = nil
	s.mu.Unlock()

	for _, st := range streams {
		st.Close()
	}
}

// RecordSent updates the byte/message counters used by the rotation policy.
func (s *Session) RecordSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesSent += uint64(n)
	s.framesSent++
	s.bytesSinceRotation += uint64(n)
	s.messagesSinceRotation++
}

// RecordReceived updates the receive-side byte/frame counters.
func (s *Session) RecordReceived(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesReceived += uint64(n)
	s.framesReceived++
}

// ShouldRotate reports whether any rotation threshold has been crossed.
func (s *Session) ShouldRotate() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shouldRotateLocked()
}

func (s *Session) shouldRotateLocked() bool {
	if s.bytesSinceRotation >= s.Policy.DataThreshold {
		return true
	}
	if time.Since(s.lastRotation) >= s.Policy.TimeThreshold {
		return true
	}
	if s.messagesSinceRotation >= s.Policy.MessageThreshold {
		return true
	}
	return false
}

// RotateKeys installs newKey as the current session key, incrementing the
// key version and resetting rotation counters. Rotation is atomic with
// respect to sends: the old facade is retained only as previousFacade, used
// exclusively by DecryptWithGrace during the grace window; no frame is ever
// emitted under it again.
func (s *Session) RotateKeys(newKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}

	prior := s.state
	s.state = StateKeyRotating

	s.previousFacade = s.facade
	s.facade = crypto.NewFacade(newKey)
	s.keyVersion++
	s.bytesSinceRotation = 0
	s.messagesSinceRotation = 0
	s.lastRotation = time.Now()
	s.gracedFramesAvailable = s.Policy.GraceFrames

	if prior != StateClosing {
		s.state = StateActive
	} else {
		s.state = prior
	}
	return nil
}

// KeyVersion returns the session's current key-version counter.
func (s *Session) KeyVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyVersion
}

// Encrypt seals plaintext under the current session key with ctx as
// associated data.
func (s *Session) Encrypt(plaintext []byte, ctx crypto.ContextData) (ciphertext, metadata []byte, err error) {
	s.mu.RLock()
	f := s.facade
	s.mu.RUnlock()
	if f == nil {
		return nil, nil, ErrClosed
	}
	return f.Encrypt(plaintext, ctx)
}

// DecryptWithGrace opens ciphertext under the current session key, falling
// back to the previous key only while the rotation grace window has frames
// remaining. Outside the grace window a failed decrypt under the current
// key is rejected outright (spec §4.4).
func (s *Session) DecryptWithGrace(ciphertext, metadata []byte, ctx crypto.ContextData) ([]byte, error) {
	s.mu.Lock()
	f := s.facade
	prev := s.previousFacade
	graceLeft := s.gracedFramesAvailable
	s.mu.Unlock()

	if f == nil {
		return nil, ErrClosed
	}

	plaintext, err := f.Decrypt(ciphertext, metadata, ctx)
	if err == nil {
		s.mu.Lock()
		if s.gracedFramesAvailable > 0 {
			s.gracedFramesAvailable--
		}
		s.mu.Unlock()
		return plaintext, nil
	}
	if prev == nil || graceLeft == 0 {
		return nil, fmt.Errorf("%w: %v", ErrDecryptOutsideGrace, err)
	}

	plaintext, prevErr := prev.Decrypt(ciphertext, metadata, ctx)
	if prevErr != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.gracedFramesAvailable > 0 {
		s.gracedFramesAvailable--
	}
	s.mu.Unlock()
	return plaintext, nil
}

// Stats returns a snapshot of the session's statistics.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		SessionID:      fmt.Sprintf("%x", s.ID),
		PeerNodeID:     fmt.Sprintf("%x", s.PeerNodeID),
		State:          s.state.String(),
		KeyVersion:     s.keyVersion,
		BytesSent:      s.bytesSent,
		BytesReceived:  s.bytesReceived,
		FramesSent:     s.framesSent,
		FramesReceived: s.framesReceived,
		StreamCount:    len(s.streams),
		SessionStart:   s.sessionStart,
		LastRotation:   s.lastRotation,
	}
}

func idAsUint64(id [8]byte) uint64 {
	var v uint64
	for _, b := range id {
		v = v<<8 | uint64(b)
	}
	return v
}
