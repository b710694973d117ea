// Package handshake implements the STT four-message handshake state
// machine (C7): HELLO, RESPONSE, AUTH_PROOF, FINAL, producing a session id
// and session key from a pre-shared symmetric seed that is never
// transmitted. There is no asymmetric key agreement.
package handshake

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"github.com/kestrelnet/stt/internal/crypto"
)

// State is the handshake engine's lifecycle state.
type State int

const (
	StateInit State = iota
	StateHelloSent
	StateResponseSent
	StateAuthSent
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHelloSent:
		return "hello-sent"
	case StateResponseSent:
		return "response-sent"
	case StateAuthSent:
		return "auth-sent"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultTimeout is how long a handshake may remain pending before it is
// garbage-collected (spec §4.5).
const DefaultTimeout = 30 * time.Second

// Engine drives one side of one handshake. A new Engine is created per
// peer contact; the façade it holds is bound to the pre-shared seed, not
// any per-session key.
type Engine struct {
	facade  crypto.Facade
	localID [32]byte

	state     State
	createdAt time.Time

	initiatorID, responderID       [32]byte
	initiatorNonce, responderNonce [32]byte
	sessionKey                     []byte
	sessionID                      [8]byte
	challenge                      []byte
}

// NewInitiator returns an Engine that will drive the initiator side of the
// handshake, identified by localID, authenticated against the pre-shared
// seed backing facade.
func NewInitiator(facade crypto.Facade, localID [32]byte) *Engine {
	return &Engine{facade: facade, localID: localID, state: StateInit, createdAt: time.Now()}
}

// NewResponder returns an Engine that will drive the responder side.
func NewResponder(facade crypto.Facade, localID [32]byte) *Engine {
	return &Engine{facade: facade, localID: localID, state: StateInit, createdAt: time.Now()}
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }

// IsExpired reports whether the engine has been pending longer than timeout.
func (e *Engine) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return time.Since(e.createdAt) > timeout && e.state != StateCompleted
}

func helloCommitmentContext(timestamp int64) crypto.ContextData {
	return crypto.ContextData{"purpose": "hello_commitment", "timestamp": strconv.FormatInt(timestamp, 10)}
}

// BuildHello generates a fresh nonce and commitment and advances the
// initiator to StateHelloSent.
func (e *Engine) BuildHello() (*Hello, error) {
	if e.state != StateInit {
		return nil, ErrWrongState
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("handshake: hello nonce: %w", err)
	}
	ts := time.Now().UnixMilli()

	commitInput := append(append([]byte{}, nonce[:]...), e.localID[:]...)
	commitment := e.facade.Hash(commitInput, helloCommitmentContext(ts))

	e.initiatorID = e.localID
	e.initiatorNonce = nonce
	e.state = StateHelloSent

	return &Hello{
		InitiatorID:    e.localID,
		InitiatorNonce: nonce,
		Timestamp:      ts,
		Commitment:     commitment,
	}, nil
}

// HandleHello verifies hello's commitment and, if valid, derives the
// session key and produces a Response. On mismatch the engine transitions
// to StateFailed and ErrHandshakeRejected is returned.
func (e *Engine) HandleHello(hello *Hello) (*Response, error) {
	if e.state != StateInit {
		e.state = StateFailed
		return nil, ErrWrongState
	}

	commitInput := append(append([]byte{}, hello.InitiatorNonce[:]...), hello.InitiatorID[:]...)
	expected := e.facade.Hash(commitInput, helloCommitmentContext(hello.Timestamp))
	if !constantTimeEqual(expected, hello.Commitment) {
		e.state = StateFailed
		return nil, fmt.Errorf("%w: hello commitment mismatch", ErrHandshakeRejected)
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("handshake: responder nonce: %w", err)
	}

	e.initiatorID = hello.InitiatorID
	e.initiatorNonce = hello.InitiatorNonce
	e.responderID = e.localID
	e.responderNonce = nonce

	e.deriveSessionKey()

	challengeInput := append(append([]byte{}, e.sessionKey...), e.initiatorNonce[:]...)
	e.challenge = e.facade.Hash(challengeInput, crypto.ContextData{"purpose": "auth_challenge"})

	e.state = StateResponseSent
	return &Response{ResponderID: e.responderID, ResponderNonce: e.responderNonce, Challenge: e.challenge}, nil
}

func (e *Engine) deriveSessionKey() {
	ctx := crypto.ContextData{
		"initiator_nonce": string(e.initiatorNonce[:]),
		"responder_nonce": string(e.responderNonce[:]),
		"initiator_id":    string(e.initiatorID[:]),
		"responder_id":    string(e.responderID[:]),
		"purpose":         "session_key",
	}
	e.sessionKey = e.facade.DeriveKey(32, ctx)
	sid := e.facade.Hash(nil, crypto.ContextData{
		"session_key": string(e.sessionKey),
		"purpose":     "session_id",
	})
	copy(e.sessionID[:], sid[:8])
}

// HandleResponse derives the session key on the initiator side and
// produces the AuthProof message.
func (e *Engine) HandleResponse(resp *Response) (*AuthProof, error) {
	if e.state != StateHelloSent {
		e.state = StateFailed
		return nil, ErrWrongState
	}

	e.responderID = resp.ResponderID
	e.responderNonce = resp.ResponderNonce
	e.deriveSessionKey()

	proofInput := append(append([]byte{}, e.sessionKey...), resp.Challenge...)
	proof := e.facade.Hash(proofInput, crypto.ContextData{"purpose": "auth_proof"})

	e.state = StateAuthSent
	return &AuthProof{SessionID: e.sessionID, Proof: proof}, nil
}

// HandleAuthProof verifies the initiator's proof and, on success, moves
// the responder to StateCompleted and returns the Final acknowledgement.
func (e *Engine) HandleAuthProof(proof *AuthProof) (*Final, error) {
	if e.state != StateResponseSent {
		e.state = StateFailed
		return nil, ErrWrongState
	}
	if proof.SessionID != e.sessionID {
		e.state = StateFailed
		return nil, fmt.Errorf("%w: session id mismatch", ErrHandshakeRejected)
	}

	proofInput := append(append([]byte{}, e.sessionKey...), e.challenge...)
	expected := e.facade.Hash(proofInput, crypto.ContextData{"purpose": "auth_proof"})
	if !constantTimeEqual(expected, proof.Proof) {
		e.state = StateFailed
		return nil, fmt.Errorf("%w: auth proof mismatch", ErrHandshakeRejected)
	}

	e.state = StateCompleted
	return &Final{Ack: true}, nil
}

// HandleFinal completes the handshake on the initiator side.
func (e *Engine) HandleFinal(final *Final) error {
	if e.state != StateAuthSent {
		e.state = StateFailed
		return ErrWrongState
	}
	if !final.Ack {
		e.state = StateFailed
		return fmt.Errorf("%w: final not acknowledged", ErrHandshakeRejected)
	}
	e.state = StateCompleted
	return nil
}

// SessionKey returns the derived session key once the handshake has
// completed (or reached AuthSent/ResponseSent, where it is already known).
func (e *Engine) SessionKey() []byte { return e.sessionKey }

// SessionID returns the derived 8-byte session id.
func (e *Engine) SessionID() [8]byte { return e.sessionID }

// PeerID returns the remote party's node id, valid once it is known (after
// HELLO on the responder, after RESPONSE on the initiator).
func (e *Engine) PeerID(isInitiator bool) [32]byte {
	if isInitiator {
		return e.responderID
	}
	return e.initiatorID
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
