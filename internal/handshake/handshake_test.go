package handshake

import (
	"testing"

	"github.com/kestrelnet/stt/internal/crypto"
)

func completeHandshake(t *testing.T, seed []byte, aliceID, bobID [32]byte) (*Engine, *Engine) {
	t.Helper()
	aliceFacade := crypto.NewFacade(seed)
	bobFacade := crypto.NewFacade(seed)

	alice := NewInitiator(aliceFacade, aliceID)
	bob := NewResponder(bobFacade, bobID)

	hello, err := alice.BuildHello()
	if err != nil {
		t.Fatalf("BuildHello: %v", err)
	}
	resp, err := bob.HandleHello(hello)
	if err != nil {
		t.Fatalf("HandleHello: %v", err)
	}
	proof, err := alice.HandleResponse(resp)
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	final, err := bob.HandleAuthProof(proof)
	if err != nil {
		t.Fatalf("HandleAuthProof: %v", err)
	}
	if err := alice.HandleFinal(final); err != nil {
		t.Fatalf("HandleFinal: %v", err)
	}
	return alice, bob
}

// TestHandshakeDeterminism exercises S2/property 5: two peers sharing a
// seed derive the same session id and key from the same exchanged messages.
func TestHandshakeDeterminism(t *testing.T) {
	seed := []byte("shared_seed_32_bytes_min!!!!!!")
	var aliceID, bobID [32]byte
	copy(aliceID[:], "alice-node-id-------------------")
	copy(bobID[:], "bob-node-id---------------------")

	alice, bob := completeHandshake(t, seed, aliceID, bobID)

	if alice.State() != StateCompleted || bob.State() != StateCompleted {
		t.Fatalf("expected both engines completed, got alice=%v bob=%v", alice.State(), bob.State())
	}
	if alice.SessionID() != bob.SessionID() {
		t.Fatalf("session ids differ: %x vs %x", alice.SessionID(), bob.SessionID())
	}
	if string(alice.SessionKey()) != string(bob.SessionKey()) {
		t.Fatal("session keys differ")
	}
}

// TestHandshakeAuthenticity exercises property 6: flipping any byte of a
// message causes the receiver to transition to StateFailed.
func TestHandshakeAuthenticity(t *testing.T) {
	seed := []byte("shared_seed_32_bytes_min!!!!!!")
	var aliceID, bobID [32]byte
	copy(aliceID[:], "alice-node-id-------------------")
	copy(bobID[:], "bob-node-id---------------------")

	aliceFacade := crypto.NewFacade(seed)
	bobFacade := crypto.NewFacade(seed)
	alice := NewInitiator(aliceFacade, aliceID)
	bob := NewResponder(bobFacade, bobID)

	hello, err := alice.BuildHello()
	if err != nil {
		t.Fatalf("BuildHello: %v", err)
	}
	hello.Commitment[0] ^= 0xFF

	if _, err := bob.HandleHello(hello); err == nil {
		t.Fatal("expected HandleHello to reject a tampered commitment")
	}
	if bob.State() != StateFailed {
		t.Fatalf("expected bob to be in StateFailed, got %v", bob.State())
	}
}

func TestHandshakeWrongSeedFails(t *testing.T) {
	var aliceID, bobID [32]byte
	copy(aliceID[:], "alice")
	copy(bobID[:], "bob")

	alice := NewInitiator(crypto.NewFacade([]byte("seed-one")), aliceID)
	bob := NewResponder(crypto.NewFacade([]byte("seed-two")), bobID)

	hello, _ := alice.BuildHello()
	if _, err := bob.HandleHello(hello); err == nil {
		t.Fatal("expected mismatched shared seeds to fail the handshake")
	}
}
