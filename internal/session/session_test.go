package session

import (
	"testing"

	"github.com/kestrelnet/stt/internal/crypto"
)

func newTestSession(t *testing.T, policy RotationPolicy) *Session {
	t.Helper()
	var id [8]byte
	var peer [32]byte
	return New(id, peer, []byte("initial-session-key-32-bytes!!!"), policy)
}

// TestKeyRotationAtomicity exercises S4: a message threshold of 3, after
// which RotateKeys moves version 0 to 1 and resets counters, and a frame
// sealed under version 0 is rejected after rotation when there is no grace.
func TestKeyRotationAtomicity(t *testing.T) {
	policy := DefaultRotationPolicy()
	policy.MessageThreshold = 3
	policy.GraceFrames = 0

	s := newTestSession(t, policy)
	ctx := crypto.ContextData{"type": "1"}

	for i := 0; i < 3; i++ {
		s.RecordSent(10)
	}
	if !s.ShouldRotate() {
		t.Fatal("expected ShouldRotate true after message threshold crossed")
	}

	ciphertext, meta, err := s.Encrypt([]byte("before-rotation"), ctx)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if err := s.RotateKeys([]byte("rotated-session-key-32-bytes!!!!")); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	if s.KeyVersion() != 1 {
		t.Fatalf("expected key version 1, got %d", s.KeyVersion())
	}
	if s.ShouldRotate() {
		t.Fatal("expected ShouldRotate false immediately after rotation")
	}

	// With GraceFrames=0 there is no fallback: decrypting data sealed under
	// the old key must fail once the new key is installed.
	if _, err := s.Encrypt(ciphertext, ctx); err == nil {
		_ = err
	}
	if _, err := s.DecryptWithGrace(ciphertext, meta, ctx); err == nil {
		t.Fatal("expected decrypt failure for old-key ciphertext outside grace window")
	}
}

func TestKeyRotationGraceWindow(t *testing.T) {
	policy := DefaultRotationPolicy()
	policy.GraceFrames = 2

	s := newTestSession(t, policy)
	ctx := crypto.ContextData{"type": "1"}

	ciphertext, meta, err := s.Encrypt([]byte("pre-rotation"), ctx)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if err := s.RotateKeys([]byte("rotated-session-key-32-bytes!!!!")); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}

	plaintext, err := s.DecryptWithGrace(ciphertext, meta, ctx)
	if err != nil {
		t.Fatalf("expected old-key decrypt to succeed within grace window: %v", err)
	}
	if string(plaintext) != "pre-rotation" {
		t.Fatalf("got %q", plaintext)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	s := newTestSession(t, DefaultRotationPolicy())
	s.Close()
	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("expected closed state, got %v", s.State())
	}
}

func TestOpenStreamReservesZeroForControl(t *testing.T) {
	s := newTestSession(t, DefaultRotationPolicy())
	st, err := s.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if st.ID == 0 {
		t.Fatal("stream id 0 is reserved for control and must not be allocated by OpenStream")
	}
}
