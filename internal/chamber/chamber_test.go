package chamber

import (
	"path/filepath"
	"testing"

	"github.com/kestrelnet/stt/internal/crypto"
)

func newTestChamber(t *testing.T) *Chamber {
	t.Helper()
	dir := t.TempDir()
	var nodeID [32]byte
	nodeID[0] = 0x42
	facade := crypto.NewFacade([]byte("chamber-test-secret"))
	c, err := Open(filepath.Join(dir, "chamber"), nodeID, facade)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func TestKeyRoundTrip(t *testing.T) {
	c := newTestChamber(t)

	if err := c.PutKey("session-42", []byte("super-secret-key-material")); err != nil {
		t.Fatalf("PutKey: %v", err)
	}

	got, err := c.GetKey("session-42")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if string(got) != "super-secret-key-material" {
		t.Fatalf("GetKey = %q, want original key material", got)
	}
}

func TestGetKeyMissingReturnsNotFound(t *testing.T) {
	c := newTestChamber(t)
	if _, err := c.GetKey("does-not-exist"); err != ErrNotFound {
		t.Fatalf("GetKey = %v, want ErrNotFound", err)
	}
}

func TestDeleteKeyIsIdempotent(t *testing.T) {
	c := newTestChamber(t)
	if err := c.PutKey("k1", []byte("data")); err != nil {
		t.Fatalf("PutKey: %v", err)
	}
	if err := c.DeleteKey("k1"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if err := c.DeleteKey("k1"); err != nil {
		t.Fatalf("second DeleteKey: %v", err)
	}
	if _, err := c.GetKey("k1"); err != ErrNotFound {
		t.Fatalf("GetKey after delete = %v, want ErrNotFound", err)
	}
}

type sessionRecord struct {
	PeerNodeID string
	KeyVersion uint64
}

func TestSessionRoundTrip(t *testing.T) {
	c := newTestChamber(t)
	rec := sessionRecord{PeerNodeID: "aabbcc", KeyVersion: 3}

	if err := c.PutSession("sess-1", rec); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	var got sessionRecord
	if err := c.GetSession("sess-1", &got); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != rec {
		t.Fatalf("GetSession = %+v, want %+v", got, rec)
	}
}

func TestWipeRemovesAllData(t *testing.T) {
	c := newTestChamber(t)
	if err := c.PutKey("k", []byte("v")); err != nil {
		t.Fatalf("PutKey: %v", err)
	}
	if err := c.Wipe(); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	if _, err := c.GetKey("k"); err == nil {
		t.Fatal("GetKey after Wipe should fail")
	}
}
