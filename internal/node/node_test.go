package node

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelnet/stt/internal/config"
)

func newTestNode(t *testing.T, seed []byte) *Node {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.ChamberDir = t.TempDir()

	n, err := New(cfg, seed)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestConnectEstablishesSessionBothSides(t *testing.T) {
	seed := []byte("shared pre-shared handshake seed")
	a := newTestNode(t, seed)
	b := newTestNode(t, seed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessA, err := a.Connect(ctx, "127.0.0.1", b.LocalAddr().Port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sessA == nil {
		t.Fatal("Connect returned nil session")
	}

	deadline := time.Now().Add(2 * time.Second)
	var bHasSession bool
	for time.Now().Before(deadline) {
		if len(b.SessionObservations()) == 1 {
			bHasSession = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !bHasSession {
		t.Fatal("responder never activated a session")
	}
}

func TestStreamSendDeliversToPeer(t *testing.T) {
	seed := []byte("shared pre-shared handshake seed")
	a := newTestNode(t, seed)
	b := newTestNode(t, seed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessA, err := a.Connect(ctx, "127.0.0.1", b.LocalAddr().Port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	st, err := a.OpenStream(sessA)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	payload := []byte("hello over stt")
	if err := st.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case pkt := <-b.ReceivedPackets():
		if string(pkt.Data) != string(payload) {
			t.Fatalf("got %q, want %q", pkt.Data, payload)
		}
		if pkt.StreamID != st.ID {
			t.Fatalf("stream id = %d, want %d", pkt.StreamID, st.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivered packet")
	}
}

func TestConnectFailsWithWrongSeed(t *testing.T) {
	a := newTestNode(t, []byte("seed one"))
	b := newTestNode(t, []byte("seed two, different"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := a.Connect(ctx, "127.0.0.1", b.LocalAddr().Port); err == nil {
		t.Fatal("Connect with mismatched seeds should fail")
	}
}
