package transport

import (
	"net"
	"testing"
	"time"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	a, err := New("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	defer a.Close()

	b, err := New("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	defer b.Close()

	received := make(chan []byte, 1)
	b.Start(func(data []byte, addr *net.UDPAddr) {
		received <- data
	})
	a.Start(nil)

	bAddr := b.conn.LocalAddr().(*net.UDPAddr)
	if err := a.Send([]byte("hello"), bAddr); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Fatalf("got %q, want hello", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	stats := a.Stats()
	if stats.PacketsSent != 1 || stats.BytesSent != 5 {
		t.Fatalf("stats = %+v, want 1 packet/5 bytes sent", stats)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	a, err := New("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Start(nil)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9}
	if err := a.Send([]byte("x"), dst); err != ErrTransportDown {
		t.Fatalf("Send after close = %v, want ErrTransportDown", err)
	}
}

func TestDiscoveryEncodeDecodeRoundTrip(t *testing.T) {
	var nodeID [32]byte
	nodeID[0] = 0xAB
	d := &Discovery{nodeID: nodeID, port: 4711}

	encoded := d.encodeSelf(discOpAnnounce)
	if len(encoded) != 35 {
		t.Fatalf("encoded length = %d, want 35", len(encoded))
	}

	var got [32]byte
	copy(got[:], encoded[1:33])
	if got != nodeID {
		t.Fatalf("decoded node id mismatch")
	}
	port := int(encoded[33])<<8 | int(encoded[34])
	if port != 4711 {
		t.Fatalf("decoded port = %d, want 4711", port)
	}
}
