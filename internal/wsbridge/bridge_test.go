package wsbridge

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// startEchoBackend runs a minimal TCP echo server standing in for the real
// STT backend, returning its port.
func startEchoBackend(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						if _, werr := conn.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

func TestBridgeTunnelsBinaryFrames(t *testing.T) {
	backendPort := startEchoBackend(t)
	b := New("127.0.0.1", 0, "127.0.0.1", backendPort)

	ts := httptest.NewServer(http.HandlerFunc(b.handleWebSocket))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	want := []byte("hello backend")
	if err := conn.WriteMessage(websocket.BinaryMessage, want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want echo of %q", got, want)
	}
}

func TestStatsReflectsActiveConnections(t *testing.T) {
	backendPort := startEchoBackend(t)
	b := New("127.0.0.1", 0, "127.0.0.1", backendPort)

	if b.Stats().ActiveConnections != 0 {
		t.Fatal("expected zero active connections before any dial")
	}

	ts := httptest.NewServer(http.HandlerFunc(b.handleWebSocket))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	if b.Stats().ActiveConnections != 1 {
		t.Fatalf("ActiveConnections = %d, want 1", b.Stats().ActiveConnections)
	}
}
