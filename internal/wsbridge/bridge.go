// Package wsbridge is a transparent binary tunnel between WebSocket
// clients and the TCP backend that speaks the node's wire protocol. The
// bridge performs no decryption or inspection: it forwards binary frames
// verbatim in both directions.
package wsbridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// BufferSize is the chunk size used when copying from the backend
// connection to the WebSocket.
const BufferSize = 65536

var upgrader = websocket.Upgrader{
	ReadBufferSize:  BufferSize,
	WriteBufferSize: BufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Stats is a point-in-time snapshot of bridge activity.
type Stats struct {
	WSAddress         string
	BackendAddress    string
	Running           bool
	ActiveConnections int64
}

// Bridge runs a WebSocket server that tunnels each connection to a fixed
// TCP backend address.
type Bridge struct {
	wsHost      string
	wsPort      int
	backendHost string
	backendPort int

	server  *http.Server
	active  int64
	running atomic.Bool
	log     *slog.Logger
}

// New returns a Bridge listening on (wsHost, wsPort) and forwarding each
// connection to (backendHost, backendPort).
func New(wsHost string, wsPort int, backendHost string, backendPort int) *Bridge {
	return &Bridge{
		wsHost:      wsHost,
		wsPort:      wsPort,
		backendHost: backendHost,
		backendPort: backendPort,
		log:         slog.Default().With("component", "wsbridge"),
	}
}

// Start begins serving WebSocket connections. It returns once the listener
// is bound; serving continues in a background goroutine until Stop.
func (b *Bridge) Start() error {
	if b.running.Load() {
		b.log.Warn("bridge already running")
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleWebSocket)

	addr := fmt.Sprintf("%s:%d", b.wsHost, b.wsPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("wsbridge: listen %s: %w", addr, err)
	}

	b.server = &http.Server{Handler: mux}
	b.running.Store(true)

	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.log.Error("websocket server stopped unexpectedly", "error", err)
		}
	}()

	b.log.Info("websocket bridge started",
		"ws_addr", addr,
		"backend_addr", fmt.Sprintf("%s:%d", b.backendHost, b.backendPort))
	return nil
}

// Stop shuts the bridge down via http.Server.Shutdown, closing the
// listener and idle HTTP connections; WebSocket connections that were
// already upgraded are not closed by it.
func (b *Bridge) Stop() error {
	if !b.running.Load() {
		return nil
	}
	b.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("wsbridge: shutdown: %w", err)
	}
	b.log.Info("websocket bridge stopped")
	return nil
}

func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	atomic.AddInt64(&b.active, 1)
	defer atomic.AddInt64(&b.active, -1)

	remote := conn.RemoteAddr().String()
	b.log.Info("new websocket connection", "remote", remote)
	defer b.log.Info("websocket connection closed", "remote", remote)
	defer conn.Close()

	backendAddr := fmt.Sprintf("%s:%d", b.backendHost, b.backendPort)
	backendConn, err := net.DialTimeout("tcp", backendAddr, 5*time.Second)
	if err != nil {
		b.log.Error("bridge error: cannot reach backend", "remote", remote, "error", err)
		return
	}
	defer backendConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		wsToBackend(conn, backendConn, b.log)
	}()
	go func() {
		defer wg.Done()
		backendToWS(backendConn, conn, b.log)
	}()
	wg.Wait()
}

func wsToBackend(ws *websocket.Conn, backend net.Conn, log *slog.Logger) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			log.Debug("ws->backend tunnel closed", "error", err)
			return
		}
		if msgType != websocket.BinaryMessage {
			log.Warn("received non-binary websocket message, ignoring")
			continue
		}
		if _, err := backend.Write(data); err != nil {
			log.Debug("ws->backend write failed", "error", err)
			return
		}
	}
}

func backendToWS(backend net.Conn, ws *websocket.Conn, log *slog.Logger) {
	buf := make([]byte, BufferSize)
	for {
		n, err := backend.Read(buf)
		if n > 0 {
			if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				log.Debug("backend->ws write failed", "error", werr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("backend->ws tunnel closed", "error", err)
			}
			return
		}
	}
}

// Stats returns a point-in-time snapshot of bridge activity.
func (b *Bridge) Stats() Stats {
	return Stats{
		WSAddress:         fmt.Sprintf("ws://%s:%d", b.wsHost, b.wsPort),
		BackendAddress:    fmt.Sprintf("%s:%d", b.backendHost, b.backendPort),
		Running:           b.running.Load(),
		ActiveConnections: atomic.LoadInt64(&b.active),
	}
}
