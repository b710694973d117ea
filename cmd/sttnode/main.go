// sttnode runs a single STT endpoint: handshake, session table, stream
// multiplexing, NAT coordination and the WebSocket bridge to a local
// ASR/TTS backend pipeline.
//
// Usage:
//
//	sttnode --config /etc/stt/node.yaml
//	sttnode --listen-port 4700 --chamber /var/lib/stt/chamber
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/kestrelnet/stt/internal/config"
	"github.com/kestrelnet/stt/internal/healthmon"
	"github.com/kestrelnet/stt/internal/nat"
	"github.com/kestrelnet/stt/internal/node"
	"github.com/kestrelnet/stt/internal/telemetry"
	"github.com/kestrelnet/stt/internal/wsbridge"
)

var version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to config file")
	listenHost := flag.String("listen-host", "", "UDP listen host (overrides config)")
	listenPort := flag.Int("listen-port", 0, "UDP listen port (overrides config)")
	wsHost := flag.String("ws-host", "", "WebSocket bridge host (overrides config)")
	wsPort := flag.Int("ws-port", 0, "WebSocket bridge port (overrides config)")
	backendHost := flag.String("backend-host", "", "backend pipeline host (overrides config)")
	backendPort := flag.Int("backend-port", 0, "backend pipeline port (overrides config)")
	chamberDir := flag.String("chamber", "", "chamber storage directory (overrides config)")
	natStrategy := flag.String("nat-strategy", "", "manual|relay (overrides config)")
	presharedSeedHex := flag.String("preshared-seed-hex", "", "hex-encoded handshake seed (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug|info|warn|error")
	discovery := flag.Bool("lan-discovery", true, "enable LAN peer discovery sidechannel")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sttnode %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	applyFlagOverrides(cfg, *listenHost, *listenPort, *wsHost, *wsPort, *backendHost, *backendPort,
		*chamberDir, *natStrategy, *presharedSeedHex, *logLevel)
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG ERROR: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	presharedSeed, err := hex.DecodeString(cfg.PresharedSeedHex)
	if err != nil {
		slog.Error("invalid preshared_seed_hex", "error", err)
		os.Exit(1)
	}
	if len(presharedSeed) == 0 {
		slog.Error("preshared_seed_hex is required")
		os.Exit(1)
	}

	n, err := node.New(cfg, presharedSeed)
	if err != nil {
		slog.Error("failed to initialize node", "error", err)
		os.Exit(1)
	}

	slog.Info("sttnode starting",
		"version", version,
		"node_id", hex.EncodeToString(n.LocalID()[:]),
		"listen", fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		"nat_strategy", cfg.NATStrategy,
	)

	coord, err := buildCoordinator(cfg)
	if err != nil {
		slog.Error("failed to build NAT coordinator", "error", err)
		os.Exit(1)
	}
	if coord != nil {
		n.SetCoordinator(coord)
		if err := coord.RegisterLocal(cfg.ListenHost, cfg.ListenPort); err != nil {
			slog.Warn("register with NAT coordinator", "error", err)
		}
	}

	if err := n.Start(*discovery); err != nil {
		slog.Error("failed to start node", "error", err)
		os.Exit(1)
	}

	monitor := healthmon.NewMonitor(n, n)
	monitor.Start()

	reporter := telemetry.NewReporter(n, nil)
	go heartbeatLoop(reporter, time.Duration(cfg.HeartbeatIntervalSec)*time.Second)

	var bridge *wsbridge.Bridge
	if cfg.WebSocketPort > 0 {
		bridge = wsbridge.New(cfg.WebSocketHost, cfg.WebSocketPort, cfg.BackendHost, cfg.BackendPort)
		if err := bridge.Start(); err != nil {
			slog.Error("failed to start websocket bridge", "error", err)
			os.Exit(1)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig)

	monitor.Stop()
	if bridge != nil {
		bridge.Stop()
	}
	if coord != nil {
		coord.Unregister()
	}
	n.Close()
	slog.Info("sttnode stopped")
}

func applyFlagOverrides(cfg *config.Config, listenHost string, listenPort int, wsHost string, wsPort int,
	backendHost string, backendPort int, chamberDir, natStrategy, presharedSeedHex, logLevel string) {
	if listenHost != "" {
		cfg.ListenHost = listenHost
	}
	if listenPort > 0 {
		cfg.ListenPort = listenPort
	}
	if wsHost != "" {
		cfg.WebSocketHost = wsHost
	}
	if wsPort > 0 {
		cfg.WebSocketPort = wsPort
	}
	if backendHost != "" {
		cfg.BackendHost = backendHost
	}
	if backendPort > 0 {
		cfg.BackendPort = backendPort
	}
	if chamberDir != "" {
		cfg.ChamberDir = chamberDir
	}
	if natStrategy != "" {
		cfg.NATStrategy = natStrategy
	}
	if presharedSeedHex != "" {
		cfg.PresharedSeedHex = presharedSeedHex
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

func buildCoordinator(cfg *config.Config) (nat.Coordinator, error) {
	switch cfg.NATStrategy {
	case "relay":
		return nil, fmt.Errorf("relay strategy requires a running relay server; configure relay_host/relay_port and wire nat.NewRelay in a deployment-specific main")
	case "manual", "":
		return nat.NewManual(), nil
	default:
		return nil, fmt.Errorf("unknown nat_strategy %q", cfg.NATStrategy)
	}
}

func heartbeatLoop(r *telemetry.Reporter, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		m := r.Collect()
		slog.Debug("heartbeat", "summary", m.Summary())
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
