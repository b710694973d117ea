// Package healthmon implements a lightweight MAPE-K self-healing loop over
// session health: Monitor, Analyze, Plan/Execute, Knowledge. No predictive
// modeling — deterministic thresholds on decrypt failures and idle time.
package healthmon

import (
	"log/slog"
	"sync"
	"time"
)

// Thresholds for anomaly detection.
const (
	DecryptFailureThreshold = 5
	IdleThreshold           = 2 * time.Minute
	CheckInterval           = 10 * time.Second
)

// Action is a healing action taken against a specific session.
type Action int

const (
	ActionNone Action = iota
	ActionCloseSession
	ActionMarkRelayRequired
)

func (a Action) String() string {
	switch a {
	case ActionCloseSession:
		return "close_session"
	case ActionMarkRelayRequired:
		return "mark_relay_required"
	default:
		return "none"
	}
}

// SessionObservation is a single monitoring data point for one session.
type SessionObservation struct {
	Timestamp       time.Time
	SessionID       string
	DecryptFailures uint64
	IdleFor         time.Duration
	State           string
}

// Event records an action the loop took against a session.
type Event struct {
	Timestamp   time.Time
	Observation SessionObservation
	Diagnosis   string
	Action      Action
	Success     bool
}

// StatsProvider supplies the current per-session observations to evaluate.
type StatsProvider interface {
	SessionObservations() []SessionObservation
}

// ActionExecutor applies a healing action against a specific session.
type ActionExecutor interface {
	ExecuteAction(sessionID string, action Action) error
}

// Monitor implements the MAPE-K loop described in the package comment.
type Monitor struct {
	mu sync.RWMutex

	statsProvider StatsProvider
	executor      ActionExecutor

	events     []Event
	maxHistory int

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewMonitor creates a Monitor polling sp every CheckInterval and applying
// actions via exec.
func NewMonitor(sp StatsProvider, exec ActionExecutor) *Monitor {
	return &Monitor{
		statsProvider: sp,
		executor:      exec,
		events:        make([]Event, 0, 50),
		maxHistory:    50,
		stopCh:        make(chan struct{}),
		logger:        slog.Default().With("component", "healthmon"),
	}
}

// Start begins the MAPE-K loop in a background goroutine.
func (m *Monitor) Start() {
	go m.loop()
	m.logger.Info("healing loop started", "interval", CheckInterval)
}

// Stop halts the loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.logger.Info("healing loop stopped")
	})
}

// Events returns the history of healing events taken so far.
func (m *Monitor) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cycle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) cycle() {
	if m.statsProvider == nil {
		return
	}

	for _, obs := range m.statsProvider.SessionObservations() {
		diagnosis, action := analyze(obs)
		if action == ActionNone {
			continue
		}

		success := true
		if m.executor != nil {
			if err := m.executor.ExecuteAction(obs.SessionID, action); err != nil {
				m.logger.Error("healing action failed", "session_id", obs.SessionID, "action", action, "error", err)
				success = false
			} else {
				m.logger.Info("healing action executed", "session_id", obs.SessionID, "action", action, "diagnosis", diagnosis)
			}
		}

		m.mu.Lock()
		if len(m.events) >= m.maxHistory {
			m.events = m.events[1:]
		}
		m.events = append(m.events, Event{
			Timestamp:   time.Now(),
			Observation: obs,
			Diagnosis:   diagnosis,
			Action:      action,
			Success:     success,
		})
		m.mu.Unlock()
	}
}

// analyze applies the escalation policy against a single observation: too
// many decrypt failures closes the session outright (it is no longer
// trustworthy), excessive idle time is treated as a routing problem and
// escalated to relayed delivery rather than torn down.
func analyze(obs SessionObservation) (string, Action) {
	if obs.DecryptFailures >= DecryptFailureThreshold {
		return "decrypt failure threshold exceeded", ActionCloseSession
	}
	if obs.IdleFor >= IdleThreshold {
		return "session idle beyond threshold, suspecting unreachable direct path", ActionMarkRelayRequired
	}
	return "", ActionNone
}
