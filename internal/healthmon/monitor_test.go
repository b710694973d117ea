package healthmon

import (
	"sync"
	"testing"
	"time"
)

type fakeProvider struct {
	obs []SessionObservation
}

func (f *fakeProvider) SessionObservations() []SessionObservation { return f.obs }

type recordingExecutor struct {
	mu      sync.Mutex
	calls   []string
	actions []Action
}

func (r *recordingExecutor) ExecuteAction(sessionID string, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionID)
	r.actions = append(r.actions, action)
	return nil
}

func TestAnalyzeDecryptFailureClosesSession(t *testing.T) {
	obs := SessionObservation{SessionID: "s1", DecryptFailures: DecryptFailureThreshold}
	_, action := analyze(obs)
	if action != ActionCloseSession {
		t.Fatalf("action = %v, want ActionCloseSession", action)
	}
}

func TestAnalyzeIdleMarksRelayRequired(t *testing.T) {
	obs := SessionObservation{SessionID: "s1", IdleFor: IdleThreshold + time.Second}
	_, action := analyze(obs)
	if action != ActionMarkRelayRequired {
		t.Fatalf("action = %v, want ActionMarkRelayRequired", action)
	}
}

func TestAnalyzeHealthySessionNoAction(t *testing.T) {
	obs := SessionObservation{SessionID: "s1", DecryptFailures: 1, IdleFor: time.Second}
	_, action := analyze(obs)
	if action != ActionNone {
		t.Fatalf("action = %v, want ActionNone", action)
	}
}

func TestCycleExecutesActionAndRecordsEvent(t *testing.T) {
	provider := &fakeProvider{obs: []SessionObservation{
		{SessionID: "s1", DecryptFailures: DecryptFailureThreshold},
		{SessionID: "s2", DecryptFailures: 0, IdleFor: time.Millisecond},
	}}
	exec := &recordingExecutor{}
	m := NewMonitor(provider, exec)

	m.cycle()

	if len(exec.calls) != 1 || exec.calls[0] != "s1" {
		t.Fatalf("calls = %v, want exactly [s1]", exec.calls)
	}
	if events := m.Events(); len(events) != 1 || events[0].Action != ActionCloseSession {
		t.Fatalf("events = %+v, want one ActionCloseSession event", events)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m := NewMonitor(&fakeProvider{}, nil)
	m.Start()
	m.Stop()
	m.Stop()
}
