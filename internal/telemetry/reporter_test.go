package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeStatsSource struct {
	stats map[string]any
}

func (f *fakeStatsSource) GetStats() map[string]any { return f.stats }

func TestCollectPopulatesFromSource(t *testing.T) {
	src := &fakeStatsSource{stats: map[string]any{
		"sessions_active": 3,
		"streams_open":    7,
		"bytes_sent":      int64(1024),
	}}
	r := NewReporter(src, prometheus.NewRegistry())

	m := r.Collect()
	if m.SessionsActive != 3 || m.StreamsOpen != 7 || m.BytesSent != 1024 {
		t.Fatalf("Collect = %+v, want source values reflected", m)
	}
}

func TestHistoryBounded(t *testing.T) {
	r := NewReporter(nil, prometheus.NewRegistry())
	r.maxHist = 3
	for i := 0; i < 10; i++ {
		r.Collect()
	}
	if len(r.History()) != 3 {
		t.Fatalf("History length = %d, want 3", len(r.History()))
	}
}

func TestLatestReflectsLastCollect(t *testing.T) {
	r := NewReporter(nil, prometheus.NewRegistry())
	if r.Latest() != nil {
		t.Fatal("Latest should be nil before any Collect")
	}
	r.Collect()
	if r.Latest() == nil {
		t.Fatal("Latest should be non-nil after Collect")
	}
}
