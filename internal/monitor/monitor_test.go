package monitor

import (
	"testing"
	"time"

	"github.com/chowline/recon/internal/clock"
	"go.uber.org/zap"
)

func newTestMonitor(t *testing.T) (*Monitor, *clock.FakeClock) {
	t.Helper()
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := New(Params{
		Log:   zap.NewNop(),
		Clock: fake,
		Config: Config{
			WindowSize:       8,
			SilenceThreshold: time.Hour,
			LatencyBudget:    time.Second,
		},
	})
	return m, fake
}

func TestStatsCountsOutcomes(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.Record(OutcomeEvent{Outcome: OutcomeProcessed, ResolutionMethod: "external_reference", Duration: 100 * time.Millisecond})
	m.Record(OutcomeEvent{Outcome: OutcomeProcessed, ResolutionMethod: "metadata_key", Duration: 300 * time.Millisecond})
	m.Record(OutcomeEvent{Outcome: OutcomeDuplicate, Duration: 10 * time.Millisecond})
	m.Record(OutcomeEvent{Outcome: OutcomeFailed, Duration: 50 * time.Millisecond})

	snap := m.Stats()
	if snap.Received != 4 {
		t.Fatalf("expected 4 received, got %d", snap.Received)
	}
	if snap.Processed != 2 || snap.Duplicates != 1 || snap.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", snap)
	}
	if snap.ResolutionMethods["metadata_key"] != 1 {
		t.Fatalf("expected metadata_key hit recorded, got %v", snap.ResolutionMethods)
	}
	if snap.AvgLatencyMs != 115 {
		t.Fatalf("expected avg latency 115ms, got %v", snap.AvgLatencyMs)
	}
}

func TestWindowEviction(t *testing.T) {
	m, _ := newTestMonitor(t)

	for i := 0; i < 20; i++ {
		m.Record(OutcomeEvent{Outcome: OutcomeProcessed})
	}

	snap := m.Stats()
	if snap.Received != 8 {
		t.Fatalf("window should cap at 8 events, got %d", snap.Received)
	}
}

func TestHealthScorePenalizesErrors(t *testing.T) {
	m, _ := newTestMonitor(t)

	for i := 0; i < 4; i++ {
		m.Record(OutcomeEvent{Outcome: OutcomeProcessed, Duration: 10 * time.Millisecond})
	}
	healthy := m.Stats().HealthScore

	for i := 0; i < 4; i++ {
		m.Record(OutcomeEvent{Outcome: OutcomeFailed, Duration: 10 * time.Millisecond})
	}
	degraded := m.Stats().HealthScore

	if degraded >= healthy {
		t.Fatalf("failures should lower the score: %v -> %v", healthy, degraded)
	}
}

func TestHealthScorePenalizesSilence(t *testing.T) {
	m, fake := newTestMonitor(t)

	m.Record(OutcomeEvent{Outcome: OutcomeProcessed, Duration: 10 * time.Millisecond})
	before := m.Stats().HealthScore

	fake.Advance(2 * time.Hour)
	after := m.Stats().HealthScore

	if after >= before {
		t.Fatalf("silence should lower the score: %v -> %v", before, after)
	}
}

func TestHealthScorePenalizesLatency(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.Record(OutcomeEvent{Outcome: OutcomeProcessed, Duration: 10 * time.Millisecond})
	fast := m.Stats().HealthScore

	for i := 0; i < 7; i++ {
		m.Record(OutcomeEvent{Outcome: OutcomeProcessed, Duration: 5 * time.Second})
	}
	slow := m.Stats().HealthScore

	if slow >= fast {
		t.Fatalf("slow pipeline should lower the score: %v -> %v", fast, slow)
	}
}
