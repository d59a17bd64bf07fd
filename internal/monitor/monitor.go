// Package monitor aggregates pipeline outcomes into rolling statistics and a
// health score. It observes; it is never on the critical path of a delivery.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chowline/recon/internal/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Outcome labels for recorded events.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeNotFound  = "not_found"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// OutcomeEvent is one pipeline completion, success or not.
type OutcomeEvent struct {
	NotificationID   string
	Type             string
	Stage            string
	Outcome          string
	ResolutionMethod string
	Duration         time.Duration
	At               time.Time
}

// Config tunes the rolling window and anomaly thresholds.
type Config struct {
	WindowSize       int
	SilenceThreshold time.Duration
	LatencyBudget    time.Duration
	PersistInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		WindowSize:       512,
		SilenceThreshold: 6 * time.Hour,
		LatencyBudget:    2 * time.Second,
		PersistInterval:  time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = defaults.WindowSize
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = defaults.SilenceThreshold
	}
	if c.LatencyBudget <= 0 {
		c.LatencyBudget = defaults.LatencyBudget
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = defaults.PersistInterval
	}
	return c
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Redis  *redis.Client `optional:"true"`
	Config Config        `optional:"true"`
}

// Monitor keeps a bounded in-memory ring of recent outcomes.
type Monitor struct {
	log   *zap.Logger
	clock clock.Clock
	redis *redis.Client
	cfg   Config

	mu           sync.Mutex
	ring         []OutcomeEvent
	next         int
	filled       bool
	startedAt    time.Time
	lastReceived time.Time
}

func New(p Params) *Monitor {
	cfg := p.Config.withDefaults()
	return &Monitor{
		log:       p.Log.Named("monitor"),
		clock:     p.Clock,
		redis:     p.Redis,
		cfg:       cfg,
		ring:      make([]OutcomeEvent, cfg.WindowSize),
		startedAt: p.Clock.Now(),
	}
}

// Record adds one outcome to the window. It never blocks and never fails.
func (m *Monitor) Record(ev OutcomeEvent) {
	if m == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = m.clock.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = ev
	m.next++
	if m.next == len(m.ring) {
		m.next = 0
		m.filled = true
	}
	m.lastReceived = ev.At
}

// Snapshot is the externally visible view of the rolling window.
type Snapshot struct {
	WindowSize        int              `json:"window_size"`
	Received          int64            `json:"received"`
	Processed         int64            `json:"processed"`
	Duplicates        int64            `json:"duplicates"`
	Skipped           int64            `json:"skipped"`
	NotFound          int64            `json:"not_found"`
	Rejected          int64            `json:"rejected"`
	Failed            int64            `json:"failed"`
	AvgLatencyMs      float64          `json:"avg_latency_ms"`
	ResolutionMethods map[string]int64 `json:"resolution_methods"`
	LastReceivedAt    *time.Time       `json:"last_received_at,omitempty"`
	HealthScore       float64          `json:"health_score"`
}

// Stats computes the current snapshot.
func (m *Monitor) Stats() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.windowLocked()
	snap := Snapshot{
		WindowSize:        len(m.ring),
		ResolutionMethods: make(map[string]int64),
	}

	var totalLatency time.Duration
	for _, ev := range events {
		snap.Received++
		totalLatency += ev.Duration
		switch ev.Outcome {
		case OutcomeProcessed:
			snap.Processed++
		case OutcomeDuplicate:
			snap.Duplicates++
		case OutcomeSkipped:
			snap.Skipped++
		case OutcomeNotFound:
			snap.NotFound++
		case OutcomeRejected:
			snap.Rejected++
		case OutcomeFailed:
			snap.Failed++
		}
		if ev.ResolutionMethod != "" {
			snap.ResolutionMethods[ev.ResolutionMethod]++
		}
	}
	if snap.Received > 0 {
		snap.AvgLatencyMs = float64(totalLatency.Milliseconds()) / float64(snap.Received)
	}
	if !m.lastReceived.IsZero() {
		last := m.lastReceived
		snap.LastReceivedAt = &last
	}
	snap.HealthScore = m.healthScoreLocked(snap)
	return snap
}

// healthScoreLocked derives a 0-100 score. Error rate and latency cost
// points, and so does total silence: a webhook endpoint that hears nothing
// for hours is usually misconfigured upstream, not healthy.
func (m *Monitor) healthScoreLocked(snap Snapshot) float64 {
	score := 100.0

	if snap.Received > 0 {
		errorRate := float64(snap.Failed+snap.Rejected) / float64(snap.Received)
		score -= errorRate * 50

		if budget := m.cfg.LatencyBudget.Seconds() * 1000; budget > 0 && snap.AvgLatencyMs > budget {
			over := (snap.AvgLatencyMs - budget) / budget
			if over > 1 {
				over = 1
			}
			score -= over * 25
		}
	}

	idleSince := m.lastReceived
	if idleSince.IsZero() {
		idleSince = m.startedAt
	}
	if m.clock.Now().Sub(idleSince) > m.cfg.SilenceThreshold {
		score -= 40
	}

	if score < 0 {
		score = 0
	}
	return score
}

func (m *Monitor) windowLocked() []OutcomeEvent {
	if m.filled {
		return m.ring
	}
	return m.ring[:m.next]
}

const snapshotKey = "recon:monitor:snapshot"

// RunForever periodically persists the snapshot when redis is configured.
func (m *Monitor) RunForever(ctx context.Context) {
	if m.redis == nil {
		return
	}

	ticker := time.NewTicker(m.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.persist(ctx); err != nil {
				m.log.Warn("failed to persist monitor snapshot", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) persist(ctx context.Context) error {
	payload, err := json.Marshal(m.Stats())
	if err != nil {
		return err
	}
	return m.redis.Set(ctx, snapshotKey, payload, 24*time.Hour).Err()
}
