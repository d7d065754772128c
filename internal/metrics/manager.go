package metrics

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// defaultLogSize bounds the in-memory decision log when config doesn't say.
const defaultLogSize = 1024

// Manager aggregates the proxy's decision metrics. One per process.
type Manager struct {
	startedAt time.Time

	decisions      CounterMetric // label: phase,provider
	fallbacks      CounterMetric // label: reason
	upstreamErrors CounterMetric // label: provider,code

	decisionTime TimingMetric
	ttfb         TimingMetric
	duration     TimingMetric

	mu      sync.Mutex
	log     []DecisionRecord // ring, oldest overwritten
	logNext int
	logFull bool
	logSize int
}

// NewManager builds a Manager keeping the last logSize decision records
// in memory (0 means the default).
func NewManager(logSize int) *Manager {
	if logSize <= 0 {
		logSize = defaultLogSize
	}
	return &Manager{
		startedAt: time.Now(),
		log:       make([]DecisionRecord, logSize),
		logSize:   logSize,
	}
}

// Fingerprint hashes the canonical request bytes into a short stable id,
// so identical requests correlate across the log without storing content.
func Fingerprint(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:8])
}

// RecordDecision stamps rec with an id, appends it to the log, updates
// every derived counter/timing, and emits the structured log line that is
// the request's one-stop observability record.
func (m *Manager) RecordDecision(rec DecisionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	m.decisions.Inc(fmt.Sprintf("phase=%s,provider=%s", rec.Phase, rec.Provider))
	m.decisionTime.Record(time.Duration(rec.DecisionNs))
	if rec.TTFB > 0 {
		m.ttfb.Record(rec.TTFB)
	}
	if rec.Duration > 0 {
		m.duration.Record(rec.Duration)
	}
	if rec.UpstreamSt >= 400 {
		m.upstreamErrors.Inc(fmt.Sprintf("provider=%s,code=%d", rec.Provider, rec.UpstreamSt))
	}

	m.mu.Lock()
	m.log[m.logNext] = rec
	m.logNext++
	if m.logNext == m.logSize {
		m.logNext = 0
		m.logFull = true
	}
	m.mu.Unlock()

	L_info("decision",
		"id", rec.ID,
		"fingerprint", rec.Fingerprint,
		"phase", rec.Phase,
		"provider", rec.Provider,
		"model", rec.Model,
		"scenario", rec.Scenario,
		"tokens", rec.TokenCount,
		"decisionMs", float64(rec.DecisionNs)/1e6,
		"ttfbMs", rec.TTFB.Milliseconds(),
		"durationMs", rec.Duration.Milliseconds(),
		"upstreamStatus", rec.UpstreamSt,
		"clientStatus", rec.ClientSt,
		"bytes", rec.BytesOut)
}

// RecordFallback counts a re-decision or degradation, labeled by reason
// ("retry", "decision_timeout", "pattern_dropped").
func (m *Manager) RecordFallback(reason string) {
	m.fallbacks.Inc("reason=" + reason)
}

// RecentDecisions returns up to n of the newest records, newest first.
func (m *Manager) RecentDecisions(n int) []DecisionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.logNext
	if m.logFull {
		total = m.logSize
	}
	if n <= 0 || n > total {
		n = total
	}

	out := make([]DecisionRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (m.logNext - 1 - i + m.logSize) % m.logSize
		out = append(out, m.log[idx])
	}
	return out
}

// Snapshot is the full serializable state of the manager.
type Snapshot struct {
	StartedAt       time.Time        `json:"started_at" yaml:"started_at"`
	TakenAt         time.Time        `json:"taken_at" yaml:"taken_at"`
	DecisionsTotal  map[string]int64 `json:"decisions_total" yaml:"decisions_total"`
	FallbacksTotal  map[string]int64 `json:"decision_fallbacks_total" yaml:"decision_fallbacks_total"`
	UpstreamErrors  map[string]int64 `json:"upstream_errors_total" yaml:"upstream_errors_total"`
	DecisionTiming  TimingSnapshot   `json:"decision_timing" yaml:"decision_timing"`
	TTFBTiming      TimingSnapshot   `json:"ttfb" yaml:"ttfb"`
	DurationTiming  TimingSnapshot   `json:"duration" yaml:"duration"`
	RecentDecisions []DecisionRecord `json:"recent_decisions" yaml:"recent_decisions"`
}

// Snapshot captures the current state, including the newest recentN log
// rows (0 means all retained).
func (m *Manager) Snapshot(recentN int) Snapshot {
	return Snapshot{
		StartedAt:       m.startedAt,
		TakenAt:         time.Now(),
		DecisionsTotal:  m.decisions.Snapshot(),
		FallbacksTotal:  m.fallbacks.Snapshot(),
		UpstreamErrors:  m.upstreamErrors.Snapshot(),
		DecisionTiming:  m.decisionTime.Snapshot(),
		TTFBTiming:      m.ttfb.Snapshot(),
		DurationTiming:  m.duration.Snapshot(),
		RecentDecisions: m.RecentDecisions(recentN),
	}
}
