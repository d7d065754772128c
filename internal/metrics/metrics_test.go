package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func sampleRecord(phase, provider string, status int) DecisionRecord {
	return DecisionRecord{
		Fingerprint: "abcd1234",
		Phase:       phase,
		Provider:    provider,
		Model:       "m",
		TokenCount:  42,
		DecisionNs:  200000,
		TTFB:        120 * time.Millisecond,
		Duration:    900 * time.Millisecond,
		UpstreamSt:  status,
		ClientSt:    200,
	}
}

func TestRecordDecisionCounters(t *testing.T) {
	m := NewManager(16)
	m.RecordDecision(sampleRecord("pattern", "groq", 200))
	m.RecordDecision(sampleRecord("pattern", "groq", 200))
	m.RecordDecision(sampleRecord("explicit", "openrouter", 502))

	snap := m.Snapshot(0)
	if snap.DecisionsTotal["phase=pattern,provider=groq"] != 2 {
		t.Fatalf("decisions_total: %+v", snap.DecisionsTotal)
	}
	if snap.UpstreamErrors["provider=openrouter,code=502"] != 1 {
		t.Fatalf("upstream_errors_total: %+v", snap.UpstreamErrors)
	}
	if snap.DecisionTiming.Count != 3 {
		t.Fatalf("decision timing count = %d", snap.DecisionTiming.Count)
	}
}

func TestDecisionLogRingNewestFirst(t *testing.T) {
	m := NewManager(4)
	for i := 0; i < 6; i++ {
		rec := sampleRecord("pattern", "groq", 200)
		rec.TokenCount = i
		m.RecordDecision(rec)
	}

	recent := m.RecentDecisions(0)
	if len(recent) != 4 {
		t.Fatalf("ring size: %d", len(recent))
	}
	// Newest first: 5,4,3,2.
	for i, want := range []int{5, 4, 3, 2} {
		if recent[i].TokenCount != want {
			t.Fatalf("recent[%d].TokenCount = %d, want %d", i, recent[i].TokenCount, want)
		}
	}
	if recent[0].ID == "" {
		t.Fatal("records must be stamped with an id")
	}
}

func TestRecordFallback(t *testing.T) {
	m := NewManager(4)
	m.RecordFallback("retry")
	m.RecordFallback("retry")
	m.RecordFallback("pattern_dropped")
	snap := m.Snapshot(0)
	if snap.FallbacksTotal["reason=retry"] != 2 || snap.FallbacksTotal["reason=pattern_dropped"] != 1 {
		t.Fatalf("fallbacks: %+v", snap.FallbacksTotal)
	}
}

func TestTimingPercentiles(t *testing.T) {
	var tm TimingMetric
	for i := 1; i <= 100; i++ {
		tm.Record(time.Duration(i) * time.Millisecond)
	}
	snap := tm.Snapshot()
	if snap.Count != 100 || snap.MinMs != 1 || snap.MaxMs != 100 {
		t.Fatalf("snapshot: %+v", snap)
	}
	if snap.P95Ms < 90 || snap.P95Ms > 100 {
		t.Fatalf("p95 = %v", snap.P95Ms)
	}
}

func TestExportFormats(t *testing.T) {
	m := NewManager(4)
	m.RecordDecision(sampleRecord("session", "groq", 200))
	snap := m.Snapshot(0)

	jsonOut, err := Export(snap, "json")
	if err != nil {
		t.Fatalf("json export: %v", err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(jsonOut, &decoded); err != nil {
		t.Fatalf("json round trip: %v", err)
	}

	yamlOut, err := Export(snap, "yaml")
	if err != nil {
		t.Fatalf("yaml export: %v", err)
	}
	var y Snapshot
	if err := yaml.Unmarshal(yamlOut, &y); err != nil {
		t.Fatalf("yaml round trip: %v", err)
	}
	if !strings.Contains(string(yamlOut), "decisions_total") {
		t.Fatal("yaml export missing counters")
	}

	if _, err := Export(snap, "toml"); err == nil {
		t.Fatal("unknown format must error")
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint([]byte(`{"model":"auto"}`))
	b := Fingerprint([]byte(`{"model":"auto"}`))
	c := Fingerprint([]byte(`{"model":"other"}`))
	if a != b {
		t.Fatal("same input must fingerprint identically")
	}
	if a == c {
		t.Fatal("different inputs must differ")
	}
	if len(a) != 16 {
		t.Fatalf("fingerprint length = %d", len(a))
	}
}

func TestPersisterWritesSnapshot(t *testing.T) {
	m := NewManager(4)
	m.RecordDecision(sampleRecord("cost", "groq", 200))

	path := filepath.Join(t.TempDir(), "metrics.json")
	p := NewPersister(m, path, time.Hour)
	p.Start()
	p.Stop() // final save on stop

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot not valid JSON: %v", err)
	}
	if snap.DecisionsTotal["phase=cost,provider=groq"] != 1 {
		t.Fatalf("snapshot content: %+v", snap.DecisionsTotal)
	}
}
