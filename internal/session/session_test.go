package session

import (
	"context"
	"testing"
	"time"
)

func TestHintsPushBounded(t *testing.T) {
	h := &Hints{ID: "s1"}
	for i := 0; i < RingSize+5; i++ {
		h.Push(DecisionHint{Provider: "openai", Model: "gpt-5", Timestamp: time.Now()})
	}
	if len(h.LastDecisions) != RingSize {
		t.Fatalf("expected ring capped at %d, got %d", RingSize, len(h.LastDecisions))
	}
}

func TestHintsPreferredProvider(t *testing.T) {
	h := &Hints{ID: "s1"}
	h.Push(DecisionHint{Provider: "anthropic", Timestamp: time.Now()})
	h.Push(DecisionHint{Provider: "openai", Timestamp: time.Now()})
	h.Push(DecisionHint{Provider: "openai", Timestamp: time.Now()})

	if got := h.PreferredProvider(); got != "openai" {
		t.Errorf("PreferredProvider() = %q, want openai", got)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	h := &Hints{ID: "sess-1", CreatedAt: time.Now(), UpdatedAt: time.Now(), PreferredProviders: map[string]int{"groq": 1}}
	if err := store.Save(ctx, h); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.PreferredProviders["groq"] != 1 {
		t.Fatalf("unexpected hints: %+v", got)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing session, got %+v, err %v", missing, err)
	}
}

func TestMemoryStoreEvictExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	old := &Hints{ID: "old", UpdatedAt: time.Now().Add(-2 * time.Hour)}
	fresh := &Hints{ID: "fresh", UpdatedAt: time.Now()}
	store.Save(ctx, old)
	store.Save(ctx, fresh)

	n, err := store.EvictExpired(ctx, 3600)
	if err != nil {
		t.Fatalf("EvictExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if got, _ := store.Get(ctx, "fresh"); got == nil {
		t.Error("fresh session should survive eviction")
	}
}

func TestManagerRecordAndGet(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore(), time.Hour)
	defer mgr.Stop()

	if err := mgr.Record(ctx, "sess-a", DecisionHint{Provider: "openai", Model: "gpt-5", Scenario: "Explicit", Timestamp: time.Now()}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	h, err := mgr.Get(ctx, "sess-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	recent, ok := h.MostRecent()
	if !ok || recent.Provider != "openai" {
		t.Fatalf("unexpected most recent decision: %+v ok=%v", recent, ok)
	}
}
