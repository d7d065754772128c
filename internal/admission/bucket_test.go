package admission

import (
	"testing"
	"time"
)

func testLimiter(capacity, rate float64, inflight int) (*Limiter, *time.Time) {
	l := NewLimiter(capacity, rate, inflight)
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestBucketExhaustionAndRefill(t *testing.T) {
	l, now := testLimiter(3, 1, 0)

	for i := 0; i < 3; i++ {
		if got := l.Admit("key"); got != Admitted {
			t.Fatalf("request %d: %v", i, got)
		}
	}
	if got := l.Admit("key"); got != RateLimited {
		t.Fatalf("4th request: got %v, want RateLimited", got)
	}

	*now = now.Add(2 * time.Second) // refills 2 tokens
	if got := l.Admit("key"); got != Admitted {
		t.Fatalf("after refill: %v", got)
	}
	if got := l.Admit("key"); got != Admitted {
		t.Fatalf("after refill 2nd: %v", got)
	}
	if got := l.Admit("key"); got != RateLimited {
		t.Fatalf("refill over-credited: %v", got)
	}
}

func TestBucketCapsAtCapacity(t *testing.T) {
	l, now := testLimiter(2, 100, 0)
	*now = now.Add(time.Hour) // enormous idle period must not bank tokens
	for i := 0; i < 2; i++ {
		if got := l.Admit("key"); got != Admitted {
			t.Fatalf("request %d: %v", i, got)
		}
	}
	if got := l.Admit("key"); got != RateLimited {
		t.Fatalf("capacity not capped: %v", got)
	}
}

func TestBucketsArePerKey(t *testing.T) {
	l, _ := testLimiter(1, 0, 0)
	if got := l.Admit("alice"); got != Admitted {
		t.Fatal(got)
	}
	if got := l.Admit("alice"); got != RateLimited {
		t.Fatal("alice should be exhausted")
	}
	if got := l.Admit("bob"); got != Admitted {
		t.Fatal("bob must have his own bucket")
	}
}

func TestInflightCap(t *testing.T) {
	l, _ := testLimiter(0, 0, 2) // bucket disabled, inflight capped
	if l.Admit("k") != Admitted || l.Admit("k") != Admitted {
		t.Fatal("first two must admit")
	}
	if got := l.Admit("k"); got != TooManyInflight {
		t.Fatalf("3rd concurrent: %v", got)
	}
	l.Release("k")
	if got := l.Admit("k"); got != Admitted {
		t.Fatalf("after release: %v", got)
	}
}
