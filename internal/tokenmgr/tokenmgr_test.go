package tokenmgr

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRefresher struct {
	mu     sync.Mutex
	calls  int32
	result *Bundle
	err    error
	delay  time.Duration
}

func (f *fakeRefresher) Refresh(ctx context.Context, account string, old *Bundle) (*Bundle, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func freshBundle() *Bundle {
	return &Bundle{
		AccessToken:  "fresh-token",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func expiringBundle() *Bundle {
	return &Bundle{
		AccessToken:  "stale-token",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(2 * time.Minute), // inside the 5-minute margin
	}
}

func TestUsableMargin(t *testing.T) {
	now := time.Now()
	b := &Bundle{AccessToken: "t", ExpiresAt: now.Add(10 * time.Minute)}
	if !b.Usable(now) {
		t.Fatal("bundle with 10 minutes left must be usable")
	}
	b.ExpiresAt = now.Add(4 * time.Minute)
	if b.Usable(now) {
		t.Fatal("bundle inside the refresh margin must not be usable")
	}
	b.ExpiresAt = time.Time{}
	if !b.Usable(now) {
		t.Fatal("non-expiring bundle must be usable")
	}
	var nilBundle *Bundle
	if nilBundle.Usable(now) {
		t.Fatal("nil bundle must not be usable")
	}
}

func TestProactiveRefresh(t *testing.T) {
	dir := t.TempDir()
	ref := &fakeRefresher{result: freshBundle()}
	m := NewManager(dir, ref)
	if err := m.Put("acct", expiringBundle()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Reset cache so the disk path is exercised too.
	m.cache = make(map[string]*Bundle)

	b, err := m.GetOrRefresh(context.Background(), "acct")
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if b.AccessToken != "fresh-token" {
		t.Fatalf("expiring token not refreshed: %+v", b)
	}
	if n := atomic.LoadInt32(&ref.calls); n != 1 {
		t.Fatalf("refresh calls = %d", n)
	}

	// Lock must be gone afterwards.
	if _, err := os.Stat(bundlePath(dir, "acct") + lockSuffix); !os.IsNotExist(err) {
		t.Fatal("lock file left behind")
	}
}

// Invariant 5 / S7: two concurrent refreshes result in exactly one
// upstream call; the loser observes the refreshed bundle via the re-read.
func TestConcurrentRefreshSingleUpstreamCall(t *testing.T) {
	dir := t.TempDir()
	ref := &fakeRefresher{result: freshBundle(), delay: 50 * time.Millisecond}

	// Two managers simulate two processes sharing a credential dir: no
	// shared in-memory cache, only the file lock coordinates them.
	m1 := NewManager(dir, ref)
	m2 := NewManager(dir, ref)
	if err := m1.Put("acct", expiringBundle()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	m1.cache = make(map[string]*Bundle)

	var wg sync.WaitGroup
	results := make([]*Bundle, 2)
	errs := make([]error, 2)
	for i, m := range []*Manager{m1, m2} {
		wg.Add(1)
		go func(i int, m *Manager) {
			defer wg.Done()
			results[i], errs[i] = m.GetOrRefresh(context.Background(), "acct")
		}(i, m)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if results[i].AccessToken != "fresh-token" {
			t.Fatalf("request %d got stale token %q", i, results[i].AccessToken)
		}
	}
	if n := atomic.LoadInt32(&ref.calls); n != 1 {
		t.Fatalf("upstream refresh calls = %d, want exactly 1", n)
	}
}

func TestRefreshFailureKeepsExistingBundleOnDisk(t *testing.T) {
	dir := t.TempDir()
	ref := &fakeRefresher{err: errors.New("upstream 400")}
	m := NewManager(dir, ref)
	stale := expiringBundle()
	if err := m.Put("acct", stale); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, err := m.GetOrRefresh(context.Background(), "acct")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("want AuthError, got %v", err)
	}

	// The stored bundle is untouched.
	onDisk, readErr := readBundle(bundlePath(dir, "acct"))
	if readErr != nil || onDisk == nil || onDisk.AccessToken != stale.AccessToken {
		t.Fatalf("stored bundle damaged by failed refresh: %+v, %v", onDisk, readErr)
	}
	// And the lock is released despite the failure.
	if _, err := os.Stat(bundlePath(dir, "acct") + lockSuffix); !os.IsNotExist(err) {
		t.Fatal("lock file left behind after failed refresh")
	}
}

func TestStaleLockRecovery(t *testing.T) {
	dir := t.TempDir()
	ref := &fakeRefresher{result: freshBundle()}
	m := NewManager(dir, ref)
	if err := m.Put("acct", expiringBundle()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	m.cache = make(map[string]*Bundle)

	// Plant a lock file whose mtime is past the stale threshold.
	lockPath := bundlePath(dir, "acct") + lockSuffix
	if err := os.WriteFile(lockPath, []byte("12345"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	b, err := m.GetOrRefresh(context.Background(), "acct")
	if err != nil {
		t.Fatalf("stale lock not recovered: %v", err)
	}
	if b.AccessToken != "fresh-token" {
		t.Fatalf("got %+v", b)
	}
}

func TestDerivedAPIKeyPreferred(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	b := freshBundle()
	b.Metadata = map[string]string{"api_key": "sk-derived"}
	if err := m.Put("acct", b); err != nil {
		t.Fatalf("Put: %v", err)
	}

	cred, err := m.Credential(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if cred != "sk-derived" {
		t.Fatalf("cred = %q, want derived api key", cred)
	}
}

func TestCachedBundleSkipsDisk(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	if err := m.Put("acct", freshBundle()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Remove the file; the cache must still serve.
	os.Remove(bundlePath(dir, "acct"))

	b, err := m.GetOrRefresh(context.Background(), "acct")
	if err != nil || b.AccessToken != "fresh-token" {
		t.Fatalf("cache not used: %v %+v", err, b)
	}
}
