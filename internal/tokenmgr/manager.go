package tokenmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// Refresher exchanges an expiring bundle for a fresh one, typically via an
// OAuth refresh_token grant. Implementations must be safe for concurrent
// use; the manager guarantees only one refresh per account runs at a time
// across all cooperating processes.
type Refresher interface {
	Refresh(ctx context.Context, account string, old *Bundle) (*Bundle, error)
}

// AuthError reports a failed credential refresh. The previous bundle, if
// any, stays cached — callers holding a still-valid token keep working.
type AuthError struct {
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("tokenmgr: refresh for account %q failed: %v", e.Account, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Manager caches token bundles in memory and persists them under dir, one
// JSON file per account.
type Manager struct {
	dir       string
	refresher Refresher
	now       func() time.Time // test seam

	mu    sync.Mutex
	cache map[string]*Bundle
}

// NewManager builds a Manager storing bundles under dir. refresher may be
// nil for read-only deployments that provision bundles externally.
func NewManager(dir string, refresher Refresher) *Manager {
	return &Manager{
		dir:       dir,
		refresher: refresher,
		now:       time.Now,
		cache:     make(map[string]*Bundle),
	}
}

// Put stores a bundle for account, persisting it to disk. Used by login
// flows and tests to seed credentials.
func (m *Manager) Put(account string, b *Bundle) error {
	if err := writeBundle(bundlePath(m.dir, account), b); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[account] = b
	m.mu.Unlock()
	return nil
}

// GetOrRefresh returns a usable bundle for account, refreshing first when
// the cached/stored one is within the proactive-refresh margin of expiry.
//
// The refresh path holds the account's cross-process file lock only
// around synchronous filesystem work and the refresh call itself; no
// other I/O happens under the lock. After acquiring, the bundle is
// re-read from disk before refreshing — if another process already
// refreshed while this one waited, that result is used and no second
// upstream call is made.
func (m *Manager) GetOrRefresh(ctx context.Context, account string) (*Bundle, error) {
	now := m.now()

	m.mu.Lock()
	cached := m.cache[account]
	m.mu.Unlock()
	if cached.Usable(now) {
		return cached, nil
	}

	path := bundlePath(m.dir, account)

	// Cheap path: another process may have refreshed already.
	if b, err := readBundle(path); err == nil && b.Usable(now) {
		m.store(account, b)
		return b, nil
	}

	lock, err := acquireLock(ctx, path)
	if err != nil {
		return nil, &AuthError{Account: account, Err: err}
	}
	defer lock.release()

	// Re-read under the lock: the process that held it before us most
	// likely wrote a fresh bundle.
	onDisk, err := readBundle(path)
	if err != nil {
		return nil, &AuthError{Account: account, Err: err}
	}
	if onDisk.Usable(m.now()) {
		L_debug("tokenmgr: another process refreshed while we waited", "account", account)
		m.store(account, onDisk)
		return onDisk, nil
	}

	if m.refresher == nil {
		return nil, &AuthError{Account: account, Err: fmt.Errorf("no refresher configured and no valid stored bundle")}
	}

	old := onDisk
	if old == nil {
		old = cached
	}
	fresh, err := m.refresher.Refresh(ctx, account, old)
	if err != nil {
		return nil, &AuthError{Account: account, Err: err}
	}
	if err := writeBundle(path, fresh); err != nil {
		return nil, &AuthError{Account: account, Err: err}
	}
	m.store(account, fresh)
	L_info("tokenmgr: refreshed credentials", "account", account, "expiresAt", fresh.ExpiresAt.Format(time.RFC3339))
	return fresh, nil
}

// Credential returns the string an adapter should authenticate with:
// the derived API key when the account carries one, otherwise the access
// token.
func (m *Manager) Credential(ctx context.Context, account string) (string, error) {
	b, err := m.GetOrRefresh(ctx, account)
	if err != nil {
		return "", err
	}
	if key := b.APIKey(); key != "" {
		return key, nil
	}
	return b.AccessToken, nil
}

func (m *Manager) store(account string, b *Bundle) {
	m.mu.Lock()
	m.cache[account] = b
	m.mu.Unlock()
}
