package session

import (
	"context"
	"sync"
	"time"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// DefaultTTL is how long a session's hints are kept without activity
// before the background evictor removes them.
const DefaultTTL = 24 * time.Hour

// Manager wraps a Store with an in-memory cache (read-through; every
// Record is saved to the store at once) and a periodic TTL eviction loop,
// matching the teacher's pattern of a
// thin manager in front of a storage interface.
type Manager struct {
	store Store
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]*Hints

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a session hint manager backed by store.
func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		cache:  make(map[string]*Hints),
		stopCh: make(chan struct{}),
	}
}

// Get returns the hints for id, creating an empty record if none exists.
func (m *Manager) Get(ctx context.Context, id string) (*Hints, error) {
	m.mu.Lock()
	if h, ok := m.cache[id]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	h, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h == nil {
		now := time.Now()
		h = &Hints{ID: id, CreatedAt: now, UpdatedAt: now, PreferredProviders: make(map[string]int)}
	}

	m.mu.Lock()
	m.cache[id] = h
	m.mu.Unlock()
	return h, nil
}

// Record appends a decision hint for id and persists the session.
func (m *Manager) Record(ctx context.Context, id string, d DecisionHint) error {
	h, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	h.Push(d)
	m.mu.Unlock()
	return m.store.Save(ctx, h)
}

// StartEvictor launches the background TTL-eviction loop. Call Stop to end it.
func (m *Manager) StartEvictor(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.evictOnce()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) evictOnce() {
	ctx := context.Background()
	n, err := m.store.EvictExpired(ctx, int64(m.ttl.Seconds()))
	if err != nil {
		L_warn("session: eviction sweep failed", "error", err)
		return
	}
	if n > 0 {
		L_debug("session: evicted expired sessions", "count", n)
	}

	m.mu.Lock()
	cutoff := time.Now().Add(-m.ttl)
	for id, h := range m.cache {
		if h.UpdatedAt.Before(cutoff) {
			delete(m.cache, id)
		}
	}
	m.mu.Unlock()
}

// Stop ends the background evictor and closes the underlying store.
func (m *Manager) Stop() error {
	close(m.stopCh)
	m.wg.Wait()
	return m.store.Close()
}
