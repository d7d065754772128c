package registry

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// unhealthyThreshold is how many consecutive probe failures mark a provider
// unhealthy. One successful probe clears it.
const unhealthyThreshold = 3

// healthState tracks probe outcomes for one provider.
type healthState struct {
	consecutiveFails int
	lastProbe        time.Time
	lastError        string
}

// healthTracker is the probe-outcome side of the Registry, guarded by its
// own mutex so probes never contend with the routing hot path.
type healthTracker struct {
	mu    sync.RWMutex
	state map[string]*healthState
}

func newHealthTracker() *healthTracker {
	return &healthTracker{state: make(map[string]*healthState)}
}

// Healthy reports whether name has fewer than unhealthyThreshold
// consecutive probe failures. A provider that has never been probed is
// healthy by default.
func (r *Registry) Healthy(name string) bool {
	r.health.mu.RLock()
	defer r.health.mu.RUnlock()
	st := r.health.state[name]
	return st == nil || st.consecutiveFails < unhealthyThreshold
}

// recordProbe folds one probe outcome into the tracker.
func (r *Registry) recordProbe(name string, err error) {
	r.health.mu.Lock()
	defer r.health.mu.Unlock()

	st := r.health.state[name]
	if st == nil {
		st = &healthState{}
		r.health.state[name] = st
	}
	st.lastProbe = time.Now()
	if err == nil {
		if st.consecutiveFails >= unhealthyThreshold {
			L_info("registry: provider healthy again", "provider", name)
		}
		st.consecutiveFails = 0
		st.lastError = ""
		return
	}
	st.consecutiveFails++
	st.lastError = err.Error()
	if st.consecutiveFails == unhealthyThreshold {
		L_warn("registry: provider marked unhealthy", "provider", name, "error", err)
	}
}

// HealthChecker probes every enabled provider's models endpoint on a fixed
// interval and feeds outcomes back into the registry.
type HealthChecker struct {
	registry *Registry
	interval time.Duration
	client   *http.Client

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHealthChecker builds a checker for reg. interval <= 0 defaults to 30s.
func NewHealthChecker(reg *Registry, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{
		registry: reg,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop. A first sweep runs immediately so routing
// doesn't spend a full interval trusting providers blind.
func (h *HealthChecker) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.sweep()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.sweep()
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop halts the probe loop and waits for an in-flight sweep to finish.
func (h *HealthChecker) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *HealthChecker) sweep() {
	for _, name := range h.registry.Names() {
		cfg, ok := h.registry.Get(name)
		if !ok || cfg.Disabled || cfg.BaseURL == "" {
			continue
		}
		select {
		case <-h.stopCh:
			return
		default:
		}
		h.registry.recordProbe(name, h.probe(cfg))
	}
}

// probe does a lightweight GET against the provider's model-listing
// endpoint. Any HTTP response at all — even 401 — proves liveness; auth is
// the dispatcher's problem, not the health checker's.
func (h *HealthChecker) probe(cfg ProviderConfig) error {
	url := probeURL(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), h.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func probeURL(cfg ProviderConfig) string {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	switch cfg.Driver {
	case DriverOllama:
		return base + "/api/tags"
	default:
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		return base + "/models"
	}
}
