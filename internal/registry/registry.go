package registry

import (
	"fmt"
	"math"
	"sync"
	"time"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// cooldown tracks backoff state for a provider after a failover-eligible error.
type cooldown struct {
	until      time.Time
	errorCount int
	reason     ErrorType
}

// Registry holds configured providers and their live health state.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderConfig

	cooldownMu sync.RWMutex
	cooldowns  map[string]*cooldown

	health *healthTracker
	perf   *statsTracker
}

// New builds a Registry from a set of provider configs, keyed by name.
func New(configs []ProviderConfig) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]ProviderConfig, len(configs)),
		cooldowns: make(map[string]*cooldown),
		health:    newHealthTracker(),
		perf:      newStatsTracker(),
	}
	if err := r.Swap(configs); err != nil {
		return nil, err
	}
	L_info("registry: created", "providers", len(r.providers))
	return r, nil
}

// Swap replaces the provider set wholesale, for config hot reload. Health,
// cooldown, and performance state for surviving providers is retained;
// state for removed providers is left to age out harmlessly.
func (r *Registry) Swap(configs []ProviderConfig) error {
	next := make(map[string]ProviderConfig, len(configs))
	for _, c := range configs {
		if c.Name == "" {
			return fmt.Errorf("registry: provider config missing name")
		}
		if _, dup := next[c.Name]; dup {
			return fmt.Errorf("registry: duplicate provider name %q", c.Name)
		}
		next[c.Name] = c
	}
	r.mu.Lock()
	r.providers = next
	r.mu.Unlock()
	return nil
}

// Get returns the config for a named provider.
func (r *Registry) Get(name string) (ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.providers[name]
	return c, ok
}

// Names returns all configured provider names, in map iteration order
// (callers that need determinism should sort).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}

// ProvidersForModel returns every enabled, non-cooled-down provider whose
// model catalog contains model, in map iteration order. The router sorts
// and filters this list further in its Cost and Performance phases.
func (r *Registry) ProvidersForModel(model string) []ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ProviderConfig
	for _, c := range r.providers {
		if c.Disabled || r.IsInCooldown(c.Name) {
			continue
		}
		for _, m := range c.Models {
			if m == model {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// IsInCooldown reports whether a provider is currently in backoff.
func (r *Registry) IsInCooldown(name string) bool {
	r.cooldownMu.RLock()
	defer r.cooldownMu.RUnlock()
	cd := r.cooldowns[name]
	return cd != nil && time.Now().Before(cd.until)
}

// MarkCooldown places a provider into exponential backoff following a
// failover-eligible error. Repeated errors extend the cooldown; the clock
// resets only via ClearCooldown.
func (r *Registry) MarkCooldown(name string, errType ErrorType) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	cd := r.cooldowns[name]
	if cd == nil {
		cd = &cooldown{}
		r.cooldowns[name] = cd
	}
	cd.errorCount++
	cd.reason = errType
	cd.until = time.Now().Add(cooldownDuration(cd.errorCount, errType == ErrorTypeBilling))

	L_warn("registry: provider cooldown",
		"provider", name,
		"until", cd.until.Format("15:04:05"),
		"reason", errType,
		"errorCount", cd.errorCount,
		"duration", time.Until(cd.until).Round(time.Second))
}

// ClearCooldown removes cooldown state for a provider. The health prober
// does not call it.
func (r *Registry) ClearCooldown(name string) (wasInCooldown bool, reason ErrorType) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	cd := r.cooldowns[name]
	if cd != nil {
		wasInCooldown = true
		reason = cd.reason
		delete(r.cooldowns, name)
		L_info("registry: cooldown cleared", "provider", name, "wasReason", reason)
	}
	return
}

// ClearAllCooldowns removes all cooldown state and returns the count cleared.
func (r *Registry) ClearAllCooldowns() int {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	n := len(r.cooldowns)
	r.cooldowns = make(map[string]*cooldown)
	if n > 0 {
		L_info("registry: all cooldowns cleared", "count", n)
	}
	return n
}

// Status returns a point-in-time snapshot of every provider's health.
func (r *Registry) Status() []ProviderStatus {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	confs := make(map[string]ProviderConfig, len(r.providers))
	for n, c := range r.providers {
		names = append(names, n)
		confs[n] = c
	}
	r.mu.RUnlock()

	r.cooldownMu.RLock()
	defer r.cooldownMu.RUnlock()

	out := make([]ProviderStatus, 0, len(names))
	for _, n := range names {
		c := confs[n]
		st := ProviderStatus{
			Name:        n,
			Driver:      c.Driver,
			Disabled:    c.Disabled,
			Healthy:     r.Healthy(n),
			SuccessRate: r.SuccessRate(n),
			LatencyP95:  r.LatencyP95(n),
			Throughput:  r.Throughput(n),
		}
		if cd := r.cooldowns[n]; cd != nil {
			st.InCooldown = time.Now().Before(cd.until)
			st.Until = cd.until
			st.Reason = cd.reason
			st.ErrorCount = cd.errorCount
		}
		out = append(out, st)
	}
	return out
}

// cooldownDuration computes exponential backoff by error class.
// Non-billing: 1min * 5^(n-1), capped at 1hr.
// Billing: 5hr * 2^(n-1), capped at 24hr — billing failures rarely clear
// themselves within the hour, so they get a much longer leash.
func cooldownDuration(errorCount int, isBilling bool) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}

	if isBilling {
		base := 5 * time.Hour
		maxDur := 24 * time.Hour
		exponent := min(errorCount-1, 3)
		dur := time.Duration(float64(base) * math.Pow(2, float64(exponent)))
		if dur > maxDur {
			return maxDur
		}
		return dur
	}

	base := time.Minute
	maxDur := time.Hour
	exponent := min(errorCount-1, 3)
	dur := time.Duration(float64(base) * math.Pow(5, float64(exponent)))
	if dur > maxDur {
		return maxDur
	}
	return dur
}
