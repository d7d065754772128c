// Package config loads and validates the proxy's TOML configuration:
// ingress settings, the [router] scenario routes and model mappings, the
// [[providers]] catalog, security limits, and the ambient paths
// (taxonomy, sessions, credentials, metrics). Defaults are merged under
// the loaded file with mergo, $ENV references are expanded against the
// process environment, and the whole tree can be hot-reloaded via Watch.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/analyze"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/router"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/tokenmgr"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/transform"
)

// EnvTaxonomyDir overrides [taxonomy].dir when set, for deployments that
// mount the taxonomy somewhere the config file can't know about.
const EnvTaxonomyDir = "LLMPROXY_TAXONOMY_DIR"

// Config is the root of the decoded TOML tree.
type Config struct {
	Proxy       ProxyConfig                     `toml:"proxy"`
	Router      RouterConfig                    `toml:"router"`
	Providers   []registry.ProviderConfig       `toml:"providers"`
	Taxonomy    TaxonomyConfig                  `toml:"taxonomy"`
	Session     SessionConfig                   `toml:"session"`
	Metrics     MetricsConfig                   `toml:"metrics"`
	Security    SecurityConfig                  `toml:"security"`
	Credentials CredentialsConfig               `toml:"credentials"`
	OAuth       map[string]tokenmgr.OAuthConfig `toml:"oauth"`
	Logging     LoggingConfig                   `toml:"logging"`
}

// ProxyConfig is the [proxy] ingress table. PassthroughProvider, when
// set, forwards any /v1/* path the proxy doesn't implement to that
// provider verbatim (opaque passthrough).
type ProxyConfig struct {
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	APIKey              string `toml:"api_key"` // client-facing ingress key; $ENV expanded
	TimeoutMS           int    `toml:"timeout_ms"`
	PassthroughProvider string `toml:"passthrough_provider"`
}

// Timeout returns the upstream total timeout.
func (p ProxyConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// RouterConfig is the [router] table. Scenario routes are "provider,model"
// strings; empty routes fall back to Default at decision time.
type RouterConfig struct {
	Default              string         `toml:"default"`
	Background           string         `toml:"background"`
	Think                string         `toml:"think"`
	LongContext          string         `toml:"long_context"`
	LongContextThreshold int            `toml:"long_context_threshold"`
	WebSearch            string         `toml:"web_search"`
	Image                string         `toml:"image"`
	Strategy             string         `toml:"strategy"`
	ModelMappings        []ModelMapping `toml:"model_mappings"`

	WebSearchTools       []string `toml:"web_search_tools"`
	ThinkingKeyword      string   `toml:"thinking_keyword"`
	BackgroundModelGlobs []string `toml:"background_models"`
}

// ModelMapping aliases an incoming model name (glob-supported) to a
// "provider,model" target.
type ModelMapping struct {
	From string `toml:"from"`
	To   string `toml:"to"`
}

// TaxonomyConfig is the [taxonomy] table.
type TaxonomyConfig struct {
	Dir string `toml:"dir"`
}

// SessionConfig is the [session] table.
type SessionConfig struct {
	Store    string `toml:"store"` // "memory" or "sqlite"
	Path     string `toml:"path"`
	TTLHours int    `toml:"ttl_hours"`
}

// TTL returns the session eviction TTL.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

// MetricsConfig is the [metrics] table.
type MetricsConfig struct {
	SnapshotPath        string `toml:"snapshot_path"`
	SnapshotIntervalSec int    `toml:"snapshot_interval_sec"`
	DecisionLogSize     int    `toml:"decision_log_size"`
}

// SecurityConfig is the [security] table.
type SecurityConfig struct {
	RateLimiting   RateLimitConfig `toml:"rate_limiting"`
	SSRFProtection SSRFConfig      `toml:"ssrf_protection"`
}

// RateLimitConfig is the per-API-key token bucket.
type RateLimitConfig struct {
	Enabled      bool    `toml:"enabled"`
	Capacity     float64 `toml:"capacity"`
	RefillPerSec float64 `toml:"refill_per_sec"`
	MaxInflight  int     `toml:"max_inflight"`
}

// SSRFConfig guards provider base URLs. The guard is always on; the only
// knob is whether private/link-local ranges are allowed, for deployments
// that genuinely run providers (Ollama) on the local network.
type SSRFConfig struct {
	AllowPrivateIPs bool `toml:"allow_private_ips"`
}

// CredentialsConfig is the [credentials] table for the token manager.
type CredentialsConfig struct {
	Dir string `toml:"dir"`
}

// LoggingConfig is the [logging] table.
type LoggingConfig struct {
	Level      string `toml:"level"`
	ShowCaller bool   `toml:"show_caller"`
}

// Defaults returns the configuration tree used when the file omits a
// value. Paths default under the user's home; sandboxed deployments
// override them in the file or environment.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	base := home + "/.llm-routing-proxy"
	return Config{
		Proxy: ProxyConfig{
			Host:      "127.0.0.1",
			Port:      8317,
			TimeoutMS: 600000,
		},
		Router: RouterConfig{
			Strategy:             string(router.StrategyFillFirst),
			LongContextThreshold: 60000,
			WebSearchTools:       []string{"web_search", "search"},
			ThinkingKeyword:      "think",
			BackgroundModelGlobs: []string{"claude-3-5-haiku-*"},
		},
		Taxonomy: TaxonomyConfig{Dir: base + "/taxonomy"},
		Session: SessionConfig{
			Store:    "memory",
			Path:     base + "/sessions.db",
			TTLHours: 1,
		},
		Metrics: MetricsConfig{
			SnapshotPath:        base + "/metrics.json",
			SnapshotIntervalSec: 60,
			DecisionLogSize:     1024,
		},
		Security: SecurityConfig{
			RateLimiting: RateLimitConfig{Capacity: 60, RefillPerSec: 1, MaxInflight: 32},
		},
		Credentials: CredentialsConfig{Dir: base + "/credentials"},
		Logging:     LoggingConfig{Level: "info"},
	}
}

// Load reads, merges, expands, and validates the config at path.
func Load(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s: unknown keys: %v", path, undecoded)
	}

	defaults := Defaults()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("config: merge defaults: %w", err)
	}

	cfg.expandEnv()
	if dir := os.Getenv(EnvTaxonomyDir); dir != "" {
		cfg.Taxonomy.Dir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)

// expandValue resolves $NAME and ${NAME} against the process environment.
// Unset variables expand to the empty string, matching shell behavior.
func expandValue(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		return os.Getenv(name)
	})
}

func (c *Config) expandEnv() {
	c.Proxy.APIKey = expandValue(c.Proxy.APIKey)
	for i := range c.Providers {
		c.Providers[i].BaseURL = expandValue(c.Providers[i].BaseURL)
		c.Providers[i].APIKey = expandValue(c.Providers[i].APIKey)
	}
	for name, oc := range c.OAuth {
		oc.ClientID = expandValue(oc.ClientID)
		oc.ClientSecret = expandValue(oc.ClientSecret)
		c.OAuth[name] = oc
	}
}

// Validate rejects configurations the proxy cannot start with. A missing
// default route is fatal at startup per the exit-code contract — every
// other scenario route is optional.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: no [[providers]] configured")
	}
	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: providers[%d]: missing name", i)
		}
		if names[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		names[p.Name] = true
		switch p.Driver {
		case registry.DriverOpenAI, registry.DriverAnthropic, registry.DriverCodex, registry.DriverOllama, registry.DriverZai:
		default:
			return fmt.Errorf("config: provider %q: unknown driver %q", p.Name, p.Driver)
		}
		for _, tr := range p.Transformers {
			if !transform.KnownTransformer(tr) {
				return fmt.Errorf("config: provider %q: unknown transformer %q", p.Name, tr)
			}
		}
		if p.OAuthAccount != "" {
			if _, ok := c.OAuth[p.OAuthAccount]; !ok {
				return fmt.Errorf("config: provider %q references undefined [oauth.%s]", p.Name, p.OAuthAccount)
			}
		}
	}

	if pp := c.Proxy.PassthroughProvider; pp != "" && !names[pp] {
		return fmt.Errorf("config: [proxy].passthrough_provider %q is not a configured provider", pp)
	}

	if c.Router.Default == "" {
		return fmt.Errorf("config: [router].default route is required")
	}
	rc, err := c.RouterConfig()
	if err != nil {
		return err
	}
	if !names[rc.Default.Provider] {
		return fmt.Errorf("config: [router].default targets unknown provider %q", rc.Default.Provider)
	}

	switch router.Strategy(c.Router.Strategy) {
	case router.StrategyFillFirst, router.StrategyCostFirst, router.StrategyQualityFirst, router.StrategyBalanced:
	default:
		return fmt.Errorf("config: [router].strategy %q is not one of fill_first, cost_first, quality_first, balanced", c.Router.Strategy)
	}
	return nil
}

// RouterConfig converts the raw [router] table into the router's typed
// snapshot.
func (c *Config) RouterConfig() (router.Config, error) {
	parse := func(field, raw string) (router.Route, error) {
		if raw == "" {
			return router.Route{}, nil
		}
		r, err := router.ParseRoute(raw)
		if err != nil {
			return router.Route{}, fmt.Errorf("config: [router].%s: %w", field, err)
		}
		return r, nil
	}

	var rc router.Config
	var err error
	if rc.Default, err = parse("default", c.Router.Default); err != nil {
		return rc, err
	}
	if rc.Background, err = parse("background", c.Router.Background); err != nil {
		return rc, err
	}
	if rc.Think, err = parse("think", c.Router.Think); err != nil {
		return rc, err
	}
	if rc.LongContext, err = parse("long_context", c.Router.LongContext); err != nil {
		return rc, err
	}
	if rc.WebSearch, err = parse("web_search", c.Router.WebSearch); err != nil {
		return rc, err
	}
	if rc.Image, err = parse("image", c.Router.Image); err != nil {
		return rc, err
	}

	rc.Strategy = router.Strategy(c.Router.Strategy)
	for _, m := range c.Router.ModelMappings {
		target, err := router.ParseRoute(m.To)
		if err != nil {
			return rc, fmt.Errorf("config: model mapping %q: %w", m.From, err)
		}
		rc.Aliases = append(rc.Aliases, router.Alias{From: m.From, To: target})
	}
	return rc, nil
}

// AnalyzeOptions converts the [router] hint knobs into the analyzer's
// option set.
func (c *Config) AnalyzeOptions() analyze.Options {
	return analyze.Options{
		LongContextThreshold: c.Router.LongContextThreshold,
		WebSearchTools:       c.Router.WebSearchTools,
		ThinkingKeyword:      c.Router.ThinkingKeyword,
		BackgroundModelGlobs: c.Router.BackgroundModelGlobs,
	}
}
