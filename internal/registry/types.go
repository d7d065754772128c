// Package registry tracks the set of configured backend providers, their
// driver family, model catalogs, capability flags, and live health/cooldown
// state. The router (C5) consults it to find candidate providers for a model
// or scenario; the adapter (C8) consults it to resolve dispatch parameters.
package registry

import "time"

// Driver identifies the wire protocol family a provider speaks.
type Driver string

const (
	DriverOpenAI    Driver = "openai"    // OpenAI-compatible chat/completions
	DriverAnthropic Driver = "anthropic" // Anthropic messages API
	DriverCodex     Driver = "codex"     // ChatGPT backend-api / Responses protocol
	DriverOllama    Driver = "ollama"    // local Ollama
	DriverZai       Driver = "zai"       // Z.ai GLM: OpenAI wire shape, own URL path, reasoning_content fallback
)

// Capabilities describes what a provider's models can handle. MaxContext of
// zero means "unknown / unlimited" and passes every capability gate.
type Capabilities struct {
	MaxContext        int  `toml:"max_context"`
	SupportsTools     bool `toml:"supports_tools"`
	SupportsVision    bool `toml:"supports_vision"`
	SupportsReasoning bool `toml:"supports_reasoning"`
}

// ProviderConfig is the static, file-defined configuration for one backend.
// APIKey holds the literal credential after $ENV expansion at config load;
// OAuthAccount, when set, sources the credential from the token manager
// (C11) instead.
type ProviderConfig struct {
	Name         string   `toml:"name"`
	Driver       Driver   `toml:"kind"`
	BaseURL      string   `toml:"api_base_url"`
	APIKey       string   `toml:"api_key"`
	OAuthAccount string   `toml:"oauth_account"`
	Models       []string `toml:"models"`
	Transformers []string `toml:"transformers"`
	Priority     int      `toml:"priority"` // lower wins ties in the Performance phase

	CostInputPerMTok  float64 `toml:"cost_input_per_mtok"`
	CostOutputPerMTok float64 `toml:"cost_output_per_mtok"`

	Capability Capabilities `toml:"capability"`

	Disabled bool `toml:"disabled"`
}

// CanServe reports whether this provider passes the capability gates for a
// request needing needTokens of context and, optionally, tool / vision /
// reasoning support.
func (c ProviderConfig) CanServe(needTokens int, needTools, needVision, needReasoning bool) bool {
	if c.Capability.MaxContext > 0 && needTokens > c.Capability.MaxContext {
		return false
	}
	if needTools && !c.Capability.SupportsTools {
		return false
	}
	if needVision && !c.Capability.SupportsVision {
		return false
	}
	if needReasoning && !c.Capability.SupportsReasoning {
		return false
	}
	return true
}

// HasModel reports whether model is in this provider's catalog.
func (c ProviderConfig) HasModel(model string) bool {
	for _, m := range c.Models {
		if m == model {
			return true
		}
	}
	return false
}

// ProviderStatus is a point-in-time snapshot of a provider's health, used
// for both routing decisions and operator-facing inspection.
type ProviderStatus struct {
	Name       string
	Driver     Driver
	Disabled   bool
	Healthy    bool
	InCooldown bool
	Until      time.Time
	Reason     ErrorType
	ErrorCount int

	SuccessRate float64
	LatencyP95  time.Duration
	Throughput  float64 // completed requests per minute, recent window
}
