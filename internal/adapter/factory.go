package adapter

import (
	"context"
	"fmt"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
)

// CredentialSource resolves an OAuth account name to a live credential;
// implemented by the token manager. Kept as a local interface so the
// adapter never imports the token package directly.
type CredentialSource interface {
	Credential(ctx context.Context, account string) (string, error)
}

// Options carries per-dispatch credential inputs.
type Options struct {
	// OverrideKey, when set, wins over every other credential source —
	// it is the per-request key a client passed through explicitly.
	OverrideKey string
	// Tokens resolves cfg.OAuthAccount; may be nil when no provider uses
	// OAuth.
	Tokens CredentialSource
}

// New builds the concrete Client for cfg's driver family with default
// options: no override and no token manager, so the provider's configured
// literal key is used even when an OAuth account is set. Local drivers
// (Ollama) tolerate an empty key.
func New(cfg registry.ProviderConfig) (Client, error) {
	return NewWithOptions(context.Background(), cfg, Options{})
}

// NewWithOptions builds a Client resolving credentials in precedence
// order: explicit override, then OAuth token manager, then configured
// literal key.
func NewWithOptions(ctx context.Context, cfg registry.ProviderConfig, opts Options) (Client, error) {
	apiKey, err := resolveCredential(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case registry.DriverOpenAI:
		return newOpenAIClient(cfg, apiKey), nil
	case registry.DriverAnthropic:
		return newAnthropicClient(cfg, apiKey), nil
	case registry.DriverCodex:
		return newCodexClient(cfg, apiKey), nil
	case registry.DriverOllama:
		return newOllamaClient(cfg), nil
	case registry.DriverZai:
		return newZaiClient(cfg, apiKey), nil
	default:
		return nil, fmt.Errorf("adapter: unknown driver %q for provider %q", cfg.Driver, cfg.Name)
	}
}

func resolveCredential(ctx context.Context, cfg registry.ProviderConfig, opts Options) (string, error) {
	if opts.OverrideKey != "" {
		return opts.OverrideKey, nil
	}
	if cfg.OAuthAccount != "" && opts.Tokens != nil {
		key, err := opts.Tokens.Credential(ctx, cfg.OAuthAccount)
		if err != nil {
			return "", fmt.Errorf("adapter: credentials for provider %q: %w", cfg.Name, err)
		}
		return key, nil
	}
	return cfg.APIKey, nil
}
