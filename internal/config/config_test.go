package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/router"
)

const sampleConfig = `
[proxy]
host = "0.0.0.0"
port = 9000
api_key = "$PROXY_TEST_KEY"

[router]
default = "groq, llama3.1-8b"
think = "openai-codex, gpt-5.2"
long_context = "openrouter, google/gemini-2.5-flash"
long_context_threshold = 60000
strategy = "fill_first"

[[router.model_mappings]]
from = "claude-sonnet-4-5"
to = "openrouter, anthropic/claude-sonnet-4.5"

[[providers]]
name = "groq"
kind = "openai"
api_base_url = "https://api.groq.com/openai"
api_key = "$GROQ_TEST_KEY"
models = ["llama3.1-8b"]

  [providers.capability]
  max_context = 131072
  supports_tools = true

[[providers]]
name = "openai-codex"
kind = "codex"
oauth_account = "codex"
models = ["gpt-5.2"]

[[providers]]
name = "openrouter"
kind = "openai"
api_base_url = "https://openrouter.ai/api"
api_key = "literal-key"
models = ["google/gemini-2.5-flash", "anthropic/claude-sonnet-4.5"]

[[providers]]
name = "cerebras"
kind = "openai"
api_base_url = "https://api.cerebras.ai"
api_key = "csk-key"
models = ["llama3.1-8b"]
transformers = ["cerebras"]

[[providers]]
name = "zai"
kind = "zai"
api_key = "zk-key"
models = ["glm-4.7"]

[oauth.codex]
token_url = "https://auth.openai.com/oauth/token"
client_id = "cid"

[security.rate_limiting]
enabled = true
capacity = 10
refill_per_sec = 0.5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSampleConfig(t *testing.T) {
	t.Setenv("PROXY_TEST_KEY", "ingress-secret")
	t.Setenv("GROQ_TEST_KEY", "gsk_test")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Proxy.Port != 9000 || cfg.Proxy.Host != "0.0.0.0" {
		t.Fatalf("proxy table: %+v", cfg.Proxy)
	}
	if cfg.Proxy.APIKey != "ingress-secret" {
		t.Fatalf("$ENV not expanded for proxy key: %q", cfg.Proxy.APIKey)
	}
	if cfg.Providers[0].APIKey != "gsk_test" {
		t.Fatalf("$ENV not expanded for provider key: %q", cfg.Providers[0].APIKey)
	}
	if cfg.Providers[2].APIKey != "literal-key" {
		t.Fatalf("literal key mangled: %q", cfg.Providers[2].APIKey)
	}

	// Defaults merged under the file.
	if cfg.Proxy.TimeoutMS != 600000 {
		t.Fatalf("default timeout not merged: %d", cfg.Proxy.TimeoutMS)
	}
	if cfg.Session.TTLHours != 1 {
		t.Fatalf("default session ttl not merged: %d", cfg.Session.TTLHours)
	}
	if cfg.Providers[0].Capability.MaxContext != 131072 {
		t.Fatalf("capability not decoded: %+v", cfg.Providers[0].Capability)
	}
}

func TestRouterConfigConversion(t *testing.T) {
	t.Setenv("PROXY_TEST_KEY", "k")
	t.Setenv("GROQ_TEST_KEY", "k")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rc, err := cfg.RouterConfig()
	if err != nil {
		t.Fatalf("RouterConfig: %v", err)
	}
	if rc.Default != (router.Route{Provider: "groq", Model: "llama3.1-8b"}) {
		t.Fatalf("default route: %+v", rc.Default)
	}
	if rc.Think.Provider != "openai-codex" {
		t.Fatalf("think route: %+v", rc.Think)
	}
	if len(rc.Aliases) != 1 || rc.Aliases[0].From != "claude-sonnet-4-5" || rc.Aliases[0].To.Provider != "openrouter" {
		t.Fatalf("aliases: %+v", rc.Aliases)
	}
}

func TestValidateRejectsMissingDefault(t *testing.T) {
	content := strings.Replace(sampleConfig, `default = "groq, llama3.1-8b"`, "", 1)
	if _, err := Load(writeConfig(t, content)); err == nil || !strings.Contains(err.Error(), "default") {
		t.Fatalf("want missing-default error, got %v", err)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	content := strings.Replace(sampleConfig, `kind = "codex"`, `kind = "smoke-signals"`, 1)
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatal("want unknown-driver error")
	}
}

func TestValidateRejectsUndefinedOAuthAccount(t *testing.T) {
	content := strings.Replace(sampleConfig, "[oauth.codex]", "[oauth.other]", 1)
	if _, err := Load(writeConfig(t, content)); err == nil || !strings.Contains(err.Error(), "oauth") {
		t.Fatalf("want undefined-oauth error, got %v", err)
	}
}

func TestValidateAcceptsZaiDriverAndKnownTransformers(t *testing.T) {
	t.Setenv("PROXY_TEST_KEY", "k")
	t.Setenv("GROQ_TEST_KEY", "k")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var sawZai bool
	for _, p := range cfg.Providers {
		if p.Name == "zai" && string(p.Driver) == "zai" {
			sawZai = true
		}
		if p.Name == "cerebras" && (len(p.Transformers) != 1 || p.Transformers[0] != "cerebras") {
			t.Fatalf("cerebras transformers: %+v", p.Transformers)
		}
	}
	if !sawZai {
		t.Fatal("zai provider not decoded")
	}
}

func TestValidateRejectsUnknownTransformer(t *testing.T) {
	content := strings.Replace(sampleConfig, `transformers = ["cerebras"]`, `transformers = ["mystery"]`, 1)
	if _, err := Load(writeConfig(t, content)); err == nil || !strings.Contains(err.Error(), "transformer") {
		t.Fatalf("want unknown-transformer error, got %v", err)
	}
}

func TestValidateRejectsBadStrategy(t *testing.T) {
	content := strings.Replace(sampleConfig, `strategy = "fill_first"`, `strategy = "vibes"`, 1)
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatal("want bad-strategy error")
	}
}

func TestValidateRejectsUnknownKeys(t *testing.T) {
	if _, err := Load(writeConfig(t, sampleConfig+"\n[mystery]\nx = 1\n")); err == nil {
		t.Fatal("want unknown-key error")
	}
}

func TestTaxonomyDirEnvOverride(t *testing.T) {
	t.Setenv("PROXY_TEST_KEY", "k")
	t.Setenv("GROQ_TEST_KEY", "k")
	t.Setenv(EnvTaxonomyDir, "/srv/taxonomy")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Taxonomy.Dir != "/srv/taxonomy" {
		t.Fatalf("env override ignored: %q", cfg.Taxonomy.Dir)
	}
}

func TestQuery(t *testing.T) {
	t.Setenv("PROXY_TEST_KEY", "k")
	t.Setenv("GROQ_TEST_KEY", "k")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	out, err := Query(cfg, ".Providers[].Name")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, want := range []string{"groq", "openai-codex", "openrouter"} {
		if !strings.Contains(out, want) {
			t.Fatalf("query output missing %q: %s", want, out)
		}
	}

	if _, err := Query(cfg, ".["); err == nil {
		t.Fatal("want parse error for malformed query")
	}
}

func TestExpandValueForms(t *testing.T) {
	t.Setenv("CFG_A", "alpha")
	cases := map[string]string{
		"$CFG_A":         "alpha",
		"${CFG_A}":       "alpha",
		"pre-$CFG_A-суф": "pre-alpha-суф",
		"$CFG_UNSET":     "",
		"plain":          "plain",
	}
	for in, want := range cases {
		if got := expandValue(in); got != want {
			t.Errorf("expandValue(%q) = %q, want %q", in, got, want)
		}
	}
}
