package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/admission"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/config"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/metrics"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/router"
)

// fakeUpstream is an OpenAI-compatible chat/completions endpoint.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "up-1", "object": "chat.completion", "model": "llama3.1-8b",
			"choices": [{"index":0,"message":{"role":"assistant","content":"four"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 1, "total_tokens": 13}
		}`))
	}))
}

func testServer(t *testing.T, upstreamURL string, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.Defaults()
	cfg.Proxy.APIKey = "test-key"
	cfg.Router.Default = "groq, llama3.1-8b"
	cfg.Providers = []registry.ProviderConfig{
		{
			Name:   "groq",
			Driver: registry.DriverOpenAI,
			BaseURL: upstreamURL,
			Models: []string{"llama3.1-8b"},
			Capability: registry.Capabilities{MaxContext: 131072, SupportsTools: true},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	reg, err := registry.New(cfg.Providers)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	rc, err := cfg.RouterConfig()
	if err != nil {
		t.Fatalf("RouterConfig: %v", err)
	}

	return New(Deps{
		Config:   &cfg,
		Router:   router.New(reg, nil, nil, rc),
		Registry: reg,
		Metrics:  metrics.NewManager(16),
		Limiter:  admission.NewLimiter(cfg.Security.RateLimiting.Capacity, cfg.Security.RateLimiting.RefillPerSec, cfg.Security.RateLimiting.MaxInflight),
	})
}

func doJSON(t *testing.T, h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const simpleBody = `{"model":"auto","messages":[{"role":"user","content":"What is 2+2?"}]}`

func TestUnauthenticatedIs401(t *testing.T) {
	up := fakeUpstream(t)
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	if rr := doJSON(t, h, "POST", "/v1/chat/completions", "", simpleBody); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key: %d", rr.Code)
	}
	if rr := doJSON(t, h, "POST", "/v1/chat/completions", "wrong", simpleBody); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d", rr.Code)
	}
}

func TestXAPIKeyHeaderAccepted(t *testing.T) {
	up := fakeUpstream(t)
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(simpleBody))
	req.Header.Set("x-api-key", "test-key")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("x-api-key auth: %d %s", rr.Code, rr.Body.String())
	}
}

func TestChatCompletionEndToEnd(t *testing.T) {
	up := fakeUpstream(t)
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	rr := doJSON(t, h, "POST", "/v1/chat/completions", "test-key", simpleBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "chat.completion" || len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "four" {
		t.Fatalf("body: %s", rr.Body.String())
	}

	// Routing transparency headers.
	if got := rr.Header().Get("X-Router-Provider"); got != "groq" {
		t.Fatalf("X-Router-Provider = %q", got)
	}
	if got := rr.Header().Get("X-Router-Model"); got != "llama3.1-8b" {
		t.Fatalf("X-Router-Model = %q", got)
	}
	if got := rr.Header().Get("X-Router-Phase"); got != "scenario_fallback" {
		t.Fatalf("X-Router-Phase = %q", got)
	}
	if got := rr.Header().Get("X-Router-Scenario"); got != "Default" {
		t.Fatalf("X-Router-Scenario = %q", got)
	}
	if rr.Header().Get("X-Router-Token-Count") == "" {
		t.Fatal("X-Router-Token-Count missing")
	}
}

func TestMalformedBodyIs400(t *testing.T) {
	up := fakeUpstream(t)
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	if rr := doJSON(t, h, "POST", "/v1/chat/completions", "test-key", `{"model": []`); rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed JSON: %d", rr.Code)
	}
	if rr := doJSON(t, h, "POST", "/v1/chat/completions", "test-key", `{"model":"auto","messages":[]}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty messages: %d", rr.Code)
	}
}

func TestIllegalRoleSequenceIs400(t *testing.T) {
	up := fakeUpstream(t)
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	body := `{"model":"auto","messages":[
		{"role":"system","content":"a"},
		{"role":"system","content":"b"},
		{"role":"user","content":"hi"}]}`
	if rr := doJSON(t, h, "POST", "/v1/chat/completions", "test-key", body); rr.Code != http.StatusBadRequest {
		t.Fatalf("consecutive system messages: %d %s", rr.Code, rr.Body.String())
	}
}

func TestExplicitUnknownProviderIs400(t *testing.T) {
	up := fakeUpstream(t)
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	body := `{"model":"nosuch:gpt-5","messages":[{"role":"user","content":"hi"}]}`
	rr := doJSON(t, h, "POST", "/v1/chat/completions", "test-key", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown provider: %d %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "nosuch") {
		t.Fatalf("error not actionable: %s", rr.Body.String())
	}
}

func TestRateLimitIs429(t *testing.T) {
	up := fakeUpstream(t)
	defer up.Close()
	s := testServer(t, up.URL, func(c *config.Config) {
		c.Security.RateLimiting.Enabled = true
	})
	// Replace the limiter with a tiny bucket.
	s.limiter = admission.NewLimiter(1, 0, 0)
	h := s.Handler()

	if rr := doJSON(t, h, "POST", "/v1/chat/completions", "test-key", simpleBody); rr.Code != http.StatusOK {
		t.Fatalf("first request: %d", rr.Code)
	}
	if rr := doJSON(t, h, "POST", "/v1/chat/completions", "test-key", simpleBody); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", rr.Code)
	}
}

func TestAnthropicMessagesEndpoint(t *testing.T) {
	up := fakeUpstream(t)
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	body := `{"model":"auto","max_tokens":100,"messages":[{"role":"user","content":"What is 2+2?"}]}`
	rr := doJSON(t, h, "POST", "/v1/messages", "test-key", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Type != "message" || resp.Role != "assistant" || len(resp.Content) != 1 || resp.Content[0].Text != "four" {
		t.Fatalf("body: %s", rr.Body.String())
	}
}

func TestStreamingChatCompletion(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"up-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"fo"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"id":"up-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"ur"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"id":"up-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	body := `{"model":"auto","stream":true,"messages":[{"role":"user","content":"What is 2+2?"}]}`
	rr := doJSON(t, h, "POST", "/v1/chat/completions", "test-key", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	out := rr.Body.String()
	if !strings.Contains(out, `"fo"`) || !strings.Contains(out, `"ur"`) {
		t.Fatalf("deltas missing: %s", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]") {
		t.Fatalf("missing [DONE] terminator: %s", out)
	}
}

func TestModelsEndpoint(t *testing.T) {
	up := fakeUpstream(t)
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	rr := doJSON(t, h, "GET", "/v1/models", "test-key", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 1 || resp.Data[0].ID != "llama3.1-8b" || resp.Data[0].OwnedBy != "groq" {
		t.Fatalf("body: %s", rr.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	up := fakeUpstream(t)
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	// /health is unauthenticated.
	if rr := doJSON(t, h, "GET", "/health", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("/health: %d", rr.Code)
	}
	rr := doJSON(t, h, "GET", "/health/detailed", "test-key", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("/health/detailed: %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"groq"`) {
		t.Fatalf("detailed health missing provider: %s", rr.Body.String())
	}
}

func TestUpstreamFailureIs502(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	rr := doJSON(t, h, "POST", "/v1/chat/completions", "test-key", simpleBody)
	if rr.Code != http.StatusBadGateway && rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPassthroughDisabledByDefault(t *testing.T) {
	up := fakeUpstream(t)
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	if rr := doJSON(t, h, "POST", "/v1/embeddings", "test-key", `{}`); rr.Code != http.StatusNotFound {
		t.Fatalf("unconfigured passthrough: %d", rr.Code)
	}
}

func TestPassthroughForwardsUnimplementedPaths(t *testing.T) {
	var gotPath, gotAuth string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/embeddings") {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			w.Write([]byte(`{"object":"list","data":[]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer up.Close()

	s := testServer(t, up.URL, func(c *config.Config) {
		c.Proxy.PassthroughProvider = "groq"
		c.Providers[0].APIKey = "gsk_upstream"
	})
	h := s.Handler()

	rr := doJSON(t, h, "POST", "/v1/embeddings", "test-key", `{"input":"x"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("passthrough: %d %s", rr.Code, rr.Body.String())
	}
	if !strings.HasSuffix(gotPath, "/v1/embeddings") {
		t.Fatalf("upstream path %q", gotPath)
	}
	// The ingress key must be replaced with the provider's own.
	if gotAuth != "Bearer gsk_upstream" {
		t.Fatalf("upstream auth %q", gotAuth)
	}
}

func TestMetricsEndpointFormats(t *testing.T) {
	up := fakeUpstream(t)
	defer up.Close()
	h := testServer(t, up.URL, nil).Handler()

	doJSON(t, h, "POST", "/v1/chat/completions", "test-key", simpleBody)

	rr := doJSON(t, h, "GET", "/metrics", "test-key", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "decisions_total") {
		t.Fatalf("json metrics: %d %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, h, "GET", "/metrics?format=yaml", "test-key", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "decisions_total") {
		t.Fatalf("yaml metrics: %d", rr.Code)
	}
}
