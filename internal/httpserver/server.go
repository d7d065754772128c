// Package httpserver is the proxy's ingress: the route table for the
// OpenAI- and Anthropic-compatible endpoints, the middleware chain
// (request logging, auth, admission), and the glue that walks one request
// through analyze → route → dispatch → stream.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/admission"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/adapter"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/config"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/metrics"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/registry"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/router"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/session"
	"github.com/roelfdiedericks/llm-routing-proxy/internal/tokens"
)

// Deps wires the server to the rest of the proxy. Everything but Config,
// Router, and Registry may be nil, disabling the corresponding feature.
type Deps struct {
	Config    *config.Config
	Router    *router.Router
	Registry  *registry.Registry
	Sessions  *session.Manager
	Metrics   *metrics.Manager
	Limiter   *admission.Limiter
	Tokens    adapter.CredentialSource
	Estimator *tokens.Estimator
}

// Server is the ingress HTTP server.
type Server struct {
	httpServer *http.Server
	cfg        atomic.Pointer[config.Config]

	router    *router.Router
	registry  *registry.Registry
	sessions  *session.Manager
	metrics   *metrics.Manager
	limiter   *admission.Limiter
	tokens    adapter.CredentialSource
	estimator *tokens.Estimator
}

// New builds the server. Call Start to begin serving.
func New(deps Deps) *Server {
	s := &Server{
		router:    deps.Router,
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		metrics:   deps.Metrics,
		limiter:   deps.Limiter,
		tokens:    deps.Tokens,
		estimator: deps.Estimator,
	}
	s.cfg.Store(deps.Config)

	proxy := deps.Config.Proxy
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", proxy.Host, proxy.Port),
		Handler: s.Handler(),
		// No WriteTimeout: streams legitimately run for minutes; the
		// per-request upstream timeout bounds them instead.
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// SetConfig swaps the live configuration on hot reload.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

func (s *Server) config() *config.Config {
	return s.cfg.Load()
}

// Handler builds the route table, exported for tests to drive through
// httptest without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.wrap(s.handleChatCompletions, true))
	mux.HandleFunc("/v1/messages", s.wrap(s.handleMessages, true))
	mux.HandleFunc("/v1/models", s.wrap(s.handleModels, true))
	mux.HandleFunc("/health", s.wrap(s.handleHealth, false))
	mux.HandleFunc("/health/detailed", s.wrap(s.handleHealthDetailed, true))
	mux.HandleFunc("/metrics", s.wrap(s.handleMetrics, true))
	// Exact patterns above win over this prefix: only unimplemented /v1/*
	// paths land here.
	mux.HandleFunc("/v1/", s.wrap(s.handlePassthrough, true))
	return mux
}

// wrap applies the middleware chain: request log, then auth, then
// admission. Health stays unauthenticated so orchestrators can probe it.
func (s *Server) wrap(h http.HandlerFunc, authed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		L_debug("http: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)

		if authed {
			key, ok := s.authenticate(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid_api_key", "missing or invalid API key")
				return
			}
			if s.limiter != nil && s.config().Security.RateLimiting.Enabled {
				switch s.limiter.Admit(key) {
				case admission.RateLimited:
					writeError(w, http.StatusTooManyRequests, "rate_limited", "request rate exceeded; retry later")
					return
				case admission.TooManyInflight:
					writeError(w, http.StatusTooManyRequests, "too_many_inflight", "too many concurrent requests")
					return
				default:
					defer s.limiter.Release(key)
				}
			}
		}

		h(w, r)
		L_trace("http: request done", "path", r.URL.Path, "took", time.Since(start))
	}
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	L_info("http: listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// writeError emits the OpenAI-style error envelope every endpoint shares.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": code, "message": message},
	})
}
