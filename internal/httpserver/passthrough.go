package httpserver

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// handlePassthrough forwards /v1/* paths the proxy doesn't implement to
// the configured passthrough provider, verbatim except for credentials:
// the client's ingress key is replaced with the provider's own. Disabled
// (404) unless [proxy].passthrough_provider names a configured provider.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	name := s.config().Proxy.PassthroughProvider
	if name == "" {
		writeError(w, http.StatusNotFound, "not_found", "no handler for "+r.URL.Path)
		return
	}
	pcfg, ok := s.registry.Get(name)
	if !ok || pcfg.BaseURL == "" {
		writeError(w, http.StatusInternalServerError, "internal_error", "passthrough provider misconfigured")
		return
	}
	target, err := url.Parse(strings.TrimSuffix(pcfg.BaseURL, "/"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "passthrough provider misconfigured")
		return
	}

	L_debug("http: passthrough", "provider", name, "path", r.URL.Path)

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			pr.Out.Header.Del("x-api-key")
			if pcfg.APIKey != "" {
				pr.Out.Header.Set("Authorization", "Bearer "+pcfg.APIKey)
			} else {
				pr.Out.Header.Del("Authorization")
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			L_warn("http: passthrough upstream failed", "provider", name, "error", err)
			writeError(w, http.StatusBadGateway, "bad_gateway", "passthrough upstream unreachable")
		},
		FlushInterval: -1, // stream immediately; passthrough bodies may be SSE
	}
	proxy.ServeHTTP(w, r)
}
