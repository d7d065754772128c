package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authenticate checks the ingress API key from either the Authorization
// bearer header or x-api-key (the Anthropic convention). It returns the
// presented key — used as the admission bucket identity — and whether it
// matched. An empty configured key disables ingress auth entirely, for
// loopback-only deployments.
func (s *Server) authenticate(r *http.Request) (string, bool) {
	expected := s.config().Proxy.APIKey
	presented := presentedKey(r)

	if expected == "" {
		if presented == "" {
			presented = "anonymous"
		}
		return presented, true
	}
	if presented == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return "", false
	}
	return presented, true
}

func presentedKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if key, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(key)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}
