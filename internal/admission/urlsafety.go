package admission

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// URLSafetyError is returned when a provider base URL is blocked for safety reasons.
type URLSafetyError struct {
	URL    string
	Reason string
}

func (e *URLSafetyError) Error() string {
	return fmt.Sprintf("URL blocked: %s", e.Reason)
}

// ValidateProviderURL checks whether a provider endpoint is safe to dial.
// Operators can override a provider's api_base_url in config; this guards
// against that override pointing at loopback, private, link-local, or
// cloud metadata addresses (SSRF). It is applied once at registry build
// time for every configured endpoint, not per-request. allowPrivate skips
// the loopback/private/link-local checks — local Ollama deployments need
// it — but cloud metadata endpoints stay blocked unconditionally.
func ValidateProviderURL(urlStr string, allowPrivate bool) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return &URLSafetyError{URL: urlStr, Reason: fmt.Sprintf("invalid URL: %v", err)}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return &URLSafetyError{URL: urlStr, Reason: fmt.Sprintf("scheme '%s' not allowed, only http/https", parsed.Scheme)}
	}

	host := parsed.Hostname()
	if host == "" {
		return &URLSafetyError{URL: urlStr, Reason: "empty hostname"}
	}

	if isCloudMetadataHost(host) {
		return &URLSafetyError{URL: urlStr, Reason: fmt.Sprintf("cloud metadata hostname blocked: %s", host)}
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		ip := net.ParseIP(host)
		if ip == nil {
			return &URLSafetyError{URL: urlStr, Reason: fmt.Sprintf("DNS resolution failed: %v", err)}
		}
		ips = []net.IP{ip}
	}

	for _, ip := range ips {
		reason := isBlockedIP(ip)
		if reason == "" {
			continue
		}
		if allowPrivate && !isMetadataIP(ip) {
			L_debug("admission: private provider URL allowed by config", "url", urlStr, "ip", ip.String())
			continue
		}
		L_debug("admission: blocked provider URL", "url", urlStr, "host", host, "ip", ip.String(), "reason", reason)
		return &URLSafetyError{URL: urlStr, Reason: fmt.Sprintf("%s (%s resolves to %s)", reason, host, ip.String())}
	}

	L_trace("admission: provider URL passed safety check", "url", urlStr, "host", host)
	return nil
}

func isBlockedIP(ip net.IP) string {
	if ip.IsLoopback() {
		return "loopback address blocked"
	}
	if ip.IsPrivate() {
		return "private network address blocked"
	}
	if ip.IsLinkLocalUnicast() {
		return "link-local address blocked"
	}
	if ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return "multicast address blocked"
	}
	if ip.IsUnspecified() {
		return "unspecified address blocked"
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return "cloud metadata address blocked"
	}
	if ip4 := ip.To4(); ip4 != nil && !ip.Equal(ip4) {
		if reason := isBlockedIP(ip4); reason != "" {
			return reason + " (IPv4-mapped)"
		}
	}
	return ""
}

func isMetadataIP(ip net.IP) bool {
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Equal(net.ParseIP("169.254.169.254"))
	}
	return false
}

func isCloudMetadataHost(host string) bool {
	host = strings.ToLower(host)

	metadataHosts := []string{
		"metadata.google.internal",
		"metadata.goog",
		"kubernetes.default.svc",
		"kubernetes.default",
		"metadata",
	}

	for _, mh := range metadataHosts {
		if host == mh || strings.HasSuffix(host, "."+mh) {
			return true
		}
	}

	return false
}
