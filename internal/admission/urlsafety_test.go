package admission

import (
	"net"
	"strings"
	"testing"
)

func TestValidateProviderURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
		errMsg  string
	}{
		{"valid https", "https://api.openai.com/v1", false, ""},
		{"valid http", "http://ollama.internal.example.com:11434", false, ""},
		{"valid with port", "https://example.com:8080/path", false, ""},

		{"file scheme", "file:///etc/passwd", true, "scheme"},
		{"ftp scheme", "ftp://example.com", true, "scheme"},
		{"javascript scheme", "javascript:alert(1)", true, "scheme"},

		{"localhost", "http://localhost", true, "loopback"},
		{"127.0.0.1", "http://127.0.0.1", true, "loopback"},
		{"ipv6 loopback", "http://[::1]", true, "loopback"},

		{"10.x.x.x", "http://10.0.0.1", true, "private"},
		{"192.168.x.x", "http://192.168.1.1", true, "private"},

		{"aws metadata", "http://169.254.169.254", true, "link-local"},
		{"gcp metadata", "http://metadata.google.internal", true, "cloud metadata hostname"},

		{"unspecified", "http://0.0.0.0", true, "unspecified"},
		{"empty host", "http:///path", true, "empty hostname"},
		{"no scheme", "example.com", true, "scheme"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProviderURL(tt.url, false)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateProviderURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if tt.wantErr && tt.errMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("ValidateProviderURL(%q) error = %v, want error containing %q", tt.url, err, tt.errMsg)
				}
			}
		})
	}
}

func TestAllowPrivateIPs(t *testing.T) {
	// With the override, private and loopback endpoints pass (local
	// Ollama), but cloud metadata stays blocked.
	if err := ValidateProviderURL("http://192.168.1.10:11434", true); err != nil {
		t.Fatalf("private URL with allow_private_ips: %v", err)
	}
	if err := ValidateProviderURL("http://127.0.0.1:11434", true); err != nil {
		t.Fatalf("loopback URL with allow_private_ips: %v", err)
	}
	if err := ValidateProviderURL("http://169.254.169.254", true); err == nil {
		t.Fatal("metadata endpoint must stay blocked even with allow_private_ips")
	}
	if err := ValidateProviderURL("http://metadata.google.internal", true); err == nil {
		t.Fatal("metadata hostname must stay blocked even with allow_private_ips")
	}
}

func TestIsBlockedIP(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		blocked bool
	}{
		{"google dns", "8.8.8.8", false},
		{"cloudflare dns", "1.1.1.1", false},
		{"loopback", "127.0.0.1", true},
		{"private 10.x", "10.0.0.1", true},
		{"private 192.168.x", "192.168.0.1", true},
		{"link-local metadata", "169.254.169.254", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if ip == nil {
				t.Fatalf("failed to parse IP: %s", tt.ip)
			}
			blocked := isBlockedIP(ip) != ""
			if blocked != tt.blocked {
				t.Errorf("isBlockedIP(%s) blocked=%v, want %v", tt.ip, blocked, tt.blocked)
			}
		})
	}
}
