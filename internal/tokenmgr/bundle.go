// Package tokenmgr owns the OAuth credential lifecycle (C11): token
// bundles cached in memory, persisted one JSON file per account, and
// refreshed proactively before expiry under a cross-process file lock so
// several proxy processes sharing a credential directory issue exactly one
// upstream refresh between them.
package tokenmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/atomicfile"
)

// refreshMargin is how close to expiry a token may get before it is
// refreshed proactively rather than returned.
const refreshMargin = 5 * time.Minute

// Bundle is one account's OAuth credential set as stored on disk.
type Bundle struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Scopes       []string          `json:"scopes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Usable reports whether the bundle can be handed out as-is: a non-empty
// access token with more than refreshMargin left before expiry. A zero
// ExpiresAt means the token does not expire.
func (b *Bundle) Usable(now time.Time) bool {
	if b == nil || b.AccessToken == "" {
		return false
	}
	if b.ExpiresAt.IsZero() {
		return true
	}
	return b.ExpiresAt.Sub(now) > refreshMargin
}

// APIKey returns the derived long-lived API key some providers exchange a
// token for, stored under metadata["api_key"]; empty when the account has
// none.
func (b *Bundle) APIKey() string {
	if b == nil {
		return ""
	}
	return b.Metadata["api_key"]
}

// bundlePath maps an account name to its JSON file. Account names are
// flattened so they can't escape the credential directory.
func bundlePath(dir, account string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(account)
	return filepath.Join(dir, safe+".json")
}

// readBundle loads an account's bundle from disk. A missing file returns
// (nil, nil) — an account that has never authenticated isn't an error.
func readBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tokenmgr: read %s: %w", path, err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("tokenmgr: decode %s: %w", path, err)
	}
	return &b, nil
}

// writeBundle persists an account's bundle atomically with owner-only
// permissions.
func writeBundle(path string, b *Bundle) error {
	return atomicfile.WriteJSON(path, b, 0o600)
}
