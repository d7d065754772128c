package tokenmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuthConfig names the endpoint and client identity used to refresh one
// account's tokens via the refresh_token grant.
type OAuthConfig struct {
	TokenURL     string   `toml:"token_url"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	Scopes       []string `toml:"scopes"`
}

// OAuthRefresher implements Refresher against a standard OAuth2 token
// endpoint. Accounts map to configs so one manager can serve several
// OAuth-backed providers (Codex, Z.ai) with different endpoints.
type OAuthRefresher struct {
	configs map[string]OAuthConfig
	client  *http.Client
}

// NewOAuthRefresher builds a refresher from per-account configs.
func NewOAuthRefresher(configs map[string]OAuthConfig) *OAuthRefresher {
	return &OAuthRefresher{
		configs: configs,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	APIKey       string `json:"api_key"` // some endpoints return a derived long-lived key
}

// Refresh exchanges old's refresh token for a fresh bundle.
func (r *OAuthRefresher) Refresh(ctx context.Context, account string, old *Bundle) (*Bundle, error) {
	cfg, ok := r.configs[account]
	if !ok {
		return nil, fmt.Errorf("no oauth config for account %q", account)
	}
	if old == nil || old.RefreshToken == "" {
		return nil, fmt.Errorf("account %q has no refresh token; re-authentication required", account)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", old.RefreshToken)
	form.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	if len(cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(cfg.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %.200s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access_token")
	}

	fresh := &Bundle{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Scopes:       old.Scopes,
		Metadata:     map[string]string{},
	}
	// Carry forward anything the provider only hands out once.
	for k, v := range old.Metadata {
		fresh.Metadata[k] = v
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = old.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		fresh.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.Scope != "" {
		fresh.Scopes = strings.Fields(tr.Scope)
	}
	if tr.APIKey != "" {
		fresh.Metadata["api_key"] = tr.APIKey
	}
	return fresh, nil
}
