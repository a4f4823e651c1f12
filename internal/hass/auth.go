package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNoRefreshToken is returned by Refresh when no refresh token is stored.
var ErrNoRefreshToken = errors.New("hass: no refresh token available")

// Token is the OAuth token set returned by /auth/token, stamped with the
// time it was stored.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	TokenType    string `json:"token_type"`
	CreatedAt    int64  `json:"created_at"` // epoch ms
}

// ExpiresAt is zero for tokens without a lifetime.
func (t *Token) ExpiresAt() time.Time {
	if t.ExpiresIn == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.CreatedAt).Add(time.Duration(t.ExpiresIn) * time.Second)
}

// TokenStore persists tokens between runs.
type TokenStore interface {
	Load() (*Token, error)
	Save(t *Token) error
	Clear() error
}

// FileStore keeps the token as JSON in one file.
type FileStore struct {
	Path string
}

// Load returns nil, nil when nothing is stored.
func (s FileStore) Load() (*Token, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return &t, nil
}

func (s FileStore) Save(t *Token) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(s.Path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

func (s FileStore) Clear() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// AuthConfig holds the OAuth client registration.
type AuthConfig struct {
	BaseURL     string // e.g. http://homeassistant.local:8123
	ClientID    string
	RedirectURI string
	// LongLivedToken skips OAuth entirely when set.
	LongLivedToken string
}

// Auth is the token provider for the entity-state client.
type Auth struct {
	cfg   AuthConfig
	store TokenStore
	http  *http.Client
	now   func() time.Time

	mu        sync.Mutex
	onExpired func(loginURL string)
}

// NewAuth creates a provider backed by store.
func NewAuth(cfg AuthConfig, store TokenStore) *Auth {
	return &Auth{
		cfg:   cfg,
		store: store,
		http:  &http.Client{Timeout: 15 * time.Second},
		now:   time.Now,
	}
}

// OnExpired sets the hook run by OnTokenExpired. It receives the login URL.
func (a *Auth) OnExpired(fn func(loginURL string)) {
	a.mu.Lock()
	a.onExpired = fn
	a.mu.Unlock()
}

// AccessToken returns the current token, or "" when missing or expired.
func (a *Auth) AccessToken() string {
	if a.cfg.LongLivedToken != "" {
		return a.cfg.LongLivedToken
	}
	t, err := a.store.Load()
	if err != nil {
		log.Warn("load tokens", "error", err)
		return ""
	}
	if t == nil {
		return ""
	}
	if exp := t.ExpiresAt(); !exp.IsZero() && !a.now().Before(exp) {
		log.Debug("access token expired", "expired_at", exp.Format(time.RFC3339))
		return ""
	}
	return t.AccessToken
}

// TimeToExpiry reports how long the stored token stays valid. ok is false
// when there is no token or it never expires.
func (a *Auth) TimeToExpiry() (d time.Duration, ok bool) {
	t, err := a.store.Load()
	if err != nil || t == nil || t.ExpiresIn == 0 {
		return 0, false
	}
	return t.ExpiresAt().Sub(a.now()), true
}

// AuthorizeURL is where a user signs in to obtain a code.
func (a *Auth) AuthorizeURL() string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", a.cfg.ClientID)
	q.Set("redirect_uri", a.cfg.RedirectURI)
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/auth/authorize?" + q.Encode()
}

// Exchange trades an authorization code for tokens and stores them.
func (a *Auth) Exchange(ctx context.Context, code string) (*Token, error) {
	log.Info("exchanging code for token")
	return a.requestToken(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {a.cfg.ClientID},
		"redirect_uri": {a.cfg.RedirectURI},
	})
}

// Refresh obtains a new access token with the stored refresh token.
func (a *Auth) Refresh(ctx context.Context) (*Token, error) {
	if a.cfg.LongLivedToken != "" {
		return &Token{AccessToken: a.cfg.LongLivedToken, TokenType: "Bearer"}, nil
	}
	current, err := a.store.Load()
	if err != nil {
		return nil, err
	}
	if current == nil || current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	log.Info("refreshing access token")
	t, err := a.requestToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {current.RefreshToken},
		"client_id":     {a.cfg.ClientID},
	})
	if err != nil {
		return nil, err
	}
	// The refresh grant does not return a new refresh token.
	if t.RefreshToken == "" {
		t.RefreshToken = current.RefreshToken
		if err := a.store.Save(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// OnTokenExpired runs the expiry hook, or logs the login URL without one.
func (a *Auth) OnTokenExpired() {
	if a.cfg.LongLivedToken != "" {
		log.Error("long-lived token rejected")
		return
	}
	a.mu.Lock()
	fn := a.onExpired
	a.mu.Unlock()

	loginURL := a.AuthorizeURL()
	if fn != nil {
		fn(loginURL)
		return
	}
	log.Warn("token expired, sign in again", "url", loginURL)
}

func (a *Auth) requestToken(ctx context.Context, form url.Values) (*Token, error) {
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/auth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Warn("token request failed", "status", resp.StatusCode, "grant", form.Get("grant_type"))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var t Token
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if t.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	t.CreatedAt = a.now().UnixMilli()
	if err := a.store.Save(&t); err != nil {
		return nil, err
	}
	log.Info("saved tokens", "refresh_token", t.RefreshToken != "", "expires_in", t.ExpiresIn)
	return &t, nil
}
