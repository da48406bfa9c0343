package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuth marks a failed credential exchange. It is fatal for a deployment run.
var ErrAuth = errors.New("credential exchange failed")

// TokenSource hands out a bearer token for control-plane calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ClientCredentialsConfig configures the OAuth2 client-credentials exchange.
type ClientCredentialsConfig struct {
	LoginURL     string
	TenantID     string
	ClientID     string
	ClientSecret string
	Scope        string

	// RefreshSkew is how long before expiry a cached token is replaced. Defaults to 5m.
	RefreshSkew time.Duration
	HTTPClient  *http.Client
	Logger      *log.Logger
	Now         func() time.Time
}

// ClientCredentials caches one token per process and refreshes it before it expires.
// All workers share a single instance; the mutex keeps concurrent callers from
// issuing parallel token requests.
type ClientCredentials struct {
	tokenURL string
	form     url.Values
	skew     time.Duration
	client   *http.Client
	logger   *log.Logger
	now      func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	fetches   int
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// NewClientCredentials validates cfg and returns a token source. No request is made.
func NewClientCredentials(cfg ClientCredentialsConfig) (*ClientCredentials, error) {
	if cfg.LoginURL == "" || cfg.TenantID == "" {
		return nil, fmt.Errorf("auth: login url and tenant required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("auth: client id and secret required")
	}
	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[auth] ", log.LstdFlags)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	form := url.Values{}
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("grant_type", "client_credentials")
	form.Set("scope", cfg.Scope)

	return &ClientCredentials{
		tokenURL: fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimSuffix(cfg.LoginURL, "/"), cfg.TenantID),
		form:     form,
		skew:     skew,
		client:   client,
		logger:   logger,
		now:      now,
	}, nil
}

// Token returns the cached token, exchanging credentials when none is cached or the cached
// one is within RefreshSkew of expiry.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(c.skew).Before(c.expiresAt) {
		return c.token, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return "", err
	}
	return c.token, nil
}

// ExpiresAt reports the expiry of the cached token.
func (c *ClientCredentials) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

// Fetches counts completed credential exchanges.
func (c *ClientCredentials) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

func (c *ClientCredentials) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(c.form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: token endpoint returned %s: %s", ErrAuth, resp.Status, strings.TrimSpace(string(body)))
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("%w: decode token response: %v", ErrAuth, err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("%w: token response carried no access_token", ErrAuth)
	}

	c.token = tr.AccessToken
	c.expiresAt = c.expiry(tr)
	c.fetches++
	c.logger.Printf("acquired token (expires %s)", c.expiresAt.Format(time.RFC3339))
	return nil
}

// expiry prefers the token's own exp claim and falls back to expires_in.
func (c *ClientCredentials) expiry(tr tokenResponse) time.Time {
	if exp, ok := jwtExpiry(tr.AccessToken); ok {
		return exp
	}
	if tr.ExpiresIn > 0 {
		return c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return c.now().Add(c.skew + time.Minute)
}

// jwtExpiry reads exp without verifying the signature; the token is only inspected, the
// control plane does the verification.
func jwtExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrAuth
	}
	return string(s), nil
}
