// Package credentials caches the short-lived Dropbox access token obtained
// from a long-lived refresh token.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/djlord-it/opsflow/internal/sourcesync/dropbox"
)

const (
	DefaultTokenURL = "https://api.dropbox.com/oauth2/token"
	authURL         = "https://www.dropbox.com/oauth2/authorize"

	// DefaultTTL stays under the four-hour lifetime of Dropbox access tokens.
	DefaultTTL = 3*time.Hour + 30*time.Minute
)

// ErrMissingCredentials is returned when app key, secret or refresh token
// is not configured.
var ErrMissingCredentials = errors.New("dropbox credentials are not configured")

type Config struct {
	AppKey       string
	AppSecret    string
	RefreshToken string
	TokenURL     string        // default DefaultTokenURL
	TTL          time.Duration // default DefaultTTL
}

func (c Config) complete() bool {
	return strings.TrimSpace(c.AppKey) != "" &&
		strings.TrimSpace(c.AppSecret) != "" &&
		strings.TrimSpace(c.RefreshToken) != ""
}

// TokenCache hands out Dropbox clients and refreshes the access token once
// it is older than TTL. The mutex guards the cached fields only; two callers
// that both find the token expired may both refresh, and the later one wins.
type TokenCache struct {
	cfg        Config
	oauth      *oauth2.Config
	clock      func() time.Time
	httpClient *http.Client
	newClient  func(accessToken string) *dropbox.Client

	mu       sync.Mutex
	token    string
	cachedAt time.Time
}

func NewTokenCache(cfg Config) *TokenCache {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &TokenCache{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.AppKey,
			ClientSecret: cfg.AppSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		clock:     time.Now,
		newClient: dropbox.New,
	}
}

// WithClock replaces the time source. Used by tests.
func (c *TokenCache) WithClock(clock func() time.Time) *TokenCache {
	c.clock = clock
	return c
}

// WithHTTPClient sets the client used for the token exchange.
func (c *TokenCache) WithHTTPClient(hc *http.Client) *TokenCache {
	c.httpClient = hc
	return c
}

// WithClientFactory replaces how API clients are built from a token.
func (c *TokenCache) WithClientFactory(f func(accessToken string) *dropbox.Client) *TokenCache {
	c.newClient = f
	return c
}

// Client returns an API client authorized with a fresh access token.
func (c *TokenCache) Client(ctx context.Context) (*dropbox.Client, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return c.newClient(token), nil
}

// AccessToken returns the cached token while it is younger than TTL and
// performs a refresh-token exchange otherwise.
func (c *TokenCache) AccessToken(ctx context.Context) (string, error) {
	if !c.cfg.complete() {
		return "", ErrMissingCredentials
	}

	c.mu.Lock()
	token, cachedAt := c.token, c.cachedAt
	c.mu.Unlock()

	if token != "" && c.clock().Sub(cachedAt) < c.cfg.TTL {
		return token, nil
	}

	fresh, err := c.refresh(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.token = fresh
	c.cachedAt = c.clock()
	c.mu.Unlock()

	log.Printf("credentials: dropbox access token refreshed ttl=%s", c.cfg.TTL)
	return fresh, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}

func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	// An empty access token forces the token source to use the refresh token.
	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: c.cfg.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("refresh dropbox token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("refresh dropbox token: empty access token")
	}
	return tok.AccessToken, nil
}
