package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrUnauthorized is returned when the profile service rejects a token.
var ErrUnauthorized = errors.New("identity: invalid token")

// Config defines the HTTP client settings for the profile service.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Profile is the verified identity the profile service returns for a token.
type Profile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Karma       int64  `json:"karma"`
}

type envelope struct {
	Success bool    `json:"success"`
	Agent   Profile `json:"agent"`
}

type cacheEntry struct {
	profile Profile
	expires time.Time
}

// Client verifies bearer tokens against the profile service. Verified
// profiles are cached per token for a short TTL so hot callers do not hammer
// the upstream on every action.
type Client struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("identity: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: timeout},
		ttl:        ttl,
		now:        time.Now,
		cache:      map[string]cacheEntry{},
	}, nil
}

// Verify resolves a bearer token into a profile, consulting the cache first.
func (c *Client) Verify(ctx context.Context, token string) (Profile, error) {
	if c == nil {
		return Profile{}, fmt.Errorf("identity: client not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Profile{}, ErrUnauthorized
	}

	c.mu.Lock()
	if entry, ok := c.cache[token]; ok {
		if c.now().Before(entry.expires) {
			c.mu.Unlock()
			return entry.profile, nil
		}
		delete(c.cache, token)
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agents/me", nil)
	if err != nil {
		return Profile{}, fmt.Errorf("identity: request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("identity: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Profile{}, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("identity: unexpected status %d", resp.StatusCode)
	}

	var payload envelope
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Profile{}, fmt.Errorf("identity: decode: %w", err)
	}
	if !payload.Success || payload.Agent.ID == "" {
		return Profile{}, ErrUnauthorized
	}

	c.mu.Lock()
	c.cache[token] = cacheEntry{profile: payload.Agent, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return payload.Agent, nil
}
