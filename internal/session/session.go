package session

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"listing-engine/internal/proxy"
	"listing-engine/internal/ratelimit"
)

var (
	// ErrNoCookies means no usable session could be minted
	ErrNoCookies = eris.New("session: no session cookies obtained")
	// ErrBlocked means the target kept showing its block page
	ErrBlocked = eris.New("session: target reports blocked ip")
)

// Tokens is a browser-derived session: cookies plus the user agent they were minted with
type Tokens struct {
	Cookies   map[string]string `json:"cookies"`
	UserAgent string            `json:"user_agent"`
	MintedAt  time.Time         `json:"minted_at"`
}

// MintRequest describes the identity a session must be minted under
type MintRequest struct {
	Identity *proxy.Identity
	Headless bool
}

// SessionMinter produces fresh session tokens, typically by driving a real browser
type SessionMinter interface {
	Mint(ctx context.Context, req MintRequest) (Tokens, error)
}

// CacheOptions configures a Cache
type CacheOptions struct {
	Path            string        // JSON file; empty disables persistence
	RefreshAttempts int           // minting attempts per refresh
	RefreshTimeout  time.Duration // wall-clock ceiling of one refresh
	RetryUnit       time.Duration // wait unit * attempt between failed mints
}

// Cache keeps the current session in memory, backed by a JSON file
type Cache struct {
	mu     sync.Mutex
	tokens *Tokens
	minter SessionMinter
	opts   CacheOptions
	sleep  ratelimit.Sleeper
	logger *zap.Logger
}

// NewCache creates a cache; minter may be nil, in which case Refresh always fails
func NewCache(minter SessionMinter, opts CacheOptions) *Cache {
	if opts.RefreshAttempts <= 0 {
		opts.RefreshAttempts = 3
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 90 * time.Second
	}
	if opts.RetryUnit <= 0 {
		opts.RetryUnit = 5 * time.Second
	}
	return &Cache{
		minter: minter,
		opts:   opts,
		sleep:  ratelimit.Sleep,
		logger: zap.L().With(zap.String("component", "session")),
	}
}

// Get returns the cached session, loading it from disk when memory is empty
func (c *Cache) Get() (*Tokens, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tokens != nil {
		return c.tokens, true
	}
	t, err := c.load()
	if err != nil {
		if !os.IsNotExist(eris.Cause(err)) {
			c.logger.Warn("failed to load cookies file", zap.String("path", c.opts.Path), zap.Error(err))
		}
		return nil, false
	}
	c.tokens = t
	c.logger.Debug("cookies loaded from file", zap.Int("count", len(t.Cookies)))
	return t, true
}

// Refresh mints a new session under the given identity. It never runs longer
// than the configured ceiling and keeps the old tokens on failure.
func (c *Cache) Refresh(ctx context.Context, identity *proxy.Identity, headless bool) (*Tokens, error) {
	if c.minter == nil {
		return nil, eris.Wrap(ErrNoCookies, "session: no minter configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RefreshTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= c.opts.RefreshAttempts; attempt++ {
		c.logger.Info("refreshing session", zap.Int("attempt", attempt))
		t, err := c.minter.Mint(ctx, MintRequest{Identity: identity, Headless: headless})
		if err == nil && len(t.Cookies) > 0 {
			if t.MintedAt.IsZero() {
				t.MintedAt = time.Now()
			}
			c.store(&t)
			c.logger.Info("session refreshed", zap.Int("cookies", len(t.Cookies)))
			return &t, nil
		}
		if err == nil {
			err = ErrNoCookies
		}
		lastErr = err
		c.logger.Warn("session mint failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == c.opts.RefreshAttempts {
			break
		}
		if err := c.sleep(ctx, c.opts.RetryUnit*time.Duration(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	return nil, eris.Wrap(lastErr, "session: refresh failed")
}

// Clear discards cached tokens in memory and on disk
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens = nil
	if c.opts.Path != "" {
		if err := os.Remove(c.opts.Path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove cookies file", zap.Error(err))
		}
	}
}

// Cookies returns the cached session as HTTP cookies
func (c *Cache) Cookies() []*http.Cookie {
	t, ok := c.Get()
	if !ok {
		return nil
	}
	out := make([]*http.Cookie, 0, len(t.Cookies))
	for name, value := range t.Cookies {
		out = append(out, &http.Cookie{Name: name, Value: value})
	}
	return out
}

// UserAgent returns the user agent the cached session was minted with
func (c *Cache) UserAgent() string {
	t, ok := c.Get()
	if !ok {
		return ""
	}
	return t.UserAgent
}

func (c *Cache) store(t *Tokens) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens = t
	if c.opts.Path == "" {
		return
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		c.logger.Warn("failed to encode cookies", zap.Error(err))
		return
	}
	if err := os.WriteFile(c.opts.Path, data, 0o600); err != nil {
		c.logger.Warn("failed to save cookies file", zap.String("path", c.opts.Path), zap.Error(err))
	}
}

func (c *Cache) load() (*Tokens, error) {
	if c.opts.Path == "" {
		return nil, eris.Wrap(os.ErrNotExist, "session: persistence disabled")
	}
	data, err := os.ReadFile(c.opts.Path)
	if err != nil {
		return nil, eris.Wrap(err, "session: read cookies file")
	}
	var t Tokens
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "session: decode cookies file")
	}
	if len(t.Cookies) == 0 {
		return nil, eris.Wrap(ErrNoCookies, "session: cookies file is empty")
	}
	return &t, nil
}

// ParseCookieString turns a document.cookie string into a map
func ParseCookieString(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			continue
		}
		out[name] = value
	}
	return out
}

// HasAnyCookie reports whether one of the named cookies is present and non-empty
func HasAnyCookie(cookies map[string]string, names []string) bool {
	for _, n := range names {
		if cookies[n] != "" {
			return true
		}
	}
	return false
}
