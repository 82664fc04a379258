package session

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"listing-engine/internal/proxy"
	"listing-engine/internal/ratelimit"
)

// BlockedTitle is the lower-cased page title fragment shown on an IP block
const BlockedTitle = "проблема с ip"

// Rotator changes the egress identity
type Rotator interface {
	Rotate(ctx context.Context) bool
}

// BrowserMinter mints sessions with a headless Chrome driven by chromedp
type BrowserMinter struct {
	BaseURL         string // random item pages under this host are used as low-traffic targets
	ChromePath      string
	UserAgent       string
	PollInterval    time.Duration
	MaxPolls        int
	RequiredCookies []string
	Rotator         Rotator

	sleep  ratelimit.Sleeper
	logger *zap.Logger
}

// NewBrowserMinter creates a minter with the polling schedule used against Avito
func NewBrowserMinter(baseURL, chromePath, userAgent string, pollInterval time.Duration, maxPolls int, rotator Rotator) *BrowserMinter {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if maxPolls <= 0 {
		maxPolls = 10
	}
	return &BrowserMinter{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		ChromePath:      chromePath,
		UserAgent:       userAgent,
		PollInterval:    pollInterval,
		MaxPolls:        maxPolls,
		RequiredCookies: []string{"ft", "u"},
		Rotator:         rotator,
		sleep:           ratelimit.Sleep,
		logger:          zap.L().With(zap.String("component", "browser-minter")),
	}
}

// Mint opens a random item page and waits until the target sets a session cookie
func (m *BrowserMinter) Mint(ctx context.Context, req MintRequest) (Tokens, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", req.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(m.UserAgent),
	)
	if m.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(m.ChromePath))
	}
	if req.Identity != nil {
		opts = append(opts, chromedp.ProxyServer("http://"+req.Identity.HostPort))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var actions []chromedp.Action
	if req.Identity != nil && req.Identity.Login != "" {
		actions = append(actions, proxyAuth(browserCtx, req.Identity))
	}
	target := m.targetURL()
	actions = append(actions, chromedp.Navigate(target))

	m.logger.Info("opening target page", zap.String("url", target), zap.Bool("headless", req.Headless))
	if err := chromedp.Run(browserCtx, actions...); err != nil {
		return Tokens{}, eris.Wrap(err, "session: navigate target page")
	}

	rotated := false
	for poll := 1; poll <= m.MaxPolls; poll++ {
		if err := m.sleep(ctx, m.PollInterval); err != nil {
			return Tokens{}, eris.Wrap(err, "session: polling interrupted")
		}

		var title string
		if err := chromedp.Run(browserCtx, chromedp.Title(&title)); err != nil {
			m.logger.Debug("failed to read title", zap.Error(err))
		}
		if IsBlockedTitle(title) {
			if rotated {
				return Tokens{}, ErrBlocked
			}
			rotated = true
			m.logger.Warn("ip block page detected, rotating identity")
			if err := chromedp.Run(browserCtx, network.ClearBrowserCookies()); err != nil {
				m.logger.Debug("failed to clear browser cookies", zap.Error(err))
			}
			if m.Rotator == nil || !m.Rotator.Rotate(ctx) {
				return Tokens{}, eris.Wrap(ErrBlocked, "session: rotation unavailable")
			}
			if err := chromedp.Run(browserCtx, chromedp.Reload()); err != nil {
				return Tokens{}, eris.Wrap(err, "session: reload after rotation")
			}
			continue
		}

		var raw string
		if err := chromedp.Run(browserCtx, chromedp.Evaluate(`document.cookie`, &raw)); err != nil {
			m.logger.Debug("failed to read document.cookie", zap.Error(err))
			continue
		}
		cookies := ParseCookieString(raw)
		if HasAnyCookie(cookies, m.RequiredCookies) {
			m.logger.Info("session cookies obtained", zap.Int("poll", poll), zap.Int("count", len(cookies)))
			return Tokens{Cookies: cookies, UserAgent: m.UserAgent, MintedAt: time.Now()}, nil
		}
	}
	return Tokens{}, ErrNoCookies
}

func (m *BrowserMinter) targetURL() string {
	id := 1111111111 + rand.Int63n(8888888888)
	return fmt.Sprintf("%s/%d", m.BaseURL, id)
}

// IsBlockedTitle reports whether a page title is the target's IP block page
func IsBlockedTitle(title string) bool {
	return strings.Contains(strings.ToLower(title), BlockedTitle)
}

// proxyAuth answers the proxy's auth challenges through the Fetch domain
func proxyAuth(ctx context.Context, id *proxy.Identity) chromedp.Action {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(ctx, fetch.ContinueRequest(e.RequestID))
			}()
		case *fetch.EventAuthRequired:
			go func() {
				_ = chromedp.Run(ctx, fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: id.Login,
					Password: id.Password,
				}))
			}()
		}
	})
	return fetch.Enable().WithHandleAuthRequests(true)
}
