package fetcher

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"listing-engine/internal/proxy"
	"listing-engine/internal/ratelimit"
	"listing-engine/internal/session"
	"listing-engine/internal/telemetry"
)

// Outcome is the final result of a fetch
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeExhausted Outcome = "exhausted" // every attempt failed
	OutcomeAborted   Outcome = "aborted"   // gave up early: unrecoverable block, open breaker or cancelled
)

const maxBodyBytes = 16 << 20

// Policy bounds one fetch
type Policy struct {
	MaxAttempts        int
	BackoffUnit        time.Duration
	CookieRefreshAfter int // 429 attempt number from which the session is re-minted
	Referer            string
	// SkipBreaker keeps the fetch out of the breaker: it is neither gated by
	// an open breaker nor counted towards opening it. Used for detail pages.
	SkipBreaker bool
}

// Attempt records one request of a fetch
type Attempt struct {
	Number int
	Status int
	Class  Class
	Err    error
}

// Result is what a fetch produced. Body is nil unless Outcome is success.
type Result struct {
	Body        []byte
	Outcome     Outcome
	Attempts    int
	LastFailure Class
	History     []Attempt
}

// OK reports whether a body was obtained
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// IdentityPool is the egress identity source
type IdentityPool interface {
	CurrentIdentity() (*proxy.Identity, bool)
	Rotate(ctx context.Context) bool
}

// SessionStore provides session cookies and re-mints them on demand
type SessionStore interface {
	Cookies() []*http.Cookie
	UserAgent() string
	Refresh(ctx context.Context, identity *proxy.Identity, headless bool) (*session.Tokens, error)
}

// Options configures a Fetcher
type Options struct {
	Timeout          time.Duration
	Fingerprint      bool
	UserAgent        string
	Headless         bool
	BreakerThreshold int
	BreakerReset     time.Duration
	// SessionHost limits session cookies to this host and its subdomains.
	// Empty sends them everywhere.
	SessionHost string
}

// Fetcher retrieves marketplace pages while handling rate limits and blocks
type Fetcher struct {
	pool     IdentityPool
	sessions SessionStore
	opts     Options

	mu        sync.Mutex
	client    *http.Client
	newClient func(identity *proxy.Identity) *http.Client

	breaker *Breaker
	sleep   ratelimit.Sleeper
	logger  *zap.Logger
}

// New creates a fetcher. pool and sessions may be nil.
func New(pool IdentityPool, sessions SessionStore, opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	f := &Fetcher{
		pool:     pool,
		sessions: sessions,
		opts:     opts,
		breaker:  NewBreaker(opts.BreakerThreshold, opts.BreakerReset),
		sleep:    ratelimit.Sleep,
		logger:   zap.L().With(zap.String("component", "fetcher")),
	}
	f.newClient = f.defaultClient
	return f
}

// Breaker exposes the circuit breaker for status reporting
func (f *Fetcher) Breaker() *Breaker {
	return f.breaker
}

func (f *Fetcher) defaultClient(identity *proxy.Identity) *http.Client {
	return &http.Client{
		Timeout:   f.opts.Timeout,
		Transport: NewTransport(identity, f.opts.Fingerprint),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// 302 is a block signal and must reach the classifier
			return http.ErrUseLastResponse
		},
	}
}

func (f *Fetcher) identity() *proxy.Identity {
	if f.pool == nil {
		return nil
	}
	id, _ := f.pool.CurrentIdentity()
	return id
}

func (f *Fetcher) currentClient() *http.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		f.client = f.newClient(f.identity())
	}
	return f.client
}

// resetClient drops the client and its keep-alive connections
func (f *Fetcher) resetClient() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		f.client.CloseIdleConnections()
	}
	f.client = nil
}

// Fetch GETs url under the policy. It never returns an error: a page that
// cannot be obtained is reported through Result.Outcome.
func (f *Fetcher) Fetch(ctx context.Context, url string, p Policy) Result {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	log := f.logger.With(zap.String("url", url))

	if !p.SkipBreaker && !f.breaker.CanProceed() {
		_, failures, total := f.breaker.GetStatus()
		log.Warn("circuit breaker open, fetch skipped", zap.Int("failures", failures), zap.Int("total", total))
		return f.finish(Result{Outcome: OutcomeAborted}, p)
	}

	var res Result
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		res.Attempts = attempt
		status, body, err := f.do(ctx, url, p.Referer)
		v := Classify(status, body)
		res.History = append(res.History, Attempt{Number: attempt, Status: status, Class: v.Class, Err: err})
		telemetry.FetchAttempts.WithLabelValues(string(v.Class)).Inc()

		if v.Action == ActionSuccess {
			res.Body = body
			res.Outcome = OutcomeSuccess
			return f.finish(res, p)
		}
		res.LastFailure = v.Class

		if ctx.Err() != nil {
			res.Outcome = OutcomeAborted
			return f.finish(res, p)
		}

		last := attempt == p.MaxAttempts
		switch v.Class {
		case ClassNetwork:
			log.Warn("request failed", zap.Int("attempt", attempt), zap.Error(err))
		case ClassServerError:
			log.Warn("server error", zap.Int("attempt", attempt), zap.Int("status", status))
		case ClassRateLimited:
			log.Warn("rate limited, rotating identity", zap.Int("attempt", attempt))
			f.resetClient()
			f.rotate(ctx)
			if p.CookieRefreshAfter > 0 && attempt >= p.CookieRefreshAfter {
				f.refreshSession(ctx)
			}
		case ClassBlocked:
			log.Warn("block status, refreshing session", zap.Int("attempt", attempt), zap.Int("status", status))
			f.refreshSession(ctx)
		case ClassContentBlocked:
			log.Warn("access restricted page", zap.Int("attempt", attempt))
			if last {
				res.Outcome = OutcomeAborted
				return f.finish(res, p)
			}
			if !f.rotate(ctx) {
				log.Error("rotation failed on restricted page, aborting")
				res.Outcome = OutcomeAborted
				return f.finish(res, p)
			}
			f.resetClient()
		}

		if last {
			break
		}
		if err := f.sleep(ctx, p.BackoffUnit*time.Duration(attempt)); err != nil {
			res.Outcome = OutcomeAborted
			return f.finish(res, p)
		}
	}

	log.Error("page unobtainable", zap.Int("attempts", res.Attempts), zap.String("last_failure", string(res.LastFailure)))
	res.Outcome = OutcomeExhausted
	return f.finish(res, p)
}

func (f *Fetcher) finish(res Result, p Policy) Result {
	telemetry.FetchResults.WithLabelValues(string(res.Outcome)).Inc()
	if p.SkipBreaker {
		return res
	}
	switch res.Outcome {
	case OutcomeSuccess:
		f.breaker.RecordSuccess()
	case OutcomeExhausted, OutcomeAborted:
		if res.Attempts > 0 {
			f.breaker.RecordFailure(res.LastFailure)
		}
	}
	return res
}

func (f *Fetcher) rotate(ctx context.Context) bool {
	if f.pool == nil {
		return false
	}
	ok := f.pool.Rotate(ctx)
	telemetry.IdentityRotations.WithLabelValues(telemetry.Result(ok)).Inc()
	return ok
}

func (f *Fetcher) refreshSession(ctx context.Context) {
	if f.sessions == nil {
		return
	}
	_, err := f.sessions.Refresh(ctx, f.identity(), f.opts.Headless)
	telemetry.CookieRefreshes.WithLabelValues(telemetry.Result(err == nil)).Inc()
	if err != nil {
		f.logger.Warn("session refresh failed", zap.Error(err))
	}
}

// sessionScoped reports whether session cookies belong on requests to host
func (f *Fetcher) sessionScoped(host string) bool {
	scope := strings.ToLower(f.opts.SessionHost)
	if scope == "" {
		return true
	}
	host = strings.ToLower(host)
	return host == scope || strings.HasSuffix(host, "."+scope)
}

// do performs one GET. A zero status means no response was received.
func (f *Fetcher) do(ctx context.Context, url, referer string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, eris.Wrap(err, "fetcher: build request")
	}

	ua := f.opts.UserAgent
	if f.sessions != nil && f.sessionScoped(req.URL.Hostname()) {
		if sessionUA := f.sessions.UserAgent(); sessionUA != "" {
			ua = sessionUA
		}
		for _, c := range f.sessions.Cookies() {
			req.AddCookie(c)
		}
	}
	applyBrowserHeaders(req, ua, referer)

	resp, err := f.currentClient().Do(req)
	if err != nil {
		return 0, nil, eris.Wrap(err, "fetcher: request")
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: gzip reader")
		}
		defer gz.Close()
		reader = gz
	}
	body, err := io.ReadAll(io.LimitReader(reader, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read body")
	}
	return body, nil
}
