package fetcher

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-engine/internal/proxy"
	"listing-engine/internal/ratelimit"
	"listing-engine/internal/session"
)

type fakePool struct {
	rotations int32
	fail      bool
}

func (p *fakePool) CurrentIdentity() (*proxy.Identity, bool) { return nil, false }

func (p *fakePool) Rotate(ctx context.Context) bool {
	atomic.AddInt32(&p.rotations, 1)
	return !p.fail
}

type fakeSessions struct {
	refreshes int32
	cookies   []*http.Cookie
	ua        string
}

func (s *fakeSessions) Cookies() []*http.Cookie { return s.cookies }
func (s *fakeSessions) UserAgent() string       { return s.ua }

func (s *fakeSessions) Refresh(ctx context.Context, id *proxy.Identity, headless bool) (*session.Tokens, error) {
	atomic.AddInt32(&s.refreshes, 1)
	return &session.Tokens{Cookies: map[string]string{"u": "fresh"}}, nil
}

func newTestFetcher(pool IdentityPool, sessions SessionStore) *Fetcher {
	f := New(pool, sessions, Options{Timeout: 5 * time.Second})
	f.sleep = ratelimit.NoSleep
	return f
}

func policy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BackoffUnit: time.Second, CookieRefreshAfter: 3}
}

func TestFetch_Persistent429Exhausts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	pool := &fakePool{}
	sessions := &fakeSessions{}
	f := newTestFetcher(pool, sessions)

	res := f.Fetch(context.Background(), srv.URL, policy(4))

	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.False(t, res.OK())
	assert.Nil(t, res.Body)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, ClassRateLimited, res.LastFailure)
	assert.EqualValues(t, 4, atomic.LoadInt32(&hits))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&pool.rotations), int32(1))
	// cookie refresh only from the third attempt on
	assert.EqualValues(t, 2, atomic.LoadInt32(&sessions.refreshes))
}

func TestFetch_ServerErrorThenSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	var waits []time.Duration
	pool := &fakePool{}
	f := newTestFetcher(pool, nil)
	f.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	res := f.Fetch(context.Background(), srv.URL, policy(3))

	require.True(t, res.OK())
	assert.Equal(t, "<html>ok</html>", string(res.Body))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
	assert.EqualValues(t, 0, pool.rotations)
	require.Len(t, res.History, 3)
	assert.Equal(t, ClassServerError, res.History[0].Class)
	assert.Equal(t, ClassOK, res.History[2].Class)
}

func TestFetch_ForbiddenRefreshesSession(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("content"))
	}))
	defer srv.Close()

	sessions := &fakeSessions{}
	f := newTestFetcher(&fakePool{}, sessions)

	res := f.Fetch(context.Background(), srv.URL, policy(3))

	require.True(t, res.OK())
	assert.EqualValues(t, 1, sessions.refreshes)
}

func TestFetch_RedirectIsBlockSignal(t *testing.T) {
	var followed int32
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/captcha", http.StatusFound)
	})
	mux.HandleFunc("/captcha", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&followed, 1)
		_, _ = w.Write([]byte("captcha"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sessions := &fakeSessions{}
	f := newTestFetcher(&fakePool{}, sessions)

	res := f.Fetch(context.Background(), srv.URL+"/list", policy(1))

	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, ClassBlocked, res.LastFailure)
	assert.EqualValues(t, 1, sessions.refreshes)
	assert.EqualValues(t, 0, followed)
}

func TestFetch_SoftBlockRotatesAndRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			_, _ = w.Write([]byte("<h2>Доступ ограничен: проблема с IP</h2>"))
			return
		}
		_, _ = w.Write([]byte("listing page"))
	}))
	defer srv.Close()

	pool := &fakePool{}
	f := newTestFetcher(pool, nil)

	res := f.Fetch(context.Background(), srv.URL, policy(3))

	require.True(t, res.OK())
	assert.Equal(t, "listing page", string(res.Body))
	assert.EqualValues(t, 1, pool.rotations)
}

func TestFetch_SoftBlockAbortsWhenRotationFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Доступ ограничен"))
	}))
	defer srv.Close()

	f := newTestFetcher(&fakePool{fail: true}, nil)

	res := f.Fetch(context.Background(), srv.URL, policy(3))

	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, ClassContentBlocked, res.LastFailure)
}

func TestFetch_SoftBlockOnLastAttemptAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("проблема с IP"))
	}))
	defer srv.Close()

	pool := &fakePool{}
	f := newTestFetcher(pool, nil)

	res := f.Fetch(context.Background(), srv.URL, policy(2))

	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.EqualValues(t, 1, pool.rotations)
}

func TestFetch_SendsSessionCookiesAndAgent(t *testing.T) {
	var gotCookie, gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	sessions := &fakeSessions{
		cookies: []*http.Cookie{{Name: "u", Value: "abc"}},
		ua:      "SessionAgent/1.0",
	}
	f := newTestFetcher(nil, sessions)

	res := f.Fetch(context.Background(), srv.URL, policy(1))

	require.True(t, res.OK())
	assert.Contains(t, gotCookie, "u=abc")
	assert.Equal(t, "SessionAgent/1.0", gotUA)
	assert.Contains(t, gotLang, "ru-RU")
}

func TestFetch_DecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte("compressed page"))
		_ = gz.Close()
	}))
	defer srv.Close()

	f := newTestFetcher(nil, nil)
	res := f.Fetch(context.Background(), srv.URL, policy(1))

	require.True(t, res.OK())
	assert.Equal(t, "compressed page", string(res.Body))
}

func TestFetch_NetworkErrorExhausts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := newTestFetcher(nil, nil)
	res := f.Fetch(context.Background(), url, policy(2))

	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, ClassNetwork, res.LastFailure)
	require.Len(t, res.History, 2)
	assert.Error(t, res.History[0].Err)
}

func TestFetch_OpenBreakerShortCircuits(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(nil, nil, Options{BreakerThreshold: 1, BreakerReset: time.Hour})
	f.sleep = ratelimit.NoSleep

	first := f.Fetch(context.Background(), srv.URL, policy(2))
	assert.Equal(t, OutcomeExhausted, first.Outcome)

	second := f.Fetch(context.Background(), srv.URL, policy(2))
	assert.Equal(t, OutcomeAborted, second.Outcome)
	assert.Equal(t, 0, second.Attempts)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestFetch_CancelledContextAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := New(nil, nil, Options{})
	f.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	res := f.Fetch(ctx, srv.URL, policy(3))
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
}

func TestFetch_SkipBreakerNeitherGatesNorCounts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(nil, nil, Options{BreakerThreshold: 1, BreakerReset: time.Hour})
	f.sleep = ratelimit.NoSleep

	detail := policy(1)
	detail.SkipBreaker = true
	for i := 0; i < 3; i++ {
		assert.Equal(t, OutcomeExhausted, f.Fetch(context.Background(), srv.URL, detail).Outcome)
	}
	open, _, _ := f.Breaker().GetStatus()
	assert.False(t, open, "detail failures do not open the breaker")

	assert.Equal(t, OutcomeExhausted, f.Fetch(context.Background(), srv.URL, policy(1)).Outcome)
	open, _, _ = f.Breaker().GetStatus()
	require.True(t, open)

	res := f.Fetch(context.Background(), srv.URL, detail)
	assert.Equal(t, 1, res.Attempts, "an open breaker does not gate detail fetches")
	assert.EqualValues(t, 5, atomic.LoadInt32(&hits))
}

func TestFetch_SessionCookiesScopedToHost(t *testing.T) {
	var gotCookie, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	sessions := &fakeSessions{
		cookies: []*http.Cookie{{Name: "ft", Value: "secret"}},
		ua:      "SessionAgent/1.0",
	}

	other := New(nil, sessions, Options{SessionHost: "avito.ru", UserAgent: "Default/1.0"})
	require.True(t, other.Fetch(context.Background(), srv.URL, policy(1)).OK())
	assert.Empty(t, gotCookie)
	assert.Equal(t, "Default/1.0", gotUA)

	own := New(nil, sessions, Options{SessionHost: "127.0.0.1"})
	require.True(t, own.Fetch(context.Background(), srv.URL, policy(1)).OK())
	assert.Contains(t, gotCookie, "ft=secret")
	assert.Equal(t, "SessionAgent/1.0", gotUA)

	assert.True(t, own.sessionScoped("127.0.0.1"))
	scoped := New(nil, nil, Options{SessionHost: "avito.ru"})
	assert.True(t, scoped.sessionScoped("www.avito.ru"))
	assert.False(t, scoped.sessionScoped("www.cian.ru"))
	assert.False(t, scoped.sessionScoped("notavito.ru"))
}
