package app

import (
	"context"
	"encoding/json"
	"html"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-engine/internal/config"
	"listing-engine/internal/models"
	"listing-engine/internal/session"
	"listing-engine/internal/sources"
)

func names(srcs []sources.Source) []string {
	out := make([]string, len(srcs))
	for i, s := range srcs {
		out[i] = s.Name()
	}
	return out
}

func TestNewSourcesFollowsOrder(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, []string{"cian", "avito"}, names(NewSources(cfg.Sources, nil)))

	cfg.Sources.Order = []string{"avito", "cian"}
	cfg.Sources.Cian.Enabled = false
	assert.Equal(t, []string{"avito"}, names(NewSources(cfg.Sources, nil)))
}

func TestNewSourceByName(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sources.Avito.Enabled = false

	src, ok := NewSource(cfg.Sources, nil, "avito")
	require.True(t, ok)
	assert.Equal(t, "avito", src.Name())

	_, ok = NewSource(cfg.Sources, nil, "domclick")
	assert.False(t, ok)
}

func TestNewFetchStack(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Proxy.Proxy = "user:pass@10.0.0.1:8000"
	cfg.Session.CookiesFile = ""

	stack, err := NewFetchStack(cfg)
	require.NoError(t, err)
	id, ok := stack.Pool.CurrentIdentity()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:8000", id.HostPort)

	for _, name := range []string{models.SourceAvito, models.SourceCian} {
		deps := stack.Deps.For(name)
		assert.Equal(t, 3, deps.Policy.MaxAttempts, name)
		assert.NotNil(t, deps.Pauser, name)
		assert.NotNil(t, deps.Detail, name)
		f, ok := stack.Fetcher(name)
		require.True(t, ok, name)
		assert.Same(t, f, deps.Fetcher, name)
	}
	avitoFetcher, _ := stack.Fetcher(models.SourceAvito)
	cianFetcher, _ := stack.Fetcher(models.SourceCian)
	assert.NotSame(t, avitoFetcher.Breaker(), cianFetcher.Breaker())
	assert.NotSame(t, stack.Deps.For(models.SourceAvito).Detail, stack.Deps.For(models.SourceCian).Detail)

	cfg.Proxy.Proxy = "not a proxy"
	_, err = NewFetchStack(cfg)
	assert.Error(t, err)
}

func avitoListPage(t *testing.T) string {
	t.Helper()
	items := []map[string]interface{}{
		{
			"id":            1,
			"title":         "2-к. квартира, 54 м², 5/12 эт.",
			"urlPath":       "/moskva/kvartiry/item_1",
			"sortTimeStamp": time.Now().UnixMilli(),
			"priceDetailed": map[string]interface{}{"value": 9000000},
		},
		{
			"id":            2,
			"title":         "1-к. квартира, 38 м², 3/9 эт.",
			"urlPath":       "/moskva/kvartiry/item_2",
			"sortTimeStamp": time.Now().UnixMilli(),
			"priceDetailed": map[string]interface{}{"value": 7000000},
		},
	}
	data, err := json.Marshal(map[string]interface{}{
		"data": map[string]interface{}{"catalog": map[string]interface{}{"items": items}},
	})
	require.NoError(t, err)
	return `<html><body><script type="mime/invalid">` + html.EscapeString(string(data)) + `</script></body></html>`
}

func TestFailingSourceDoesNotStarveOthers(t *testing.T) {
	var cianHits, avitoHits int32
	var mu sync.Mutex
	var cianCookies []string

	cianSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&cianHits, 1)
		if c := r.Header.Get("Cookie"); c != "" {
			mu.Lock()
			cianCookies = append(cianCookies, c)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer cianSrv.Close()

	page := avitoListPage(t)
	avitoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&avitoHits, 1)
		_, _ = w.Write([]byte(page))
	}))
	defer avitoSrv.Close()

	cookiesFile := filepath.Join(t.TempDir(), "cookies.json")
	tokens, err := json.Marshal(session.Tokens{Cookies: map[string]string{"ft": "avito-secret", "u": "avito-user"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cookiesFile, tokens, 0o600))

	cfg := config.DefaultConfig()
	cfg.Session.CookiesFile = cookiesFile
	cfg.Fetcher.BackoffSeconds = 0
	cfg.Sources.PageJitterMinMillis = 0
	cfg.Sources.PageJitterMaxMillis = 0
	cfg.Sources.DetailPerMinute = 600000
	cfg.Sources.Avito.BaseURL = avitoSrv.URL
	cfg.Sources.Avito.EndPage = 1
	cfg.Sources.Cian.BaseURL = cianSrv.URL
	cfg.Sources.Cian.EndPage = 1

	stack, err := NewFetchStack(cfg)
	require.NoError(t, err)
	srcs := NewSources(cfg.Sources, stack.Deps)
	require.Equal(t, []string{"cian", "avito"}, names(srcs))
	cianSrc, avitoSrc := srcs[0], srcs[1]

	ctx := context.Background()
	details := []models.Listing{
		{URL: cianSrv.URL + "/sale/flat/1/", TotalMeters: 30},
		{URL: cianSrv.URL + "/sale/flat/2/", TotalMeters: 31},
		{URL: cianSrv.URL + "/sale/flat/3/", TotalMeters: 32},
		{URL: cianSrv.URL + "/sale/flat/4/", TotalMeters: 33},
	}
	assert.Len(t, cianSrc.Enrich(ctx, details, 0), 4)
	cianListings, _ := cianSrc.FetchBasicListings(ctx)
	assert.Empty(t, cianListings)
	require.Positive(t, atomic.LoadInt32(&cianHits))

	avitoListings, err := avitoSrc.FetchBasicListings(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, avitoListings, "cian failures must not stop avito")
	assert.Positive(t, atomic.LoadInt32(&avitoHits))

	avitoFetcher, _ := stack.Fetcher(models.SourceAvito)
	open, _, _ := avitoFetcher.Breaker().GetStatus()
	assert.False(t, open)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, cianCookies, "avito session cookies never reach cian")
}
