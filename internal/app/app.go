// Package app builds the acquisition stack from configuration. It is shared by
// the API server and the probe command.
package app

import (
	"net/url"

	"go.uber.org/zap"

	"listing-engine/internal/config"
	"listing-engine/internal/fetcher"
	"listing-engine/internal/models"
	"listing-engine/internal/proxy"
	"listing-engine/internal/ratelimit"
	"listing-engine/internal/session"
	"listing-engine/internal/sources"
	"listing-engine/internal/sources/avito"
	"listing-engine/internal/sources/cian"
)

// SourceDeps holds the collaborators of every adapter by source name
type SourceDeps map[string]sources.Deps

// For returns the collaborators of one source; zero Deps when unknown
func (d SourceDeps) For(name string) sources.Deps {
	return d[name]
}

// FetchStack is the egress side of the engine. Every source gets its own
// fetcher so breaker state never crosses marketplaces.
type FetchStack struct {
	Pool     *proxy.Pool
	Sessions *session.Cache
	Fetchers map[string]*fetcher.Fetcher
	Deps     SourceDeps
}

// Fetcher returns the fetcher of one source
func (s *FetchStack) Fetcher(name string) (*fetcher.Fetcher, bool) {
	f, ok := s.Fetchers[name]
	return f, ok
}

// NewFetchStack wires the proxy pool, session cache, fetchers and pacing.
// The proxy pool and the browser session belong to Avito only.
func NewFetchStack(cfg *config.Config) (*FetchStack, error) {
	pool, err := proxy.NewPool(cfg.Proxy.Proxy, cfg.Proxy.ChangeIPURL, cfg.Proxy.GetRotateTimeout())
	if err != nil {
		return nil, err
	}
	if _, ok := pool.CurrentIdentity(); !ok {
		zap.L().Warn("no proxy configured, using direct connections")
	}

	minter := session.NewBrowserMinter(
		cfg.Sources.Avito.BaseURL,
		cfg.Session.ChromePath,
		cfg.Fetcher.UserAgent,
		cfg.Session.GetPollInterval(),
		cfg.Session.MaxPolls,
		pool,
	)
	sessions := session.NewCache(minter, session.CacheOptions{
		Path:            cfg.Session.CookiesFile,
		RefreshAttempts: cfg.Session.RefreshAttempts,
		RefreshTimeout:  cfg.Session.GetRefreshTimeout(),
	})

	opts := fetcher.Options{
		Timeout:          cfg.Fetcher.GetTimeout(),
		Fingerprint:      cfg.Fetcher.BrowserFingerprint,
		UserAgent:        cfg.Fetcher.UserAgent,
		Headless:         cfg.Session.Headless,
		BreakerThreshold: cfg.Fetcher.BreakerThreshold,
		BreakerReset:     cfg.Fetcher.GetBreakerReset(),
	}
	avitoOpts := opts
	avitoOpts.SessionHost = hostOf(cfg.Sources.Avito.BaseURL)

	fetchers := map[string]*fetcher.Fetcher{
		models.SourceAvito: fetcher.New(pool, sessions, avitoOpts),
		models.SourceCian:  fetcher.New(nil, nil, opts),
	}

	pacer := ratelimit.NewPacer(cfg.Sources.GetPageJitter())
	policy := NewPolicy(cfg.Fetcher)
	deps := make(SourceDeps, len(fetchers))
	for name, f := range fetchers {
		deps[name] = sources.Deps{
			Fetcher: f,
			Policy:  policy,
			Pauser:  pacer,
			Detail:  ratelimit.NewDetailLimiter(ratelimit.DetailConfig{PerMinute: cfg.Sources.DetailPerMinute}),
		}
	}

	return &FetchStack{
		Pool:     pool,
		Sessions: sessions,
		Fetchers: fetchers,
		Deps:     deps,
	}, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// NewPolicy converts fetcher settings into a per-fetch policy
func NewPolicy(cfg config.FetcherConfig) fetcher.Policy {
	return fetcher.Policy{
		MaxAttempts:        cfg.MaxAttempts,
		BackoffUnit:        cfg.GetBackoffUnit(),
		CookieRefreshAfter: cfg.CookieRefreshAfter,
	}
}

// NewSources builds the enabled adapters in configured order
func NewSources(cfg config.SourcesConfig, deps SourceDeps) []sources.Source {
	var out []sources.Source
	for _, name := range cfg.Order {
		switch name {
		case models.SourceAvito:
			if cfg.Avito.Enabled {
				out = append(out, avito.New(cfg.Avito, deps.For(name)))
			}
		case models.SourceCian:
			if cfg.Cian.Enabled {
				out = append(out, cian.New(cfg.Cian, deps.For(name)))
			}
		}
	}
	return out
}

// NewSource builds one adapter by name regardless of its enabled flag
func NewSource(cfg config.SourcesConfig, deps SourceDeps, name string) (sources.Source, bool) {
	switch name {
	case models.SourceAvito:
		return avito.New(cfg.Avito, deps.For(name)), true
	case models.SourceCian:
		return cian.New(cfg.Cian, deps.For(name)), true
	}
	return nil, false
}
