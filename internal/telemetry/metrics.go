package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parser_runs_total", Help: "Acquisition runs by outcome",
	}, []string{"outcome"})
	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parser_run_duration_seconds",
		Help:    "Wall-clock duration of acquisition runs that held the lock",
		Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
	})
	FetchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parser_fetch_attempts_total", Help: "Fetch attempts by response classification",
	}, []string{"class"})
	FetchResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parser_fetch_results_total", Help: "Fetches by final outcome",
	}, []string{"outcome"})
	IdentityRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parser_identity_rotations_total", Help: "Proxy identity rotations by result",
	}, []string{"result"})
	CookieRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parser_cookie_refreshes_total", Help: "Session refreshes by result",
	}, []string{"result"})
	ListingsCommitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parser_listings_committed_total", Help: "New listings persisted by source",
	}, []string{"source"})
	ListingsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parser_listings_deleted_total", Help: "Listings removed by the retention sweep",
	})
	TriggerRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parser_trigger_rate_limit_rejects_total", Help: "Manual run triggers rejected by the rate limiter",
	})
	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parser_ws_clients", Help: "Connected websocket clients",
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsTotal,
			RunDuration,
			FetchAttempts,
			FetchResults,
			IdentityRotations,
			CookieRefreshes,
			ListingsCommitted,
			ListingsDeleted,
			TriggerRejects,
			WSClients,
		)
	})
	return promhttp.Handler()
}

// Result maps a boolean to the label used by rotation and refresh counters
func Result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
