package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"listing-engine/internal/cleanup"
	"listing-engine/internal/database"
	"listing-engine/internal/notify"
	"listing-engine/internal/orchestrator"
	"listing-engine/internal/ratelimit"
	"listing-engine/internal/runlock"
	"listing-engine/internal/search"
	"listing-engine/internal/telemetry"
)

// Trigger starts runs on demand
type Trigger interface {
	RunNow() bool
	InFlight() bool
	LastResult() (*orchestrator.Result, bool)
}

// StatusReader reads the status published by the running process
type StatusReader interface {
	CurrentStatus(ctx context.Context) (*notify.StatusSnapshot, bool, error)
}

// AdminHandler handles admin-related requests
type AdminHandler struct {
	store       *database.Store
	cleanup     *cleanup.Service
	cleanupCfg  cleanup.Config
	trigger     Trigger
	status      StatusReader
	redis       redis.UniversalClient
	lockKey     string
	search      *search.SearchClient
	rateLimiter *ratelimit.RateLimiter
	logger      *zap.Logger
}

// Options wires an AdminHandler. Search may be nil when the index is disabled.
type Options struct {
	Store       *database.Store
	Cleanup     *cleanup.Service
	CleanupCfg  cleanup.Config
	Trigger     Trigger
	Status      StatusReader
	Redis       redis.UniversalClient
	LockKey     string
	Search      *search.SearchClient
	RateLimiter *ratelimit.RateLimiter
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(opts Options) *AdminHandler {
	if opts.LockKey == "" {
		opts.LockKey = runlock.DefaultKey
	}
	return &AdminHandler{
		store:       opts.Store,
		cleanup:     opts.Cleanup,
		cleanupCfg:  opts.CleanupCfg,
		trigger:     opts.Trigger,
		status:      opts.Status,
		redis:       opts.Redis,
		lockKey:     opts.LockKey,
		search:      opts.Search,
		rateLimiter: opts.RateLimiter,
		logger:      zap.L().With(zap.String("component", "admin")),
	}
}

// Register mounts every route on r
func (h *AdminHandler) Register(r *gin.Engine, hub *notify.Hub) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(telemetry.Handler()))
	if hub != nil {
		r.GET("/ws", notify.WSHandler(hub))
	}

	admin := r.Group("/api/admin")
	{
		// Run control
		admin.POST("/runs", h.rateLimitMiddleware(), h.TriggerRun)
		admin.GET("/runs/status", h.GetRunStatus)
		admin.GET("/runs/recent", h.GetRecentRuns)

		// Statistics
		admin.GET("/stats", h.GetStats)
		admin.GET("/ratelimit/stats", h.GetRateLimitStats)

		// Cleanup operations
		admin.POST("/cleanup", h.RunCleanup)
		admin.GET("/cleanup/logs", h.GetDeleteLogs)

		admin.GET("/listings/search", h.SearchListings)
	}
}

func (h *AdminHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// rateLimitMiddleware rejects manual triggers beyond the configured windows
func (h *AdminHandler) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.rateLimiter != nil && !h.rateLimiter.AllowRequest() {
			telemetry.TriggerRejects.Inc()
			retry := h.rateLimiter.RetryAfter()
			c.Header("Retry-After", strconv.Itoa(int(retry.Seconds()+0.5)))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests. Please try again later.",
				"stats":   h.rateLimiter.GetStats(),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// TriggerRun starts an acquisition run in the background
func (h *AdminHandler) TriggerRun(c *gin.Context) {
	if h.trigger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler not available"})
		return
	}

	locked, err := runlock.IsLocked(c.Request.Context(), h.redis, h.lockKey)
	if err != nil {
		h.logger.Warn("failed to inspect run lock", zap.Error(err))
	}
	if locked || h.trigger.InFlight() {
		c.JSON(http.StatusConflict, gin.H{
			"message": "A run is already in progress",
			"status":  notify.StatusRunning,
		})
		return
	}

	if !h.trigger.RunNow() {
		c.JSON(http.StatusConflict, gin.H{
			"message": "A run is already in progress",
			"status":  notify.StatusRunning,
		})
		return
	}

	h.logger.Info("manual run triggered", zap.String("remote", c.ClientIP()))
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Run started",
		"status":  notify.StatusRunning,
	})
}

// GetRunStatus reports the lock state, the published status and the last local result
func (h *AdminHandler) GetRunStatus(c *gin.Context) {
	ctx := c.Request.Context()
	resp := gin.H{"locked": false}

	locked, err := runlock.IsLocked(ctx, h.redis, h.lockKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp["locked"] = locked
	if locked {
		if ttl, err := runlock.TTL(ctx, h.redis, h.lockKey); err == nil {
			resp["lock_ttl_seconds"] = int(ttl.Seconds())
		}
	}

	if h.status != nil {
		if snap, ok, err := h.status.CurrentStatus(ctx); err != nil {
			h.logger.Warn("failed to read status", zap.Error(err))
		} else if ok {
			resp["status"] = snap
		}
	}
	if h.trigger != nil {
		resp["in_flight"] = h.trigger.InFlight()
		if last, ok := h.trigger.LastResult(); ok {
			resp["last_result"] = last
		}
	}

	c.JSON(http.StatusOK, resp)
}

// GetRecentRuns returns run history
func (h *AdminHandler) GetRecentRuns(c *gin.Context) {
	limit := queryInt(c, "limit", 20)
	runs, err := h.store.RecentRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetStats returns system statistics
func (h *AdminHandler) GetStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetRateLimitStats returns current rate limiter statistics
func (h *AdminHandler) GetRateLimitStats(c *gin.Context) {
	if h.rateLimiter == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, h.rateLimiter.GetStats())
}

// RunCleanup runs the retention sweep; it previews unless dry_run is explicitly false
func (h *AdminHandler) RunCleanup(c *gin.Context) {
	var req struct {
		RetentionDays    int   `json:"retention_days"`
		MaxDeletionCount int   `json:"max_deletion_count"`
		DryRun           *bool `json:"dry_run"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	cfg := h.cleanupCfg
	if req.RetentionDays > 0 {
		cfg.RetentionDays = req.RetentionDays
	}
	if req.MaxDeletionCount > 0 {
		cfg.MaxDeletionCount = req.MaxDeletionCount
	}
	cfg.DryRun = req.DryRun == nil || *req.DryRun

	if !cfg.DryRun {
		// deleting outside a run must not race one
		locked, err := runlock.IsLocked(c.Request.Context(), h.redis, h.lockKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if locked {
			c.JSON(http.StatusConflict, gin.H{"error": "A run is in progress"})
			return
		}
	}

	h.logger.Info("running cleanup",
		zap.Int("retention_days", cfg.RetentionDays),
		zap.Int("max", cfg.MaxDeletionCount),
		zap.Bool("dry_run", cfg.DryRun))

	result, err := h.cleanup.Sweep(c.Request.Context(), cfg)
	if err != nil {
		h.logger.Error("cleanup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if !result.DryRun && h.search != nil && len(result.DeletedIDs) > 0 {
		if err := h.search.DeleteListings(result.DeletedIDs); err != nil {
			h.logger.Warn("failed to remove deleted listings from index", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, result)
}

// GetDeleteLogs returns recent delete log entries
func (h *AdminHandler) GetDeleteLogs(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	logs, err := h.store.DeleteLogs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":  logs,
		"count": len(logs),
	})
}

// SearchListings filters indexed listings
func (h *AdminHandler) SearchListings(c *gin.Context) {
	if h.search == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Search is disabled"})
		return
	}

	params := search.FilterParams{
		Query:    c.Query("q"),
		DealType: c.Query("deal_type"),
		Sources:  c.QueryArray("source"),
		SortBy:   c.Query("sort_by"),
		Limit:    int64(queryInt(c, "limit", 20)),
		Offset:   int64(queryInt(c, "offset", 0)),
	}
	if v, err := strconv.ParseFloat(c.Query("min_price"), 64); err == nil {
		params.MinPrice = &v
	}
	if v, err := strconv.ParseFloat(c.Query("max_price"), 64); err == nil {
		params.MaxPrice = &v
	}
	for _, raw := range c.QueryArray("rooms") {
		if n, err := strconv.Atoi(raw); err == nil {
			params.Rooms = append(params.Rooms, n)
		}
	}

	result, err := h.search.FilterSearch(params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 0 {
		return def
	}
	return n
}
