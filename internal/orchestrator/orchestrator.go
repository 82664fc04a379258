package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"listing-engine/internal/cleanup"
	"listing-engine/internal/models"
	"listing-engine/internal/notify"
	"listing-engine/internal/sources"
	"listing-engine/internal/telemetry"
)

// ErrPersistence marks a run that could not commit; the trigger should retry later
var ErrPersistence = eris.New("orchestrator: persistence failed")

// Store is the slice of the listing store a run writes through
type Store interface {
	FilterNew(ctx context.Context, listings []models.Listing) ([]models.Listing, error)
	InsertMany(ctx context.Context, listings []models.Listing) (int, error)
	RecordRun(ctx context.Context, rec *models.RunRecord) error
}

// Lock is a single-flight lease owned by one run
type Lock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory returns a fresh lock for every run
type LockFactory func() Lock

// Sweeper runs the retention cleanup
type Sweeper interface {
	Sweep(ctx context.Context, cfg cleanup.Config) (*cleanup.Result, error)
}

// Notifier hands run events to connected clients
type Notifier interface {
	PublishNewListings(ctx context.Context, listings []models.Listing) error
	SetStatus(ctx context.Context, status notify.Status, newCount int) error
}

// Indexer mirrors listings into the search index
type Indexer interface {
	IndexListings(listings []models.Listing) error
	DeleteListings(ids []string) error
}

// SourceStats is what one source contributed to a run
type SourceStats struct {
	Fetched int    `json:"fetched"`
	New     int    `json:"new"`
	Error   string `json:"error,omitempty"`
}

// Result reports one run to the trigger
type Result struct {
	RunID      string                  `json:"run_id"`
	Outcome    models.RunOutcome       `json:"outcome"`
	NewCount   int                     `json:"new_count"`
	Deleted    int                     `json:"deleted"`
	PerSource  map[string]*SourceStats `json:"per_source"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Listings   []models.Listing        `json:"-"`
}

// Options wires the collaborators of the orchestrator. Notifier and Indexer are optional.
type Options struct {
	Sources  []sources.Source
	Store    Store
	NewLock  LockFactory
	Sweeper  Sweeper
	Cleanup  cleanup.Config
	Notifier Notifier
	Indexer  Indexer
}

// Orchestrator runs the acquisition pipeline under the run lock
type Orchestrator struct {
	opts   Options
	now    func() time.Time
	logger *zap.Logger
}

func New(opts Options) *Orchestrator {
	return &Orchestrator{
		opts:   opts,
		now:    time.Now,
		logger: zap.L().With(zap.String("component", "orchestrator")),
	}
}

// Run executes one acquisition run. A held lock yields a skipped result with no
// side effects. Only a persistence failure returns an error wrapping ErrPersistence.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	result := &Result{
		RunID:     uuid.NewString(),
		PerSource: make(map[string]*SourceStats),
		StartedAt: o.now(),
	}
	log := o.logger.With(zap.String("run_id", result.RunID))

	lock := o.opts.NewLock()
	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		result.Outcome = models.RunOutcomeFailed
		result.FinishedAt = o.now()
		telemetry.RunsTotal.WithLabelValues(string(result.Outcome)).Inc()
		return result, eris.Wrap(err, "orchestrator: acquire run lock")
	}
	if !acquired {
		result.Outcome = models.RunOutcomeSkipped
		result.FinishedAt = o.now()
		telemetry.RunsTotal.WithLabelValues(string(result.Outcome)).Inc()
		log.Info("another run holds the lock, skipping")
		return result, nil
	}

	log.Info("run started")
	o.setStatus(ctx, notify.StatusRunning, 0)

	runErr := o.runLocked(ctx, lock, result, log)

	result.FinishedAt = o.now()
	if runErr != nil {
		result.Outcome = models.RunOutcomeFailed
		o.setStatus(ctx, notify.StatusError, 0)
		log.Error("run failed", zap.Error(runErr))
	} else {
		result.Outcome = models.RunOutcomeSuccess
		o.setStatus(ctx, notify.StatusCompleted, result.NewCount)
		log.Info("run finished",
			zap.Int("new", result.NewCount),
			zap.Int("deleted", result.Deleted),
			zap.Duration("took", result.FinishedAt.Sub(result.StartedAt)))
	}

	telemetry.RunsTotal.WithLabelValues(string(result.Outcome)).Inc()
	telemetry.RunDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	o.recordRun(ctx, result, runErr)
	return result, runErr
}

// runLocked collects, commits and announces new listings. Cleaning always follows.
func (o *Orchestrator) runLocked(ctx context.Context, lock Lock, result *Result, log *zap.Logger) error {
	defer o.clean(ctx, lock, result, log)

	var pending []models.Listing
	for _, src := range o.opts.Sources {
		fresh, err := o.collect(ctx, src, result, log)
		if err != nil {
			return err
		}
		pending = append(pending, fresh...)
	}

	committed, err := o.opts.Store.InsertMany(ctx, pending)
	if err != nil {
		return eris.Wrap(ErrPersistence, err.Error())
	}
	result.NewCount = committed
	result.Listings = pending
	for _, l := range pending {
		telemetry.ListingsCommitted.WithLabelValues(l.Source).Inc()
	}

	if committed == 0 {
		return nil
	}
	if o.opts.Notifier != nil {
		if err := o.opts.Notifier.PublishNewListings(ctx, pending); err != nil {
			log.Warn("failed to publish new listings", zap.Error(err))
		}
	}
	if o.opts.Indexer != nil {
		if err := o.opts.Indexer.IndexListings(pending); err != nil {
			log.Warn("failed to index new listings", zap.Error(err))
		}
	}
	return nil
}

// collect fetches one source, drops what the store already has and enriches the rest.
// Source failures are recorded and never abort the run.
func (o *Orchestrator) collect(ctx context.Context, src sources.Source, result *Result, log *zap.Logger) ([]models.Listing, error) {
	stats := &SourceStats{}
	result.PerSource[src.Name()] = stats
	log = log.With(zap.String("source", src.Name()))

	basic, err := src.FetchBasicListings(ctx)
	if err != nil {
		stats.Error = err.Error()
		log.Warn("source failed", zap.Error(err))
	}
	stats.Fetched = len(basic)
	if len(basic) == 0 {
		return nil, nil
	}

	fresh, err := o.opts.Store.FilterNew(ctx, basic)
	if err != nil {
		return nil, eris.Wrap(ErrPersistence, err.Error())
	}
	log.Info("new listings found", zap.Int("fetched", len(basic)), zap.Int("new", len(fresh)))
	if len(fresh) == 0 {
		return nil, nil
	}

	enriched := src.Enrich(ctx, fresh, src.EnrichCap())
	out := enriched[:0]
	for _, l := range enriched {
		if l.HasArea() {
			out = append(out, l)
		}
	}
	stats.New = len(out)
	return out, nil
}

// clean sweeps stale listings while the lock is still held, then releases it.
// Failures are logged only.
func (o *Orchestrator) clean(ctx context.Context, lock Lock, result *Result, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Warn("failed to release run lock", zap.Error(err))
		}
	}()

	if o.opts.Sweeper == nil {
		return
	}
	swept, err := o.opts.Sweeper.Sweep(ctx, o.opts.Cleanup)
	if err != nil {
		log.Error("cleanup failed", zap.Error(err))
		return
	}
	if swept.DryRun {
		return
	}
	result.Deleted = swept.DeletedCount
	if o.opts.Indexer != nil && len(swept.DeletedIDs) > 0 {
		if err := o.opts.Indexer.DeleteListings(swept.DeletedIDs); err != nil {
			log.Warn("failed to remove deleted listings from index", zap.Error(err))
		}
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, status notify.Status, newCount int) {
	if o.opts.Notifier == nil {
		return
	}
	if err := o.opts.Notifier.SetStatus(context.WithoutCancel(ctx), status, newCount); err != nil {
		o.logger.Warn("failed to publish status", zap.String("status", string(status)), zap.Error(err))
	}
}

func (o *Orchestrator) recordRun(ctx context.Context, result *Result, runErr error) {
	rec := &models.RunRecord{
		ID:           result.RunID,
		StartedAt:    result.StartedAt,
		FinishedAt:   result.FinishedAt,
		Outcome:      result.Outcome,
		NewCount:     result.NewCount,
		DeletedCount: result.Deleted,
	}
	rec.SetPerSource(result.PerSource)
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := o.opts.Store.RecordRun(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to record run", zap.Error(err))
	}
}
