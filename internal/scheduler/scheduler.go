package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"listing-engine/internal/config"
	"listing-engine/internal/models"
	"listing-engine/internal/orchestrator"
)

// Runner executes one acquisition run
type Runner interface {
	Run(ctx context.Context) (*orchestrator.Result, error)
}

// Scheduler triggers acquisition runs on a cron spec and on demand
type Scheduler struct {
	cron      *cron.Cron
	runner    Runner
	config    config.SchedulerConfig
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	inFlight  bool
	isRunning bool
	last      *orchestrator.Result
	logger    *zap.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(runner Runner, cfg config.SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		runner: runner,
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: zap.L().With(zap.String("component", "scheduler")),
	}
}

// Start registers the periodic job and optionally schedules a first run
func (s *Scheduler) Start() error {
	if !s.config.Enabled {
		s.logger.Info("periodic runs are disabled in configuration")
		return nil
	}

	_, err := s.cron.AddFunc(s.config.Cron, func() {
		s.trigger("cron")
	})
	if err != nil {
		return eris.Wrapf(err, "invalid cron spec %q", s.config.Cron)
	}

	s.cron.Start()
	s.isRunning = true
	s.logger.Info("scheduler started", zap.String("cron", s.config.Cron))

	if s.config.RunOnStart {
		delay := s.config.GetStartDelay()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-time.After(delay):
				s.trigger("startup")
			case <-s.ctx.Done():
			}
		}()
	}
	return nil
}

// Stop stops the cron and cancels in-flight runs, waiting for them to return
func (s *Scheduler) Stop() {
	if s.isRunning {
		<-s.cron.Stop().Done()
		s.isRunning = false
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunNow starts a run in the background. It returns false when this process
// already has a run in flight.
func (s *Scheduler) RunNow() bool {
	s.mu.Lock()
	busy := s.inFlight
	s.mu.Unlock()
	if busy {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.trigger("manual")
	}()
	return true
}

// LastResult returns the result of the latest finished run in this process
func (s *Scheduler) LastResult() (*orchestrator.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.last != nil
}

// InFlight reports whether this process is running an acquisition
func (s *Scheduler) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Scheduler) trigger(reason string) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.logger.Info("run already in flight, trigger ignored", zap.String("reason", reason))
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	s.logger.Info("starting acquisition run", zap.String("reason", reason))
	res, err := s.runner.Run(s.ctx)

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	switch {
	case err != nil:
		// the next trigger retries
		s.logger.Error("acquisition run failed", zap.String("reason", reason), zap.Error(err))
	case res != nil && res.Outcome == models.RunOutcomeSkipped:
		s.logger.Info("acquisition run skipped, lock held elsewhere", zap.String("reason", reason))
	case res != nil:
		s.logger.Info("acquisition run completed",
			zap.String("reason", reason),
			zap.Int("new", res.NewCount),
			zap.Int("deleted", res.Deleted))
	}
}
