package cleanup

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"listing-engine/internal/database"
	"listing-engine/internal/models"
	"listing-engine/internal/telemetry"
)

// Service deletes stale listings that nobody is working with
type Service struct {
	store  *database.Store
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates a new cleanup service
func NewService(store *database.Store) *Service {
	return &Service{
		store:  store,
		now:    time.Now,
		logger: zap.L().With(zap.String("component", "cleanup")),
	}
}

// Config holds configuration for a sweep
type Config struct {
	RetentionDays    int  // listings older than this are candidates (default: 3)
	MaxDeletionCount int  // safety limit per sweep
	DryRun           bool // only report what would be deleted
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		RetentionDays:    3,
		MaxDeletionCount: 10000,
	}
}

// Result holds the result of a sweep
type Result struct {
	TargetCount    int       `json:"target_count"`
	DeletedCount   int       `json:"deleted_count"`
	ProtectedCount int       `json:"protected_count"`
	DryRun         bool      `json:"dry_run"`
	ExecutedAt     time.Time `json:"executed_at"`
	DeletedIDs     []string  `json:"deleted_ids"`
}

// FindExpired returns listings older than the retention window that are not protected.
// The protected set is recomputed on every call.
func (s *Service) FindExpired(ctx context.Context, retentionDays int) ([]models.Listing, int, error) {
	return s.expired(ctx, s.store, s.cutoff(retentionDays))
}

func (s *Service) cutoff(retentionDays int) time.Time {
	return s.now().AddDate(0, 0, -retentionDays)
}

func (s *Service) expired(ctx context.Context, st *database.Store, cutoff time.Time) ([]models.Listing, int, error) {
	protected, err := st.ProtectedIDs(ctx)
	if err != nil {
		return nil, 0, eris.Wrap(err, "failed to compute protected set")
	}
	expired, err := st.ExpiredListings(ctx, cutoff, protectedList(protected))
	if err != nil {
		return nil, 0, err
	}

	s.logger.Info("expired listings found",
		zap.Int("expired", len(expired)),
		zap.Int("protected", len(protected)),
		zap.Time("cutoff", cutoff))
	return expired, len(protected), nil
}

func protectedList(protected map[string]struct{}) []string {
	ids := make([]string, 0, len(protected))
	for id := range protected {
		ids = append(ids, id)
	}
	return ids
}

func (c Config) check(count int) error {
	if c.MaxDeletionCount > 0 && count > c.MaxDeletionCount {
		return eris.Errorf("safety check failed: %d listings exceed max deletion limit of %d",
			count, c.MaxDeletionCount)
	}
	return nil
}

func listingIDs(listings []models.Listing) []string {
	ids := make([]string, len(listings))
	for i, l := range listings {
		ids[i] = l.ID
	}
	return ids
}

// Sweep deletes expired unprotected listings, writing a delete log row for each.
// The protected set is read inside the delete transaction.
func (s *Service) Sweep(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultConfig().RetentionDays
	}
	result := &Result{
		DryRun:     cfg.DryRun,
		ExecutedAt: s.now(),
	}
	cutoff := s.cutoff(cfg.RetentionDays)

	if cfg.DryRun {
		expired, protectedCount, err := s.expired(ctx, s.store, cutoff)
		if err != nil {
			return nil, err
		}
		result.TargetCount = len(expired)
		result.ProtectedCount = protectedCount
		if err := cfg.check(result.TargetCount); err != nil {
			return nil, err
		}
		for _, l := range expired {
			s.logger.Info("[DRY-RUN] would delete listing",
				zap.String("id", l.ID), zap.String("url", l.URL), zap.Time("created_at", l.CreatedAt))
		}
		result.DeletedIDs = listingIDs(expired)
		result.DeletedCount = len(expired)
		return result, nil
	}

	err := s.store.Transaction(ctx, func(tx *database.Store) error {
		protected, err := tx.ProtectedIDs(ctx)
		if err != nil {
			return eris.Wrap(err, "failed to compute protected set")
		}
		excluded := protectedList(protected)
		expired, err := tx.ExpiredListings(ctx, cutoff, excluded)
		if err != nil {
			return err
		}
		result.TargetCount = len(expired)
		result.ProtectedCount = len(protected)
		if len(expired) == 0 {
			return nil
		}
		if err := cfg.check(len(expired)); err != nil {
			return err
		}

		if err := tx.LogDeletions(ctx, expired, models.DeleteReasonExpired); err != nil {
			return err
		}
		deleted, err := tx.DeleteWhere(ctx, cutoff, excluded)
		if err != nil {
			return err
		}
		if int(deleted) != len(expired) {
			return eris.Errorf("listing set changed during sweep: expected %d deletions, got %d", len(expired), deleted)
		}
		result.DeletedIDs = listingIDs(expired)
		result.DeletedCount = len(expired)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.DeletedCount == 0 {
		return result, nil
	}

	telemetry.ListingsDeleted.Add(float64(result.DeletedCount))
	s.logger.Info("cleanup completed",
		zap.Int("deleted", result.DeletedCount),
		zap.Int("protected", result.ProtectedCount),
		zap.Int("retention_days", cfg.RetentionDays))
	return result, nil
}
