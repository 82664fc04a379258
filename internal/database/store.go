package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rotisserie/eris"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"listing-engine/internal/config"
	"listing-engine/internal/models"
)

// Store is the persistent listing store shared with the API
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the database selected by cfg.Type
func Open(cfg config.DatabaseConfig) (*Store, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel(cfg.LogLevel)),
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s database", cfg.Type)
	}

	// Test connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, eris.Wrap(err, "failed to get sql handle")
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, eris.Wrap(err, "failed to ping database")
	}

	return NewStoreFromDB(db), nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Type {
	case "mysql", "":
		m := cfg.MySQL
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			m.User, m.Password, m.Host, m.Port, m.Database)
		return mysql.Open(dsn), nil
	case "postgres":
		p := cfg.Postgres
		sslMode := p.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			p.Host, p.Port, p.User, p.Password, p.Database, sslMode)
		// lib/pq is registered under "postgres"
		return postgres.New(postgres.Config{DriverName: "postgres", DSN: dsn}), nil
	case "sqlite":
		return sqlite.Open(cfg.SQLite.Path), nil
	default:
		return nil, eris.Errorf("unsupported database type %q", cfg.Type)
	}
}

func logLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// NewStoreFromDB wraps an existing gorm.DB instance
func NewStoreFromDB(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying gorm.DB instance
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InitSchema creates tables using GORM AutoMigrate
func (s *Store) InitSchema() error {
	return s.db.AutoMigrate(
		&models.Listing{},
		&models.ListingMetadata{},
		&models.RentListing{},
		&models.Favorite{},
		&models.DeleteLog{},
		&models.RunRecord{},
	)
}

func (s *Store) keyQuery(ctx context.Context, k models.DedupKey) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.Listing{}).
		Where("deal_type = ? AND price = ? AND total_meters = ? AND location = ? AND source = ?",
			k.DealType, k.Price, k.TotalMeters, k.Location, k.Source)
}

// ExistsByDedupKey reports whether a listing with exactly this key is stored
func (s *Store) ExistsByDedupKey(ctx context.Context, k models.DedupKey) (bool, error) {
	var count int64
	if err := s.keyQuery(ctx, k).Limit(1).Count(&count).Error; err != nil {
		return false, eris.Wrap(err, "failed to check dedup key")
	}
	return count > 0, nil
}

// FilterNew returns the listings whose key is neither stored nor repeated earlier in the batch.
// Listings without area never pass.
func (s *Store) FilterNew(ctx context.Context, listings []models.Listing) ([]models.Listing, error) {
	seen := make(map[models.DedupKey]struct{}, len(listings))
	fresh := make([]models.Listing, 0, len(listings))
	for _, l := range listings {
		if !l.HasArea() {
			continue
		}
		key := l.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		exists, err := s.ExistsByDedupKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if !exists {
			fresh = append(fresh, l)
		}
	}
	return fresh, nil
}

// InsertMany stores all listings in one transaction and returns the committed count.
// IDs and creation times are assigned in place.
func (s *Store) InsertMany(ctx context.Context, listings []models.Listing) (int, error) {
	if len(listings) == 0 {
		return 0, nil
	}
	now := s.now()
	for i := range listings {
		if !listings[i].HasArea() {
			return 0, eris.Errorf("listing %q has no area", listings[i].URL)
		}
		if listings[i].ID == "" {
			listings[i].ID = uuid.NewString()
		}
		if listings[i].CreatedAt.IsZero() {
			listings[i].CreatedAt = now
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&listings, 100).Error
	})
	if err != nil {
		return 0, eris.Wrap(err, "failed to insert listings")
	}
	return len(listings), nil
}

// Transaction runs fn against a store bound to one database transaction
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, now: s.now})
	})
}

// LogDeletions writes one delete log row per listing
func (s *Store) LogDeletions(ctx context.Context, listings []models.Listing, reason string) error {
	if len(listings) == 0 {
		return nil
	}
	logs := make([]models.DeleteLog, len(listings))
	for i, l := range listings {
		logs[i] = models.DeleteLog{
			ListingID:        l.ID,
			Source:           l.Source,
			URL:              l.URL,
			ListingCreatedAt: l.CreatedAt,
			Reason:           reason,
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&logs, 200).Error; err != nil {
		return eris.Wrap(err, "failed to create delete logs")
	}
	return nil
}

// ExpiredListings returns listings created before olderThan that are not excluded
func (s *Store) ExpiredListings(ctx context.Context, olderThan time.Time, excludedIDs []string) ([]models.Listing, error) {
	var listings []models.Listing
	q := s.db.WithContext(ctx).Where("created_at < ?", olderThan)
	if len(excludedIDs) > 0 {
		q = q.Where("id NOT IN ?", excludedIDs)
	}
	if err := q.Order("created_at ASC").Find(&listings).Error; err != nil {
		return nil, eris.Wrap(err, "failed to find expired listings")
	}
	return listings, nil
}

// DeleteWhere deletes listings created before olderThan that are not excluded
func (s *Store) DeleteWhere(ctx context.Context, olderThan time.Time, excludedIDs []string) (int64, error) {
	q := s.db.WithContext(ctx).Where("created_at < ?", olderThan)
	if len(excludedIDs) > 0 {
		q = q.Where("id NOT IN ?", excludedIDs)
	}
	res := q.Delete(&models.Listing{})
	if res.Error != nil {
		return 0, eris.Wrap(res.Error, "failed to delete listings")
	}
	return res.RowsAffected, nil
}

// ProtectedIDs computes the listings that must survive retention: in progress,
// assigned to someone, under an active rental, or saved as a favorite.
func (s *Store) ProtectedIDs(ctx context.Context) (map[string]struct{}, error) {
	db := s.db.WithContext(ctx)
	protected := make(map[string]struct{})

	collect := func(what string, q *gorm.DB) error {
		var ids []string
		if err := q.Pluck("listing_id", &ids).Error; err != nil {
			return eris.Wrapf(err, "failed to load %s listings", what)
		}
		for _, id := range ids {
			protected[id] = struct{}{}
		}
		return nil
	}

	if err := collect("in-progress", db.Model(&models.ListingMetadata{}).
		Where("status = ?", models.MetadataStatusInProgress)); err != nil {
		return nil, err
	}
	if err := collect("assigned", db.Model(&models.ListingMetadata{}).
		Where("responsible_user_id IS NOT NULL")); err != nil {
		return nil, err
	}
	if err := collect("rented", db.Model(&models.RentListing{})); err != nil {
		return nil, err
	}
	if err := collect("favorite", db.Model(&models.Favorite{})); err != nil {
		return nil, err
	}
	return protected, nil
}

// RecordRun stores a run history row
func (s *Store) RecordRun(ctx context.Context, rec *models.RunRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return eris.Wrap(err, "failed to record run")
	}
	return nil
}

// RecentRuns returns the latest run records, newest first
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	var runs []models.RunRecord
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, eris.Wrap(err, "failed to load runs")
	}
	return runs, nil
}

// Stats summarizes the store
type Stats struct {
	Total        int64            `json:"total"`
	BySource     map[string]int64 `json:"by_source"`
	ByDealType   map[string]int64 `json:"by_deal_type"`
	Last24h      int64            `json:"last_24h"`
	TotalDeleted int64            `json:"total_deleted"`
}

// Stats returns listing counts by source and deal type
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	db := s.db.WithContext(ctx)
	stats := &Stats{
		BySource:   make(map[string]int64),
		ByDealType: make(map[string]int64),
	}

	if err := db.Model(&models.Listing{}).Count(&stats.Total).Error; err != nil {
		return nil, eris.Wrap(err, "failed to count listings")
	}

	var groups []struct {
		Grp   string
		Count int64
	}
	if err := db.Model(&models.Listing{}).
		Select("source as grp, count(*) as count").
		Group("source").
		Scan(&groups).Error; err != nil {
		return nil, eris.Wrap(err, "failed to group by source")
	}
	for _, g := range groups {
		stats.BySource[g.Grp] = g.Count
	}

	groups = nil
	if err := db.Model(&models.Listing{}).
		Select("deal_type as grp, count(*) as count").
		Group("deal_type").
		Scan(&groups).Error; err != nil {
		return nil, eris.Wrap(err, "failed to group by deal type")
	}
	for _, g := range groups {
		stats.ByDealType[g.Grp] = g.Count
	}

	if err := db.Model(&models.Listing{}).
		Where("created_at >= ?", s.now().Add(-24*time.Hour)).
		Count(&stats.Last24h).Error; err != nil {
		return nil, eris.Wrap(err, "failed to count recent listings")
	}
	if err := db.Model(&models.DeleteLog{}).Count(&stats.TotalDeleted).Error; err != nil {
		return nil, eris.Wrap(err, "failed to count delete logs")
	}
	return stats, nil
}

// DeleteLogs returns recent delete log entries
func (s *Store) DeleteLogs(ctx context.Context, limit int) ([]models.DeleteLog, error) {
	var logs []models.DeleteLog
	err := s.db.WithContext(ctx).Order("deleted_at DESC").Limit(limit).Find(&logs).Error
	if err != nil {
		return nil, eris.Wrap(err, "failed to load delete logs")
	}
	return logs, nil
}
