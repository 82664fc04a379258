package avito

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"listing-engine/internal/config"
	"listing-engine/internal/models"
	"listing-engine/internal/pagination"
	"listing-engine/internal/sources"
	"listing-engine/internal/sources/extract"
)

// fullPageSize is the number of offers on a complete Avito list page
const fullPageSize = 50

// Adapter collects fresh flat offers from Avito
type Adapter struct {
	cfg    config.AvitoConfig
	deps   sources.Deps
	logger *zap.Logger
}

// New creates the Avito adapter
func New(cfg config.AvitoConfig, deps sources.Deps) *Adapter {
	if cfg.FullPageSize <= 0 {
		cfg.FullPageSize = fullPageSize
	}
	return &Adapter{
		cfg:    cfg,
		deps:   deps,
		logger: zap.L().With(zap.String("component", "source"), zap.String("source", models.SourceAvito)),
	}
}

// Name implements sources.Source
func (a *Adapter) Name() string {
	return models.SourceAvito
}

// EnrichCap implements sources.Source
func (a *Adapter) EnrichCap() int {
	return a.cfg.EnrichCap
}

// ListURL returns the list page URL for a deal category
func (a *Adapter) ListURL(deal models.DealType, page int) string {
	segment := "prodam"
	if deal == models.DealTypeRent {
		segment = "sdam"
	}
	return fmt.Sprintf("%s/%s/%s/%s?p=%d", a.cfg.BaseURL, a.cfg.Location, a.cfg.Category, segment, page)
}

// Parser returns the list page parser for one deal category
func (a *Adapter) Parser(deal models.DealType) pagination.PageParser {
	return &ListParser{BaseURL: a.cfg.BaseURL, DealType: deal}
}

// FetchBasicListings implements sources.Source
func (a *Adapter) FetchBasicListings(ctx context.Context) ([]models.Listing, error) {
	var all []models.Listing
	for _, deal := range []models.DealType{models.DealTypeSale, models.DealTypeRent} {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		listings := a.fetchCategory(ctx, deal)
		a.logger.Info("category collected", zap.String("deal_type", string(deal)), zap.Int("listings", len(listings)))
		all = append(all, listings...)
	}
	return all, nil
}

func (a *Adapter) fetchCategory(ctx context.Context, deal models.DealType) []models.Listing {
	cur := pagination.NewCursor(a.cfg.StartPage, a.cfg.EndPage)
	parser := a.Parser(deal)
	out := pagination.Run(ctx, pagination.Config{
		Name:         models.SourceAvito + "/" + string(deal),
		FullPageSize: a.cfg.FullPageSize,
		Policy:       a.deps.Policy,
		Pauser:       a.deps.Pauser,
	}, cur, a.deps.Fetcher, parser, func(page int) string {
		return a.ListURL(deal, page)
	})

	if out.FinalState == pagination.StateAborted {
		a.logger.Warn("pagination aborted, keeping collected items",
			zap.String("deal_type", string(deal)),
			zap.String("reason", out.Reason),
			zap.Int("items", len(out.Items)))
	}

	maxAge := time.Duration(a.cfg.FreshnessHours) * time.Hour
	now := a.deps.Clock()
	stale := 0
	listings := sources.Collect(out.Items, func(it pagination.RawItem) bool {
		// offers without a timestamp are kept
		if maxAge <= 0 || it.PublishedAt.IsZero() {
			return true
		}
		if !extract.IsRecent(it.PublishedAt.UnixMilli(), maxAge, now) {
			stale++
			return false
		}
		return true
	})
	if stale > 0 {
		a.logger.Info("stale offers skipped", zap.String("deal_type", string(deal)), zap.Int("count", stale))
	}
	return listings
}

// Enrich implements sources.Source
func (a *Adapter) Enrich(ctx context.Context, listings []models.Listing, limit int) []models.Listing {
	return sources.Enrich(ctx, a.deps, models.SourceAvito, listings, limit, ParseDetail)
}
