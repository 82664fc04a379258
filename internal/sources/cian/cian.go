package cian

import (
	"context"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"listing-engine/internal/config"
	"listing-engine/internal/models"
	"listing-engine/internal/pagination"
	"listing-engine/internal/sources"
)

// Adapter collects fresh owner-published flats from Cian
type Adapter struct {
	cfg    config.CianConfig
	deps   sources.Deps
	logger *zap.Logger
}

// New creates the Cian adapter
func New(cfg config.CianConfig, deps sources.Deps) *Adapter {
	return &Adapter{
		cfg:    cfg,
		deps:   deps,
		logger: zap.L().With(zap.String("component", "source"), zap.String("source", models.SourceCian)),
	}
}

// Name implements sources.Source
func (a *Adapter) Name() string {
	return models.SourceCian
}

// EnrichCap implements sources.Source
func (a *Adapter) EnrichCap() int {
	return a.cfg.EnrichCap
}

// ListURL builds the search URL for every room count plus studios
func (a *Adapter) ListURL(deal models.DealType, page int) string {
	q := url.Values{}
	q.Set("engine_version", "2")
	q.Set("offer_type", "flat")
	q.Set("region", strconv.Itoa(a.cfg.Region))
	q.Set("deal_type", string(deal))
	if deal == models.DealTypeRent {
		q.Set("type", "4") // long-term rent
	}
	for rooms := 1; rooms <= 6; rooms++ {
		q.Set("room"+strconv.Itoa(rooms), "1")
	}
	q.Set("room9", "1") // studio
	if a.cfg.ByHomeowner {
		q.Set("is_by_homeowner", "1")
	}
	if a.cfg.PublishedWithinSeconds > 0 {
		q.Set("totime", strconv.Itoa(a.cfg.PublishedWithinSeconds))
	}
	q.Set("p", strconv.Itoa(page))
	return a.cfg.BaseURL + "/cat.php?" + q.Encode()
}

// Parser returns the list page parser for one deal category
func (a *Adapter) Parser(deal models.DealType) pagination.PageParser {
	return &ListParser{City: a.cfg.Location, DealType: deal}
}

// FetchBasicListings implements sources.Source. Freshness is enforced by the
// totime search filter.
func (a *Adapter) FetchBasicListings(ctx context.Context) ([]models.Listing, error) {
	var all []models.Listing
	for _, deal := range []models.DealType{models.DealTypeSale, models.DealTypeRent} {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		cur := pagination.NewCursor(a.cfg.StartPage, a.cfg.EndPage)
		parser := a.Parser(deal)
		d := deal
		out := pagination.Run(ctx, pagination.Config{
			Name:   models.SourceCian + "/" + string(deal),
			Policy: a.deps.Policy,
			Pauser: a.deps.Pauser,
		}, cur, a.deps.Fetcher, parser, func(page int) string {
			return a.ListURL(d, page)
		})
		if out.FinalState == pagination.StateAborted {
			a.logger.Warn("pagination aborted, keeping collected items",
				zap.String("deal_type", string(deal)),
				zap.String("reason", out.Reason),
				zap.Int("items", len(out.Items)))
		}

		listings := sources.Collect(out.Items, nil)
		a.logger.Info("category collected", zap.String("deal_type", string(deal)), zap.Int("listings", len(listings)))
		all = append(all, listings...)
	}
	return all, nil
}

// Enrich implements sources.Source
func (a *Adapter) Enrich(ctx context.Context, listings []models.Listing, limit int) []models.Listing {
	return sources.Enrich(ctx, a.deps, models.SourceCian, listings, limit, ParseDetail)
}
