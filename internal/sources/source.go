package sources

import (
	"context"
	"time"

	"go.uber.org/zap"

	"listing-engine/internal/fetcher"
	"listing-engine/internal/models"
	"listing-engine/internal/pagination"
)

// Source is one marketplace adapter
type Source interface {
	Name() string
	// FetchBasicListings runs pagination for every deal category of the source.
	// A failing category does not discard the others.
	FetchBasicListings(ctx context.Context) ([]models.Listing, error)
	// Enrich visits up to limit detail pages (0 means all) and returns every
	// listing, enriched or not
	Enrich(ctx context.Context, listings []models.Listing, limit int) []models.Listing
	// EnrichCap is the configured enrichment bound, 0 for unbounded
	EnrichCap() int
}

// DetailPacer paces detail-page requests and learns from their results
type DetailPacer interface {
	Wait(ctx context.Context) error
	Observe(success bool)
}

// Deps are the shared collaborators of every adapter
type Deps struct {
	Fetcher pagination.PageFetcher
	Policy  fetcher.Policy
	Pauser  pagination.Pauser
	Detail  DetailPacer
	Now     func() time.Time
}

// Clock returns Now or time.Now
func (d Deps) Clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Detail is what a detail page adds to a listing
type Detail struct {
	Phone  string
	Images []string
}

// DetailParser extracts enrichment data from a detail page body
type DetailParser func(body []byte) (Detail, error)

// Enrich fetches detail pages for the first limit listings. A failed page
// leaves its listing unenriched.
func Enrich(ctx context.Context, deps Deps, source string, listings []models.Listing, limit int, parse DetailParser) []models.Listing {
	log := zap.L().With(zap.String("component", "enrich"), zap.String("source", source))

	out := make([]models.Listing, len(listings))
	copy(out, listings)

	n := len(out)
	if limit > 0 && limit < n {
		n = limit
	}
	log.Info("enriching listings", zap.Int("count", n), zap.Int("total", len(out)))

	// a bad detail page must not close pagination for the source
	policy := deps.Policy
	policy.SkipBreaker = true

	enriched := 0
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			log.Warn("enrichment interrupted", zap.Int("done", i))
			break
		}
		l := &out[i]
		if l.URL == "" {
			continue
		}
		if deps.Detail != nil {
			if err := deps.Detail.Wait(ctx); err != nil {
				log.Warn("enrichment interrupted", zap.Int("done", i), zap.Error(err))
				break
			}
		}

		res := deps.Fetcher.Fetch(ctx, l.URL, policy)
		if deps.Detail != nil {
			deps.Detail.Observe(res.OK())
		}
		if !res.OK() {
			log.Warn("detail page not obtained", zap.String("url", l.URL), zap.String("outcome", string(res.Outcome)))
			continue
		}

		detail, err := parse(res.Body)
		if err != nil {
			log.Warn("detail page parse failed", zap.String("url", l.URL), zap.Error(err))
			continue
		}
		if detail.Phone != "" {
			l.SetPhone(detail.Phone)
		}
		if len(detail.Images) > 0 {
			l.SetImages(detail.Images)
		}
		enriched++
	}

	log.Info("enrichment finished", zap.Int("enriched", enriched), zap.Int("attempted", n))
	return out
}

// Collect turns pagination items into listings, keeping those accepted by keep
func Collect(items []pagination.RawItem, keep func(pagination.RawItem) bool) []models.Listing {
	out := make([]models.Listing, 0, len(items))
	for _, it := range items {
		if keep != nil && !keep(it) {
			continue
		}
		out = append(out, it.Listing)
	}
	return out
}

// UniqueStrings drops empty and repeated values, keeping order
func UniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
