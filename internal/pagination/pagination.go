package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"listing-engine/internal/fetcher"
	"listing-engine/internal/models"
)

// ErrMissingPayload means the page carried no structured listing data,
// usually a layout change or a block page
var ErrMissingPayload = eris.New("pagination: structured payload not found")

// State of the pagination machine
type State string

const (
	StateFetching State = "FETCHING"
	StateParsing  State = "PARSING"
	StateContinue State = "CONTINUE"
	StateLastPage State = "LAST_PAGE"
	StateAborted  State = "ABORTED"
)

// RawItem is one parsed offer. Listing is already normalized.
type RawItem struct {
	ID          string
	Price       float64
	PublishedAt time.Time
	Listing     models.Listing
}

// Page is what a parser found on one list page
type Page struct {
	Items   []RawItem
	HasNext bool
}

// PageParser extracts offers from a list page body
type PageParser interface {
	ParsePage(body []byte) (Page, error)
}

// PageFetcher retrieves list pages
type PageFetcher interface {
	Fetch(ctx context.Context, url string, p fetcher.Policy) fetcher.Result
}

// Pauser waits a short randomized interval between pages
type Pauser interface {
	Pause(ctx context.Context) (time.Duration, error)
}

// Config bounds one pagination run
type Config struct {
	Name         string // for logs, e.g. "avito/sale"
	FullPageSize int    // 0 when the source page size varies
	Policy       fetcher.Policy
	Pauser       Pauser
}

// Outcome is the result of a pagination run
type Outcome struct {
	Items      []RawItem
	Pages      int
	FinalState State
	Reason     string
	Trace      []State
	Dropped    int
}

// Run pages through a listing with the cursor until the last page or an abort.
// Items collected before an abort are returned.
func Run(ctx context.Context, cfg Config, cur *Cursor, f PageFetcher, parser PageParser, urlFor func(page int) string) Outcome {
	log := zap.L().With(zap.String("component", "pagination"), zap.String("run", cfg.Name))
	var out Outcome

	finish := func(state State, reason string) Outcome {
		out.Trace = append(out.Trace, state)
		out.FinalState = state
		out.Reason = reason
		log.Info("pagination finished",
			zap.String("state", string(state)),
			zap.String("reason", reason),
			zap.Int("pages", out.Pages),
			zap.Int("items", len(out.Items)),
			zap.Float64("avg_price", cur.AvgPrice))
		return out
	}

	for {
		out.Trace = append(out.Trace, StateFetching)
		url := urlFor(cur.Page)
		res := f.Fetch(ctx, url, cfg.Policy)
		if !res.OK() {
			return finish(StateAborted, fmt.Sprintf("page %d not obtained: %s after %d attempts (%s)",
				cur.Page, res.Outcome, res.Attempts, res.LastFailure))
		}
		out.Pages++

		out.Trace = append(out.Trace, StateParsing)
		page, err := parser.ParsePage(res.Body)
		if err != nil {
			log.Warn("parse failure", zap.Int("page", cur.Page), zap.String("url", url), zap.Error(err))
			return finish(StateAborted, fmt.Sprintf("page %d: %v", cur.Page, err))
		}

		accepted := 0
		for _, item := range page.Items {
			if item.ID == "" {
				out.Dropped++
				log.Debug("item without id dropped", zap.Int("page", cur.Page))
				continue
			}
			if cur.Seen(item.ID) {
				continue
			}
			cur.Mark(item.ID)
			if !item.Listing.HasArea() {
				out.Dropped++
				log.Info("item dropped: area not resolved", zap.String("id", item.ID), zap.String("url", item.Listing.URL))
				continue
			}
			cur.ObservePrice(item.Price)
			out.Items = append(out.Items, item)
			accepted++
		}
		cur.Accepted += accepted
		log.Info("page parsed",
			zap.Int("page", cur.Page),
			zap.Int("items", len(page.Items)),
			zap.Int("accepted", accepted),
			zap.Bool("has_next", page.HasNext))

		switch {
		case cfg.FullPageSize > 0 && len(page.Items) < cfg.FullPageSize:
			return finish(StateLastPage, fmt.Sprintf("short page: %d < %d", len(page.Items), cfg.FullPageSize))
		case !page.HasNext:
			return finish(StateLastPage, "no next control")
		case cur.LastPage():
			return finish(StateLastPage, "page limit reached")
		}

		out.Trace = append(out.Trace, StateContinue)
		cur.Page++
		if cfg.Pauser != nil {
			if _, err := cfg.Pauser.Pause(ctx); err != nil {
				return finish(StateAborted, "interrupted: "+err.Error())
			}
		}
	}
}
