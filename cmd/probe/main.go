// Command probe fetches and parses one list page of a source without touching
// any store, and prints a JSON report of what happened.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"listing-engine/internal/app"
	"listing-engine/internal/config"
	"listing-engine/internal/fetcher"
	"listing-engine/internal/logging"
	"listing-engine/internal/models"
	"listing-engine/internal/pagination"
)

// pageSource is implemented by every adapter
type pageSource interface {
	ListURL(deal models.DealType, page int) string
	Parser(deal models.DealType) pagination.PageParser
}

type AttemptReport struct {
	Number int    `json:"number"`
	Status int    `json:"status"`
	Class  string `json:"class"`
	Error  string `json:"error,omitempty"`
}

type Report struct {
	Source      string           `json:"source"`
	DealType    string           `json:"deal_type"`
	URL         string           `json:"url"`
	Outcome     string           `json:"fetch_outcome"`
	Attempts    []AttemptReport  `json:"attempts"`
	BodyBytes   int              `json:"body_bytes"`
	SoftBlocked bool             `json:"soft_blocked"`
	Items       int              `json:"items"`
	Dropped     int              `json:"dropped"`
	State       string           `json:"state"`
	Reason      string           `json:"reason"`
	Trace       []string         `json:"trace"`
	Sample      []models.Listing `json:"sample,omitempty"`
	BreakerOpen bool             `json:"breaker_open"`
	Took        string           `json:"took"`
	ExecutedAt  time.Time        `json:"executed_at"`
}

// recorder keeps the last fetch result for the report
type recorder struct {
	f    *fetcher.Fetcher
	last fetcher.Result
}

func (r *recorder) Fetch(ctx context.Context, url string, p fetcher.Policy) fetcher.Result {
	r.last = r.f.Fetch(ctx, url, p)
	return r.last
}

func main() {
	configPath := flag.String("config", "config/parser_config.yaml", "config file")
	sourceName := flag.String("source", models.SourceAvito, "source to probe: avito or cian")
	deal := flag.String("deal", string(models.DealTypeSale), "deal type: sale or rent")
	page := flag.Int("page", 1, "page number")
	out := flag.String("out", "", "write the report to this file instead of stdout")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	cfg.ApplyEnv()

	logger, flush, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}
	defer flush()

	stack, err := app.NewFetchStack(cfg)
	if err != nil {
		logger.Fatal("failed to build fetcher", zap.Error(err))
	}
	src, ok := app.NewSource(cfg.Sources, stack.Deps, *sourceName)
	if !ok {
		logger.Fatal("unknown source", zap.String("source", *sourceName))
	}
	ps := src.(pageSource)
	f, _ := stack.Fetcher(*sourceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dealType := models.DealType(*deal)
	fullPage := 0
	if *sourceName == models.SourceAvito {
		fullPage = cfg.Sources.Avito.FullPageSize
	}

	rec := &recorder{f: f}
	start := time.Now()
	res := pagination.Run(ctx, pagination.Config{
		Name:         *sourceName + "/" + *deal + " probe",
		FullPageSize: fullPage,
		Policy:       stack.Deps.For(*sourceName).Policy,
	}, pagination.NewCursor(*page, *page), rec, ps.Parser(dealType), func(p int) string {
		return ps.ListURL(dealType, p)
	})

	report := Report{
		Source:     *sourceName,
		DealType:   *deal,
		URL:        ps.ListURL(dealType, *page),
		Outcome:    string(rec.last.Outcome),
		BodyBytes:  len(rec.last.Body),
		Items:      len(res.Items),
		Dropped:    res.Dropped,
		State:      string(res.FinalState),
		Reason:     res.Reason,
		Took:       time.Since(start).Round(time.Millisecond).String(),
		ExecutedAt: start,
	}
	report.SoftBlocked = fetcher.HasSoftBlockMarker(rec.last.Body) || rec.last.LastFailure == fetcher.ClassContentBlocked
	for _, a := range rec.last.History {
		ar := AttemptReport{Number: a.Number, Status: a.Status, Class: string(a.Class)}
		if a.Err != nil {
			ar.Error = a.Err.Error()
		}
		report.Attempts = append(report.Attempts, ar)
	}
	for _, s := range res.Trace {
		report.Trace = append(report.Trace, string(s))
	}
	for i := 0; i < len(res.Items) && i < 3; i++ {
		report.Sample = append(report.Sample, res.Items[i].Listing)
	}
	report.BreakerOpen, _, _ = f.Breaker().GetStatus()

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Fatal("failed to encode report", zap.Error(err))
	}
	if *out != "" {
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			logger.Fatal("failed to write report", zap.Error(err))
		}
		logger.Info("report saved", zap.String("path", *out))
	} else {
		fmt.Println(string(data))
	}

	if res.FinalState == pagination.StateAborted {
		stop()
		flush()
		os.Exit(1)
	}
}
