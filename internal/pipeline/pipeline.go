// Package pipeline coordinates a full ingestion run: every configured
// channel is scraped, normalized, staged and loaded, with per-channel
// failure isolation and a single summary for the external scheduler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medatlas/telegram-ingest/internal/enrich"
	"github.com/medatlas/telegram-ingest/internal/ingest"
	"github.com/medatlas/telegram-ingest/internal/loader"
	"github.com/medatlas/telegram-ingest/internal/logger"
	"github.com/medatlas/telegram-ingest/internal/report"
	"github.com/medatlas/telegram-ingest/internal/staging"
)

// ChannelScraper produces one channel's messages and terminal outcome.
type ChannelScraper interface {
	Scrape(ctx context.Context, target ingest.ChannelTarget, emit func(ingest.RawMessage) error) ingest.ScrapeOutcome
}

// Cursors resolves each channel's "since" cursor from the store.
type Cursors interface {
	LastMessageID(ctx context.Context, channel string) (int64, error)
}

// Options configure one run.
type Options struct {
	Targets []ingest.ChannelTarget

	// Concurrency bounds simultaneously active channel scrapes. All
	// channels share one account and one rate budget, so the default is 1.
	Concurrency int

	// StageDir receives the durable JSON batch per (date, channel) before
	// loading. Empty disables staging (records go straight to the loader).
	StageDir string

	// InterChannelPause is courtesy pacing between channels, independent of
	// the backoff controller.
	InterChannelPause time.Duration

	// Enricher, when set, classifies downloaded media after loading.
	Enricher *enrich.Enricher
}

// Pipeline wires scraper, loader and cursor store into the run coordinator.
type Pipeline struct {
	scraper ChannelScraper
	loader  *loader.Loader
	cursors Cursors
	log     *logger.Logger
}

// New creates a pipeline.
func New(scraper ChannelScraper, ld *loader.Loader, cursors Cursors) *Pipeline {
	return &Pipeline{
		scraper: scraper,
		loader:  ld,
		cursors: cursors,
		log:     logger.Get(),
	}
}

// errRunAborted stops in-flight channel scrapes after a fatal failure. The
// stop is soft: it surfaces through the emit callback, so a scrape finishes
// its current API request and stops before the next one.
var errRunAborted = errors.New("run aborted: authentication failure")

// Run executes one full ingestion run and returns its summary. Every target
// gets exactly one terminal outcome: after a fatal (authentication) failure,
// not-yet-started channels are reported skipped without being attempted and
// in-flight channels finish their current request before stopping. Any other
// per-channel failure leaves the remaining channels untouched.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*report.RunSummary, error) {
	if len(opts.Targets) == 0 {
		return nil, fmt.Errorf("no channel targets configured")
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	agg := report.NewAggregator()

	var aborted atomic.Bool

	jobs := make(chan ingest.ChannelTarget)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for target := range jobs {
				if aborted.Load() {
					agg.AddScrape(ingest.ScrapeOutcome{
						Channel: target.Handle,
						State:   ingest.StateSkipped,
						Error:   errRunAborted.Error(),
					})
					continue
				}

				outcome := p.runChannel(ctx, target, opts, agg, &aborted)
				agg.AddScrape(outcome)

				if outcome.Fatal {
					p.log.Error().
						Str("channel", target.Handle).
						Str("error", outcome.Error).
						Msg("pipeline: fatal failure, aborting remaining channels")
					aborted.Store(true)
					continue
				}

				if opts.InterChannelPause > 0 && !aborted.Load() {
					pause(ctx, opts.InterChannelPause)
				}
			}
		}()
	}

	for _, target := range opts.Targets {
		jobs <- target
	}
	close(jobs)
	wg.Wait()

	summary := agg.Summary()
	p.log.Info().
		Str("run_id", summary.RunID.String()).
		Str("status", string(summary.Status)).
		Int("fetched", summary.Totals.Fetched).
		Int("inserted", summary.Totals.Inserted).
		Int("duplicates", summary.Totals.Duplicates).
		Int("rejected", summary.Totals.Rejected).
		Msg("pipeline: run finished")

	return summary, nil
}

// runChannel executes scrape → normalize → stage → load for one channel.
func (p *Pipeline) runChannel(ctx context.Context, target ingest.ChannelTarget, opts Options, agg *report.Aggregator, aborted *atomic.Bool) ingest.ScrapeOutcome {
	since, err := p.cursors.LastMessageID(ctx, target.Handle)
	if err != nil {
		return ingest.ScrapeOutcome{
			Channel: target.Handle,
			State:   ingest.StateFailed,
			Error:   fmt.Sprintf("resolve cursor: %v", err),
		}
	}
	target.SinceID = since

	var (
		records   []ingest.Record
		malformed int
		scrapedAt = time.Now().UTC()
	)

	outcome := p.scraper.Scrape(ctx, target, func(raw ingest.RawMessage) error {
		if aborted.Load() {
			return errRunAborted
		}
		rec, err := ingest.Normalize(raw, target, scrapedAt)
		if err != nil {
			malformed++
			p.log.Warn().Err(err).
				Str("channel", target.Handle).
				Int64("message_id", raw.MessageID).
				Msg("pipeline: malformed message rejected")
			return nil
		}
		records = append(records, rec)
		return nil
	})

	// Load whatever was fetched even when the scrape ended early: records
	// already pulled from the API must not be lost to a later failure.
	if len(records) > 0 || malformed > 0 {
		batch := fmt.Sprintf("%s@%s", target.Handle, scrapedAt.Format("2006-01-02"))
		if opts.StageDir != "" {
			if path, err := staging.Write(opts.StageDir, scrapedAt, target.Handle, records); err != nil {
				p.log.Warn().Err(err).Str("channel", target.Handle).Msg("pipeline: staging failed, loading from memory")
			} else {
				batch = path
			}
		}

		load := p.loader.Load(ctx, batch, records)
		load.Rejected += malformed
		agg.AddLoad(load)

		if opts.Enricher != nil {
			n := opts.Enricher.Process(ctx, records)
			if n > 0 {
				p.log.Info().Str("channel", target.Handle).Int("detections", n).Msg("pipeline: media enriched")
			}
		}
	}

	return outcome
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
