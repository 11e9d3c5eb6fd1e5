// Package report accumulates per-channel and per-batch outcomes into the
// run summary handed to the external scheduler.
package report

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medatlas/telegram-ingest/internal/ingest"
)

// Status is the pipeline-level verdict of a run.
type Status string

const (
	// StatusSuccess: every channel completed or was skipped, no fatal error.
	StatusSuccess Status = "success"
	// StatusPartial: at least one channel failed non-fatally.
	StatusPartial Status = "partial"
	// StatusFailed: a fatal condition aborted the run.
	StatusFailed Status = "failed"
)

// Totals are run-wide counters.
type Totals struct {
	Fetched    int `json:"fetched"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// RunSummary is the sole artifact crossing the boundary to the scheduler.
// Every configured channel has exactly one terminal outcome in Channels.
type RunSummary struct {
	RunID      uuid.UUID              `json:"run_id"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Status     Status                 `json:"status"`
	Channels   []ingest.ScrapeOutcome `json:"channels"`
	Loads      []ingest.LoadOutcome   `json:"loads"`
	Totals     Totals                 `json:"totals"`
}

// Aggregator collects outcomes from concurrently running channel workers.
type Aggregator struct {
	mu       sync.Mutex
	runID    uuid.UUID
	started  time.Time
	channels []ingest.ScrapeOutcome
	loads    []ingest.LoadOutcome
}

// NewAggregator starts collecting for a new run.
func NewAggregator() *Aggregator {
	return &Aggregator{
		runID:   uuid.New(),
		started: time.Now().UTC(),
	}
}

// AddScrape records one channel's terminal outcome.
func (a *Aggregator) AddScrape(o ingest.ScrapeOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channels = append(a.channels, o)
}

// AddLoad records one batch's load outcome.
func (a *Aggregator) AddLoad(o ingest.LoadOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loads = append(a.loads, o)
}

// Summary computes the final run summary. Pure accumulation: calling it
// twice with no new outcomes yields the same result (modulo FinishedAt).
func (a *Aggregator) Summary() *RunSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := &RunSummary{
		RunID:      a.runID,
		StartedAt:  a.started,
		FinishedAt: time.Now().UTC(),
		Status:     StatusSuccess,
		Channels:   append([]ingest.ScrapeOutcome(nil), a.channels...),
		Loads:      append([]ingest.LoadOutcome(nil), a.loads...),
	}

	for _, ch := range s.Channels {
		s.Totals.Fetched += ch.Fetched
		switch {
		case ch.Fatal:
			s.Status = StatusFailed
		case ch.State == ingest.StateFailed && s.Status != StatusFailed:
			s.Status = StatusPartial
		}
	}

	for _, l := range s.Loads {
		s.Totals.Inserted += l.Inserted
		s.Totals.Duplicates += l.Duplicates
		s.Totals.Rejected += l.Rejected
	}

	return s
}
