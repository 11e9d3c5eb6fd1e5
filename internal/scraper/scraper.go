// Package scraper drives one channel's fetch loop against the Telegram API,
// emitting raw messages on demand and producing a terminal ScrapeOutcome.
package scraper

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/medatlas/telegram-ingest/internal/backoff"
	"github.com/medatlas/telegram-ingest/internal/ingest"
	"github.com/medatlas/telegram-ingest/internal/logger"
	"github.com/medatlas/telegram-ingest/internal/telegram"
)

// API is the subset of telegram client operations the scraper needs.
type API interface {
	Resolve(ctx context.Context, handle string) (*telegram.Channel, error)
	History(ctx context.Context, ch *telegram.Channel, offsetID int, minID int64, limit int) (page []ingest.RawMessage, nextOffset int, err error)
	DownloadMedia(ctx context.Context, ch *telegram.Channel, raw *ingest.RawMessage, dir string) (string, error)
}

// Scraper fetches channel history pages through a shared backoff controller.
type Scraper struct {
	api      API
	backoff  *backoff.Controller
	mediaDir string // empty disables media download
	log      *logger.Logger
}

// New creates a scraper. mediaDir may be empty to skip media download.
func New(api API, ctrl *backoff.Controller, mediaDir string) *Scraper {
	return &Scraper{
		api:      api,
		backoff:  ctrl,
		mediaDir: mediaDir,
		log:      logger.Get(),
	}
}

// pageSize is the API's maximum history page.
const pageSize = 100

// Scrape fetches the channel's history bounded by target.Limit and
// target.SinceID, calling emit for each message as it is fetched. Emission
// is lazy and non-restartable: each page is requested only after the
// previous page's messages were consumed.
//
// The returned outcome is terminal: completed, skipped (permanent
// per-channel condition) or failed (retry budget exhausted, or fatal auth
// rejection with the Fatal flag set).
func (s *Scraper) Scrape(ctx context.Context, target ingest.ChannelTarget, emit func(ingest.RawMessage) error) ingest.ScrapeOutcome {
	start := time.Now()
	outcome := ingest.ScrapeOutcome{Channel: target.Handle}

	finish := func(state ingest.ChannelState, err error) ingest.ScrapeOutcome {
		outcome.State = state
		outcome.Elapsed = time.Since(start)
		if err != nil {
			outcome.Error = err.Error()
			outcome.Fatal = ingest.IsFatal(err)
		}
		return outcome
	}

	var channel *telegram.Channel
	err := s.call(ctx, func() error {
		var err error
		channel, err = s.api.Resolve(ctx, target.Handle)
		return err
	})
	if err != nil {
		return finish(stateFor(err), err)
	}

	s.log.Info().
		Str("channel", target.Handle).
		Int64("since_id", target.SinceID).
		Int("limit", target.Limit).
		Msg("scrape: starting channel")

	offsetID := 0
	for {
		if err := ctx.Err(); err != nil {
			return finish(ingest.StateFailed, err)
		}

		want := pageSize
		if target.Limit > 0 {
			if remaining := target.Limit - outcome.Fetched; remaining < want {
				want = remaining
			}
		}
		if want <= 0 {
			break
		}

		var (
			page       []ingest.RawMessage
			nextOffset int
		)
		err := s.call(ctx, func() error {
			var err error
			page, nextOffset, err = s.api.History(ctx, channel, offsetID, target.SinceID, want)
			return err
		})
		if err != nil {
			return finish(stateFor(err), err)
		}

		// nextOffset 0 means the raw page was empty: end of history. A page
		// that parsed to zero records but had raw entries (service messages)
		// still advances.
		if nextOffset == 0 {
			break
		}

		for i := range page {
			msg := &page[i]
			if msg.MessageID <= target.SinceID {
				// server-side MinID should exclude these, belt and braces
				continue
			}

			if msg.HasMedia && s.mediaDir != "" {
				s.downloadMedia(ctx, channel, msg)
			}

			if err := emit(*msg); err != nil {
				return finish(ingest.StateFailed, fmt.Errorf("consume message %d: %w", msg.MessageID, err))
			}
			outcome.Fetched++
		}

		offsetID = nextOffset
	}

	s.log.Info().
		Str("channel", target.Handle).
		Int("fetched", outcome.Fetched).
		Dur("elapsed", time.Since(start)).
		Msg("scrape: channel done")

	return finish(ingest.StateCompleted, nil)
}

// call runs one API request under the backoff policy: quoted cooldowns are
// recorded and the request retried, transient failures back off
// exponentially until the retry budget runs out, permanent and fatal errors
// return immediately.
func (s *Scraper) call(ctx context.Context, fn func() error) error {
	for {
		if err := s.backoff.Wait(ctx); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			s.backoff.RecordSuccess()
			return nil
		}

		if cd, ok := ingest.AsCooldown(err); ok {
			s.log.Warn().Int("seconds", cd.Seconds).Msg("scrape: flood wait signaled")
			s.backoff.RecordCooldown(time.Duration(cd.Seconds) * time.Second)
			continue
		}

		switch ingest.KindOf(err) {
		case ingest.KindTransient:
			delay, ok := s.backoff.RecordFailure()
			if !ok {
				return fmt.Errorf("retries exhausted: %w", err)
			}
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("scrape: transient failure")
			if err := s.backoff.Sleep(ctx, delay); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

// downloadMedia fetches the attachment into the date/channel partition and
// records the local path. Failure is record-level: the message is kept, the
// path stays empty.
func (s *Scraper) downloadMedia(ctx context.Context, ch *telegram.Channel, msg *ingest.RawMessage) {
	dir := filepath.Join(s.mediaDir, msg.Date.UTC().Format("2006-01-02"), ch.Handle)
	path, err := s.api.DownloadMedia(ctx, ch, msg, dir)
	if err != nil {
		s.log.Warn().Err(err).
			Str("channel", ch.Handle).
			Int64("message_id", msg.MessageID).
			Msg("scrape: media download failed")
		return
	}
	msg.MediaPath = path
}

// stateFor maps a terminal scrape error to the channel's outcome state.
// Permanent per-channel conditions are skips; everything else is a failure.
func stateFor(err error) ingest.ChannelState {
	if ingest.KindOf(err) == ingest.KindChannel {
		return ingest.StateSkipped
	}
	return ingest.StateFailed
}
