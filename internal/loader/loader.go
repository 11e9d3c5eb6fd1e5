// Package loader persists normalized records with store-enforced
// deduplication. Its input contract is "a sequence of normalized records
// from any producer": live scrape output and staged files go through the
// same path, which is what makes a crash between scrape and load safe.
package loader

import (
	"context"

	"github.com/medatlas/telegram-ingest/internal/ingest"
	"github.com/medatlas/telegram-ingest/internal/logger"
	"github.com/medatlas/telegram-ingest/internal/staging"
)

// Store is the single mutation point on the shared database. The store's
// unique constraint decides insert-or-skip transactionally, so the loader
// needs no lock of its own.
type Store interface {
	Insert(ctx context.Context, rec ingest.Record) (inserted bool, err error)
}

// Events receives a callback per actually inserted record. Duplicates and
// rejections never fire it.
type Events interface {
	MessageInserted(ctx context.Context, rec ingest.Record) error
}

// Loader loads record batches into the store.
type Loader struct {
	store  Store
	events Events // optional
	log    *logger.Logger
}

// New creates a loader over the given store.
func New(store Store) *Loader {
	return &Loader{store: store, log: logger.Get()}
}

// NewWithEvents creates a loader that additionally notifies events about
// every inserted record. Event delivery is best-effort: a failing publish is
// logged and does not affect the load.
func NewWithEvents(store Store, events Events) *Loader {
	return &Loader{store: store, events: events, log: logger.Get()}
}

// Load persists one batch. Effective insertion is at-most-once per
// (chat_id, message_id) no matter how often the same records are submitted.
// Duplicates are counted, not errored; a failing record is rejected without
// affecting its siblings. Only context cancellation stops the batch early.
func (l *Loader) Load(ctx context.Context, batch string, records []ingest.Record) ingest.LoadOutcome {
	outcome := ingest.LoadOutcome{Batch: batch}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			outcome.Error = err.Error()
			break
		}

		if rec.MessageID == 0 || rec.ChatID == 0 {
			outcome.Rejected++
			l.log.Warn().
				Str("batch", batch).
				Int64("message_id", rec.MessageID).
				Int64("chat_id", rec.ChatID).
				Msg("loader: rejecting record without dedup key")
			continue
		}

		inserted, err := l.store.Insert(ctx, rec)
		switch {
		case err != nil:
			outcome.Rejected++
			l.log.Warn().Err(err).
				Str("batch", batch).
				Int64("message_id", rec.MessageID).
				Msg("loader: record rejected")
		case inserted:
			outcome.Inserted++
			if l.events != nil {
				if err := l.events.MessageInserted(ctx, rec); err != nil {
					l.log.Warn().Err(err).
						Int64("message_id", rec.MessageID).
						Msg("loader: message event not published")
				}
			}
		default:
			outcome.Duplicates++
		}
	}

	l.log.Info().
		Str("batch", batch).
		Int("inserted", outcome.Inserted).
		Int("duplicates", outcome.Duplicates).
		Int("rejected", outcome.Rejected).
		Msg("loader: batch done")

	return outcome
}

// LoadStaged loads every stage file under dir, one outcome per file.
// A malformed file fails its own batch only.
func (l *Loader) LoadStaged(ctx context.Context, dir string) ([]ingest.LoadOutcome, error) {
	paths, err := staging.List(dir)
	if err != nil {
		return nil, err
	}

	outcomes := make([]ingest.LoadOutcome, 0, len(paths))
	for _, path := range paths {
		batch, err := staging.Read(path)
		if err != nil {
			l.log.Error().Err(err).Str("file", path).Msg("loader: unreadable stage file")
			outcomes = append(outcomes, ingest.LoadOutcome{Batch: path, Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, l.Load(ctx, path, batch.Records))
	}
	return outcomes, nil
}
