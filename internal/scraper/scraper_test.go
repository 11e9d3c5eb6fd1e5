package scraper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/telegram-ingest/internal/backoff"
	"github.com/medatlas/telegram-ingest/internal/ingest"
	"github.com/medatlas/telegram-ingest/internal/telegram"
)

// fakeAPI scripts channel history and error injection.
type fakeAPI struct {
	resolveErr error

	// total simulated channel history size; message ids are 1..total
	total int

	// ids above serviceAbove exist in raw history but are service messages
	// and never parse to records (0 = none)
	serviceAbove int

	// historyErrs are consumed one per History call before any page is served
	historyErrs []error

	historyCalls int
}

func (f *fakeAPI) Resolve(_ context.Context, handle string) (*telegram.Channel, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &telegram.Channel{ID: 42, AccessHash: 7, Handle: handle, Title: "Test Channel"}, nil
}

func (f *fakeAPI) History(_ context.Context, ch *telegram.Channel, offsetID int, minID int64, limit int) ([]ingest.RawMessage, int, error) {
	f.historyCalls++
	if len(f.historyErrs) > 0 {
		err := f.historyErrs[0]
		f.historyErrs = f.historyErrs[1:]
		if err != nil {
			return nil, 0, err
		}
	}

	// newest first: start below offsetID (or from the top when offsetID is 0)
	top := f.total
	if offsetID > 0 && offsetID-1 < top {
		top = offsetID - 1
	}

	var (
		page   []ingest.RawMessage
		raw    int
		lowest int
	)
	for id := top; id >= 1 && raw < limit; id-- {
		if int64(id) <= minID {
			break
		}
		raw++
		lowest = id
		if f.serviceAbove > 0 && id > f.serviceAbove {
			continue // occupies a raw slot but yields no record
		}
		page = append(page, ingest.RawMessage{
			MessageID: int64(id),
			ChatID:    ch.ID,
			Text:      fmt.Sprintf("message %d", id),
			Date:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	return page, lowest, nil
}

func (f *fakeAPI) DownloadMedia(_ context.Context, _ *telegram.Channel, raw *ingest.RawMessage, dir string) (string, error) {
	return dir + "/file.jpg", nil
}

func fastController() *backoff.Controller {
	c := backoff.New(backoff.Config{
		RPS:        100000,
		Burst:      100000,
		Base:       time.Millisecond,
		Ceiling:    2 * time.Millisecond,
		MaxRetries: 3,
	})
	c.SetClock(time.Now, func(context.Context, time.Duration) error { return nil })
	return c
}

func collect(emitted *[]ingest.RawMessage) func(ingest.RawMessage) error {
	return func(m ingest.RawMessage) error {
		*emitted = append(*emitted, m)
		return nil
	}
}

func TestScrape_FetchesFullHistoryInPages(t *testing.T) {
	api := &fakeAPI{total: 250}
	s := New(api, fastController(), "")

	var emitted []ingest.RawMessage
	outcome := s.Scrape(context.Background(), ingest.ChannelTarget{Handle: "CheMed123"}, collect(&emitted))

	assert.Equal(t, ingest.StateCompleted, outcome.State)
	assert.Equal(t, 250, outcome.Fetched)
	assert.Len(t, emitted, 250)
	// newest first within and across pages
	assert.Equal(t, int64(250), emitted[0].MessageID)
	assert.Equal(t, int64(1), emitted[len(emitted)-1].MessageID)
}

func TestScrape_RespectsLimit(t *testing.T) {
	api := &fakeAPI{total: 965}
	s := New(api, fastController(), "")

	var emitted []ingest.RawMessage
	outcome := s.Scrape(context.Background(), ingest.ChannelTarget{Handle: "lobelia4cosmetics", Limit: 100}, collect(&emitted))

	assert.Equal(t, ingest.StateCompleted, outcome.State)
	assert.Equal(t, 100, outcome.Fetched)
}

func TestScrape_RespectsSinceCursor(t *testing.T) {
	api := &fakeAPI{total: 80}
	s := New(api, fastController(), "")

	var emitted []ingest.RawMessage
	outcome := s.Scrape(context.Background(), ingest.ChannelTarget{Handle: "tikvahpharma", SinceID: 50}, collect(&emitted))

	assert.Equal(t, ingest.StateCompleted, outcome.State)
	assert.Equal(t, 30, outcome.Fetched)
	for _, m := range emitted {
		assert.Greater(t, m.MessageID, int64(50))
	}
}

func TestScrape_ServiceMessagePagesDoNotEndHistory(t *testing.T) {
	// the newest 150 ids are service messages: the first page parses to zero
	// records but paging must continue into the real history below
	api := &fakeAPI{total: 250, serviceAbove: 100}
	s := New(api, fastController(), "")

	var emitted []ingest.RawMessage
	outcome := s.Scrape(context.Background(), ingest.ChannelTarget{Handle: "ch"}, collect(&emitted))

	assert.Equal(t, ingest.StateCompleted, outcome.State)
	assert.Equal(t, 100, outcome.Fetched)
	require.NotEmpty(t, emitted)
	assert.Equal(t, int64(100), emitted[0].MessageID)
	assert.Equal(t, int64(1), emitted[len(emitted)-1].MessageID)
}

func TestScrape_CooldownRetriesSamePage(t *testing.T) {
	api := &fakeAPI{
		total:       10,
		historyErrs: []error{&ingest.CooldownError{Seconds: 3}},
	}
	ctrl := fastController()
	s := New(api, ctrl, "")

	var emitted []ingest.RawMessage
	outcome := s.Scrape(context.Background(), ingest.ChannelTarget{Handle: "ch"}, collect(&emitted))

	assert.Equal(t, ingest.StateCompleted, outcome.State)
	assert.Equal(t, 10, outcome.Fetched, "the flood-waited page is retried, not lost")
	assert.GreaterOrEqual(t, api.historyCalls, 2)
}

func TestScrape_PrivateChannelIsSkipped(t *testing.T) {
	api := &fakeAPI{
		resolveErr: ingest.NewError(ingest.KindChannel, errors.New("CHANNEL_PRIVATE")),
	}
	s := New(api, fastController(), "")

	outcome := s.Scrape(context.Background(), ingest.ChannelTarget{Handle: "private"}, collect(new([]ingest.RawMessage)))

	assert.Equal(t, ingest.StateSkipped, outcome.State)
	assert.False(t, outcome.Fatal)
	assert.Contains(t, outcome.Error, "CHANNEL_PRIVATE")
}

func TestScrape_AuthFailureIsFatal(t *testing.T) {
	api := &fakeAPI{
		resolveErr: ingest.NewError(ingest.KindFatal, errors.New("AUTH_KEY_UNREGISTERED")),
	}
	s := New(api, fastController(), "")

	outcome := s.Scrape(context.Background(), ingest.ChannelTarget{Handle: "any"}, collect(new([]ingest.RawMessage)))

	assert.Equal(t, ingest.StateFailed, outcome.State)
	assert.True(t, outcome.Fatal)
}

func TestScrape_TransientFailuresExhaustRetryBudget(t *testing.T) {
	flaky := ingest.NewError(ingest.KindTransient, errors.New("connection reset"))
	api := &fakeAPI{
		total:       10,
		historyErrs: []error{flaky, flaky, flaky, flaky, flaky, flaky},
	}
	s := New(api, fastController(), "")

	outcome := s.Scrape(context.Background(), ingest.ChannelTarget{Handle: "flaky"}, collect(new([]ingest.RawMessage)))

	assert.Equal(t, ingest.StateFailed, outcome.State)
	assert.False(t, outcome.Fatal)
	assert.Contains(t, outcome.Error, "retries exhausted")
}

func TestScrape_TransientFailureThenRecovery(t *testing.T) {
	flaky := ingest.NewError(ingest.KindTransient, errors.New("timeout"))
	api := &fakeAPI{
		total:       5,
		historyErrs: []error{flaky, flaky},
	}
	s := New(api, fastController(), "")

	var emitted []ingest.RawMessage
	outcome := s.Scrape(context.Background(), ingest.ChannelTarget{Handle: "ch"}, collect(&emitted))

	require.Equal(t, ingest.StateCompleted, outcome.State)
	assert.Equal(t, 5, outcome.Fetched)
}

func TestScrape_CancelledContextFailsChannel(t *testing.T) {
	api := &fakeAPI{total: 10}
	s := New(api, fastController(), "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := s.Scrape(ctx, ingest.ChannelTarget{Handle: "ch"}, collect(new([]ingest.RawMessage)))
	assert.Equal(t, ingest.StateFailed, outcome.State)
}

func TestScrape_MediaDownloadRecordsPath(t *testing.T) {
	api := &fakeAPI{total: 0}
	s := New(api, fastController(), "/tmp/media")

	// drive the media path directly through the emit pipeline
	ch := &telegram.Channel{ID: 42, AccessHash: 7, Handle: "ch"}
	msg := ingest.RawMessage{
		MessageID: 1,
		ChatID:    42,
		HasMedia:  true,
		Date:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	s.downloadMedia(context.Background(), ch, &msg)
	assert.NotEmpty(t, msg.MediaPath)
	assert.Contains(t, msg.MediaPath, "2025-06-01/ch")
}
