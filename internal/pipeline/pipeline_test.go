package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/telegram-ingest/internal/ingest"
	"github.com/medatlas/telegram-ingest/internal/loader"
	"github.com/medatlas/telegram-ingest/internal/report"
)

// channelScript describes one channel's simulated behavior.
type channelScript struct {
	messages int
	state    ingest.ChannelState
	err      string
	fatal    bool
}

// fakeScraper emits scripted messages and outcomes, recording which channels
// were actually attempted.
type fakeScraper struct {
	mu       sync.Mutex
	scripts  map[string]channelScript
	attempts []string
}

func (f *fakeScraper) Scrape(ctx context.Context, target ingest.ChannelTarget, emit func(ingest.RawMessage) error) ingest.ScrapeOutcome {
	f.mu.Lock()
	f.attempts = append(f.attempts, target.Handle)
	script := f.scripts[target.Handle]
	f.mu.Unlock()

	outcome := ingest.ScrapeOutcome{
		Channel: target.Handle,
		State:   script.state,
		Error:   script.err,
		Fatal:   script.fatal,
	}
	if script.state != ingest.StateCompleted {
		return outcome
	}

	for i := 1; i <= script.messages; i++ {
		msg := ingest.RawMessage{
			MessageID: int64(i),
			ChatID:    chatIDFor(target.Handle),
			Text:      "m",
			Date:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		}
		if err := emit(msg); err != nil {
			outcome.State = ingest.StateFailed
			outcome.Error = err.Error()
			return outcome
		}
		outcome.Fetched++
	}
	return outcome
}

func chatIDFor(handle string) int64 {
	var id int64
	for _, r := range handle {
		id = id*31 + int64(r)
	}
	return id
}

// memStore emulates the unique-constraint store.
type memStore struct {
	mu   sync.Mutex
	rows map[[2]int64]ingest.Record
}

func newMemStore() *memStore { return &memStore{rows: map[[2]int64]ingest.Record{}} }

func (s *memStore) Insert(_ context.Context, rec ingest.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{rec.ChatID, rec.MessageID}
	if _, ok := s.rows[key]; ok {
		return false, nil
	}
	s.rows[key] = rec
	return true, nil
}

func (s *memStore) countByChannel(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.rows {
		if rec.ChannelName == channel {
			n++
		}
	}
	return n
}

// zeroCursors always reports an empty store cursor.
type zeroCursors struct{}

func (zeroCursors) LastMessageID(context.Context, string) (int64, error) { return 0, nil }

func targets(handles ...string) []ingest.ChannelTarget {
	ts := make([]ingest.ChannelTarget, 0, len(handles))
	for _, h := range handles {
		ts = append(ts, ingest.ChannelTarget{Handle: h, Limit: 100})
	}
	return ts
}

func TestRun_ThreeChannelScenario(t *testing.T) {
	scripts := map[string]channelScript{
		"CheMed123":         {messages: 63, state: ingest.StateCompleted},
		"lobelia4cosmetics": {messages: 965, state: ingest.StateCompleted},
		"tikvahpharma":      {messages: 946, state: ingest.StateCompleted},
	}
	store := newMemStore()
	cfg := targets("CheMed123", "lobelia4cosmetics", "tikvahpharma")

	run := func() *report.RunSummary {
		p := New(&fakeScraper{scripts: scripts}, loader.New(store), zeroCursors{})
		summary, err := p.Run(context.Background(), Options{Targets: cfg})
		require.NoError(t, err)
		return summary
	}

	first := run()
	assert.Equal(t, report.StatusSuccess, first.Status)
	require.Len(t, first.Channels, 3)
	for _, ch := range first.Channels {
		assert.Equal(t, ingest.StateCompleted, ch.State)
	}
	assert.Equal(t, 1974, first.Totals.Inserted)
	assert.Equal(t, 0, first.Totals.Duplicates)

	// identical re-run: nothing new lands in the store
	second := run()
	assert.Equal(t, report.StatusSuccess, second.Status)
	assert.Equal(t, 0, second.Totals.Inserted)
	assert.Equal(t, 1974, second.Totals.Duplicates)
	assert.Len(t, store.rows, 1974)
}

func TestRun_BrokenChannelDoesNotBlockOthers(t *testing.T) {
	scripts := map[string]channelScript{
		"ok_one": {messages: 5, state: ingest.StateCompleted},
		"broken": {state: ingest.StateSkipped, err: "CHANNEL_PRIVATE"},
		"ok_two": {messages: 3, state: ingest.StateCompleted},
	}
	store := newMemStore()
	p := New(&fakeScraper{scripts: scripts}, loader.New(store), zeroCursors{})

	summary, err := p.Run(context.Background(), Options{Targets: targets("ok_one", "broken", "ok_two")})
	require.NoError(t, err)

	assert.Equal(t, report.StatusSuccess, summary.Status, "a skipped channel is not a failure")
	states := map[string]ingest.ChannelState{}
	for _, ch := range summary.Channels {
		states[ch.Channel] = ch.State
	}
	assert.Equal(t, ingest.StateCompleted, states["ok_one"])
	assert.Equal(t, ingest.StateSkipped, states["broken"])
	assert.Equal(t, ingest.StateCompleted, states["ok_two"])

	assert.Equal(t, 5, store.countByChannel("ok_one"))
	assert.Equal(t, 3, store.countByChannel("ok_two"))
}

func TestRun_NonFatalFailureIsPartial(t *testing.T) {
	scripts := map[string]channelScript{
		"good":  {messages: 2, state: ingest.StateCompleted},
		"flaky": {state: ingest.StateFailed, err: "retries exhausted: timeout"},
	}
	p := New(&fakeScraper{scripts: scripts}, loader.New(newMemStore()), zeroCursors{})

	summary, err := p.Run(context.Background(), Options{Targets: targets("good", "flaky")})
	require.NoError(t, err)
	assert.Equal(t, report.StatusPartial, summary.Status)
}

func TestRun_FatalAbortsRemainingChannels(t *testing.T) {
	scripts := map[string]channelScript{
		"first":  {state: ingest.StateFailed, err: "AUTH_KEY_UNREGISTERED", fatal: true},
		"second": {messages: 10, state: ingest.StateCompleted},
		"third":  {messages: 10, state: ingest.StateCompleted},
	}
	fs := &fakeScraper{scripts: scripts}
	store := newMemStore()
	p := New(fs, loader.New(store), zeroCursors{})

	summary, err := p.Run(context.Background(), Options{Targets: targets("first", "second", "third")})
	require.NoError(t, err)

	assert.Equal(t, report.StatusFailed, summary.Status)
	assert.Equal(t, []string{"first"}, fs.attempts, "remaining channels are never attempted")

	// every channel still gets exactly one terminal outcome
	require.Len(t, summary.Channels, 3)
	skipped := 0
	for _, ch := range summary.Channels {
		if ch.State == ingest.StateSkipped {
			skipped++
			assert.Contains(t, ch.Error, "run aborted")
		}
	}
	assert.Equal(t, 2, skipped)
	assert.Empty(t, store.rows)
}

// softStopScraper synchronizes a fatal channel with a long-running one: the
// fatal outcome is only returned after the slow channel delivered its first
// message, so the slow scrape is guaranteed to be in flight when the run
// aborts.
type softStopScraper struct {
	slowStarted chan struct{}
}

func (s *softStopScraper) Scrape(ctx context.Context, target ingest.ChannelTarget, emit func(ingest.RawMessage) error) ingest.ScrapeOutcome {
	switch target.Handle {
	case "auth":
		<-s.slowStarted
		return ingest.ScrapeOutcome{
			Channel: "auth",
			State:   ingest.StateFailed,
			Error:   "AUTH_KEY_UNREGISTERED",
			Fatal:   true,
		}
	default:
		outcome := ingest.ScrapeOutcome{Channel: target.Handle, State: ingest.StateCompleted}
		for i := 1; i <= 5000; i++ {
			err := emit(ingest.RawMessage{
				MessageID: int64(i),
				ChatID:    1,
				Text:      "m",
				Date:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			})
			if i == 1 {
				close(s.slowStarted)
			}
			if err != nil {
				outcome.State = ingest.StateFailed
				outcome.Error = err.Error()
				return outcome
			}
			outcome.Fetched++
			time.Sleep(time.Millisecond)
		}
		return outcome
	}
}

func TestRun_FatalStopsInFlightChannelBetweenRequests(t *testing.T) {
	store := newMemStore()
	p := New(&softStopScraper{slowStarted: make(chan struct{})}, loader.New(store), zeroCursors{})

	summary, err := p.Run(context.Background(), Options{
		Targets:     targets("slow", "auth"),
		Concurrency: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, report.StatusFailed, summary.Status)

	states := map[string]ingest.ScrapeOutcome{}
	for _, ch := range summary.Channels {
		states[ch.Channel] = ch
	}
	// the in-flight channel stops via the emit path, not a cancelled context
	require.Contains(t, states, "slow")
	assert.Equal(t, ingest.StateFailed, states["slow"].State)
	assert.Contains(t, states["slow"].Error, "run aborted")
	assert.NotContains(t, states["slow"].Error, "context canceled")

	// everything fetched before the stop is still loaded
	assert.GreaterOrEqual(t, store.countByChannel("slow"), 1)
}

func TestRun_CompletedChannelsRetainedAfterLaterFatal(t *testing.T) {
	scripts := map[string]channelScript{
		"good": {messages: 7, state: ingest.StateCompleted},
		"auth": {state: ingest.StateFailed, err: "SESSION_REVOKED", fatal: true},
	}
	store := newMemStore()
	p := New(&fakeScraper{scripts: scripts}, loader.New(store), zeroCursors{})

	summary, err := p.Run(context.Background(), Options{Targets: targets("good", "auth")})
	require.NoError(t, err)

	assert.Equal(t, report.StatusFailed, summary.Status)
	assert.Equal(t, 7, store.countByChannel("good"), "no rollback of prior successful loads")
}

func TestRun_StagesBatchesBeforeLoading(t *testing.T) {
	dir := t.TempDir()
	scripts := map[string]channelScript{
		"ch": {messages: 4, state: ingest.StateCompleted},
	}
	p := New(&fakeScraper{scripts: scripts}, loader.New(newMemStore()), zeroCursors{})

	summary, err := p.Run(context.Background(), Options{Targets: targets("ch"), StageDir: dir})
	require.NoError(t, err)
	require.Len(t, summary.Loads, 1)

	// the load batch is the stage file path and the file exists
	assert.FileExists(t, summary.Loads[0].Batch)
	matches, err := filepath.Glob(filepath.Join(dir, "*", "ch", "messages.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	_ = os.Remove(matches[0])
}

func TestRun_MalformedMessagesCountedAsRejected(t *testing.T) {
	fs := &fakeScraper{scripts: map[string]channelScript{}}
	// custom script: one valid and one id-less message
	fs.scripts["ch"] = channelScript{messages: 1, state: ingest.StateCompleted}

	store := newMemStore()
	p := New(&malformedScraper{inner: fs}, loader.New(store), zeroCursors{})

	summary, err := p.Run(context.Background(), Options{Targets: targets("ch")})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Totals.Inserted)
	assert.Equal(t, 1, summary.Totals.Rejected)
}

// malformedScraper injects a message without a dedup key before delegating.
type malformedScraper struct {
	inner *fakeScraper
}

func (m *malformedScraper) Scrape(ctx context.Context, target ingest.ChannelTarget, emit func(ingest.RawMessage) error) ingest.ScrapeOutcome {
	_ = emit(ingest.RawMessage{MessageID: 0, ChatID: 0, Text: "garbage"})
	return m.inner.Scrape(ctx, target, emit)
}

func TestRun_NoTargetsIsAnError(t *testing.T) {
	p := New(&fakeScraper{}, loader.New(newMemStore()), zeroCursors{})
	_, err := p.Run(context.Background(), Options{})
	assert.Error(t, err)
}

func TestRun_BoundedConcurrencyProcessesAllChannels(t *testing.T) {
	scripts := map[string]channelScript{}
	handles := []string{"a", "b", "c", "d", "e"}
	for _, h := range handles {
		scripts[h] = channelScript{messages: 2, state: ingest.StateCompleted}
	}
	store := newMemStore()
	p := New(&fakeScraper{scripts: scripts}, loader.New(store), zeroCursors{})

	summary, err := p.Run(context.Background(), Options{Targets: targets(handles...), Concurrency: 3})
	require.NoError(t, err)

	assert.Equal(t, report.StatusSuccess, summary.Status)
	require.Len(t, summary.Channels, 5)
	assert.Equal(t, 10, summary.Totals.Inserted)
}
