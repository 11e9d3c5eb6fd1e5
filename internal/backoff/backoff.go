// Package backoff tracks cooldown state for the Telegram API and computes
// wait durations for the per-channel fetch loops.
//
// Two distinct mechanisms live here. Cooldowns quoted by the API
// (FLOOD_WAIT_N) are honored verbatim: the controller never shortens them
// and never invents its own duration for them. Unquoted transient failures
// (timeouts, resets) get exponential backoff starting at Base and doubling
// up to Ceiling, with a retry budget after which the caller escalates the
// failure to permanent for that attempt.
//
// One controller is shared by every channel scraper on the same account: a
// cooldown signaled by one channel's request applies to the whole session.
package backoff

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State is the controller's current mode.
type State string

const (
	// StateNormal means no cooldown or escalation is active.
	StateNormal State = "NORMAL"
	// StateCoolingDown means an API-quoted cooldown has not yet expired.
	StateCoolingDown State = "COOLING_DOWN"
	// StateEscalated means consecutive transient failures exhausted the
	// retry budget since the last success.
	StateEscalated State = "ESCALATED"
)

// Config holds controller tuning.
type Config struct {
	// RPS and Burst feed the courtesy pacing limiter. Conservative values
	// keep multiple channels on one account inside its rate budget.
	RPS   float64
	Burst int

	// Base is the first transient-failure delay, doubled per consecutive
	// failure up to Ceiling.
	Base    time.Duration
	Ceiling time.Duration

	// MaxRetries is the consecutive transient failure budget.
	MaxRetries int
}

// DefaultConfig returns conservative settings for a single shared account.
func DefaultConfig() Config {
	return Config{
		RPS:        2.0,
		Burst:      1,
		Base:       2 * time.Second,
		Ceiling:    64 * time.Second,
		MaxRetries: 5,
	}
}

// Controller is safe for concurrent use by multiple channel scrapers.
type Controller struct {
	limiter *rate.Limiter
	cfg     Config

	mu            sync.Mutex
	coolDownUntil time.Time
	failures      int
	nextDelay     time.Duration

	// injectable clock for deterministic tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a controller with the given config.
func New(cfg Config) *Controller {
	if cfg.RPS <= 0 {
		cfg.RPS = DefaultConfig().RPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Base <= 0 {
		cfg.Base = DefaultConfig().Base
	}
	if cfg.Ceiling < cfg.Base {
		cfg.Ceiling = cfg.Base
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Controller{
		limiter:   rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cfg:       cfg,
		nextDelay: cfg.Base,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetClock overrides the time source and sleeper. Tests use this to simulate
// cooldowns without real time passing.
func (c *Controller) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.sleep = sleep
}

// State returns the controller's current mode.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Before(c.coolDownUntil) {
		return StateCoolingDown
	}
	if c.failures >= c.cfg.MaxRetries {
		return StateEscalated
	}
	return StateNormal
}

// Wait blocks until any active cooldown has expired, then defers to the
// pacing limiter. Returns early with the context error on cancellation.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	until := c.coolDownUntil
	now := c.now()
	sleep := c.sleep
	c.mu.Unlock()

	if now.Before(until) {
		if err := sleep(ctx, until.Sub(now)); err != nil {
			return err
		}
	}
	return c.limiter.Wait(ctx)
}

// RecordCooldown records an API-quoted cooldown. An already-active longer
// cooldown is kept; a quoted duration is never shortened.
func (c *Controller) RecordCooldown(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until := c.now().Add(d)
	if until.After(c.coolDownUntil) {
		c.coolDownUntil = until
	}
}

// RecordFailure registers an unspecified transient failure and returns the
// delay to wait before the retry, plus whether the retry budget still has
// room. Consecutive delays are monotone non-decreasing, capped at Ceiling.
func (c *Controller) RecordFailure() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	if c.failures > c.cfg.MaxRetries {
		return 0, false
	}

	d := c.nextDelay
	c.nextDelay *= 2
	if c.nextDelay > c.cfg.Ceiling {
		c.nextDelay = c.cfg.Ceiling
	}
	return d, true
}

// RecordSuccess resets escalation state after a successful request.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.nextDelay = c.cfg.Base
}

// Sleep waits for d or until ctx is done, using the injected sleeper.
func (c *Controller) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	sleep := c.sleep
	c.mu.Unlock()
	return sleep(ctx, d)
}
