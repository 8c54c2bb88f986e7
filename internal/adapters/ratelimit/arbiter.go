// Package ratelimit serializes access to the remote API quota and wraps
// remote repositories with quota-aware retry.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Debug(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
	Error(ctx context.Context, msg string, err error, fields map[string]interface{})
}

// Default arbiter settings.
const (
	DefaultThreshold     = 50
	DefaultMinBackoff    = 5 * time.Second
	DefaultMaxWait       = 15 * time.Minute
	DefaultWriteInterval = time.Second
	DefaultWriteBurst    = 1
)

// ErrWriteBudget is returned when the write limiter cannot grant a token.
var ErrWriteBudget = errors.New("write limiter cannot grant a token")

// ArbiterOptions configures an Arbiter. Zero values select the defaults.
type ArbiterOptions struct {
	// Threshold is the remaining quota below which callers wait for reset.
	Threshold int

	// MinBackoff is the shortest wait once the threshold is crossed.
	MinBackoff time.Duration

	// MaxWait bounds every quota wait.
	MaxWait time.Duration

	// WriteInterval spaces write calls. Negative disables pacing.
	WriteInterval time.Duration

	// WriteBurst is the number of writes allowed back to back.
	WriteBurst int
}

func (o ArbiterOptions) withDefaults() ArbiterOptions {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = DefaultMinBackoff
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.WriteInterval == 0 {
		o.WriteInterval = DefaultWriteInterval
	}
	if o.WriteBurst <= 0 {
		o.WriteBurst = DefaultWriteBurst
	}
	return o
}

// Arbiter is the single owner of the process-wide quota state. Every remote
// call acquires from it before it is issued. The mutex is held across the
// read-decide-wait sequence so two callers never spend the same quota.
type Arbiter struct {
	mu     sync.Mutex
	source domain.QuotaSource
	clock  domain.Clock
	logger Logger
	opts   ArbiterOptions
	state  domain.RateLimitState
	writes *rate.Limiter
}

// QuotaSourceFunc adapts a function to domain.QuotaSource. It lets a
// provider that reports to the Arbiter also serve as its quota source.
type QuotaSourceFunc func(ctx context.Context) (domain.RateLimitState, error)

// RateLimit implements domain.QuotaSource.
func (f QuotaSourceFunc) RateLimit(ctx context.Context) (domain.RateLimitState, error) {
	return f(ctx)
}

// NewArbiter creates an Arbiter. A nil source leaves the quota unknown
// until a response is observed.
func NewArbiter(source domain.QuotaSource, clock domain.Clock, log Logger, opts ArbiterOptions) *Arbiter {
	opts = opts.withDefaults()
	a := &Arbiter{
		source: source,
		clock:  clock,
		logger: log,
		opts:   opts,
	}
	if opts.WriteInterval > 0 {
		a.writes = rate.NewLimiter(rate.Every(opts.WriteInterval), opts.WriteBurst)
	}
	return a
}

// Acquire blocks until one call may be issued. Writes are additionally
// paced by the write limiter. The only errors are context errors and an
// exhausted write limiter.
func (a *Arbiter) Acquire(ctx context.Context, write bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.state.Known {
		a.refresh(ctx)
	}

	if a.state.Known && a.state.Remaining < a.opts.Threshold {
		if err := a.waitForReset(ctx); err != nil {
			return err
		}
	}

	if write && a.writes != nil {
		now := a.clock.Now()
		r := a.writes.ReserveN(now, 1)
		if !r.OK() {
			return ErrWriteBudget
		}
		if delay := r.DelayFrom(now); delay > 0 {
			if err := a.clock.Sleep(ctx, delay); err != nil {
				r.CancelAt(a.clock.Now())
				return fmt.Errorf("write pacing interrupted: %w", err)
			}
		}
	}

	if a.state.Known && a.state.Remaining > 0 {
		a.state.Remaining--
	}
	return nil
}

// Observe records the quota reported by a response.
func (a *Arbiter) Observe(state domain.RateLimitState) {
	if !state.Known {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
}

// MarkExhausted records a rate-limited response so the next Acquire waits
// until reset.
func (a *Arbiter) MarkExhausted(reset time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Remaining = 0
	a.state.Reset = reset
	a.state.Known = true
}

// State returns a copy of the current quota state.
func (a *Arbiter) State() domain.RateLimitState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// refresh fetches the quota. Failures leave the state unknown.
func (a *Arbiter) refresh(ctx context.Context) {
	if a.source == nil {
		return
	}
	state, err := a.source.RateLimit(ctx)
	if err != nil {
		a.logger.Debug(ctx, "could not fetch rate limit", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	a.state = state
	a.logger.Debug(ctx, "rate limit refreshed", map[string]interface{}{
		"remaining": state.Remaining,
		"limit":     state.Limit,
	})
}

// waitForReset sleeps until the later of the reset time and the minimum
// backoff, bounded by MaxWait.
func (a *Arbiter) waitForReset(ctx context.Context) error {
	now := a.clock.Now()
	until := a.state.Reset
	if earliest := now.Add(a.opts.MinBackoff); until.Before(earliest) {
		until = earliest
	}
	wait := until.Sub(now)
	capped := false
	if wait > a.opts.MaxWait {
		wait = a.opts.MaxWait
		capped = true
	}

	a.logger.Warn(ctx, "rate limit low, waiting for reset", map[string]interface{}{
		"remaining": a.state.Remaining,
		"threshold": a.opts.Threshold,
		"reset":     a.state.Reset.UTC().Format(time.RFC3339),
		"wait":      wait.String(),
		"capped":    capped,
	})

	if err := a.clock.Sleep(ctx, wait); err != nil {
		return fmt.Errorf("rate limit wait interrupted: %w", err)
	}

	a.state.Known = false
	a.refresh(ctx)
	if !a.state.Known || a.state.Remaining < a.opts.Threshold {
		// The quota could not be confirmed; proceed once and let the next
		// response report the real state.
		a.state = domain.RateLimitState{}
	}
	return nil
}
