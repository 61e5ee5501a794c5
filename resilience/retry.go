package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/itsneelabh/callrelay/core"
)

// Backoff decides whether a failed call is re-dispatched and how long to wait
// first. It keeps no per-call state; attempt counts live in core.RetryState.
type Backoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64
	Budgets      map[core.ErrorKind]int

	random func() float64
}

// DefaultBackoff returns a controller with the default budgets and delays:
// 1s initial, x2 per attempt, capped at 10s, +/-10% jitter.
func DefaultBackoff() *Backoff {
	return NewBackoff(core.DefaultConfig().Retry)
}

// NewBackoff creates a controller from the retry section of Config.
// Kinds missing from cfg.Budgets fall back to the default budgets.
func NewBackoff(cfg core.RetryConfig) *Backoff {
	budgets := core.DefaultRetryBudgets()
	for kind, n := range cfg.Budgets {
		budgets[kind] = n
	}
	return &Backoff{
		InitialDelay: cfg.InitialDelay,
		Multiplier:   cfg.Multiplier,
		MaxDelay:     cfg.MaxDelay,
		Jitter:       cfg.Jitter,
		Budgets:      budgets,
		random:       rand.Float64,
	}
}

// SetRandomSource replaces the uniform [0,1) source used for jitter.
func (b *Backoff) SetRandomSource(fn func() float64) {
	if fn == nil {
		fn = rand.Float64
	}
	b.random = fn
}

// Budget returns the maximum number of retries for kind.
func (b *Backoff) Budget(kind core.ErrorKind) int {
	if kind.Terminal() {
		return 0
	}
	if n, ok := b.Budgets[kind]; ok {
		return n
	}
	return b.Budgets[core.KindUnknown]
}

// ShouldRetry reports whether another attempt is allowed after attempt
// attempts (1-based) have failed with kind.
func (b *Backoff) ShouldRetry(kind core.ErrorKind, attempt int) bool {
	return attempt <= b.Budget(kind)
}

// DelayFor returns the wait before retry number attempt (0-based):
// min(MaxDelay, InitialDelay * Multiplier^attempt * U[1-Jitter, 1+Jitter]).
func (b *Backoff) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt))
	if b.Jitter > 0 {
		base *= 1 - b.Jitter + 2*b.Jitter*b.random()
	}
	if math.IsInf(base, 0) || math.IsNaN(base) || base > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(base)
}

// DelayWithHint is DelayFor raised to a server supplied Retry-After hint,
// still capped at MaxDelay.
func (b *Backoff) DelayWithHint(attempt int, hint time.Duration) time.Duration {
	d := b.DelayFor(attempt)
	if hint > d {
		d = hint
	}
	if d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// Wait sleeps for d or until ctx is done, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
