// Package cpulimit throttles preload workers cooperatively so the process stays
// near a configured share of one CPU core. Workers call Throttle between units
// of work; when the process used more CPU than allowed since the last sample,
// every caller sleeps until the average falls back under the limit.
package cpulimit

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/nginx-cache-preloader/internal/metrics"
)

const defaultWindow = 250 * time.Millisecond

// Sampler returns the cumulative CPU time consumed by the process.
type Sampler func() (time.Duration, error)

// Option customizes a Throttle.
type Option func(*Throttle)

// WithSampler overrides the CPU time source.
func WithSampler(s Sampler) Option {
	return func(t *Throttle) { t.sample = s }
}

// WithClock overrides the wall clock and sleep function.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(t *Throttle) {
		t.now = now
		t.sleep = sleep
	}
}

// WithWindow sets the minimum wall time between samples.
func WithWindow(d time.Duration) Option {
	return func(t *Throttle) { t.window = d }
}

// Throttle implements crawler.Throttle.
type Throttle struct {
	limit  float64
	window time.Duration
	sample Sampler
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	mu          sync.Mutex
	lastWall    time.Time
	lastCPU     time.Duration
	pausedUntil time.Time
}

// New returns a Throttle holding the process to percent of one core. It
// returns nil, which never throttles, when percent is outside 1-99.
func New(percent int, opts ...Option) *Throttle {
	if percent <= 0 || percent >= 100 {
		return nil
	}
	t := &Throttle{
		limit:  float64(percent) / 100,
		window: defaultWindow,
		sample: processCPUTime,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Throttle sleeps when the process is above its CPU budget.
func (t *Throttle) Throttle(ctx context.Context) error {
	if t == nil {
		return nil
	}
	d := t.delay()
	if d <= 0 {
		return ctx.Err()
	}
	metrics.ObserveThrottleSleep(d)
	return t.sleep(ctx, d)
}

func (t *Throttle) delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.Before(t.pausedUntil) {
		return t.pausedUntil.Sub(now)
	}
	cpu, err := t.sample()
	if err != nil {
		return 0
	}
	if t.lastWall.IsZero() {
		t.lastWall, t.lastCPU = now, cpu
		return 0
	}
	wall := now.Sub(t.lastWall)
	if wall < t.window {
		return 0
	}
	used := cpu - t.lastCPU
	t.lastWall, t.lastCPU = now, cpu

	// Sleeping s makes used/(wall+s) equal the limit.
	sleep := time.Duration(float64(used)/t.limit) - wall
	if sleep <= 0 {
		return 0
	}
	t.pausedUntil = now.Add(sleep)
	t.lastWall = t.pausedUntil
	return sleep
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
