package cpulimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeEnv struct {
	now    time.Time
	cpu    time.Duration
	slept  []time.Duration
	sample error
}

func (f *fakeEnv) options() []Option {
	return []Option{
		WithSampler(func() (time.Duration, error) { return f.cpu, f.sample }),
		WithClock(
			func() time.Time { return f.now },
			func(_ context.Context, d time.Duration) error {
				f.slept = append(f.slept, d)
				f.now = f.now.Add(d)
				return nil
			},
		),
		WithWindow(100 * time.Millisecond),
	}
}

func TestNewDisabledOutsideRange(t *testing.T) {
	t.Parallel()

	require.Nil(t, New(0))
	require.Nil(t, New(100))
	var th *Throttle
	require.NoError(t, th.Throttle(context.Background()))
}

func TestThrottleSleepsWhenOverBudget(t *testing.T) {
	t.Parallel()

	env := &fakeEnv{now: time.Unix(1000, 0)}
	th := New(50, env.options()...)
	ctx := context.Background()

	require.NoError(t, th.Throttle(ctx)) // first sample primes the window
	require.Empty(t, env.slept)

	// one second of wall time, a full second of CPU: 100% against a 50% budget
	env.now = env.now.Add(time.Second)
	env.cpu += time.Second
	require.NoError(t, th.Throttle(ctx))
	require.Equal(t, []time.Duration{time.Second}, env.slept)
}

func TestThrottleIdleWhenUnderBudget(t *testing.T) {
	t.Parallel()

	env := &fakeEnv{now: time.Unix(1000, 0)}
	th := New(50, env.options()...)
	ctx := context.Background()

	require.NoError(t, th.Throttle(ctx))
	env.now = env.now.Add(time.Second)
	env.cpu += 200 * time.Millisecond
	require.NoError(t, th.Throttle(ctx))

	env.now = env.now.Add(10 * time.Millisecond) // below the window
	env.cpu += time.Second
	require.NoError(t, th.Throttle(ctx))
	require.Empty(t, env.slept)
}

func TestThrottleOtherCallersWaitOutPause(t *testing.T) {
	t.Parallel()

	env := &fakeEnv{now: time.Unix(1000, 0)}
	th := New(50, env.options()...)
	require.NoError(t, th.Throttle(context.Background()))
	env.now = env.now.Add(time.Second)
	env.cpu += time.Second

	require.Equal(t, time.Second, th.delay())
	env.now = env.now.Add(400 * time.Millisecond)
	require.Equal(t, 600*time.Millisecond, th.delay())
}

func TestThrottleIgnoresSamplerErrors(t *testing.T) {
	t.Parallel()

	env := &fakeEnv{now: time.Unix(1000, 0), sample: errors.New("no rusage")}
	th := New(10, env.options()...)
	require.NoError(t, th.Throttle(context.Background()))
	env.now = env.now.Add(time.Second)
	require.NoError(t, th.Throttle(context.Background()))
	require.Empty(t, env.slept)
}

func TestProcessCPUTimeMonotonic(t *testing.T) {
	first, err := processCPUTime()
	if err != nil {
		t.Skipf("cpu time unavailable: %v", err)
	}
	busy := 0
	for i := range 2_000_000 {
		busy += i % 7
	}
	_ = busy
	second, err := processCPUTime()
	require.NoError(t, err)
	require.GreaterOrEqual(t, second, first)
}
