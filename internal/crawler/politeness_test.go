package crawler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVisitSetMarkIfNew(t *testing.T) {
	t.Parallel()

	visits := NewVisitSet()
	require.True(t, visits.MarkIfNew("https://example.org/first"))
	require.False(t, visits.MarkIfNew("https://example.org/first"))
	require.True(t, visits.MarkIfNew("https://example.org/second"))
	require.False(t, visits.MarkIfNew(""))
	require.Equal(t, 2, visits.Len())
}

func TestVisitSetForget(t *testing.T) {
	t.Parallel()

	visits := NewVisitSet()
	require.True(t, visits.MarkIfNew("https://example.org/a"))
	visits.Forget("https://example.org/a")
	visits.Forget("https://example.org/never")
	require.Zero(t, visits.Len())
	require.True(t, visits.MarkIfNew("https://example.org/a"))
	require.Equal(t, 1, visits.Len())
}

func TestVisitSetConcurrentMarks(t *testing.T) {
	t.Parallel()

	visits := NewVisitSet()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if visits.MarkIfNew("https://example.org/") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, 1, visits.Len())
}

func TestInFlightWaitReleasesOnDone(t *testing.T) {
	t.Parallel()

	reg := NewInFlight()
	release := reg.Begin("https://example.org/a")
	require.True(t, reg.Active("https://example.org/a"))
	require.Equal(t, 1, reg.Len())

	waited := make(chan error, 1)
	go func() {
		waited <- reg.Wait(context.Background(), "https://example.org/a")
	}()

	select {
	case <-waited:
		t.Fatal("wait returned while url still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	release() // second call is a no-op
	require.NoError(t, <-waited)
	require.False(t, reg.Active("https://example.org/a"))
}

func TestInFlightWaitHonoursContext(t *testing.T) {
	t.Parallel()

	reg := NewInFlight()
	defer reg.Begin("https://example.org/b")()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, reg.Wait(ctx, "https://example.org/b"), context.DeadlineExceeded)
	require.NoError(t, reg.Wait(context.Background(), "https://example.org/idle"))
}

func TestInFlightRefCounts(t *testing.T) {
	t.Parallel()

	reg := NewInFlight()
	first := reg.Begin("u")
	second := reg.Begin("u")
	first()
	require.True(t, reg.Active("u"))
	second()
	require.False(t, reg.Active("u"))
}
