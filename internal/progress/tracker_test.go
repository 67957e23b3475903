package progress

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()

	clock := newClock()
	tr := NewTracker(crawler.KindPreload, clock)
	require.Equal(t, crawler.StatusIdle, tr.Snapshot().Status)

	tr.Begin("run-1", 2)
	tr.Update("run-1", crawler.Outcome{URL: "https://example.com/a/", Kind: crawler.OutcomeSuccess})
	tr.Update("run-1", crawler.Outcome{URL: "https://example.com/b/", Kind: crawler.OutcomeNotFound})
	tr.Update("run-1", crawler.Outcome{URL: "https://example.com/c/", Kind: crawler.OutcomeError, Err: errors.New("boom")})
	tr.Update("run-1", crawler.Outcome{URL: "https://example.com/d/", Kind: crawler.OutcomeSkipped})

	snap := tr.Snapshot()
	require.EqualValues(t, 3, snap.Checked)
	require.EqualValues(t, 2, snap.Errors)
	require.Equal(t, "https://example.com/c/", snap.LastURL)
	require.Equal(t, 3, snap.TotalEstimate, "total never falls below checked")

	clock.Advance(65 * time.Second)
	tr.Finish("run-1", crawler.StatusDone, "")
	snap = tr.Snapshot()
	require.Equal(t, crawler.StatusDone, snap.Status)
	require.InDelta(t, 65.0, snap.LastDurationSeconds, 0.001)
	require.Equal(t, clock.Now(), snap.LastFinishedAt)

	tr.Reset()
	snap = tr.Snapshot()
	require.Equal(t, crawler.StatusIdle, snap.Status)
	require.Zero(t, snap.Checked)
	require.InDelta(t, 65.0, snap.LastDurationSeconds, 0.001)
}

func TestTrackerIgnoresStaleRuns(t *testing.T) {
	t.Parallel()

	tr := NewTracker(crawler.KindPreload, newClock())
	tr.Begin("old", 10)
	tr.Finish("old", crawler.StatusIdle, "canceled")

	tr.Update("old", crawler.Outcome{URL: "u", Kind: crawler.OutcomeSuccess})
	require.Zero(t, tr.Snapshot().Checked, "no increments after cancellation")

	tr.Begin("new", 10)
	tr.Update("old", crawler.Outcome{URL: "u", Kind: crawler.OutcomeSuccess})
	tr.Discovered("old", 50)
	tr.Finish("old", crawler.StatusDone, "")
	snap := tr.Snapshot()
	require.Zero(t, snap.Checked)
	require.Equal(t, 10, snap.TotalEstimate)
	require.Equal(t, crawler.StatusRunning, snap.Status)
}

func TestTrackerDiscoveredRaisesTotal(t *testing.T) {
	t.Parallel()

	tr := NewTracker(crawler.KindPreload, newClock())
	tr.Begin("r", 5)
	tr.Discovered("r", 3)
	require.Equal(t, 5, tr.Snapshot().TotalEstimate)
	tr.Discovered("r", 9)
	require.Equal(t, 9, tr.Snapshot().TotalEstimate)
}

func TestTrackerFail(t *testing.T) {
	t.Parallel()

	tr := NewTracker(crawler.KindPreload, newClock())
	tr.Fail("r", "sitemap unreachable")
	snap := tr.Snapshot()
	require.Equal(t, crawler.StatusError, snap.Status)
	require.Equal(t, "sitemap unreachable", snap.Message)
}

func TestTrackerConcurrentUpdatesAreMonotonic(t *testing.T) {
	t.Parallel()

	tr := NewTracker(crawler.KindPreload, newClock())
	tr.Begin("r", 0)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan int64, 1)
	go func() {
		var last int64
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := tr.Snapshot()
			if snap.Checked < last || snap.Checked > int64(snap.TotalEstimate) {
				select {
				case violations <- snap.Checked:
				default:
				}
			}
			last = snap.Checked
		}
	}()
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tr.Update("r", crawler.Outcome{URL: "u", Kind: crawler.OutcomeSuccess})
			}
		}()
	}
	wg.Wait()
	close(stop)

	require.EqualValues(t, 800, tr.Snapshot().Checked)
	require.Empty(t, violations)
}

func TestPoll(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	running := RunState{
		Status:        crawler.StatusRunning,
		StartedAt:     start,
		Checked:       25,
		Errors:        1,
		TotalEstimate: 100,
		LastURL:       "https://example.com/x/",
	}
	resp := Poll(running, start.Add(65*time.Second))
	require.Equal(t, "running", resp.Status)
	require.Equal(t, "1m 5s", resp.Time)
	require.Equal(t, 25, resp.Percent)
	require.Equal(t, 100, resp.Total)
	require.Empty(t, resp.LastPreloadTime)

	done := running
	done.Status = crawler.StatusDone
	done.LastDurationSeconds = 12
	done.LastFinishedAt = start.Add(12 * time.Second)
	resp = Poll(done, start.Add(time.Hour))
	require.Equal(t, "done", resp.Status)
	require.Equal(t, 100, resp.Percent)
	require.Equal(t, "12s", resp.Time)
	require.Equal(t, "2026-03-01 10:00:12", resp.LastPreloadTime)

	failed := RunState{Status: crawler.StatusError, Message: "bad key format"}
	resp = Poll(failed, start)
	require.Equal(t, "idle", resp.Status)
	require.Equal(t, "bad key format", resp.Message)
	require.Equal(t, DefaultTotalFallback, resp.Total)
}

func TestPercentAndFormat(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, Percent(0, 10))
	require.Equal(t, 33, Percent(1, 3))
	require.Equal(t, 67, Percent(2, 3))
	require.Equal(t, 100, Percent(20, 10))
	require.Equal(t, 1, Percent(5, 0))

	require.Equal(t, "0s", FormatElapsed(0))
	require.Equal(t, "59s", FormatElapsed(59*time.Second))
	require.Equal(t, "1m 0s", FormatElapsed(time.Minute))
	require.Equal(t, "2h 1m 5s", FormatElapsed(2*time.Hour+65*time.Second))
}

func TestTrackerAddAppliesBatch(t *testing.T) {
	t.Parallel()

	tr := NewTracker(crawler.KindPurge, newClock())
	tr.Begin("p-1", 0)
	tr.Add("p-1", 8, 2, "/var/cache/nginx/a")
	tr.Add("other", 5, 5, "")
	tr.Add("p-1", -1, 0, "")

	s := tr.Snapshot()
	require.EqualValues(t, 8, s.Checked)
	require.EqualValues(t, 2, s.Errors)
	require.Equal(t, 8, s.TotalEstimate)
	require.Equal(t, "/var/cache/nginx/a", s.LastURL)
}
