package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

func TestQueueFIFOAndDrain(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, crawler.WorkItem{URL: "a"}))
	require.NoError(t, q.Enqueue(ctx, crawler.WorkItem{URL: "b"}))
	require.Equal(t, 2, q.Len())

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", first.URL)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", second.URL)

	q.Done(first)
	q.Done(second)
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrDrained)
}

func TestQueueWaitsForClaimedItems(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, crawler.WorkItem{URL: "parent"}))
	parent, err := q.Dequeue(ctx)
	require.NoError(t, err)

	got := make(chan crawler.WorkItem, 1)
	errs := make(chan error, 1)
	go func() {
		item, err := q.Dequeue(ctx)
		if err != nil {
			errs <- err
			return
		}
		got <- item
	}()

	select {
	case err := <-errs:
		t.Fatalf("dequeue returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue(ctx, crawler.WorkItem{URL: "child", Depth: 1, DiscoveredFrom: "parent"}))
	q.Done(parent)

	select {
	case item := <-got:
		require.Equal(t, "child", item.URL)
		q.Done(item)
	case err := <-errs:
		t.Fatalf("unexpected error %v", err)
	case <-time.After(time.Second):
		t.Fatal("child never dequeued")
	}
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrDrained)
}

func TestQueueCloseAndLimits(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, crawler.WorkItem{URL: "a"}))
	require.ErrorIs(t, q.Enqueue(ctx, crawler.WorkItem{URL: "b"}), ErrFull)

	q.Close()
	q.Close()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.Enqueue(ctx, crawler.WorkItem{URL: "c"}), ErrClosed)
}

func TestQueueCancelation(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	require.NoError(t, q.Enqueue(context.Background(), crawler.WorkItem{URL: "claimed"}))
	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Error(t, q.Enqueue(ctx, crawler.WorkItem{URL: "late"}))
}
