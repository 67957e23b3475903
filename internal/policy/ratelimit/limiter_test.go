package ratelimit

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitPacesPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// a different host has its own bucket
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterUnlimitedAndCanceled(t *testing.T) {
	t.Parallel()

	unlimited := New(Config{})
	for range 100 {
		require.NoError(t, unlimited.Wait(context.Background(), "https://example.com/"))
	}

	slow := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	require.NoError(t, slow.Wait(context.Background(), "https://example.com/"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, slow.Wait(ctx, "https://example.com/"))
}

func TestBandwidthReaderThrottles(t *testing.T) {
	t.Parallel()

	require.Nil(t, NewBandwidth(0))
	var nilBW *Bandwidth
	require.NoError(t, nilBW.WaitN(context.Background(), 10))

	bw := NewBandwidth(4 * 1024) // 4 KiB/s with a 4 KiB burst
	payload := bytes.Repeat([]byte("x"), 6*1024)

	start := time.Now()
	got, err := io.ReadAll(bw.Reader(context.Background(), bytes.NewReader(payload)))
	require.NoError(t, err)
	require.Len(t, got, len(payload))
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestBandwidthReaderCanceled(t *testing.T) {
	t.Parallel()

	bw := NewBandwidth(1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := io.ReadAll(bw.Reader(ctx, bytes.NewReader(bytes.Repeat([]byte("y"), 4096))))
	require.Error(t, err)
}
