package ratelimit

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/nginx-cache-preloader/internal/metrics"
)

const maxChunk = 32 * 1024

// Bandwidth caps the aggregate byte rate of response bodies read by all
// workers of a run.
type Bandwidth struct {
	limiter *rate.Limiter
	chunk   int
}

// NewBandwidth returns a limiter for bytesPerSec, or nil when bytesPerSec is
// not positive. A nil *Bandwidth does not throttle.
func NewBandwidth(bytesPerSec int64) *Bandwidth {
	if bytesPerSec <= 0 {
		return nil
	}
	chunk := min(int(bytesPerSec), maxChunk)
	return &Bandwidth{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), chunk),
		chunk:   chunk,
	}
}

// WaitN blocks until n bytes may be consumed.
func (b *Bandwidth) WaitN(ctx context.Context, n int) error {
	if b == nil || n <= 0 {
		return nil
	}
	start := time.Now()
	for n > 0 {
		step := min(n, b.chunk)
		if err := b.limiter.WaitN(ctx, step); err != nil {
			return fmt.Errorf("bandwidth wait: %w", err)
		}
		n -= step
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay("bandwidth", waited)
	}
	return nil
}

// Reader wraps r so reads are throttled. ctx bounds the waits.
func (b *Bandwidth) Reader(ctx context.Context, r io.Reader) io.Reader {
	if b == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, bw: b}
}

type throttledReader struct {
	ctx context.Context
	r   io.Reader
	bw  *Bandwidth
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > t.bw.chunk {
		p = p[:t.bw.chunk]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		metrics.AddFetchedBytes(n)
		if waitErr := t.bw.WaitN(t.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
