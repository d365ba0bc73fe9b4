// Package ratelimit provides the provider-wide request throttle and the
// retrying HTTP client used by all fetchers.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// BucketOptions tune the token bucket.
type BucketOptions struct {
	// Spacing is the steady-state minimum interval between calls.
	Spacing time.Duration
	// Burst is the number of calls allowed to pass without waiting.
	Burst int
}

// Bucket is a token bucket shared by every caller targeting one provider.
// Tokens refill at one per Spacing up to Burst. All state is guarded by a
// single mutex.
type Bucket struct {
	spacing time.Duration
	burst   int

	mu     sync.Mutex
	tokens float64
	last   time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBucket constructs a Bucket. Spacing must be positive; Burst below one
// is raised to one.
func NewBucket(opts BucketOptions) *Bucket {
	spacing := opts.Spacing
	if spacing <= 0 {
		spacing = time.Second
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	b := &Bucket{
		spacing: spacing,
		burst:   burst,
		tokens:  float64(burst),
		now:     time.Now,
		sleep:   sleepContext,
	}
	b.last = b.now()
	return b
}

// Wait blocks until a token is available or ctx is done. Calls are never
// dropped; excess callers queue behind the refill schedule.
func (b *Bucket) Wait(ctx context.Context) error {
	delay := b.reserve()
	if delay <= 0 {
		return nil
	}
	return b.sleep(ctx, delay)
}

// reserve takes one token, going negative if none is available, and returns
// how long the caller must wait for the token it just claimed.
func (b *Bucket) reserve() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.last)
	if elapsed > 0 {
		b.tokens += float64(elapsed) / float64(b.spacing)
		if b.tokens > float64(b.burst) {
			b.tokens = float64(b.burst)
		}
		b.last = now
	}

	b.tokens--
	if b.tokens >= 0 {
		return 0
	}
	return time.Duration(-b.tokens * float64(b.spacing))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
