// Package ratelimit paces outbound API requests with a token bucket.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Bucket is a mutex-guarded token bucket shared by every request the client
// issues, including retries. Capacity equals the fill rate by default so a
// full second of burst is the most the API ever sees at once. The mutex is
// deliberate: a future parallel depth sampler will fan requests through a
// single Bucket.
type Bucket struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewBucket creates a bucket filling at rps tokens per second with capacity
// max(1, floor(rps)).
func NewBucket(rps float64) *Bucket {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Acquire blocks until one token is available or ctx is done.
func (b *Bucket) Acquire(ctx context.Context) error {
	b.mu.Lock()
	limiter := b.limiter
	b.mu.Unlock()
	return limiter.Wait(ctx)
}

// SetRate replaces the fill rate, keeping the current burst.
func (b *Bucket) SetRate(rps float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limiter.SetLimit(rate.Limit(rps))
}

// Tokens reports the currently available tokens. Test hook.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter.Tokens()
}
