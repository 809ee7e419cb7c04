package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalRateLimiter implements a token bucket per company. It is used when no
// Redis is configured, so limits are per process.
type LocalRateLimiter struct {
	capacity   int
	refillRate time.Duration
	mu         sync.Mutex
	buckets    map[uuid.UUID]*bucket
	now        func() time.Time
}

type bucket struct {
	tokens        int
	lastRefreshed time.Time
}

// NewLocalRateLimiter allows capacity requests per period per company.
func NewLocalRateLimiter(capacity int, period time.Duration) *LocalRateLimiter {
	return &LocalRateLimiter{
		capacity:   capacity,
		refillRate: period / time.Duration(capacity),
		buckets:    make(map[uuid.UUID]*bucket),
		now:        time.Now,
	}
}

// CheckRateLimit takes one token from the company's bucket.
func (r *LocalRateLimiter) CheckRateLimit(ctx context.Context, companyID uuid.UUID) (bool, *RateLimitInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[companyID]
	if !ok {
		b = &bucket{tokens: r.capacity, lastRefreshed: now}
		r.buckets[companyID] = b
	}

	if elapsed := now.Sub(b.lastRefreshed); elapsed >= r.refillRate {
		tokensToAdd := int(elapsed / r.refillRate)
		b.tokens = min(r.capacity, b.tokens+tokensToAdd)
		b.lastRefreshed = b.lastRefreshed.Add(time.Duration(tokensToAdd) * r.refillRate)
	}

	info := &RateLimitInfo{
		Limit:   int64(r.capacity),
		ResetAt: b.lastRefreshed.Add(r.refillRate).Unix(),
	}

	if b.tokens <= 0 {
		info.RetryAfter = retryAfter(b.lastRefreshed.Add(r.refillRate), now)
		return false, info, nil
	}

	b.tokens--
	info.Remaining = int64(b.tokens)
	return true, info, nil
}
