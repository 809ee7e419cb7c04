package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/crosslogic/billing-service/pkg/cache"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	// Limit is the maximum number of requests allowed per window
	Limit int64
	// Remaining is the number of requests remaining in the current window
	Remaining int64
	// ResetAt is the Unix timestamp when the window resets
	ResetAt int64
	// RetryAfter is the number of seconds to wait before retrying (only set when limited)
	RetryAfter int64
}

// UsageRateLimiter bounds how many usage calls a company can make.
type UsageRateLimiter interface {
	CheckRateLimit(ctx context.Context, companyID uuid.UUID) (bool, *RateLimitInfo, error)
}

// RateLimiter is a fixed per-minute window per company, shared through Redis
// so every replica sees the same counters.
type RateLimiter struct {
	cache  *cache.Cache
	limit  int64
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cache *cache.Cache, limitPerMinute int64, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		cache:  cache,
		limit:  limitPerMinute,
		logger: logger,
		now:    time.Now,
	}
}

// CheckRateLimit counts one request for companyID and reports whether it is allowed
func (rl *RateLimiter) CheckRateLimit(ctx context.Context, companyID uuid.UUID) (bool, *RateLimitInfo, error) {
	now := rl.now()
	resetAt := now.Truncate(time.Minute).Add(time.Minute)
	minuteKey := fmt.Sprintf("ratelimit:usage:%s:minute:%s", companyID.String(), now.UTC().Format("2006-01-02T15:04"))

	count, err := rl.cache.Incr(ctx, minuteKey)
	if err != nil {
		return false, nil, err
	}

	// Set expiration on first increment
	if count == 1 {
		if err := rl.cache.Expire(ctx, minuteKey, 65*time.Second); err != nil {
			rl.logger.Debug("failed to set rate limit expiry", zap.String("key", minuteKey), zap.Error(err))
		}
	}

	info := &RateLimitInfo{
		Limit:   rl.limit,
		ResetAt: resetAt.Unix(),
	}

	if count > rl.limit {
		info.RetryAfter = retryAfter(resetAt, now)
		rl.logger.Warn("company usage rate limit exceeded",
			zap.String("company_id", companyID.String()),
			zap.Int64("count", count),
		)
		return false, info, nil
	}

	info.Remaining = rl.limit - count
	return true, info, nil
}

func retryAfter(resetAt, now time.Time) int64 {
	secs := int64(resetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// GetRateLimitHeaders returns HTTP headers for rate limit information
func (info *RateLimitInfo) GetRateLimitHeaders() map[string]string {
	if info == nil {
		return nil
	}

	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(info.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(info.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(info.ResetAt, 10),
	}

	if info.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(info.RetryAfter, 10)
	}

	return headers
}

// checkUsageRateLimit applies the limiter and writes a 429 when the company is over it.
func (g *Gateway) checkUsageRateLimit(w http.ResponseWriter, r *http.Request, companyID uuid.UUID) bool {
	if g.rateLimiter == nil {
		return true
	}

	allowed, info, err := g.rateLimiter.CheckRateLimit(r.Context(), companyID)
	if err != nil {
		// Metering must not stop because Redis is down.
		g.logger.Error("rate limit check failed", zap.Error(err))
		return true
	}

	for k, v := range info.GetRateLimitHeaders() {
		w.Header().Set(k, v)
	}

	if !allowed {
		usageRateLimited.Inc()
		g.writeError(w, http.StatusTooManyRequests, "rate_limited", "usage rate limit exceeded")
		return false
	}
	return true
}
