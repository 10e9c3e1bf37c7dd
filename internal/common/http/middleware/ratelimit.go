package middleware

import (
	"context"
	"fmt"
	"time"

	"dataport/internal/common/cache"
	appErr "dataport/pkg/errors"
	"dataport/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const rateKeyPrefix = "export:rate:"

// RateLimiter enforces fixed-window limits using Redis counters.
type RateLimiter struct {
	counter cache.Counter
	timeout time.Duration
}

// NewRateLimiter creates a limiter; timeout bounds each Redis round trip.
func NewRateLimiter(counter cache.Counter, timeout time.Duration) *RateLimiter {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RateLimiter{counter: counter, timeout: timeout}
}

// Allow counts one hit on key and rejects it once the window holds more than max.
func (l *RateLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if l == nil || l.counter == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("rate limit cache is unavailable")
	}
	if max <= 0 || window <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	acquired, err := l.counter.SetNX(ctx, key, 1, window)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	count := int64(1)
	if !acquired {
		count, err = l.counter.Incr(ctx, key)
		if err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
		}
		// A key left without a TTL would block the caller forever.
		if ttl, ttlErr := l.counter.TTL(ctx, key); ttlErr == nil && ttl <= 0 {
			_ = l.counter.Expire(ctx, key, window)
		}
	}
	if count > int64(max) {
		return appErr.New(appErr.TooManyRequests).WithMessage(fmt.Sprintf("rate limit exceeded, retry in %s", window))
	}
	return nil
}

// RateLimitPolicy caps requests per client IP and per subject within Window.
// A zero max disables that dimension.
type RateLimitPolicy struct {
	Window     time.Duration `yaml:"window"`
	IPMax      int           `yaml:"ipMax"`
	SubjectMax int           `yaml:"subjectMax"`
}

// RateLimit throttles requests; mount it after SubjectAuth so the subject is known.
func RateLimit(limiter *RateLimiter, policy RateLimitPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		if policy.IPMax > 0 {
			if err := limiter.Allow(ctx, rateKeyPrefix+"ip:"+c.ClientIP(), policy.IPMax, policy.Window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}
		if subject := SubjectFromContext(c); policy.SubjectMax > 0 && subject != "" {
			if err := limiter.Allow(ctx, rateKeyPrefix+"subject:"+subject, policy.SubjectMax, policy.Window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}
		c.Next()
	}
}
