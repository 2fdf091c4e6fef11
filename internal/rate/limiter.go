package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"swifttrack/internal/db"
)

// Limiter is a redis-backed token bucket keyed per submitting client.
type Limiter struct {
	redis  *db.RedisDB
	logger *zap.Logger
	rps    int
	burst  int
}

func NewLimiter(redis *db.RedisDB, logger *zap.Logger, rps, burst int) *Limiter {
	return &Limiter{redis: redis, logger: logger, rps: rps, burst: burst}
}

// Allow reports whether clientID may submit another order, and how long to
// wait when it may not. Redis failures fail open.
func (l *Limiter) Allow(ctx context.Context, clientID string) (bool, time.Duration, error) {
	key := "rate_limit:" + clientID
	now := time.Now()
	windowStart := now.Truncate(time.Second)

	currentTokens := l.burst
	lastRefill := windowStart

	val, err := l.redis.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		l.logger.Warn("rate limiter redis error, failing open", zap.Error(err))
		return true, 0, nil
	}
	if err == nil {
		var lastRefillUnix int64
		fmt.Sscanf(val, "%d:%d", &currentTokens, &lastRefillUnix)
		lastRefill = time.Unix(lastRefillUnix, 0)

		elapsed := windowStart.Sub(lastRefill)
		currentTokens += int(elapsed.Seconds()) * l.rps
		if currentTokens > l.burst {
			currentTokens = l.burst
		}
	}

	if currentTokens <= 0 {
		retryAfter := time.Second - time.Duration(now.Nanosecond())
		return false, retryAfter, nil
	}

	currentTokens--
	newValue := fmt.Sprintf("%d:%d", currentTokens, windowStart.Unix())
	if err := l.redis.Set(ctx, key, newValue, time.Minute).Err(); err != nil {
		l.logger.Warn("rate limiter redis write failed", zap.Error(err))
	}

	return true, 0, nil
}

// Reset clears a client's bucket (tests, admin tooling).
func (l *Limiter) Reset(ctx context.Context, clientID string) error {
	return l.redis.Del(ctx, "rate_limit:"+clientID).Err()
}
