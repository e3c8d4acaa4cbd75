package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisLimiterPrefix  = "dumcel:ratelimit:"
	redisLimiterTimeout = 250 * time.Millisecond
)

// sharedLimiter keeps window counters in Redis so every API replica
// draws from one budget. Errors let the request through.
type sharedLimiter struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRedisRateLimiter dials Redis and returns a limiter backed by it.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &sharedLimiter{rdb: rdb, log: logger}, nil
}

func (s *sharedLimiter) Take(ctx context.Context, key string, limit int, window time.Duration) Quota {
	if limit <= 0 || window <= 0 {
		return unlimited()
	}
	bucket, reset := bucketBounds(time.Now(), window)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisLimiterTimeout)
	defer cancel()

	redisKey := fmt.Sprintf("%s%s:%d", redisLimiterPrefix, key, bucket)
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.ExpireAt(ctx, redisKey, reset.Add(time.Second))
		return nil
	})
	if err != nil {
		if s.log != nil {
			s.log.Warn("rate limiter redis unavailable", "key", key, "error", err)
		}
		return unlimited()
	}
	return quotaFor(incr.Val(), limit, reset)
}

func (s *sharedLimiter) Close() {
	_ = s.rdb.Close()
}
