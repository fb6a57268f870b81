package authn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateWindow is the trailing window over which authentication attempts are
// counted
const rateWindow = time.Hour

// RateLimiter bounds authentication attempts per system over a trailing
// window. Token refreshes count as attempts.
type RateLimiter interface {
	// Allow records an attempt and reports whether it is within the limit
	Allow(ctx context.Context, systemID string) (bool, error)
}

// MemoryRateLimiter is the in-process sliding-window limiter
type MemoryRateLimiter struct {
	max int
	now func() time.Time

	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewMemoryRateLimiter creates a limiter permitting max attempts per
// trailing hour per system
func NewMemoryRateLimiter(max int) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		max:      max,
		now:      time.Now,
		attempts: make(map[string][]time.Time),
	}
}

// Allow implements RateLimiter
func (l *MemoryRateLimiter) Allow(_ context.Context, systemID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-rateWindow)
	kept := l.attempts[systemID][:0]
	for _, t := range l.attempts[systemID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.attempts[systemID] = kept
		return false, nil
	}
	l.attempts[systemID] = append(kept, now)
	return true, nil
}

// RedisRateLimiter is the distributed sliding-window limiter, used when
// several instances coordinate auth against the same systems
type RedisRateLimiter struct {
	client *redis.Client
	max    int
}

// NewRedisRateLimiter creates a Redis-backed limiter
func NewRedisRateLimiter(client *redis.Client, max int) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, max: max}
}

// Allow implements RateLimiter with a sorted-set sliding window
func (l *RedisRateLimiter) Allow(ctx context.Context, systemID string) (bool, error) {
	key := "integration:authrate:" + systemID
	now := time.Now()
	cutoff := now.Add(-rateWindow)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	if count.Val() >= int64(l.max) {
		return false, nil
	}

	pipe = l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, rateWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit record: %w", err)
	}
	return true, nil
}
