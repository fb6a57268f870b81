package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RedisStore implements Store backed by Redis for multi-instance
// deployments. Freshness is tracked inside the stored payload; the physical
// Redis TTL includes the stale retention window so stale reads remain
// possible until cleanup.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger

	group     singleflight.Group
	refreshMu sync.Mutex
	refreshes map[string]struct{}
	wg        sync.WaitGroup
}

// redisEntry is the stored payload with its freshness deadline
type redisEntry struct {
	Value     any       `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewRedisStore creates a Redis-backed cache store using an existing client
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    client,
		keyPrefix: "integration:cache:",
		logger:    logger,
		refreshes: make(map[string]struct{}),
	}
}

func (s *RedisStore) key(key string) string {
	return s.keyPrefix + key
}

// Get retrieves a cached value; stale entries are only returned when
// allowStale is true
func (s *RedisStore) Get(ctx context.Context, key string, allowStale bool) (any, bool) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}
	if time.Now().Before(e.ExpiresAt) || allowStale {
		return e.Value, true
	}
	return nil, false
}

// Set stores a value with the given freshness TTL
func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(redisEntry{Value: value, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return s.client.Set(ctx, s.key(key), raw, ttl+staleRetention).Err()
}

// Delete invalidates an entry
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// GetOrLoad implements the stale-while-revalidate read path. The in-flight
// refresh registry is per process; concurrent refreshes from different
// instances are bounded by each instance's registry.
func (s *RedisStore) GetOrLoad(ctx context.Context, key string, ttl time.Duration, allowStale bool, loader Loader) (any, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == nil {
		var e redisEntry
		if err := json.Unmarshal(raw, &e); err == nil {
			if time.Now().Before(e.ExpiresAt) {
				return e.Value, nil
			}
			if allowStale {
				s.scheduleRefresh(key, ttl, loader)
				return e.Value, nil
			}
		}
	}

	value, err, _ := s.group.Do(key, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Set(ctx, key, value, ttl); err != nil {
			s.logger.Warn("failed to store cache entry", zap.String("key", key), zap.Error(err))
		}
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *RedisStore) scheduleRefresh(key string, ttl time.Duration, loader Loader) {
	s.refreshMu.Lock()
	if _, inflight := s.refreshes[key]; inflight {
		s.refreshMu.Unlock()
		return
	}
	s.refreshes[key] = struct{}{}
	s.refreshMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.refreshMu.Lock()
			delete(s.refreshes, key)
			s.refreshMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		value, err := loader(ctx)
		if err != nil {
			s.logger.Warn("background cache refresh failed",
				zap.String("key", key),
				zap.Error(err))
			return
		}
		if err := s.Set(ctx, key, value, ttl); err != nil {
			s.logger.Warn("failed to store refreshed entry", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Stop joins all in-flight background refreshes
func (s *RedisStore) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
