package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Constants for in-memory cache configuration
const (
	defaultCleanupInterval = 30 * time.Second
	// staleRetention is how long past freshness expiry an entry remains
	// servable as stale before the cleanup loop drops it
	staleRetention = 10 * time.Minute
)

// entry wraps a cached value with its freshness deadline
type entry struct {
	value     any
	expiresAt time.Time
}

func (e *entry) fresh(now time.Time) bool {
	return now.Before(e.expiresAt)
}

// MemoryStore implements Store with in-process storage, single-flight
// synchronous loads, and deduplicated background refreshes tracked per key.
type MemoryStore struct {
	entries sync.Map // map[string]*entry
	group   singleflight.Group
	logger  *zap.Logger

	refreshMu sync.Mutex
	refreshes map[string]struct{} // keys with an in-flight background refresh
	wg        sync.WaitGroup

	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopped         int32

	// Stats for monitoring
	hits   int64
	misses int64
}

// MemoryStoreOption is a functional option for configuring the store
type MemoryStoreOption func(*MemoryStore)

// WithLogger sets the logger for the store
func WithLogger(logger *zap.Logger) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// WithCleanupInterval overrides the expired-entry cleanup cadence
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a new in-memory cache store
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		logger:          zap.NewNop(),
		refreshes:       make(map[string]struct{}),
		cleanupInterval: defaultCleanupInterval,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

// Get retrieves a cached value; stale entries are only returned when
// allowStale is true
func (s *MemoryStore) Get(_ context.Context, key string, allowStale bool) (any, bool) {
	v, ok := s.entries.Load(key)
	if !ok {
		atomic.AddInt64(&s.misses, 1)
		return nil, false
	}
	e := v.(*entry)
	if e.fresh(time.Now()) || allowStale {
		atomic.AddInt64(&s.hits, 1)
		return e.value, true
	}
	atomic.AddInt64(&s.misses, 1)
	return nil, false
}

// Set stores a value with the given freshness TTL
func (s *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	s.entries.Store(key, &entry{value: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Delete invalidates an entry
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.entries.Delete(key)
	return nil
}

// GetOrLoad implements the stale-while-revalidate read path
func (s *MemoryStore) GetOrLoad(ctx context.Context, key string, ttl time.Duration, allowStale bool, loader Loader) (any, error) {
	now := time.Now()
	if v, ok := s.entries.Load(key); ok {
		e := v.(*entry)
		if e.fresh(now) {
			atomic.AddInt64(&s.hits, 1)
			return e.value, nil
		}
		if allowStale {
			// Serve the stale value immediately and revalidate in the
			// background, at most once per key.
			atomic.AddInt64(&s.hits, 1)
			s.scheduleRefresh(key, ttl, loader)
			return e.value, nil
		}
	}

	atomic.AddInt64(&s.misses, 1)
	// Synchronous load; concurrent misses for the same key share one call.
	value, err, _ := s.group.Do(key, func() (any, error) {
		if v, ok := s.entries.Load(key); ok {
			if e := v.(*entry); e.fresh(time.Now()) {
				return e.value, nil
			}
		}
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		s.entries.Store(key, &entry{value: value, expiresAt: time.Now().Add(ttl)})
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// scheduleRefresh starts a supervised background refresh for the key unless
// one is already in flight
func (s *MemoryStore) scheduleRefresh(key string, ttl time.Duration, loader Loader) {
	if atomic.LoadInt32(&s.stopped) == 1 {
		return
	}
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

		// Refreshes are owned by the store, not the triggering caller, so
		// they run on their own context.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		value, err := loader(ctx)
		if err != nil {
			// Keep the previous value; stale beats absent.
			s.logger.Warn("background cache refresh failed",
				zap.String("key", key),
				zap.Error(err))
			return
		}
		s.entries.Store(key, &entry{value: value, expiresAt: time.Now().Add(ttl)})
		s.logger.Debug("background cache refresh completed", zap.String("key", key))
	}()
}

// Stop joins the cleanup loop and all in-flight refreshes
func (s *MemoryStore) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}
	close(s.stopCh)

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

// Stats returns the hit and miss counters
func (s *MemoryStore) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&s.hits), atomic.LoadInt64(&s.misses)
}

// cleanupLoop drops entries that are past freshness expiry plus the stale
// retention window
func (s *MemoryStore) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-staleRetention)
			s.entries.Range(func(key, v any) bool {
				if e := v.(*entry); e.expiresAt.Before(cutoff) {
					s.entries.Delete(key)
				}
				return true
			})
		}
	}
}
