package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/sync/singleflight"
)

// Manager is the TTL cache shared by the feed, route and alert layers.
// Lookups for the same key collapse into a single in-flight computation;
// unrelated keys never wait on each other.
type Manager struct {
	entries gcache.Cache
	flights singleflight.Group
}

func NewManager(size int) *Manager {
	return &Manager{
		entries: gcache.New(size).LRU().Build(),
	}
}

// GetOrCompute returns the value cached under key, or runs compute once
// and caches its result for ttl. Concurrent callers for the same key share
// the in-flight computation and its error. Errors are never cached.
// The computation runs on a context detached from ctx, so a caller that
// abandons its request does not cancel work other callers are waiting on.
func GetOrCompute[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var zero T

	if v, err := m.entries.Get(key); err == nil {
		if cached, ok := v.(T); ok {
			return cached, nil
		}
	}

	v, err, _ := m.flights.Do(key, func() (interface{}, error) {
		if v, err := m.entries.Get(key); err == nil {
			return v, nil
		}
		val, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		_ = m.entries.SetWithExpire(key, val, ttl)
		return val, nil
	})
	if err != nil {
		return zero, err
	}

	cached, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache entry %q holds %T, not the requested type", key, v)
	}
	return cached, nil
}

// Clear flushes every cached entry. In-flight computations are not
// interrupted; they repopulate the cache when they finish.
func (m *Manager) Clear() {
	m.entries.Purge()
}
