package idp

import (
	"context"
	"maps"
	"sync"
	"time"
)

// StatusCache memoizes provider status for a fixed TTL. A failed fetch is not
// cached.
type StatusCache struct {
	source StatusSource
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	status    map[string]bool
	expiresAt time.Time
}

func NewStatusCache(source StatusSource, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StatusCache{source: source, ttl: ttl, now: time.Now}
}

// Get returns a copy of the cached status, fetching it when stale.
func (c *StatusCache) Get(ctx context.Context) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != nil && c.now().Before(c.expiresAt) {
		return maps.Clone(c.status), nil
	}

	status, err := c.source.ProviderStatus(ctx)
	if err != nil {
		return nil, err
	}
	c.status = maps.Clone(status)
	c.expiresAt = c.now().Add(c.ttl)
	return status, nil
}

// Invalidate forces the next Get to fetch.
func (c *StatusCache) Invalidate() {
	c.mu.Lock()
	c.status = nil
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
