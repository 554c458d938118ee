package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"printlapse/pkg/types"
)

// ResponseCache implements an in-memory cache for rendered API responses
type ResponseCache struct {
	cache   map[string]*types.CachedResponse
	mutex   sync.RWMutex
	ttl     time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	maxSize int
}

// New creates a new response cache with the specified TTL and max size
func New(ttl time.Duration, maxSize int) *ResponseCache {
	ctx, cancel := context.WithCancel(context.Background())
	cache := &ResponseCache{
		cache:   make(map[string]*types.CachedResponse),
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
		maxSize: maxSize,
	}

	go cache.cleanup()

	return cache
}

// Close gracefully stops the cache cleanup goroutine
func (c *ResponseCache) Close() {
	c.cancel()
}

// Get retrieves a response from the cache
func (c *ResponseCache) Get(key string) *types.CachedResponse {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	resp, exists := c.cache[key]
	if !exists {
		return nil
	}

	if time.Since(resp.CachedAt) > c.ttl {
		return nil
	}

	return resp
}

// Set stores a response in the cache
func (c *ResponseCache) Set(key string, resp *types.CachedResponse) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.cache[key]; !exists && len(c.cache) >= c.maxSize {
		c.evictOldest()
	}

	resp.Key = key
	resp.CachedAt = time.Now()
	c.cache[key] = resp
}

// InvalidateMatching drops every entry whose key satisfies the predicate and
// returns how many were dropped
func (c *ResponseCache) InvalidateMatching(match func(key string) bool) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := 0
	for key := range c.cache {
		if match(key) {
			delete(c.cache, key)
			removed++
		}
	}
	return removed
}

// evictOldest removes the oldest item from the cache
func (c *ResponseCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, resp := range c.cache {
		if oldestKey == "" || resp.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = resp.CachedAt
		}
	}

	if oldestKey != "" {
		delete(c.cache, oldestKey)
	}
}

// cleanup periodically removes expired items from the cache
func (c *ResponseCache) cleanup() {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *ResponseCache) removeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	for key, resp := range c.cache {
		if now.Sub(resp.CachedAt) > c.ttl {
			delete(c.cache, key)
		}
	}
}

// Size returns the current size of the cache
func (c *ResponseCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}

// Clear removes all items from the cache
func (c *ResponseCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache = make(map[string]*types.CachedResponse)
}

// KeySuffix builds a predicate matching keys ending in any of the suffixes
func KeySuffix(suffixes ...string) func(key string) bool {
	return func(key string) bool {
		for _, suffix := range suffixes {
			if strings.HasSuffix(key, suffix) {
				return true
			}
		}
		return false
	}
}

// FinishedViews matches cached listings that include finished timelapses
func FinishedViews() func(key string) bool {
	return KeySuffix("/timelapse:finished", "/timelapse:both")
}

// RenderedViews matches every listing touched by a finished render, which
// removes an unrendered entry and adds a finished one
func RenderedViews() func(key string) bool {
	return KeySuffix("/timelapse:both", "/timelapse:unrendered", "/timelapse:finished")
}
