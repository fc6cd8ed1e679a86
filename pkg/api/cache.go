package api

import (
	"sync"
	"time"
)

// predictionCache memoizes predict responses for a short TTL so bursts of
// identical requests do not re-run inference.
type predictionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	response predictResponse
	expires  time.Time
}

func newPredictionCache(ttl time.Duration) *predictionCache {
	return &predictionCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *predictionCache) get(key string) (predictResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return predictResponse{}, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return predictResponse{}, false
	}
	return entry.response, true
}

func (c *predictionCache) put(key string, resp predictResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Expired entries pile up only until the next put touches them.
	now := time.Now()
	for k, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{response: resp, expires: now.Add(c.ttl)}
}

// invalidate drops every cached response. Called when a new model version
// is activated.
func (c *predictionCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
