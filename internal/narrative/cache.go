package narrative

import "sync"

// pendingSentinel claims a cache slot for an in-flight fetch so concurrent
// enrichment passes don't spawn duplicate requests for the same address.
const pendingSentinel = "__PENDING__"

// Cache is the process-wide address -> narrative text cache.
type Cache struct {
	mu sync.Mutex
	m  map[string]string
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{m: make(map[string]string)}
}

// Get returns the cached value for key, if any.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

// ClaimPending atomically inserts the pending sentinel for key if absent,
// returning true if this call claimed it (false if another caller already
// holds the slot, cached or pending).
func (c *Cache) ClaimPending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.m[key]; exists {
		return false
	}
	c.m[key] = pendingSentinel
	return true
}

// Set writes the final (possibly empty, meaning "known absent") narrative
// text for key.
func (c *Cache) Set(key, value string) {
	c.mu.Lock()
	c.m[key] = value
	c.mu.Unlock()
}

// Delete removes key, used to un-claim a pending slot after a failed fetch
// so a later enrichment pass may retry it.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}
