package llm

import "sync"

// CapabilityCache records whether a model honored native tool calling,
// keyed by (model, baseURL). Entries are write-once: concurrent requests
// may race to insert but the first write wins and later writes are ignored,
// so readers never see an entry change under them. The cache is created at
// process start, owned by whoever builds the engine, and injected; it is
// never ambient global state.
type CapabilityCache struct {
	mu      sync.RWMutex
	entries map[capKey]bool
}

type capKey struct {
	model   string
	baseURL string
}

func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{entries: make(map[capKey]bool)}
}

// Lookup returns (supportsNativeTools, found).
func (c *CapabilityCache) Lookup(model, baseURL string) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[capKey{model, baseURL}]
	return v, ok
}

// Record inserts the capability for a key if absent. Returns the value now
// stored, which may be an earlier writer's.
func (c *CapabilityCache) Record(model, baseURL string, supportsNativeTools bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := capKey{model, baseURL}
	if v, ok := c.entries[key]; ok {
		return v
	}
	c.entries[key] = supportsNativeTools
	return supportsNativeTools
}

// Clear drops all entries. Exposed for explicit lifecycle control.
func (c *CapabilityCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[capKey]bool)
}

// Len reports the number of cached keys.
func (c *CapabilityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
