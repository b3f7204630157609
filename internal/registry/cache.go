package registry

import (
	"sync"
	"time"
)

// credCache is the process-local TTL cache in front of the credential read.
// Keys are tenant ids; invalidation is mandatory on any credential mutation.
type credCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]credEntry
}

type credEntry struct {
	creds   *Credentials
	expires time.Time
}

func newCredCache(ttl time.Duration) *credCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &credCache{
		ttl:     ttl,
		entries: make(map[string]credEntry),
	}
}

func (c *credCache) get(tenantID string) (*Credentials, bool) {
	c.mu.RLock()
	entry, ok := c.entries[tenantID]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.creds, true
}

func (c *credCache) put(tenantID string, creds *Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tenantID] = credEntry{creds: creds, expires: time.Now().Add(c.ttl)}
}

func (c *credCache) invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}
