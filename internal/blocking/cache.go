package blocking

import (
	"sync"
	"time"

	"docgate/internal/blocking/domain"
)

// denyCache remembers IPs known to be blocked. It may only shorten a deny path: a miss always
// falls through to the store, and no allow decision is ever served from it.
type denyCache struct {
	mu      sync.Mutex
	entries map[string]domain.IPBlock
}

func newDenyCache() *denyCache {
	return &denyCache{entries: map[string]domain.IPBlock{}}
}

func (c *denyCache) get(ip string, now time.Time) (*domain.IPBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[ip]
	if !ok {
		return nil, false
	}
	if !b.ActiveAt(now) {
		delete(c.entries, ip)
		return nil, false
	}
	return &b, true
}

func (c *denyCache) put(b *domain.IPBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[b.IP] = *b
}

func (c *denyCache) drop(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ip)
}
