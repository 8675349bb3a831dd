package providerbase

import (
	"sync"
	"time"

	"github.com/quotabar/quotabar/internal/core"
)

// DefaultProbeCooldown spaces out header probes, which cost one real
// (if tiny) completion request each.
const DefaultProbeCooldown = 5 * time.Minute

// ProbeCache remembers the last snapshot an expensive probe produced, per
// key, and serves it for the length of the cooldown.
type ProbeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]probeEntry
}

type probeEntry struct {
	snap core.UsageSnapshot
	at   time.Time
}

func NewProbeCache(ttl time.Duration, now func() time.Time) *ProbeCache {
	if ttl <= 0 {
		ttl = DefaultProbeCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &ProbeCache{ttl: ttl, now: now, entries: make(map[string]probeEntry)}
}

// Get returns the cached snapshot for key while it is inside the
// cooldown window.
func (c *ProbeCache) Get(key string) (core.UsageSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.at) >= c.ttl {
		return core.UsageSnapshot{}, false
	}
	return e.snap, true
}

func (c *ProbeCache) Put(key string, snap core.UsageSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = probeEntry{snap: snap, at: c.now()}
}
