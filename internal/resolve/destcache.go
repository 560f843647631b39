package resolve

import (
	"sync"
	"time"
)

// destEntry is one cached resolution and the instant it stops being
// trustworthy.
type destEntry struct {
	dest    Destination
	expires time.Time
}

// destCache remembers resolved destinations per server name so a burst of
// federation traffic to the same peer does not repeat the well-known
// fetch and SRV lookup on every request. Entries expire after the
// configured TTL so a remote delegation change is picked up within that
// window; stale entries are dropped lazily on read. The cache is bounded:
// at capacity, storing a new server name drops the entry closest to
// expiry.
type destCache struct {
	mu      sync.Mutex
	byName  map[string]destEntry
	ttl     time.Duration
	maxSize int
}

func newDestCache(ttl time.Duration, maxSize int) *destCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &destCache{
		byName:  make(map[string]destEntry, maxSize),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// get returns the cached destination for a server name, dropping and
// missing on an entry whose TTL has lapsed.
func (c *destCache) get(name string) (Destination, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byName[name]
	if !ok {
		return Destination{}, false
	}
	if time.Now().After(e.expires) {
		delete(c.byName, name)
		return Destination{}, false
	}
	return e.dest, true
}

// set records a freshly resolved destination. Re-resolving a name already
// present restarts its TTL without evicting anything; a new name arriving
// at capacity evicts the entry due to expire soonest.
func (c *destCache) set(name string, dest Destination) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[name]; !exists && len(c.byName) >= c.maxSize {
		var soonest string
		var soonestAt time.Time
		for n, e := range c.byName {
			if soonest == "" || e.expires.Before(soonestAt) {
				soonest = n
				soonestAt = e.expires
			}
		}
		delete(c.byName, soonest)
	}

	c.byName[name] = destEntry{dest: dest, expires: time.Now().Add(c.ttl)}
}

// len reports the number of entries, counting any not yet lazily expired.
func (c *destCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byName)
}
