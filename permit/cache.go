package permit

import (
	"time"

	"gopkg.in/typ.v4/sync2"
)

// cache is an expiring read cache of guild grant documents. Entries are
// invalidated eagerly by mutations and lazily by TTL; a periodic sweep
// bounds memory for guilds that stop being read.
type cache struct {
	m   sync2.Map[string, cacheEntry]
	ttl time.Duration

	// now is the clock. It is replaced in tests.
	now func() time.Time
}

type cacheEntry struct {
	g       *grants
	expires time.Time
}

func newCache(ttl time.Duration) *cache {
	return &cache{ttl: ttl, now: time.Now}
}

func (c *cache) get(guild string) *grants {
	e, ok := c.m.Load(guild)
	if !ok {
		return nil
	}
	if c.now().After(e.expires) {
		c.m.Delete(guild)
		return nil
	}
	return e.g
}

func (c *cache) put(guild string, g *grants) {
	c.m.Store(guild, cacheEntry{g: g, expires: c.now().Add(c.ttl)})
}

func (c *cache) invalidate(guild string) {
	c.m.Delete(guild)
}

func (c *cache) sweep() {
	now := c.now()
	c.m.Range(func(guild string, e cacheEntry) bool {
		if now.After(e.expires) {
			c.m.Delete(guild)
		}
		return true
	})
}
