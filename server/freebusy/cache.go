package freebusy

import (
	"math/rand/v2"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cyp0633/caldora/server/index"
	"github.com/cyp0633/caldora/server/period"
)

// CacheEntry holds the index rows found for one calendar and user over
// TimeRange. It is valid while the calendar's sync token equals Token.
type CacheEntry struct {
	Key       string        `json:"key"`
	Token     string        `json:"token"`
	TimeRange period.Period `json:"time_range"`
	Rows      []index.Row   `json:"rows"`
}

// covers reports whether the entry can answer a request for tr, keeping
// margin clear at both ends of the cached range.
func (e *CacheEntry) covers(tr period.Period, margin time.Duration) bool {
	return !tr.Start.Before(e.TimeRange.Start.Add(margin)) && !tr.End.After(e.TimeRange.End.Add(-margin))
}

// Cache stores free-busy index results. Implementations are best effort:
// failures behave as misses.
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Set(entry *CacheEntry)
	Invalidate(key string)
}

// jittered returns ttl plus a random extra of up to jitter, so entries
// written together do not all expire together.
func jittered(ttl, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return ttl
	}
	return ttl + rand.N(jitter)
}

type memoryEntry struct {
	entry   *CacheEntry
	expires time.Time
}

// MemoryCache is an in-process LRU cache with a per-entry jittered TTL.
type MemoryCache struct {
	lru    *expirable.LRU[string, memoryEntry]
	ttl    time.Duration
	jitter time.Duration
	now    func() time.Time
}

// NewMemoryCache creates a cache holding up to size entries.
func NewMemoryCache(size int, ttl, jitter time.Duration) *MemoryCache {
	return &MemoryCache{
		lru:    expirable.NewLRU[string, memoryEntry](size, nil, ttl+jitter),
		ttl:    ttl,
		jitter: jitter,
		now:    time.Now,
	}
}

func (c *MemoryCache) Get(key string) (*CacheEntry, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !c.now().Before(v.expires) {
		c.lru.Remove(key)
		return nil, false
	}
	return v.entry, true
}

func (c *MemoryCache) Set(entry *CacheEntry) {
	c.lru.Add(entry.Key, memoryEntry{entry: entry, expires: c.now().Add(jittered(c.ttl, c.jitter))})
}

func (c *MemoryCache) Invalidate(key string) {
	c.lru.Remove(key)
}

// Len is the number of entries held, expired ones included until evicted.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
