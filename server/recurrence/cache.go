package recurrence

import (
	"crypto/sha256"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// RecurrenceCache memoizes expansion results
type RecurrenceCache struct {
	lru    *expirable.LRU[string, *InstanceList]
	hits   atomic.Int64
	misses atomic.Int64
}

// CacheConfig holds configuration for the recurrence cache
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`         // How long entries stay valid
	MaxEntries int           `yaml:"max_entries"` // Maximum number of entries kept
}

// DefaultCacheConfig provides sensible defaults for recurrence caching
var DefaultCacheConfig = CacheConfig{
	TTL:        15 * time.Minute, // Cache results for 15 minutes
	MaxEntries: 1000,             // Keep up to 1000 cached results
}

// NewRecurrenceCache creates a new recurrence cache with the given configuration
func NewRecurrenceCache(config CacheConfig) *RecurrenceCache {
	size := config.MaxEntries
	if size <= 0 {
		size = DefaultCacheConfig.MaxEntries
	}
	return &RecurrenceCache{
		lru: expirable.NewLRU[string, *InstanceList](size, nil, config.TTL),
	}
}

// generateCacheKey creates a unique key for the cache based on input parameters
func (c *RecurrenceCache) generateCacheKey(tag string, upper time.Time, lower *time.Time, ignoreInvalid bool) string {
	hasher := sha256.New()
	hasher.Write([]byte(tag))
	hasher.Write([]byte(upper.UTC().Format(time.RFC3339Nano)))
	if lower != nil {
		hasher.Write([]byte(lower.UTC().Format(time.RFC3339Nano)))
	}
	fmt.Fprintf(hasher, "|%t", ignoreInvalid)
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// Get retrieves a cached expansion. The returned list must not be modified.
func (c *RecurrenceCache) Get(tag string, upper time.Time, lower *time.Time, ignoreInvalid bool) (*InstanceList, bool) {
	list, ok := c.lru.Get(c.generateCacheKey(tag, upper, lower, ignoreInvalid))
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return list, ok
}

// Set stores an expansion result
func (c *RecurrenceCache) Set(tag string, upper time.Time, lower *time.Time, ignoreInvalid bool, list *InstanceList) {
	c.lru.Add(c.generateCacheKey(tag, upper, lower, ignoreInvalid), list)
}

// Close clears the cache
func (c *RecurrenceCache) Close() {
	c.lru.Purge()
}

// Stats returns cache statistics
func (c *RecurrenceCache) Stats() CacheStats {
	return CacheStats{
		Entries: c.lru.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// CacheStats provides information about cache performance
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
}
