package recurrence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecurrenceCache_BasicOperations(t *testing.T) {
	cache := NewRecurrenceCache(CacheConfig{
		TTL:        5 * time.Minute,
		MaxEntries: 100,
	})
	defer cache.Close()

	upper := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	lower := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	// Cache miss first
	result, found := cache.Get("test", upper, &lower, false)
	assert.False(t, found)
	assert.Nil(t, result)

	list := newInstanceList()
	cache.Set("test", upper, &lower, false, list)

	result, found = cache.Get("test", upper, &lower, false)
	require.True(t, found)
	assert.Same(t, list, result)

	// every key component matters
	_, found = cache.Get("test", upper, nil, false)
	assert.False(t, found)
	_, found = cache.Get("test", upper, &lower, true)
	assert.False(t, found)
	_, found = cache.Get("other", upper, &lower, false)
	assert.False(t, found)
}

func TestRecurrenceCache_TTLExpiration(t *testing.T) {
	cache := NewRecurrenceCache(CacheConfig{
		TTL:        50 * time.Millisecond,
		MaxEntries: 10,
	})
	defer cache.Close()

	upper := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	cache.Set("ttl", upper, nil, false, newInstanceList())

	_, found := cache.Get("ttl", upper, nil, false)
	require.True(t, found)

	time.Sleep(150 * time.Millisecond)
	_, found = cache.Get("ttl", upper, nil, false)
	assert.False(t, found, "entry should have expired")
}

func TestRecurrenceCache_MaxEntries(t *testing.T) {
	cache := NewRecurrenceCache(CacheConfig{
		TTL:        time.Minute,
		MaxEntries: 5,
	})
	defer cache.Close()

	upper := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		cache.Set(fmt.Sprintf("key-%d", i), upper, nil, false, newInstanceList())
	}
	assert.Equal(t, 5, cache.Stats().Entries)

	_, found := cache.Get("key-19", upper, nil, false)
	assert.True(t, found, "most recent entry kept")
	_, found = cache.Get("key-0", upper, nil, false)
	assert.False(t, found, "oldest entry evicted")
}

func TestRecurrenceCache_ConcurrentAccess(t *testing.T) {
	cache := NewRecurrenceCache(DefaultCacheConfig)
	defer cache.Close()

	upper := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tag := fmt.Sprintf("g%d-%d", g, i%10)
				cache.Set(tag, upper, nil, false, newInstanceList())
				cache.Get(tag, upper, nil, false)
			}
		}(g)
	}
	wg.Wait()

	stats := cache.Stats()
	assert.Equal(t, 80, stats.Entries)
	assert.Equal(t, int64(800), stats.Hits+stats.Misses)
}
