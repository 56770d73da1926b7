package freebusy

import "time"

// Config controls the free-busy cache and result limits.
type Config struct {
	CacheEnabled bool `yaml:"cache_enabled"`
	// The cached window is [today-CacheDaysBack, today+CacheDaysForward].
	CacheDaysBack    int `yaml:"cache_days_back"`
	CacheDaysForward int `yaml:"cache_days_forward"`
	// Safety margin, in days, kept inside a cached window before it is
	// trusted for a request. Floating times can sit up to a day away from
	// their UTC rendering.
	FloatingAdjustDays int `yaml:"floating_adjust_days"`
	// MaxResults caps the number of matching resources. Zero disables it.
	MaxResults  int           `yaml:"max_results"`
	CacheSize   int           `yaml:"cache_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CacheJitter time.Duration `yaml:"cache_jitter"`
}

// DefaultConfig is used for zero fields
var DefaultConfig = Config{
	CacheEnabled:       true,
	CacheDaysBack:      7,
	CacheDaysForward:   84,
	FloatingAdjustDays: 1,
	MaxResults:         1000,
	CacheSize:          512,
	CacheTTL:           time.Hour,
	CacheJitter:        5 * time.Minute,
}

// Normalize fills unset values from DefaultConfig.
func (c *Config) Normalize() {
	if c.CacheDaysBack <= 0 {
		c.CacheDaysBack = DefaultConfig.CacheDaysBack
	}
	if c.CacheDaysForward <= 0 {
		c.CacheDaysForward = DefaultConfig.CacheDaysForward
	}
	if c.FloatingAdjustDays < 0 {
		c.FloatingAdjustDays = DefaultConfig.FloatingAdjustDays
	}
	if c.MaxResults < 0 {
		c.MaxResults = 0
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultConfig.CacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultConfig.CacheTTL
	}
	if c.CacheJitter < 0 {
		c.CacheJitter = 0
	}
}

func (c Config) margin() time.Duration {
	return time.Duration(c.FloatingAdjustDays) * 24 * time.Hour
}
