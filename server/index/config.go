package index

import "time"

// Config controls how far recurrences are expanded into the index and how
// long UID reservations live.
type Config struct {
	// Days past today that recurring resources are expanded on write.
	ExpandAheadDays int `yaml:"expand_ahead_days"`
	// Hard ceiling for expansion; queries needing more fall back to a scan.
	ExpandMaxDays int `yaml:"expand_max_days"`
	// Defer expansion of recurring masters until a query needs it.
	DelayedExpand      bool          `yaml:"delayed_expand"`
	ReservationTimeout time.Duration `yaml:"reservation_timeout"`
}

// DefaultConfig provides the usual expansion window
var DefaultConfig = Config{
	ExpandAheadDays:    365,
	ExpandMaxDays:      3650,
	DelayedExpand:      false,
	ReservationTimeout: 15 * time.Minute,
}

// Normalize fills zero values from DefaultConfig.
func (c *Config) Normalize() {
	if c.ExpandAheadDays <= 0 {
		c.ExpandAheadDays = DefaultConfig.ExpandAheadDays
	}
	if c.ExpandMaxDays <= 0 {
		c.ExpandMaxDays = DefaultConfig.ExpandMaxDays
	}
	if c.ExpandMaxDays < c.ExpandAheadDays {
		c.ExpandMaxDays = c.ExpandAheadDays
	}
	if c.ReservationTimeout <= 0 {
		c.ReservationTimeout = DefaultConfig.ReservationTimeout
	}
}
