package dispatch

import (
	"time"

	"commdispatch/internal/comm"
)

const (
	DefaultLeaseExpiry       = 10 * time.Minute
	DefaultHardFailureWindow = 48 * time.Hour
	DefaultMaxAttempts       = 3
)

// Config holds the engine knobs that may change on reload.
type Config struct {
	// LeaseExpiry: a sending row untouched this long may be claimed again.
	LeaseExpiry time.Duration
	// HardFailureWindow: rows first attempted longer ago than this fail.
	HardFailureWindow time.Duration
	// MaxAttempts per medium; missing or <= 0 uses DefaultMaxAttempts.
	MaxAttempts map[comm.Medium]int
	// DrainWorkers is how many dispatchers SendAsync runs per medium.
	DrainWorkers int
}

func (c Config) withDefaults() Config {
	if c.LeaseExpiry <= 0 {
		c.LeaseExpiry = DefaultLeaseExpiry
	}
	if c.HardFailureWindow <= 0 {
		c.HardFailureWindow = DefaultHardFailureWindow
	}
	if c.DrainWorkers <= 0 {
		c.DrainWorkers = 1
	}
	m := make(map[comm.Medium]int, len(c.MaxAttempts))
	for k, v := range c.MaxAttempts {
		m[k] = v
	}
	c.MaxAttempts = m
	return c
}

func (c Config) maxAttempts(m comm.Medium) int {
	if n := c.MaxAttempts[m]; n > 0 {
		return n
	}
	return DefaultMaxAttempts
}
