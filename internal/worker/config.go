package worker

import (
	"time"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
)

// Config defines the pool configuration.
type Config struct {
	// Concurrency is the number of polling workers.
	Concurrency int
	// PollInterval is the first wait after an empty claim.
	PollInterval time.Duration
	// MaxBackoff caps the wait between empty claims.
	MaxBackoff time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:  2,
		PollInterval: time.Second,
		MaxBackoff:   30 * time.Second,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return coorderr.E(coorderr.KindConfig, "worker config", "concurrency must be at least 1")
	}
	if c.PollInterval <= 0 || c.MaxBackoff < c.PollInterval {
		return coorderr.E(coorderr.KindConfig, "worker config", "need 0 < poll interval <= max backoff")
	}
	return nil
}

// nextBackoff doubles cur, starting from the poll interval and capped at
// MaxBackoff.
func (c Config) nextBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return c.PollInterval
	}
	next := cur * 2
	if next > c.MaxBackoff {
		return c.MaxBackoff
	}
	return next
}
