package scheduler

import (
	"math"
	"time"

	"github.com/tailored-agentic-units/workchain/config"
)

const (
	defaultTick            = time.Second
	defaultMaxWorkers      = 4
	defaultMaxRetries      = 10
	defaultRetention       = 24 * time.Hour
	defaultPruneInterval   = time.Minute
	defaultShutdownTimeout = 30 * time.Second

	defaultBackoffInitial    = 10 * time.Second
	defaultBackoffMultiplier = 2.0
	defaultBackoffMax        = 5 * time.Hour
)

// BackoffConfig shapes the delay before a retried item becomes eligible.
type BackoffConfig struct {
	Initial    config.Duration `json:"initial,omitempty"`
	Multiplier float64         `json:"multiplier,omitempty"`
	Max        config.Duration `json:"max,omitempty"`
}

// Delay returns the wait before retry number retry (1-based):
// Initial * Multiplier^(retry-1), capped at Max.
func (b BackoffConfig) Delay(retry int) time.Duration {
	initial := b.Initial.Std()
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = defaultBackoffMultiplier
	}
	if retry < 1 {
		retry = 1
	}

	delay := float64(initial) * math.Pow(mult, float64(retry-1))
	if limit := b.Max.Std(); limit > 0 && delay > float64(limit) {
		return limit
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Config holds scheduler settings.
type Config struct {
	// Tick is the period of the dispatch loop when nothing wakes it sooner.
	Tick config.Duration `json:"tick,omitempty"`

	MaxWorkers int `json:"max_workers,omitempty"`

	// MaxRetries bounds retries per item. Zero or negative means unlimited;
	// config files use -1 since zero is indistinguishable from unset.
	MaxRetries int `json:"max_retries,omitempty"`

	Backoff BackoffConfig `json:"backoff"`

	// Retention is how long fully terminal chains are kept before pruning.
	Retention     config.Duration `json:"retention,omitempty"`
	PruneInterval config.Duration `json:"prune_interval,omitempty"`

	ShutdownTimeout config.Duration `json:"shutdown_timeout,omitempty"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Tick:       config.Duration(defaultTick),
		MaxWorkers: defaultMaxWorkers,
		MaxRetries: defaultMaxRetries,
		Backoff: BackoffConfig{
			Initial:    config.Duration(defaultBackoffInitial),
			Multiplier: defaultBackoffMultiplier,
			Max:        config.Duration(defaultBackoffMax),
		},
		Retention:       config.Duration(defaultRetention),
		PruneInterval:   config.Duration(defaultPruneInterval),
		ShutdownTimeout: config.Duration(defaultShutdownTimeout),
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Tick > 0 {
		c.Tick = source.Tick
	}
	if source.MaxWorkers > 0 {
		c.MaxWorkers = source.MaxWorkers
	}
	if source.MaxRetries != 0 {
		c.MaxRetries = source.MaxRetries
	}
	if source.Backoff.Initial > 0 {
		c.Backoff.Initial = source.Backoff.Initial
	}
	if source.Backoff.Multiplier >= 1 {
		c.Backoff.Multiplier = source.Backoff.Multiplier
	}
	if source.Backoff.Max > 0 {
		c.Backoff.Max = source.Backoff.Max
	}
	if source.Retention > 0 {
		c.Retention = source.Retention
	}
	if source.PruneInterval > 0 {
		c.PruneInterval = source.PruneInterval
	}
	if source.ShutdownTimeout > 0 {
		c.ShutdownTimeout = source.ShutdownTimeout
	}
}
