package manager

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailored-agentic-units/workchain/artifact"
	"github.com/tailored-agentic-units/workchain/bus"
	"github.com/tailored-agentic-units/workchain/config"
	"github.com/tailored-agentic-units/workchain/constraint"
	"github.com/tailored-agentic-units/workchain/imaging"
	"github.com/tailored-agentic-units/workchain/scheduler"
	"github.com/tailored-agentic-units/workchain/store"
)

const defaultObserver = "slog"

// Config holds initialization parameters for all manager subsystems.
// Each subsystem section delegates to that subsystem's config-driven constructor.
type Config struct {
	Store      store.Config      `json:"store"`
	Scheduler  scheduler.Config  `json:"scheduler"`
	Constraint constraint.Config `json:"constraint"`
	Bus        bus.Config        `json:"bus"`
	Artifacts  artifact.Config   `json:"artifacts"`
	Fetch      imaging.Config    `json:"fetch"`

	// Observer names the event sink: "slog" or "noop".
	Observer string `json:"observer,omitempty"`

	// CapabilityTimeout caps a single capability invocation. Zero leaves
	// invocations bounded only by cancellation.
	CapabilityTimeout config.Duration `json:"capability_timeout,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults for all subsystems.
func DefaultConfig() Config {
	return Config{
		Store:      store.DefaultConfig(),
		Scheduler:  scheduler.DefaultConfig(),
		Constraint: constraint.DefaultConfig(),
		Bus:        bus.DefaultConfig(),
		Artifacts:  artifact.DefaultConfig(),
		Fetch:      imaging.DefaultConfig(),
		Observer:   defaultObserver,
	}
}

// Merge applies non-zero values from source into c, delegating to each
// subsystem's Merge method.
func (c *Config) Merge(source *Config) {
	c.Store.Merge(&source.Store)
	c.Scheduler.Merge(&source.Scheduler)
	c.Constraint.Merge(&source.Constraint)
	c.Bus.Merge(&source.Bus)
	c.Artifacts.Merge(&source.Artifacts)
	c.Fetch.Merge(&source.Fetch)

	if source.Observer != "" {
		c.Observer = source.Observer
	}
	if source.CapabilityTimeout > 0 {
		c.CapabilityTimeout = source.CapabilityTimeout
	}
}

// LoadConfig reads a JSON config file, merges it with defaults, and returns
// the resulting Config.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}
