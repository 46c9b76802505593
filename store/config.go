package store

import "fmt"

const (
	DriverMemory = "memory"
	DriverFile   = "file"
)

// Config selects and parameterises the store backend.
type Config struct {
	Driver string `json:"driver,omitempty"` // "memory" or "file"
	Path   string `json:"path,omitempty"`   // snapshot file for the file driver
}

// DefaultConfig returns an in-memory store configuration.
func DefaultConfig() Config {
	return Config{Driver: DriverMemory}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Driver != "" {
		c.Driver = source.Driver
	}
	if source.Path != "" {
		c.Path = source.Path
	}
}

// New creates the Store described by cfg.
func New(cfg *Config, opts ...Option) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(opts...), nil
	case DriverFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: file driver requires a path")
		}
		return OpenFileStore(cfg.Path, opts...)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
