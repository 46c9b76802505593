package artifact

import (
	"os"
	"path/filepath"
)

// Config holds artifact store initialization parameters.
type Config struct {
	Root string `json:"root,omitempty"` // directory artifacts are written under
}

// DefaultConfig places artifacts in a workchain directory under the system
// temp dir.
func DefaultConfig() Config {
	return Config{
		Root: filepath.Join(os.TempDir(), "workchain", "artifacts"),
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Root != "" {
		c.Root = source.Root
	}
}

// New creates a Store from configuration.
func New(cfg *Config) (Store, error) {
	root := cfg.Root
	if root == "" {
		root = DefaultConfig().Root
	}
	return NewFileStore(root)
}
