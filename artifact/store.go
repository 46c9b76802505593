// Package artifact persists the bytes produced by capabilities and hands back
// opaque locators that travel between chain stages as item data.
package artifact

import (
	"context"
	"errors"
)

// Sentinel errors for artifact operations.
var (
	ErrNotFound       = errors.New("artifact not found")
	ErrInvalidLocator = errors.New("invalid artifact locator")
	ErrEmptyName      = errors.New("artifact name is empty")
	ErrLoadFailed     = errors.New("artifact load failed")
	ErrSaveFailed     = errors.New("artifact save failed")
)

// Store saves and retrieves artifacts by locator.
type Store interface {
	// Save writes data under name, overwriting any earlier artifact with the
	// same name, and returns its locator.
	Save(ctx context.Context, name string, data []byte) (string, error)
	// Open reads the artifact at locator.
	Open(ctx context.Context, locator string) ([]byte, error)
	// Delete removes the artifact. Missing artifacts are ignored.
	Delete(ctx context.Context, locator string) error
	// List returns the locators of every stored artifact.
	List(ctx context.Context) ([]string, error)
}
