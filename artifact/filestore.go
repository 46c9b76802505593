package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const schemeFile = "file"

type fileStore struct {
	root string
}

// NewFileStore creates a Store that keeps artifacts as files under root and
// returns file:// locators.
func NewFileStore(root string) (Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifact root %q: %w", root, err)
	}
	return &fileStore{root: abs}, nil
}

func (s *fileStore) Save(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.pathFor(name)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}

	return locatorFor(path), nil
}

func (s *fileStore) Open(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, locator, err)
	}
	return data, nil
}

func (s *fileStore) Delete(ctx context.Context, locator string) error {
	path, err := s.resolve(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete failed: %s: %w", locator, err)
	}

	dir := filepath.Dir(path)
	for dir != s.root {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]string, error) {
	var locators []string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.root {
				return fs.SkipAll
			}
			return err
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		locators = append(locators, locatorFor(path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	slices.Sort(locators)
	return locators, nil
}

// pathFor maps a relative artifact name to a path under root.
func (s *fileStore) pathFor(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", fmt.Errorf("%w: %q escapes the artifact root", ErrInvalidLocator, name)
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}

// resolve maps a locator back to a path, rejecting anything outside root.
func (s *fileStore) resolve(locator string) (string, error) {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme != schemeFile || u.Path == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}

	path := filepath.Clean(filepath.FromSlash(u.Path))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q is outside %s", ErrInvalidLocator, locator, s.root)
	}
	return path, nil
}

func locatorFor(path string) string {
	u := url.URL{Scheme: schemeFile, Path: filepath.ToSlash(path)}
	return u.String()
}
