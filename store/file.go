package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tailored-agentic-units/workchain/work"
)

const snapshotFormat = 1

type snapshot struct {
	Format int         `json:"format"`
	Seq    int64       `json:"seq"`
	Items  []work.Item `json:"items"`
}

// OpenFileStore opens a Store whose contents survive process exit. The whole
// item table is rewritten to path on every commit via a temp file and rename,
// so a crash leaves either the previous or the new snapshot on disk.
func OpenFileStore(path string, opts ...Option) (Store, error) {
	s := newMemoryStore(opts...)

	loaded, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	for _, it := range loaded.Items {
		s.items[it.ID] = it
	}
	s.seq = loaded.Seq

	s.persist = func(seq int64, items map[string]work.Item) error {
		return writeSnapshot(path, seq, items)
	}
	return s, nil
}

func readSnapshot(path string) (snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snapshot{Format: snapshotFormat}, nil
		}
		return snapshot{}, fmt.Errorf("%w: %s: %v", ErrLoadFailed, path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return snapshot{}, fmt.Errorf("%w: %s: %v", ErrLoadFailed, path, err)
	}
	if snap.Format != snapshotFormat {
		return snapshot{}, fmt.Errorf("%w: %s: unsupported format %d", ErrLoadFailed, path, snap.Format)
	}
	return snap, nil
}

func writeSnapshot(path string, seq int64, items map[string]work.Item) error {
	snap := snapshot{
		Format: snapshotFormat,
		Seq:    seq,
		Items:  make([]work.Item, 0, len(items)),
	}
	for _, it := range items {
		snap.Items = append(snap.Items, it)
	}
	sortBySeq(snap.Items)

	encoded, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, path, err)
	}
	return nil
}
