package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileArchive keeps blobs under a local directory.
type FileArchive struct {
	dir string
	mu  sync.RWMutex
}

func NewFileArchive(dir string) (*FileArchive, error) {
	//nolint:gosec // shared archive directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	return &FileArchive{dir: dir}, nil
}

func (a *FileArchive) Put(_ context.Context, data []byte) (string, error) {
	ref, sum := digest(data)
	path := filepath.Join(a.dir, objectKey("", sum))

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	tmp := path + ".tmp"
	//nolint:gosec // archived transcripts are not secret
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit: %w", err)
	}
	return ref, nil
}

func (a *FileArchive) Get(_ context.Context, ref string) ([]byte, error) {
	sum, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(a.dir, objectKey("", sum)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return data, err
}

func (a *FileArchive) Exists(_ context.Context, ref string) (bool, error) {
	sum, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, err = os.Stat(filepath.Join(a.dir, objectKey("", sum)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, err
}
