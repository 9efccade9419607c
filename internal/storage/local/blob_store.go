// Package local archives fetched pages on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config locates the archive.
type Config struct {
	// BaseDir is the archive root. It is created when missing.
	BaseDir string
}

// BlobStore implements job.BlobStore on a directory tree.
type BlobStore struct {
	root string
}

// New checks that BaseDir is a writable directory, creating it if needed.
func New(cfg Config) (*BlobStore, error) {
	dir := strings.TrimSpace(cfg.BaseDir)
	if dir == "" {
		return nil, errors.New("archive directory is required")
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("archive directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("remove archive probe: %w", err)
	}
	return &BlobStore{root: root}, nil
}

// PutObject writes data to root/p through a temp file and rename, so readers
// never see a partial page. It returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, p string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("object path is required")
	}
	dest := filepath.Join(s.root, filepath.FromSlash(p))
	if rel, err := filepath.Rel(s.root, dest); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object path %q escapes the archive: path traversal", p)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".part-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit object: %w", err)
	}
	return "file://" + filepath.ToSlash(dest), nil
}
