// Package local keeps page snapshots on the local filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory snapshots are written under.
	BaseDir string
}

// BlobStore writes artifacts beneath a base directory.
type BlobStore struct {
	baseDir string
}

// New creates the base directory when missing and checks it is writable.
func New(cfg Config) (*BlobStore, error) {
	baseDir := strings.TrimSpace(cfg.BaseDir)
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(baseDir, 0o750); err != nil {
			return nil, fmt.Errorf("create base directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory %s is not a directory", baseDir)
	}

	probe, err := os.CreateTemp(baseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("remove write probe: %w", err)
	}
	return &BlobStore{baseDir: filepath.Clean(baseDir)}, nil
}

// PutObject streams data to baseDir/path and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, path))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the base directory", path)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", fullPath, err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write %s: %w", fullPath, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", fullPath, err)
	}
	return "file://" + fullPath, nil
}
