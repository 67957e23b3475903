// Package local implements a filesystem-backed report store.
package local

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where reports are written.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes objects beneath BaseDir.
type BlobStore struct {
	fs      afero.Fs
	baseDir string
}

// Option customizes a BlobStore.
type Option func(*BlobStore)

// WithFs swaps the filesystem (in-memory in tests).
func WithFs(fs afero.Fs) Option {
	return func(s *BlobStore) {
		if fs != nil {
			s.fs = fs
		}
	}
}

// New creates the base directory if needed and checks it is writable.
func New(cfg Config, opts ...Option) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	s := &BlobStore{fs: afero.NewOsFs(), baseDir: filepath.Clean(cfg.BaseDir)}
	for _, opt := range opts {
		opt(s)
	}

	info, err := s.fs.Stat(s.baseDir)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	case err != nil:
		if mkErr := s.fs.MkdirAll(s.baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	}

	probe := filepath.Join(s.baseDir, ".writable_test")
	if err := afero.WriteFile(s.fs, probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := s.fs.Remove(probe); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	return s, nil
}

// PutObject writes data to a file and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Join(s.baseDir, path)
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	if err := s.fs.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	if err := afero.WriteFile(s.fs, fullPath, byteData, 0o600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return "file://" + fullPath, nil
}
