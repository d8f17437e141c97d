package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalConfiguration contains the configuration for the local
// filesystem driver
type LocalConfiguration struct {
	BasePath string
}

// LocalFilesystem implements Driver on a local directory tree. Key
// segments become path segments below the base path.
type LocalFilesystem struct {
	basePath string
}

// NewLocalFilesystem returns a new LocalFilesystem driver rooted at the
// configured base path, which is created if needed.
func NewLocalFilesystem(config LocalConfiguration) (*LocalFilesystem, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("BasePath must not be empty")
	}
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, err
	}
	return &LocalFilesystem{basePath: config.BasePath}, nil
}

func (f *LocalFilesystem) path(key string) (string, error) {
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(f.basePath, filepath.FromSlash(key)), nil
}

// Put writes the payload for key, creating directories as needed.
func (f *LocalFilesystem) Put(ctx context.Context, key string, payload []byte) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

// Get reads the payload for key.
func (f *LocalFilesystem) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Delete removes the payload for key; a missing key is not an error.
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteAllWithPrefix removes every payload whose key starts with
// prefix.
func (f *LocalFilesystem) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	path, err := f.path(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}
