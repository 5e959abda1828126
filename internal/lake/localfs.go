package lake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalFS stores lake objects under a root directory on the local filesystem.
type LocalFS struct {
	Root string
}

func NewLocalFS(root string) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lake root: %w", err)
	}
	return &LocalFS{Root: root}, nil
}

func (l *LocalFS) Put(ctx context.Context, key string, data []byte) (string, error) {
	clean := filepath.Clean(key)
	abs := filepath.Join(l.Root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", err
	}
	return "file://" + abs, nil
}

func (l *LocalFS) Get(ctx context.Context, key string) ([]byte, error) {
	clean := filepath.Clean(key)
	return os.ReadFile(filepath.Join(l.Root, clean))
}
