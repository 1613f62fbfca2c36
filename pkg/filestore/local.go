package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Compile-time interface check.
var _ Reader = (*localReader)(nil)

type localReader struct {
	root string
}

// NewLocalReader creates a Reader backed by a local directory.
func NewLocalReader(root string) Reader {
	return &localReader{root: root}
}

// Get reads {root}/{key}. Returns (nil, nil) when the file does not exist.
func (r *localReader) Get(_ context.Context, key string) ([]byte, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(cleaned)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading %q: %w", key, err)
	}

	return data, nil
}
