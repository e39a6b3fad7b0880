// Package storage implements the content-addressed attachment store.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ingest_server/core/port/out"
)

// FileStore implements out.AttachmentStore on the local filesystem.
// Every file lives at <root>/<safe_filename>; since the name is
// derived from the content hash, identical bytes always resolve to
// the same path and a second save is a no-op.
type FileStore struct {
	root string
}

// NewFileStore creates the store root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("attachment store root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachment root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Save writes content under its safe filename and returns the
// absolute path. Existing content is left untouched.
func (s *FileStore) Save(ctx context.Context, safeFilename string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := s.Path(safeFilename)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat %s: %w", safeFilename, err)
	}

	// Write to a temp file first so readers never see partial content.
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to place attachment: %w", err)
	}
	return path, nil
}

// Path returns the absolute path for a safe filename.
func (s *FileStore) Path(safeFilename string) string {
	return filepath.Join(s.root, safeFilename)
}

// Exists reports whether the content is already stored.
func (s *FileStore) Exists(ctx context.Context, safeFilename string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.Path(safeFilename))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Ensure FileStore implements out.AttachmentStore
var _ out.AttachmentStore = (*FileStore)(nil)
