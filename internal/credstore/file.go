package credstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// filePerm is the only permission set FileStore accepts and writes.
const filePerm os.FileMode = 0o600

// FileStore keeps the credential in a single file readable only by its owner.
type FileStore struct {
	path string
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore, creating parent directories with 0700
// permissions when missing.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating credential directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Read returns the trimmed file content. Returns error if the file is missing,
// empty, or readable by anyone but its owner.
func (f *FileStore) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	info, err := os.Stat(f.path)
	if err != nil {
		return "", err
	}
	if perm := info.Mode().Perm(); perm != filePerm {
		return "", fmt.Errorf("insecure permissions on %s: %04o (expected %04o)", f.path, perm, filePerm)
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", err
	}

	credential := strings.TrimSpace(string(data))
	if credential == "" {
		return "", fmt.Errorf("empty credential file %s", f.path)
	}
	return credential, nil
}

// Write replaces the file content through a temp file in the same directory
// and an atomic rename.
func (f *FileStore) Write(ctx context.Context, credential string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".credential-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	defer func() { _ = tmp.Close() }()

	if err := tmp.Chmod(filePerm); err != nil {
		return err
	}
	if _, err := tmp.WriteString(strings.TrimSpace(credential) + "\n"); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

// Delete removes the file.
func (f *FileStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
