package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// Backend persists the serialized document as one unit. Write must replace
// the stored bytes atomically: a reader sees either the old or the new
// document, never a mix.
type Backend interface {
	// Read returns the stored bytes, or (nil, nil) when nothing was written yet.
	Read(ctx context.Context) ([]byte, error)
	// Write atomically replaces the stored bytes.
	Write(ctx context.Context, data []byte) error
	// Location names the backing resource for logs and errors.
	Location() string
}

// FileBackend stores the document in a single JSON file.
type FileBackend struct {
	path string

	// rename is os.Rename outside of tests.
	rename func(oldpath, newpath string) error
}

// NewFileBackend returns a backend for the file at path. The parent
// directory is created on first write.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, rename: os.Rename}
}

func (b *FileBackend) Location() string { return b.path }

func (b *FileBackend) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (b *FileBackend) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeFileAtomic(b.path, data, b.rename)
}

// writeFileAtomic writes data to a temp file in the destination directory,
// syncs it and renames it over path. The temp file is removed on any failure.
func writeFileAtomic(path string, data []byte, rename func(string, string) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
