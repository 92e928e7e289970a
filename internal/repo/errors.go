package repo

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBackup is returned when no backup snapshot is available.
	ErrNoBackup = errors.New("no backup available")

	// ErrNothingToBackup is returned by Backup when the primary document has
	// never been written.
	ErrNothingToBackup = errors.New("primary document does not exist")

	// ErrCorruptPrimary is returned by Backup when the primary document does
	// not decode; the snapshot is not written.
	ErrCorruptPrimary = errors.New("primary document is corrupt")
)

// StorageError reports an I/O failure while reading or writing durable state.
// A mutation that returned a StorageError was not committed.
type StorageError struct {
	Op   string // load|save|backup|restore
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
