package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-letter-batch/internal/observability"
)

const (
	backupPrefix     = "letters_backup_"
	backupSuffix     = ".json"
	backupTimeLayout = "20060102_150405"
)

// BackupInfo describes one backup snapshot on disk.
type BackupInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Backup copies the current primary document to a timestamped file in the
// backup directory, records the time in system.last_backup and prunes
// snapshots older than the retention window. It returns the new file path.
func (s *Store) Backup(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.backupLocked(ctx)
	observability.StoreOps.WithLabelValues("backup", observability.Outcome(err)).Inc()
	return path, err
}

func (s *Store) backupLocked(ctx context.Context) (string, error) {
	if s.backupDir == "" {
		return "", &StorageError{Op: "backup", Err: errors.New("backup directory not configured")}
	}
	data, err := s.backend.Read(ctx)
	if err != nil {
		return "", &StorageError{Op: "backup", Path: s.backend.Location(), Err: err}
	}
	if len(data) == 0 {
		log.Warn().Str("path", s.backend.Location()).Msg("store: nothing to back up")
		return "", ErrNothingToBackup
	}

	if _, err := decodeDocument(data); err != nil {
		return "", &StorageError{Op: "backup", Path: s.backend.Location(), Err: fmt.Errorf("%w: %v", ErrCorruptPrimary, err)}
	}

	now := s.now()
	path, err := s.backupPath(now)
	if err != nil {
		return "", &StorageError{Op: "backup", Path: s.backupDir, Err: err}
	}
	if err := writeFileAtomic(path, data, os.Rename); err != nil {
		return "", &StorageError{Op: "backup", Path: path, Err: err}
	}

	doc, err := s.loadLocked(ctx)
	if err != nil {
		return "", err
	}
	doc.System.LastBackup = &now
	if err := s.saveLocked(ctx, doc); err != nil {
		return "", err
	}

	if n, err := s.pruneBackups(now); err != nil {
		log.Warn().Err(err).Msg("store: backup pruning failed")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("store: pruned old backups")
	}

	log.Info().Str("backup", path).Msg("store: backup created")
	return path, nil
}

// backupPath names the snapshot for now. Snapshots taken within the same
// second get a numeric suffix instead of replacing each other.
func (s *Store) backupPath(now time.Time) (string, error) {
	base := filepath.Join(s.backupDir, backupPrefix+now.Format(backupTimeLayout))
	path := base + backupSuffix
	for n := 2; ; n++ {
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", err
		}
		path = fmt.Sprintf("%s_%d%s", base, n, backupSuffix)
	}
}

// Restore replaces the primary document with the backup at path. The backup
// must decode as a document.
func (s *Store) Restore(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return &StorageError{Op: "restore", Path: path, Err: err}
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return &StorageError{Op: "restore", Path: path, Err: err}
	}
	doc.Repair(s.now())
	if err := s.saveLocked(ctx, doc); err != nil {
		return err
	}
	log.Info().Str("backup", path).Msg("store: restored from backup")
	return nil
}

// ListBackups returns backup snapshots, newest first.
func (s *Store) ListBackups() ([]BackupInfo, error) {
	return s.listBackups()
}

// LatestBackup returns the newest snapshot by modification time.
func (s *Store) LatestBackup() (BackupInfo, error) {
	list, err := s.listBackups()
	if err != nil {
		return BackupInfo{}, err
	}
	if len(list) == 0 {
		return BackupInfo{}, ErrNoBackup
	}
	return list[0], nil
}

func (s *Store) listBackups() ([]BackupInfo, error) {
	if s.backupDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.backupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]BackupInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, BackupInfo{
			Path:    filepath.Join(s.backupDir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Path > out[j].Path
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

func (s *Store) pruneBackups(now time.Time) (int, error) {
	list, err := s.listBackups()
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-s.retention)
	removed := 0
	for _, b := range list {
		if b.ModTime.Before(cutoff) {
			if err := os.Remove(b.Path); err != nil {
				log.Warn().Err(err).Str("backup", b.Path).Msg("store: cannot remove old backup")
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// compile-time check that the file and sqlite backends satisfy Backend.
var (
	_ Backend = (*FileBackend)(nil)
	_ Backend = (*SQLiteBackend)(nil)
)
