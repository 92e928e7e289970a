package repo

import (
	"context"
	"time"

	"github.com/tbourn/go-letter-batch/internal/domain"
)

// StorageStats summarizes the stored document for operational inspection.
type StorageStats struct {
	Location      string                       `json:"location"`
	Users         int                          `json:"users"`
	Letters       int                          `json:"letters"`
	Requests      map[domain.RequestStatus]int `json:"requests"`
	BatchRuns     int                          `json:"batch_runs"`
	LastBackup    *time.Time                   `json:"last_backup"`
	CreatedAt     time.Time                    `json:"created_at"`
	Backups       int                          `json:"backups"`
	LatestBackup  *BackupInfo                  `json:"latest_backup,omitempty"`
	DocumentBytes int                          `json:"document_bytes"`
}

// Stats computes aggregate counts over the whole document.
func (s *Store) Stats(ctx context.Context) (StorageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(ctx)
	if err != nil {
		return StorageStats{}, err
	}
	raw, err := s.backend.Read(ctx)
	if err != nil {
		return StorageStats{}, &StorageError{Op: "load", Path: s.backend.Location(), Err: err}
	}

	st := StorageStats{
		Location:      s.backend.Location(),
		Users:         len(doc.Users),
		Requests:      map[domain.RequestStatus]int{},
		BatchRuns:     len(doc.System.BatchRuns),
		LastBackup:    doc.System.LastBackup,
		CreatedAt:     doc.System.CreatedAt,
		DocumentBytes: len(raw),
	}
	for _, u := range doc.Users {
		st.Letters += len(u.Letters)
		for _, r := range u.Requests {
			st.Requests[r.Status]++
		}
	}

	if list, err := s.listBackups(); err == nil {
		st.Backups = len(list)
		if len(list) > 0 {
			latest := list[0]
			st.LatestBackup = &latest
		}
	}
	return st, nil
}
