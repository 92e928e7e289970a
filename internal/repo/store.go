package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-letter-batch/internal/domain"
	"github.com/tbourn/go-letter-batch/internal/observability"
)

// DefaultBackupRetention is how long backup snapshots are kept.
const DefaultBackupRetention = 7 * 24 * time.Hour

// Options configures a Store.
type Options struct {
	BackupDir       string
	BackupRetention time.Duration
	Now             func() time.Time
}

// Store is the single owner of durable state. All reads and writes are
// serialized behind one mutex; Update holds it across the full
// load-mutate-save cycle so concurrent writers never lose updates.
//
// The store assumes a single writing process.
type Store struct {
	mu        sync.Mutex
	backend   Backend
	backupDir string
	retention time.Duration
	now       func() time.Time
}

// NewStore returns a store writing through backend.
func NewStore(backend Backend, opts Options) *Store {
	s := &Store{
		backend:   backend,
		backupDir: opts.BackupDir,
		retention: opts.BackupRetention,
		now:       opts.Now,
	}
	if s.retention <= 0 {
		s.retention = DefaultBackupRetention
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Location names the primary storage resource.
func (s *Store) Location() string { return s.backend.Location() }

// Load returns the current document. A missing or empty document is
// initialized and persisted; a corrupt one is replaced by the newest backup
// (or a fresh document when there is none). The returned document has been
// through the repair pass.
func (s *Store) Load(ctx context.Context) (*domain.Document, error) {
	ctx, span := observability.Tracer("repo/Store").Start(ctx, "Load")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(ctx)
	observability.StoreOps.WithLabelValues("load", observability.Outcome(err)).Inc()
	return doc, err
}

// Save replaces the stored document.
func (s *Store) Save(ctx context.Context, doc *domain.Document) error {
	ctx, span := observability.Tracer("repo/Store").Start(ctx, "Save")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.saveLocked(ctx, doc)
	observability.StoreOps.WithLabelValues("save", observability.Outcome(err)).Inc()
	return err
}

// Update loads the document, applies fn and saves the result, all while
// holding the store lock. If fn returns an error nothing is written and the
// error is returned unchanged.
func (s *Store) Update(ctx context.Context, fn func(doc *domain.Document) error) error {
	ctx, span := observability.Tracer("repo/Store").Start(ctx, "Update")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(ctx)
	if err != nil {
		observability.StoreOps.WithLabelValues("update", "error").Inc()
		return err
	}
	if err := fn(doc); err != nil {
		observability.StoreOps.WithLabelValues("update", "aborted").Inc()
		return err
	}
	err = s.saveLocked(ctx, doc)
	observability.StoreOps.WithLabelValues("update", observability.Outcome(err)).Inc()
	return err
}

// CleanupOldData removes letters, requests and rate-limit counters dated
// more than days ago from every user. User records themselves are kept.
func (s *Store) CleanupOldData(ctx context.Context, days int) (domain.PruneCounts, error) {
	var total domain.PruneCounts
	err := s.Update(ctx, func(doc *domain.Document) error {
		cutoff := domain.CutoffKey(s.now(), days)
		for _, u := range doc.Users {
			pc := u.PruneBefore(cutoff)
			total.Letters += pc.Letters
			total.Requests += pc.Requests
			total.Counters += pc.Counters
		}
		return nil
	})
	if err != nil {
		return domain.PruneCounts{}, err
	}
	log.Info().
		Int("days", days).
		Int("letters", total.Letters).
		Int("requests", total.Requests).
		Int("counters", total.Counters).
		Msg("store: pruned old data")
	return total, nil
}

func (s *Store) loadLocked(ctx context.Context) (*domain.Document, error) {
	data, err := s.backend.Read(ctx)
	if err != nil {
		return nil, &StorageError{Op: "load", Path: s.backend.Location(), Err: err}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		doc := domain.NewDocument(s.now())
		if err := s.saveLocked(ctx, doc); err != nil {
			return nil, err
		}
		log.Info().Str("path", s.backend.Location()).Msg("store: initialized new document")
		return doc, nil
	}

	doc, perr := decodeDocument(data)
	if perr != nil {
		log.Warn().Err(perr).Str("path", s.backend.Location()).Msg("store: document is corrupt, recovering")
		doc = s.recoverLocked()
		if err := s.saveLocked(ctx, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}

	doc.Repair(s.now())
	return doc, nil
}

func (s *Store) saveLocked(ctx context.Context, doc *domain.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &StorageError{Op: "save", Path: s.backend.Location(), Err: err}
	}
	if err := s.backend.Write(ctx, data); err != nil {
		return &StorageError{Op: "save", Path: s.backend.Location(), Err: err}
	}
	return nil
}

// recoverLocked returns the newest decodable backup, or a fresh document.
func (s *Store) recoverLocked() *domain.Document {
	backups, err := s.listBackups()
	if err != nil {
		log.Error().Err(err).Str("dir", s.backupDir).Msg("store: cannot list backups")
	}
	for _, b := range backups {
		data, err := os.ReadFile(b.Path)
		if err != nil {
			log.Warn().Err(err).Str("backup", b.Path).Msg("store: unreadable backup")
			continue
		}
		doc, err := decodeDocument(data)
		if err != nil {
			log.Warn().Err(err).Str("backup", b.Path).Msg("store: corrupt backup")
			continue
		}
		doc.Repair(s.now())
		log.Info().Str("backup", b.Path).Msg("store: recovered from backup")
		return doc
	}
	log.Warn().Msg("store: no usable backup, starting from an empty document")
	return domain.NewDocument(s.now())
}

func decodeDocument(data []byte) (*domain.Document, error) {
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
