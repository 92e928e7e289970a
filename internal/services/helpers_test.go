package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-letter-batch/internal/domain"
)

// ----- In-memory document store -----

type memStore struct {
	mu      sync.Mutex
	doc     *domain.Document
	loads   int
	updates int
}

func newMemStore(now time.Time) *memStore {
	return &memStore{doc: domain.NewDocument(now)}
}

// cloneDoc deep-copies d through JSON, the same way the file store does.
func cloneDoc(d *domain.Document) *domain.Document {
	b, err := json.Marshal(d)
	if err != nil {
		panic(err)
	}
	var out domain.Document
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	out.Repair(time.Now())
	return &out
}

func (m *memStore) Load(ctx context.Context) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return cloneDoc(m.doc), nil
}

func (m *memStore) Update(ctx context.Context, fn func(doc *domain.Document) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := cloneDoc(m.doc)
	if err := fn(work); err != nil {
		return err
	}
	m.doc = work
	m.updates++
	return nil
}

// snapshot returns a copy of the current document.
func (m *memStore) snapshot(t *testing.T) *domain.Document {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneDoc(m.doc)
}

// ----- Failing stores -----

var errDisk = errors.New("disk unavailable")

type failingStore struct {
	loadErr   error
	updateErr error
	panicLoad bool
}

func (f *failingStore) Load(ctx context.Context) (*domain.Document, error) {
	if f.panicLoad {
		panic("corrupted index")
	}
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return domain.NewDocument(time.Now()), nil
}

func (f *failingStore) Update(ctx context.Context, fn func(doc *domain.Document) error) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return fn(domain.NewDocument(time.Now()))
}

// ----- Clocks -----

// fixedClock returns a clock frozen at a time on the current day, so date keys
// line up with stores that stamp real time.
func fixedClock(hour, min int) (Clock, time.Time) {
	n := time.Now()
	at := time.Date(n.Year(), n.Month(), n.Day(), hour, min, 0, 0, n.Location())
	return func() time.Time { return at }, at
}

// fixedNow is noon of the current day.
func fixedNow() time.Time {
	_, t := fixedClock(12, 0)
	return t
}

func (m *memStore) CleanupOldData(ctx context.Context, days int) (domain.PruneCounts, error) {
	var total domain.PruneCounts
	err := m.Update(ctx, func(doc *domain.Document) error {
		cutoff := domain.CutoffKey(time.Now(), days)
		for _, u := range doc.Users {
			c := u.PruneBefore(cutoff)
			total.Letters += c.Letters
			total.Requests += c.Requests
			total.Counters += c.Counters
		}
		return nil
	})
	return total, err
}

func (m *memStore) Backup(ctx context.Context) (string, error) {
	return "mem://letters_backup.json", nil
}
