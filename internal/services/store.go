package services

import (
	"context"
	"time"

	"github.com/tbourn/go-letter-batch/internal/domain"
)

// DocumentStore is the persistence contract shared by all services. Update
// runs fn inside the store's critical section and persists the result only
// when fn returns nil.
type DocumentStore interface {
	Load(ctx context.Context) (*domain.Document, error)
	Update(ctx context.Context, fn func(doc *domain.Document) error) error
}

// Clock returns the current wall-clock time. Services default to time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// nextMidnight returns the start of the day after t, in t's location.
func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
