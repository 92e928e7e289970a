// Package repo implements durable storage for the letter service: a single
// JSON document kept behind one in-process lock, written through a Backend
// that replaces the whole document atomically, with timestamped file
// backups and recovery from corruption.
//
// This file contains the SQLite backend: the document lives in one row of
// the documents table, replaced inside a transaction.
package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-letter-batch/internal/domain"
)

// SQLiteOptions tunes OpenSQLite.
type SQLiteOptions struct {
	Tracing bool // attach the GORM OpenTelemetry plugin
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
func OpenSQLite(path string, opts SQLiteOptions) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=FULL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// One writer is all the document model ever needs.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if opts.Tracing {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// AutoMigrate creates the documents table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&domain.Snapshot{})
}

// SQLiteBackend stores the document as a single row.
type SQLiteBackend struct {
	db   *gorm.DB
	name string
}

// NewSQLiteBackend returns a backend over an already migrated database.
func NewSQLiteBackend(db *gorm.DB, name string) *SQLiteBackend {
	return &SQLiteBackend{db: db, name: name}
}

func (b *SQLiteBackend) Location() string { return "sqlite:" + b.name }

func (b *SQLiteBackend) Read(ctx context.Context) ([]byte, error) {
	var row domain.Snapshot
	err := b.db.WithContext(ctx).First(&row, "id = ?", domain.SnapshotPrimary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(row.Body), nil
}

func (b *SQLiteBackend) Write(ctx context.Context, data []byte) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur domain.Snapshot
		err := tx.First(&cur, "id = ?", domain.SnapshotPrimary).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		next := domain.Snapshot{
			ID:        domain.SnapshotPrimary,
			Body:      string(data),
			Version:   cur.Version + 1,
			UpdatedAt: time.Now().UTC(),
		}
		return tx.Save(&next).Error
	})
}

// Version returns the number of replaces applied to the live row.
func (b *SQLiteBackend) Version(ctx context.Context) (int64, error) {
	var row domain.Snapshot
	err := b.db.WithContext(ctx).Select("version").First(&row, "id = ?", domain.SnapshotPrimary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return row.Version, err
}
