package domain

import "time"

// SnapshotPrimary is the ID of the single live document row.
const SnapshotPrimary = "primary"

// Snapshot is the SQL representation of the document when the sqlite
// storage driver is selected: one row holds the whole JSON body and is
// replaced in a single transaction, so readers never observe a partial write.
//
// Fields:
//   - ID: row key; only SnapshotPrimary is used for live data.
//   - Body: serialized Document.
//   - Version: incremented on every replace.
//   - UpdatedAt: timestamp of the last replace.
type Snapshot struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Body      string    `gorm:"type:TEXT NOT NULL"`
	Version   int64     `gorm:"type:INTEGER NOT NULL;default:0"`
	UpdatedAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Snapshot) TableName() string { return "documents" }
