// Package domain defines the persisted letter-service document: users with
// their daily requests, generated letters, rate-limit counters, history and
// sessions, plus system metadata such as the batch run audit log.
//
// The whole tree is stored as one JSON document; field names and nesting are
// part of the on-disk format and must stay stable.
package domain

import "time"

// RequestStatus is the lifecycle state of a daily generation request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// BatchStatus is the lifecycle state of one hourly batch run.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// LetterCompleted is the only status a persisted Letter ever carries.
const LetterCompleted = "completed"

// Document is the entire durable state.
type Document struct {
	Users  map[string]*UserRecord `json:"users"`
	System SystemRecord           `json:"system"`
}

// SystemRecord holds process-wide metadata.
type SystemRecord struct {
	LastBackup *time.Time                 `json:"last_backup"`
	BatchRuns  map[string]*BatchRunRecord `json:"batch_runs"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// BatchRunRecord is one entry of the append-only batch audit log. It is
// created when a run starts and updated once when it finishes.
type BatchRunRecord struct {
	Hour           int         `json:"hour"`
	StartTime      time.Time   `json:"start_time"`
	Status         BatchStatus `json:"status"`
	EndTime        *time.Time  `json:"end_time,omitempty"`
	ExecutionTime  *float64    `json:"execution_time,omitempty"` // seconds
	ProcessedCount *int        `json:"processed_count,omitempty"`
	SuccessCount   *int        `json:"success_count,omitempty"`
	FailedCount    *int        `json:"failed_count,omitempty"`
	ErrorCount     *int        `json:"error_count,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// UserRecord is everything stored for a single user. Date-keyed maps use
// DateKey values.
type UserRecord struct {
	Profile    Profile             `json:"profile"`
	Letters    map[string]*Letter  `json:"letters"`
	Requests   map[string]*Request `json:"requests"`
	RateLimits RateLimits          `json:"rate_limits"`
	History    []HistoryEntry      `json:"history,omitempty"`
	Sessions   map[string]*Session `json:"sessions,omitempty"`
}

// Profile is the per-user summary.
type Profile struct {
	CreatedAt    time.Time      `json:"created_at"`
	LastRequest  *string        `json:"last_request"` // DateKey
	TotalLetters int            `json:"total_letters"`
	DisplayName  string         `json:"display_name,omitempty"`
	Timezone     string         `json:"timezone,omitempty"`
	Language     string         `json:"language,omitempty"`
	Preferences  map[string]any `json:"preferences,omitempty"`
	UpdatedAt    *time.Time     `json:"updated_at,omitempty"`
	LastActivity *time.Time     `json:"last_activity,omitempty"`
}

// RateLimits holds daily counters. A missing DateKey means zero.
type RateLimits struct {
	DailyRequests map[string]int `json:"daily_requests"`
	APICalls      map[string]int `json:"api_calls"`
}

// Request is a user's generation request for one calendar day.
type Request struct {
	Theme          string        `json:"theme"`
	Status         RequestStatus `json:"status"`
	RequestedAt    time.Time     `json:"requested_at"`
	GenerationHour int           `json:"generation_hour"`
	RequestID      string        `json:"request_id"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// Letter is a successfully generated letter. Written once per DateKey.
type Letter struct {
	Theme       string         `json:"theme"`
	Content     string         `json:"content"`
	Status      string         `json:"status"`
	GeneratedAt time.Time      `json:"generated_at"`
	Metadata    LetterMetadata `json:"metadata"`
}

// LetterMetadata describes how a letter was produced.
type LetterMetadata struct {
	Theme           string    `json:"theme"`
	GeneratedAt     time.Time `json:"generated_at"`
	StructureModel  string    `json:"structure_model"`
	EnhanceModel    string    `json:"enhance_model"`
	GenerationTime  float64   `json:"generation_time"` // seconds
	UserID          string    `json:"user_id"`
	StructureLength int       `json:"structure_length"`
	FinalLength     int       `json:"final_length"`
	BatchID         string    `json:"batch_id,omitempty"`
}

// HistoryEntry is one recorded user interaction.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Session is bookkeeping for a client session. It is not an authentication
// mechanism.
type Session struct {
	ID         string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	ExpiresAt  time.Time `json:"expires_at"`
	UserAgent  string    `json:"user_agent,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}
