// Handlers bind transport input, call one service operation and translate
// the outcome. Services are consumed through the narrow interfaces below.

package handlers

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-letter-batch/internal/domain"
	"github.com/tbourn/go-letter-batch/internal/repo"
	"github.com/tbourn/go-letter-batch/internal/runner"
	"github.com/tbourn/go-letter-batch/internal/services"
)

//
// Service interfaces (narrow, test-friendly)
//

// RequestService accepts submissions and reports request state.
type RequestService interface {
	Submit(ctx context.Context, userID, theme string, hour int) services.SubmitResult
	RequestStatus(ctx context.Context, userID, date string) (services.RequestStatusView, error)
	Statistics(ctx context.Context) (services.RequestStats, error)
}

// UserService exposes profiles, letters and sessions.
type UserService interface {
	Profile(ctx context.Context, userID string) (services.ProfileView, error)
	UpdateProfile(ctx context.Context, userID string, upd services.ProfileUpdate) (services.ProfileView, error)
	UpdateHistory(ctx context.Context, userID string, in services.Interaction) error
	LetterHistory(ctx context.Context, userID string, limit int) ([]services.LetterSummary, error)
	Letter(ctx context.Context, userID, date string) (*domain.Letter, error)
	CreateSession(ctx context.Context, userID string, info services.SessionInfo) (*domain.Session, error)
	ValidateSession(ctx context.Context, sessionID string) (*domain.Session, error)
	InvalidateSession(ctx context.Context, sessionID string) error
	Preferences(ctx context.Context, userID string) (map[string]any, error)
	History(ctx context.Context, userID, typ string, limit int) ([]domain.HistoryEntry, error)
	Statistics(ctx context.Context) (services.UserStats, error)
}

// LimitService reports quotas and toggles debug thresholds.
type LimitService interface {
	UserStatus(ctx context.Context, userID string) services.UserLimitStatus
	ForceResetUserLimits(ctx context.Context, userID string) error
	Stats(ctx context.Context) (services.LimitStats, error)
	SetDebugMode(on bool)
	DebugMode() bool
}

// Operator drives the background runner on demand.
type Operator interface {
	Status() runner.Status
	ForceRunBatch(ctx context.Context, hour int) (*services.BatchResult, error)
	ForceRunCleanup(ctx context.Context) services.CleanupResult
}

// BatchReporter aggregates recorded batch runs.
type BatchReporter interface {
	Statistics(ctx context.Context, days int) (services.BatchStats, error)
}

// Storage is the operational surface of the document store.
type Storage interface {
	Backup(ctx context.Context) (string, error)
	ListBackups() ([]repo.BackupInfo, error)
	Stats(ctx context.Context) (repo.StorageStats, error)
}

// Handlers bundles the services used by the HTTP layer.
type Handlers struct {
	requests RequestService
	users    UserService
	limits   LimitService
	operator Operator
	batches  BatchReporter
	storage  Storage
}

// Deps lists the collaborators of New.
type Deps struct {
	Requests RequestService
	Users    UserService
	Limits   LimitService
	Operator Operator
	Batches  BatchReporter
	Storage  Storage
}

// New wires handlers to services.
func New(d Deps) *Handlers {
	return &Handlers{
		requests: d.Requests,
		users:    d.Users,
		limits:   d.Limits,
		operator: d.Operator,
		batches:  d.Batches,
		storage:  d.Storage,
	}
}

// userParam returns the trimmed :id path parameter and stores it under
// "userID" so the access log and rate limiter can key on it.
func userParam(c *gin.Context) (string, bool) {
	uid := strings.TrimSpace(c.Param("id"))
	if uid == "" {
		return "", false
	}
	c.Set("userID", uid)
	return uid, true
}

// dateParam accepts a DateKey or "today"; the empty string means today.
func dateParam(c *gin.Context) (string, bool) {
	d := strings.TrimSpace(c.Param("date"))
	if d == "" || d == "today" {
		return "", true
	}
	return d, domain.ValidDateKey(d)
}
