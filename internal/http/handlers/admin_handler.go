package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-letter-batch/internal/http/middleware"
	"github.com/tbourn/go-letter-batch/internal/repo"
	"github.com/tbourn/go-letter-batch/internal/utils"
)

const (
	defaultStatsDays = 7
	maxStatsDays     = 365
)

// DebugModeBody is the payload of PUT /admin/debug.
type DebugModeBody struct {
	Enabled *bool `json:"enabled"`
}

// BackupResponse names the snapshot written by POST /admin/backup.
type BackupResponse struct {
	Path string `json:"path"`
}

// Status reports the background runner state.
func (h *Handlers) Status(c *gin.Context) {
	ok(c, http.StatusOK, h.operator.Status())
}

// RunBatch runs one hour's batch synchronously. The batch is detached from
// the request context so a client disconnect does not abandon half-written
// letters.
func (h *Handlers) RunBatch(c *gin.Context) {
	hour, err := strconv.Atoi(c.Param("hour"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "hour must be an integer")
		return
	}
	res, err := h.operator.ForceRunBatch(context.WithoutCancel(c.Request.Context()), hour)
	if err != nil {
		failErr(c, err)
		return
	}
	if !res.Success {
		middleware.LoggerFrom(c).Warn().Str("batch_id", res.BatchID).Str("error", res.Error).Msg("forced batch failed")
	}
	ok(c, http.StatusOK, res)
}

// BatchStats aggregates batch runs over ?days (default 7).
func (h *Handlers) BatchStats(c *gin.Context) {
	days := utils.QueryInt(c.Query("days"), defaultStatsDays, 1, maxStatsDays)
	st, err := h.batches.Statistics(c.Request.Context(), days)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// Cleanup runs the retention cleanup now.
func (h *Handlers) Cleanup(c *gin.Context) {
	res := h.operator.ForceRunCleanup(context.WithoutCancel(c.Request.Context()))
	if !res.Success {
		fail(c, http.StatusInternalServerError, ErrCodeStorageFailed, res.Error)
		return
	}
	ok(c, http.StatusOK, res)
}

// Backup snapshots the document.
func (h *Handlers) Backup(c *gin.Context) {
	path, err := h.storage.Backup(c.Request.Context())
	switch {
	case errors.Is(err, repo.ErrNothingToBackup):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
		return
	case err != nil:
		middleware.LoggerFrom(c).Error().Err(err).Msg("backup failed")
		fail(c, http.StatusInternalServerError, ErrCodeStorageFailed, "backup failed")
		return
	}
	ok(c, http.StatusCreated, BackupResponse{Path: path})
}

// ListBackups lists snapshots, newest first.
func (h *Handlers) ListBackups(c *gin.Context) {
	list, err := h.storage.ListBackups()
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("list backups failed")
		fail(c, http.StatusInternalServerError, ErrCodeStorageFailed, "backup directory unavailable")
		return
	}
	if list == nil {
		list = []repo.BackupInfo{}
	}
	ok(c, http.StatusOK, gin.H{"backups": list, "count": len(list)})
}

// StorageStats summarizes the stored document.
func (h *Handlers) StorageStats(c *gin.Context) {
	st, err := h.storage.Stats(c.Request.Context())
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("storage stats failed")
		fail(c, http.StatusInternalServerError, ErrCodeStorageFailed, "storage unavailable")
		return
	}
	ok(c, http.StatusOK, st)
}

// SetDebugMode switches the rate limiter between production and debug
// thresholds.
func (h *Handlers) SetDebugMode(c *gin.Context) {
	var body DebugModeBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "enabled (bool) is required")
		return
	}
	h.limits.SetDebugMode(*body.Enabled)
	middleware.LoggerFrom(c).Warn().Bool("debug_mode", *body.Enabled).Msg("rate limit mode changed")
	ok(c, http.StatusOK, gin.H{"debug_mode": h.limits.DebugMode()})
}

// UserStats aggregates the user directory.
func (h *Handlers) UserStats(c *gin.Context) {
	st, err := h.users.Statistics(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// LimitStats reports today's quota usage across users.
func (h *Handlers) LimitStats(c *gin.Context) {
	st, err := h.limits.Stats(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// ResetUserLimits clears today's counters for one user; debug mode only.
func (h *Handlers) ResetUserLimits(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}
	if err := h.limits.ForceResetUserLimits(c.Request.Context(), uid); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, h.limits.UserStatus(c.Request.Context(), uid))
}
