package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-letter-batch/internal/domain"
	"github.com/tbourn/go-letter-batch/internal/services"
	"github.com/tbourn/go-letter-batch/internal/utils"
)

const (
	defaultLetterLimit  = 10
	maxLetterLimit      = 100
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// HistoryResponse wraps a page of interactions.
type HistoryResponse struct {
	UserID  string                `json:"user_id"`
	Entries []domain.HistoryEntry `json:"entries"`
	Count   int                   `json:"count"`
}

// LettersResponse wraps a page of letter summaries.
type LettersResponse struct {
	UserID  string                   `json:"user_id"`
	Letters []services.LetterSummary `json:"letters"`
	Count   int                      `json:"count"`
}

// GetProfile returns the profile view, creating the user on first access.
func (h *Handlers) GetProfile(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}
	v, err := h.users.Profile(c.Request.Context(), uid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, v)
}

// UpdateProfile applies a partial profile update; absent fields are kept.
func (h *Handlers) UpdateProfile(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}
	var upd services.ProfileUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	v, err := h.users.UpdateProfile(c.Request.Context(), uid, upd)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, v)
}

// GetPreferences returns the stored preferences, {} for unknown users.
func (h *Handlers) GetPreferences(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}
	prefs, err := h.users.Preferences(c.Request.Context(), uid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, prefs)
}

// ListHistory returns the newest interactions first, optionally filtered by
// ?type and bounded by ?limit.
func (h *Handlers) ListHistory(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}
	limit := utils.QueryInt(c.Query("limit"), defaultHistoryLimit, 1, maxHistoryLimit)
	entries, err := h.users.History(c.Request.Context(), uid, strings.TrimSpace(c.Query("type")), limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, HistoryResponse{UserID: uid, Entries: entries, Count: len(entries)})
}

// ListLetters returns the newest letters first, bounded by ?limit.
func (h *Handlers) ListLetters(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}
	limit := utils.QueryInt(c.Query("limit"), defaultLetterLimit, 1, maxLetterLimit)
	letters, err := h.users.LetterHistory(c.Request.Context(), uid, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	if letters == nil {
		letters = []services.LetterSummary{}
	}
	ok(c, http.StatusOK, LettersResponse{UserID: uid, Letters: letters, Count: len(letters)})
}

// GetLetter returns one generated letter.
func (h *Handlers) GetLetter(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}
	date, valid := dateParam(c)
	if !valid || date == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "date must be YYYY-MM-DD")
		return
	}
	l, err := h.users.Letter(c.Request.Context(), uid, date)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, l)
}

// GetLimits reports the user's quota counters for today.
func (h *Handlers) GetLimits(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}
	ok(c, http.StatusOK, h.limits.UserStatus(c.Request.Context(), uid))
}

// CreateSession opens a bookkeeping session for the user.
func (h *Handlers) CreateSession(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}
	s, err := h.users.CreateSession(c.Request.Context(), uid, services.SessionInfo{
		UserAgent:  c.Request.UserAgent(),
		RemoteAddr: c.ClientIP(),
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, s)
}

// ValidateSession refreshes a live session; unknown or expired ids are 404.
func (h *Handlers) ValidateSession(c *gin.Context) {
	sid := strings.TrimSpace(c.Param("sid"))
	s, err := h.users.ValidateSession(c.Request.Context(), sid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, s)
}

// InvalidateSession deletes a session.
func (h *Handlers) InvalidateSession(c *gin.Context) {
	sid := strings.TrimSpace(c.Param("sid"))
	if err := h.users.InvalidateSession(c.Request.Context(), sid); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
