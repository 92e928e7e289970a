package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-letter-batch/internal/http/middleware"
	"github.com/tbourn/go-letter-batch/internal/services"
)

// SubmitRequestBody is the payload of POST /users/:id/requests.
type SubmitRequestBody struct {
	Theme          string `json:"theme"`
	GenerationHour *int   `json:"generation_hour"`
}

// SubmitRequest queues today's letter request for a user.
//
// 201 on acceptance; 400 on validation errors; 409 when a request already
// exists for today; 429 when the daily quota is exhausted.
func (h *Handlers) SubmitRequest(c *gin.Context) {
	uid, ok := userParam(c)
	if !ok {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}
	var body SubmitRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if body.GenerationHour == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "generation_hour is required")
		return
	}

	ctx := c.Request.Context()
	res := h.requests.Submit(ctx, uid, body.Theme, *body.GenerationHour)
	if !res.OK {
		status, code := errorStatus(res.Err)
		if status >= http.StatusInternalServerError {
			code = ErrCodeSubmitFailed
		}
		fail(c, status, code, res.Message)
		return
	}

	if err := h.users.UpdateHistory(ctx, uid, services.Interaction{
		Type: "request_submitted",
		Data: map[string]any{"request_id": res.Request.RequestID, "generation_hour": res.Request.GenerationHour},
	}); err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("history update failed")
	}
	ok(c, http.StatusCreated, res)
}

// GetRequestStatus reports the request stored for a day ("today" allowed).
func (h *Handlers) GetRequestStatus(c *gin.Context) {
	uid, valid := userParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}
	date, valid := dateParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "date must be YYYY-MM-DD or today")
		return
	}
	view, err := h.requests.RequestStatus(c.Request.Context(), uid, date)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, view)
}

// RequestStats aggregates request intake across all users.
func (h *Handlers) RequestStats(c *gin.Context) {
	st, err := h.requests.Statistics(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}
