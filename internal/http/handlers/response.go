// Package handlers serves the letter API: request intake, user profiles and
// letters, sessions, per-user limits, and the operator endpoints that drive
// batches, cleanup and backups.
//
// Every failure is written as an ErrorResponse carrying a stable code from
// errors.go and the X-Request-ID of the call:
//
//	HTTP/1.1 409 Conflict
//	{
//	  "request_id": "0b7c4f0e-...",
//	  "code": "conflict",
//	  "message": "request already submitted today"
//	}
//
// Internal failures keep their cause in the request log and answer with a
// generic message.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-letter-batch/internal/http/middleware"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

const internalMessage = "internal server error"

// fail aborts with the envelope; 5xx are logged on the request logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("handlers: request failed")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is used by the router for NoRoute and NoMethod.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr maps a service error through errorStatus.
func failErr(c *gin.Context, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().Err(err).Str("path", c.FullPath()).Msg("handlers: service error")
		msg = internalMessage
	}
	fail(c, status, code, msg)
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
