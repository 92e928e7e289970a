// Package services defines the business logic of the letter service: request
// intake, per-user daily limits, the user directory, and the hourly batch
// scheduler that turns pending requests into letters.
//
// This file centralizes service-level error values so that they can be
// returned consistently by service methods and mapped to HTTP results by the
// handler layer. Storage failures are not redefined here: they surface as
// *repo.StorageError and callers treat the operation as not committed.
package services

import "errors"

// Intake validation errors.
var (
	// ErrInvalidTheme is returned when a theme is empty, too long, or contains
	// control characters.
	ErrInvalidTheme = errors.New("invalid theme")

	// ErrInvalidHour is returned when the requested generation hour is not one
	// of the configured batch hours.
	ErrInvalidHour = errors.New("invalid generation hour")

	// ErrDuplicateRequest is returned when the user already has a request for
	// the current day.
	ErrDuplicateRequest = errors.New("request already submitted today")

	// ErrInvalidUser is returned for an empty user identifier.
	ErrInvalidUser = errors.New("user id is required")
)

// Rate limiting errors.
var (
	// ErrRateLimited is returned when a daily quota is exhausted, or when the
	// quota could not be checked (fail-closed).
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrDebugModeRequired is returned by operations restricted to debug mode.
	ErrDebugModeRequired = errors.New("operation requires debug mode")
)

// Request lifecycle errors.
var (
	// ErrRequestNotFound indicates that no request exists for the user and date.
	ErrRequestNotFound = errors.New("request not found")

	// ErrRequestNotPending is returned when trying to transition a request that
	// already reached a terminal state.
	ErrRequestNotPending = errors.New("request is not pending")

	// ErrInvalidStatus is returned for a terminal status outside completed/failed.
	ErrInvalidStatus = errors.New("invalid request status")
)

// User directory errors.
var (
	// ErrUserNotFound indicates that the user has no stored record.
	ErrUserNotFound = errors.New("user not found")

	// ErrLetterNotFound indicates that no letter exists for the user and date.
	ErrLetterNotFound = errors.New("letter not found")

	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("session not found or expired")
)

// Batch errors.
var (
	// ErrInvalidBatchHour is returned when a batch is requested for an hour that
	// is not configured. No run record is created.
	ErrInvalidBatchHour = errors.New("hour is not a configured batch hour")

	// ErrBatchInProgress is returned when another batch is already running.
	ErrBatchInProgress = errors.New("another batch is already running")
)
