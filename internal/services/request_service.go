// Package services – RequestService
//
// This file implements request intake: validating and recording at most one
// generation request per user per calendar day, tagged with the batch hour
// that should process it, plus the discovery queries the scheduler uses to
// find pending work and the one-way status transitions it applies.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/go-letter-batch/internal/domain"
	"github.com/tbourn/go-letter-batch/internal/observability"
)

// RequestGate is the rate-limiting contract consulted at submission time.
type RequestGate interface {
	IsRequestAllowed(ctx context.Context, userID string) (bool, string)
	RecordRequest(ctx context.Context, userID string) error
}

// SubmitResult is the outcome of Submit. OK=false always carries a
// user-facing Message and a non-nil Err that callers can match with
// errors.Is / errors.As.
type SubmitResult struct {
	OK      bool            `json:"success"`
	Message string          `json:"message"`
	Request *domain.Request `json:"request,omitempty"`
	Err     error           `json:"-"`
}

// PendingRequest is a pending request together with its owner and day.
type PendingRequest struct {
	UserID         string    `json:"user_id"`
	Date           string    `json:"date"`
	Theme          string    `json:"theme"`
	RequestedAt    time.Time `json:"requested_at"`
	GenerationHour int       `json:"generation_hour"`
	RequestID      string    `json:"request_id"`
}

// RequestStatusView reports one day's request for a user.
type RequestStatusView struct {
	UserID     string          `json:"user_id"`
	Date       string          `json:"date"`
	HasRequest bool            `json:"has_request"`
	Request    *domain.Request `json:"request,omitempty"`
	HasLetter  bool            `json:"has_letter"`
}

// RequestStats aggregates requests across all users.
type RequestStats struct {
	Total         int                          `json:"total"`
	ByStatus      map[domain.RequestStatus]int `json:"by_status"`
	ByHour        map[int]int                  `json:"by_hour"`
	Today         int                          `json:"today"`
	PendingToday  map[int]int                  `json:"pending_today"`
	UsersWithReqs int                          `json:"users_with_requests"`
}

// RequestService validates submissions and tracks request lifecycle.
type RequestService struct {
	Store   DocumentStore
	Limiter RequestGate

	// Hours lists the valid generation hours.
	Hours []int
	// MinThemeLen and MaxThemeLen bound the theme length in runes.
	MinThemeLen int
	MaxThemeLen int

	Now Clock
}

// NewRequestService constructs a RequestService with default theme bounds.
func NewRequestService(store DocumentStore, limiter RequestGate, hours []int) *RequestService {
	return &RequestService{
		Store:       store,
		Limiter:     limiter,
		Hours:       append([]int(nil), hours...),
		MinThemeLen: 1,
		MaxThemeLen: 200,
	}
}

// ValidHour reports whether h is a configured generation hour.
func (s *RequestService) ValidHour(h int) bool {
	for _, v := range s.Hours {
		if v == h {
			return true
		}
	}
	return false
}

// NormalizeTheme trims and NFC-normalizes a theme and checks its bounds.
// The returned string is what gets stored.
func (s *RequestService) NormalizeTheme(theme string) (string, error) {
	theme = norm.NFC.String(strings.TrimSpace(theme))
	n := utf8.RuneCountInString(theme)
	if n == 0 {
		return "", fmt.Errorf("%w: theme is empty", ErrInvalidTheme)
	}
	if n < s.MinThemeLen {
		return "", fmt.Errorf("%w: theme must be at least %d characters", ErrInvalidTheme, s.MinThemeLen)
	}
	if n > s.MaxThemeLen {
		return "", fmt.Errorf("%w: theme must be at most %d characters", ErrInvalidTheme, s.MaxThemeLen)
	}
	for _, r := range theme {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return "", fmt.Errorf("%w: theme contains control characters", ErrInvalidTheme)
		}
	}
	return theme, nil
}

// Submit records a new pending request for today. Validation, rate-limit,
// duplicate and storage failures are reported in the result, never panicked.
func (s *RequestService) Submit(ctx context.Context, userID, theme string, hour int) SubmitResult {
	ctx, span := observability.Tracer("services/RequestService").Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("batch.hour", hour),
		),
	)
	defer span.End()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return reject(ErrInvalidUser, "user id is required")
	}

	clean, err := s.NormalizeTheme(theme)
	if err != nil {
		return reject(err, strings.TrimPrefix(err.Error(), ErrInvalidTheme.Error()+": "))
	}
	if !s.ValidHour(hour) {
		return reject(ErrInvalidHour, fmt.Sprintf("generation hour must be one of %v", s.Hours))
	}

	if ok, msg := s.Limiter.IsRequestAllowed(ctx, userID); !ok {
		return reject(ErrRateLimited, msg)
	}

	now := s.Now.now()
	day := domain.DateKey(now)
	req := &domain.Request{
		Theme:          clean,
		Status:         domain.RequestPending,
		RequestedAt:    now,
		GenerationHour: hour,
		RequestID:      uuid.NewString(),
	}

	err = s.Store.Update(ctx, func(doc *domain.Document) error {
		u := doc.EnsureUser(userID, now)
		if _, exists := u.Requests[day]; exists {
			return ErrDuplicateRequest
		}
		u.Requests[day] = req
		return nil
	})
	switch {
	case errors.Is(err, ErrDuplicateRequest):
		return reject(err, "a request has already been submitted today")
	case err != nil:
		log.Error().Err(err).Str("user_id", userID).Msg("request: save failed")
		return reject(err, "the request could not be saved; please try again")
	}

	if err := s.Limiter.RecordRequest(ctx, userID); err != nil {
		// the request itself is committed; the duplicate check still guards the day
		log.Warn().Err(err).Str("user_id", userID).Msg("request: counter update failed")
	}

	log.Info().
		Str("user_id", userID).
		Str("request_id", req.RequestID).
		Int("hour", hour).
		Msg("request: accepted")
	return SubmitResult{
		OK:      true,
		Message: fmt.Sprintf("request accepted; your letter will be generated at %02d:00", hour),
		Request: req,
	}
}

func reject(err error, msg string) SubmitResult {
	return SubmitResult{OK: false, Message: msg, Err: err}
}

// PendingByHour returns today's pending requests targeting hour, ordered by
// submission time then user id. An unconfigured hour yields no requests.
func (s *RequestService) PendingByHour(ctx context.Context, hour int) ([]PendingRequest, error) {
	ctx, span := observability.Tracer("services/RequestService").Start(ctx, "PendingByHour",
		trace.WithAttributes(
			attribute.Int("batch.hour", hour),
		),
	)
	defer span.End()

	if !s.ValidHour(hour) {
		log.Warn().Int("hour", hour).Msg("request: pending lookup for unconfigured hour")
		return nil, nil
	}
	doc, err := s.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	day := domain.DateKey(s.Now.now())
	out := pendingFor(doc, day, func(r *domain.Request) bool { return r.GenerationHour == hour })
	log.Info().Int("hour", hour).Int("pending", len(out)).Msg("request: pending requests discovered")
	return out, nil
}

// AllPending groups today's pending requests by generation hour.
func (s *RequestService) AllPending(ctx context.Context) (map[int][]PendingRequest, error) {
	ctx, span := observability.Tracer("services/RequestService").Start(ctx, "AllPending")
	defer span.End()

	doc, err := s.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	day := domain.DateKey(s.Now.now())
	out := make(map[int][]PendingRequest, len(s.Hours))
	for _, h := range s.Hours {
		out[h] = []PendingRequest{}
	}
	for _, p := range pendingFor(doc, day, func(*domain.Request) bool { return true }) {
		out[p.GenerationHour] = append(out[p.GenerationHour], p)
	}
	return out, nil
}

func pendingFor(doc *domain.Document, day string, keep func(*domain.Request) bool) []PendingRequest {
	out := []PendingRequest{}
	for userID, u := range doc.Users {
		r, ok := u.Requests[day]
		if !ok || r.Status != domain.RequestPending || !keep(r) {
			continue
		}
		out = append(out, PendingRequest{
			UserID:         userID,
			Date:           day,
			Theme:          r.Theme,
			RequestedAt:    r.RequestedAt,
			GenerationHour: r.GenerationHour,
			RequestID:      r.RequestID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// MarkProcessed moves a pending request to a terminal status.
func (s *RequestService) MarkProcessed(ctx context.Context, userID, date string, status domain.RequestStatus) error {
	return s.mark(ctx, userID, date, status, "")
}

// MarkFailed moves a pending request to failed with an error message.
func (s *RequestService) MarkFailed(ctx context.Context, userID, date, message string) error {
	return s.mark(ctx, userID, date, domain.RequestFailed, message)
}

func (s *RequestService) mark(ctx context.Context, userID, date string, status domain.RequestStatus, message string) error {
	ctx, span := observability.Tracer("services/RequestService").Start(ctx, "MarkRequest",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("request.date", date),
			attribute.String("request.status", string(status)),
		),
	)
	defer span.End()

	now := s.Now.now()
	err := s.Store.Update(ctx, func(doc *domain.Document) error {
		u, ok := doc.User(userID)
		if !ok {
			return ErrRequestNotFound
		}
		return transitionRequest(u, date, status, message, now)
	})
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("date", date).Str("status", string(status)).Msg("request: status update failed")
		return err
	}
	log.Info().Str("user_id", userID).Str("date", date).Str("status", string(status)).Msg("request: status updated")
	return nil
}

// transitionRequest applies the one-way Pending -> Completed|Failed change.
func transitionRequest(u *domain.UserRecord, date string, status domain.RequestStatus, message string, now time.Time) error {
	if status != domain.RequestCompleted && status != domain.RequestFailed {
		return ErrInvalidStatus
	}
	r, ok := u.Requests[date]
	if !ok {
		return ErrRequestNotFound
	}
	if r.Status != domain.RequestPending {
		return ErrRequestNotPending
	}
	r.Status = status
	r.ProcessedAt = &now
	if status == domain.RequestFailed {
		r.ErrorMessage = message
	}
	return nil
}

// CleanupOldRequests deletes requests dated more than days ago regardless of
// their status.
func (s *RequestService) CleanupOldRequests(ctx context.Context, days int) (int, error) {
	ctx, span := observability.Tracer("services/RequestService").Start(ctx, "CleanupOldRequests",
		trace.WithAttributes(
			attribute.Int("retention.days", days),
		),
	)
	defer span.End()

	deleted := 0
	err := s.Store.Update(ctx, func(doc *domain.Document) error {
		cutoff := domain.CutoffKey(s.Now.now(), days)
		for _, u := range doc.Users {
			deleted += u.PruneRequestsBefore(cutoff)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Info().Int("days", days).Int("deleted", deleted).Msg("request: old requests pruned")
	return deleted, nil
}

// RequestStatus returns the request for userID on date ("" means today).
func (s *RequestService) RequestStatus(ctx context.Context, userID, date string) (RequestStatusView, error) {
	ctx, span := observability.Tracer("services/RequestService").Start(ctx, "RequestStatus",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if date == "" || date == "today" {
		date = domain.DateKey(s.Now.now())
	}
	view := RequestStatusView{UserID: userID, Date: date}
	doc, err := s.Store.Load(ctx)
	if err != nil {
		return view, err
	}
	u, ok := doc.User(userID)
	if !ok {
		return view, nil
	}
	if r, ok := u.Requests[date]; ok {
		cp := *r
		view.HasRequest = true
		view.Request = &cp
	}
	_, view.HasLetter = u.Letters[date]
	return view, nil
}

// Statistics aggregates requests over all users.
func (s *RequestService) Statistics(ctx context.Context) (RequestStats, error) {
	ctx, span := observability.Tracer("services/RequestService").Start(ctx, "Statistics")
	defer span.End()

	doc, err := s.Store.Load(ctx)
	if err != nil {
		return RequestStats{}, err
	}
	today := domain.DateKey(s.Now.now())
	st := RequestStats{
		ByStatus:     map[domain.RequestStatus]int{},
		ByHour:       map[int]int{},
		PendingToday: map[int]int{},
	}
	for _, u := range doc.Users {
		if len(u.Requests) > 0 {
			st.UsersWithReqs++
		}
		for day, r := range u.Requests {
			st.Total++
			st.ByStatus[r.Status]++
			st.ByHour[r.GenerationHour]++
			if day == today {
				st.Today++
				if r.Status == domain.RequestPending {
					st.PendingToday[r.GenerationHour]++
				}
			}
		}
	}
	return st, nil
}
