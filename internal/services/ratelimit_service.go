// Package services – RateLimiter
//
// This file implements the per-user daily quotas: one letter request per day
// and a bounded number of downstream API calls. Counters live in the user
// record under rate_limits, keyed by DateKey, so a new day starts at zero
// without any reset job. Any failure while reading counters denies the
// request: the one-request-per-day rule must never be bypassed by a storage
// hiccup.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-letter-batch/internal/domain"
	"github.com/tbourn/go-letter-batch/internal/observability"
)

// CounterRetentionDays is how long daily counters are kept by
// ResetDailyCounters.
const CounterRetentionDays = 7

// LimitKind names one of the two daily counters.
type LimitKind string

const (
	LimitDailyRequests LimitKind = "daily_requests"
	LimitAPICalls      LimitKind = "api_calls"
)

// LimitConfig holds production and debug thresholds.
type LimitConfig struct {
	MaxDailyRequests      int
	MaxAPICalls           int
	DebugMaxDailyRequests int
	DebugMaxAPICalls      int
}

// DefaultLimitConfig returns the production defaults.
func DefaultLimitConfig() LimitConfig {
	return LimitConfig{
		MaxDailyRequests:      1,
		MaxAPICalls:           10,
		DebugMaxDailyRequests: 10,
		DebugMaxAPICalls:      100,
	}
}

// LimitInfo describes the state of one counter for today.
type LimitInfo struct {
	Kind      LimitKind `json:"kind"`
	Count     int       `json:"count"`
	Max       int       `json:"max"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	DebugMode bool      `json:"debug_mode"`
	Error     string    `json:"error,omitempty"`
}

// UserLimitStatus combines both counters for one user.
type UserLimitStatus struct {
	UserID        string    `json:"user_id"`
	Date          string    `json:"date"`
	DailyRequests LimitInfo `json:"daily_requests"`
	APICalls      LimitInfo `json:"api_calls"`
	Allowed       bool      `json:"allowed"`
	Message       string    `json:"message,omitempty"`
}

// LimitStats aggregates today's counters over all users.
type LimitStats struct {
	Date                 string `json:"date"`
	DebugMode            bool   `json:"debug_mode"`
	Users                int    `json:"users"`
	ActiveUsersToday     int    `json:"active_users_today"`
	RequestsToday        int    `json:"requests_today"`
	APICallsToday        int    `json:"api_calls_today"`
	UsersAtRequestLimit  int    `json:"users_at_request_limit"`
	UsersAtAPICallLimit  int    `json:"users_at_api_call_limit"`
	MaxDailyRequests     int    `json:"max_daily_requests"`
	MaxAPICallsPerDay    int    `json:"max_api_calls_per_day"`
	CounterRetentionDays int    `json:"counter_retention_days"`
}

// RateLimiter enforces per-user daily quotas stored in the document.
type RateLimiter struct {
	Store  DocumentStore
	Limits LimitConfig
	Now    Clock

	mu    sync.RWMutex
	debug bool
}

// NewRateLimiter constructs a limiter. Zero thresholds fall back to defaults.
func NewRateLimiter(store DocumentStore, limits LimitConfig, debug bool) *RateLimiter {
	def := DefaultLimitConfig()
	if limits.MaxDailyRequests <= 0 {
		limits.MaxDailyRequests = def.MaxDailyRequests
	}
	if limits.MaxAPICalls <= 0 {
		limits.MaxAPICalls = def.MaxAPICalls
	}
	if limits.DebugMaxDailyRequests <= 0 {
		limits.DebugMaxDailyRequests = def.DebugMaxDailyRequests
	}
	if limits.DebugMaxAPICalls <= 0 {
		limits.DebugMaxAPICalls = def.DebugMaxAPICalls
	}
	return &RateLimiter{Store: store, Limits: limits, debug: debug}
}

// SetDebugMode switches thresholds; it applies from the next check.
func (l *RateLimiter) SetDebugMode(on bool) {
	l.mu.Lock()
	l.debug = on
	l.mu.Unlock()
	log.Info().Bool("debug", on).Msg("rate limiter: debug mode changed")
}

// DebugMode reports whether relaxed thresholds are active.
func (l *RateLimiter) DebugMode() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.debug
}

func (l *RateLimiter) limitFor(kind LimitKind) int {
	debug := l.DebugMode()
	switch kind {
	case LimitAPICalls:
		if debug {
			return l.Limits.DebugMaxAPICalls
		}
		return l.Limits.MaxAPICalls
	default:
		if debug {
			return l.Limits.DebugMaxDailyRequests
		}
		return l.Limits.MaxDailyRequests
	}
}

// CheckDailyRequestLimit reports whether the user may submit another
// request today.
func (l *RateLimiter) CheckDailyRequestLimit(ctx context.Context, userID string) (bool, LimitInfo) {
	return l.check(ctx, userID, LimitDailyRequests)
}

// CheckAPICallLimit reports whether the user may trigger another downstream
// API call today.
func (l *RateLimiter) CheckAPICallLimit(ctx context.Context, userID string) (bool, LimitInfo) {
	return l.check(ctx, userID, LimitAPICalls)
}

func (l *RateLimiter) check(ctx context.Context, userID string, kind LimitKind) (allowed bool, info LimitInfo) {
	ctx, span := observability.Tracer("services/RateLimiter").Start(ctx, "CheckLimit",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("limit.kind", string(kind)),
		),
	)
	defer span.End()

	now := l.Now.now()
	info = LimitInfo{
		Kind:      kind,
		Max:       l.limitFor(kind),
		ResetAt:   nextMidnight(now),
		DebugMode: l.DebugMode(),
	}
	defer func() {
		if r := recover(); r != nil {
			allowed = false
			info.Error = fmt.Sprintf("limit check panicked: %v", r)
			log.Error().Str("user_id", userID).Interface("panic", r).Msg("rate limiter: check failed, denying")
		}
	}()

	doc, err := l.Store.Load(ctx)
	if err != nil {
		info.Error = err.Error()
		log.Error().Err(err).Str("user_id", userID).Str("limit", string(kind)).Msg("rate limiter: check failed, denying")
		return false, info
	}

	info.Count = counterFor(doc, userID, kind, domain.DateKey(now))
	info.Remaining = info.Max - info.Count
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	return info.Count < info.Max, info
}

func counterFor(doc *domain.Document, userID string, kind LimitKind, day string) int {
	u, ok := doc.User(userID)
	if !ok {
		return 0
	}
	if kind == LimitAPICalls {
		return u.RateLimits.APICalls[day]
	}
	return u.RateLimits.DailyRequests[day]
}

// RecordRequest increments today's request counter and stamps
// profile.last_request. Callers invoke it once per accepted submission.
func (l *RateLimiter) RecordRequest(ctx context.Context, userID string) error {
	ctx, span := observability.Tracer("services/RateLimiter").Start(ctx, "RecordRequest",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	now := l.Now.now()
	day := domain.DateKey(now)
	err := l.Store.Update(ctx, func(doc *domain.Document) error {
		u := doc.EnsureUser(userID, now)
		u.RateLimits.DailyRequests[day]++
		u.Profile.LastRequest = &day
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("rate limiter: record request failed")
	}
	return err
}

// RecordAPICall increments today's API call counter. tag identifies the
// call site in logs.
func (l *RateLimiter) RecordAPICall(ctx context.Context, userID, tag string) error {
	ctx, span := observability.Tracer("services/RateLimiter").Start(ctx, "RecordAPICall",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("api.tag", tag),
		),
	)
	defer span.End()

	now := l.Now.now()
	day := domain.DateKey(now)
	count := 0
	err := l.Store.Update(ctx, func(doc *domain.Document) error {
		u := doc.EnsureUser(userID, now)
		u.RateLimits.APICalls[day]++
		count = u.RateLimits.APICalls[day]
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("tag", tag).Msg("rate limiter: record api call failed")
		return err
	}
	log.Debug().Str("user_id", userID).Str("tag", tag).Int("count", count).Msg("rate limiter: api call recorded")
	return nil
}

// IsRequestAllowed combines both counters. On rejection the message says
// which limit was hit and when it resets.
func (l *RateLimiter) IsRequestAllowed(ctx context.Context, userID string) (bool, string) {
	ok, info := l.CheckDailyRequestLimit(ctx, userID)
	if !ok {
		observability.RateLimitDenials.WithLabelValues(string(LimitDailyRequests)).Inc()
		return false, l.denialMessage("daily request limit", info)
	}
	ok, info = l.CheckAPICallLimit(ctx, userID)
	if !ok {
		observability.RateLimitDenials.WithLabelValues(string(LimitAPICalls)).Inc()
		return false, l.denialMessage("daily API call limit", info)
	}
	return true, ""
}

func (l *RateLimiter) denialMessage(what string, info LimitInfo) string {
	if info.Error != "" {
		return "unable to verify " + what + "; please try again later"
	}
	now := l.Now.now()
	return fmt.Sprintf("%s reached (%d/%d); resets %s at %s",
		what, info.Count, info.Max,
		humanize.RelTime(info.ResetAt, now, "ago", "from now"),
		info.ResetAt.Format("15:04"))
}

// ResetDailyCounters prunes counter entries older than CounterRetentionDays
// for every user and returns how many were removed. Today's counters are
// never touched.
func (l *RateLimiter) ResetDailyCounters(ctx context.Context) (int, error) {
	ctx, span := observability.Tracer("services/RateLimiter").Start(ctx, "ResetDailyCounters")
	defer span.End()

	pruned := 0
	err := l.Store.Update(ctx, func(doc *domain.Document) error {
		cutoff := domain.CutoffKey(l.Now.now(), CounterRetentionDays)
		for _, u := range doc.Users {
			pruned += u.PruneCountersBefore(cutoff)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		log.Info().Int("pruned", pruned).Msg("rate limiter: old counters pruned")
	}
	return pruned, nil
}

// ForceResetUserLimits clears today's counters for one user. Only allowed in
// debug mode.
func (l *RateLimiter) ForceResetUserLimits(ctx context.Context, userID string) error {
	ctx, span := observability.Tracer("services/RateLimiter").Start(ctx, "ForceResetUserLimits",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if !l.DebugMode() {
		return ErrDebugModeRequired
	}
	now := l.Now.now()
	day := domain.DateKey(now)
	err := l.Store.Update(ctx, func(doc *domain.Document) error {
		u := doc.EnsureUser(userID, now)
		delete(u.RateLimits.DailyRequests, day)
		delete(u.RateLimits.APICalls, day)
		return nil
	})
	if err == nil {
		log.Warn().Str("user_id", userID).Msg("rate limiter: user limits force-reset")
	}
	return err
}

// UserStatus reports both counters for one user.
func (l *RateLimiter) UserStatus(ctx context.Context, userID string) UserLimitStatus {
	_, daily := l.CheckDailyRequestLimit(ctx, userID)
	_, calls := l.CheckAPICallLimit(ctx, userID)
	allowed, msg := l.IsRequestAllowed(ctx, userID)
	return UserLimitStatus{
		UserID:        userID,
		Date:          domain.DateKey(l.Now.now()),
		DailyRequests: daily,
		APICalls:      calls,
		Allowed:       allowed,
		Message:       msg,
	}
}

// Stats aggregates today's counters across all users.
func (l *RateLimiter) Stats(ctx context.Context) (LimitStats, error) {
	ctx, span := observability.Tracer("services/RateLimiter").Start(ctx, "Stats")
	defer span.End()

	doc, err := l.Store.Load(ctx)
	if err != nil {
		return LimitStats{}, err
	}
	day := domain.DateKey(l.Now.now())
	st := LimitStats{
		Date:                 day,
		DebugMode:            l.DebugMode(),
		Users:                len(doc.Users),
		MaxDailyRequests:     l.limitFor(LimitDailyRequests),
		MaxAPICallsPerDay:    l.limitFor(LimitAPICalls),
		CounterRetentionDays: CounterRetentionDays,
	}
	for _, u := range doc.Users {
		req := u.RateLimits.DailyRequests[day]
		calls := u.RateLimits.APICalls[day]
		if req > 0 || calls > 0 {
			st.ActiveUsersToday++
		}
		st.RequestsToday += req
		st.APICallsToday += calls
		if req >= st.MaxDailyRequests {
			st.UsersAtRequestLimit++
		}
		if calls >= st.MaxAPICallsPerDay {
			st.UsersAtAPICallLimit++
		}
	}
	return st, nil
}
