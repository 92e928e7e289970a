// Package services – UserService
//
// This file implements the user directory layered on the document store:
// profile reads and updates, a capped interaction history, letter history,
// and session bookkeeping. Sessions only track client activity; they do not
// authenticate anyone.
package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-letter-batch/internal/domain"
	"github.com/tbourn/go-letter-batch/internal/observability"
)

// ProfileView is a profile enriched with counts derived from the record.
type ProfileView struct {
	UserID           string         `json:"user_id"`
	Profile          domain.Profile `json:"profile"`
	TotalRequests    int            `json:"total_requests"`
	CompletedLetters int            `json:"completed_letters"`
	PendingRequests  int            `json:"pending_requests"`
	LastActivity     *time.Time     `json:"last_activity"`
}

// ProfileUpdate carries the mutable profile fields. Nil fields are unchanged.
type ProfileUpdate struct {
	DisplayName *string        `json:"display_name"`
	Timezone    *string        `json:"timezone"`
	Language    *string        `json:"language"`
	Preferences map[string]any `json:"preferences"`
}

// Interaction is one event appended to a user's history.
type Interaction struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// LetterSummary is one entry of the letter history.
type LetterSummary struct {
	Date          string    `json:"date"`
	Theme         string    `json:"theme"`
	Content       string    `json:"content"`
	Status        string    `json:"status"`
	GeneratedAt   time.Time `json:"generated_at"`
	ContentLength int       `json:"content_length"`
}

// SessionInfo carries client details recorded with a new session.
type SessionInfo struct {
	UserAgent  string
	RemoteAddr string
}

// UserStats aggregates the directory.
type UserStats struct {
	TotalUsers     int `json:"total_users"`
	ActiveUsers7d  int `json:"active_users_7d"`
	TotalLetters   int `json:"total_letters"`
	TotalSessions  int `json:"total_sessions"`
	ActiveSessions int `json:"active_sessions"`
}

// UserService provides user-level operations.
type UserService struct {
	Store DocumentStore

	// MaxHistory caps the stored interaction history; oldest entries go first.
	MaxHistory int
	// SessionTimeout is the idle lifetime of a session.
	SessionTimeout time.Duration

	Now Clock
}

// NewUserService constructs a UserService with default limits.
func NewUserService(store DocumentStore) *UserService {
	return &UserService{
		Store:          store,
		MaxHistory:     100,
		SessionTimeout: 24 * time.Hour,
	}
}

// Profile returns the user's profile, creating the user record on first
// access.
func (s *UserService) Profile(ctx context.Context, userID string) (ProfileView, error) {
	ctx, span := observability.Tracer("services/UserService").Start(ctx, "Profile",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	doc, err := s.Store.Load(ctx)
	if err != nil {
		return ProfileView{}, err
	}
	if u, ok := doc.User(userID); ok {
		return profileView(userID, u), nil
	}

	var view ProfileView
	err = s.Store.Update(ctx, func(doc *domain.Document) error {
		view = profileView(userID, doc.EnsureUser(userID, s.Now.now()))
		return nil
	})
	if err == nil {
		log.Info().Str("user_id", userID).Msg("user: record created")
	}
	return view, err
}

func profileView(userID string, u *domain.UserRecord) ProfileView {
	v := ProfileView{UserID: userID, Profile: u.Profile, TotalRequests: len(u.Requests)}
	for _, r := range u.Requests {
		if r.Status == domain.RequestPending {
			v.PendingRequests++
		}
	}
	for _, l := range u.Letters {
		if l.Status == domain.LetterCompleted {
			v.CompletedLetters++
		}
	}
	v.LastActivity = u.Profile.LastActivity
	if v.LastActivity == nil && len(u.History) > 0 {
		ts := u.History[len(u.History)-1].Timestamp
		v.LastActivity = &ts
	}
	return v
}

// UpdateProfile applies the non-nil fields of upd.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (ProfileView, error) {
	ctx, span := observability.Tracer("services/UserService").Start(ctx, "UpdateProfile",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	var view ProfileView
	now := s.Now.now()
	err := s.Store.Update(ctx, func(doc *domain.Document) error {
		u := doc.EnsureUser(userID, now)
		if upd.DisplayName != nil {
			u.Profile.DisplayName = strings.TrimSpace(*upd.DisplayName)
		}
		if upd.Timezone != nil {
			u.Profile.Timezone = strings.TrimSpace(*upd.Timezone)
		}
		if upd.Language != nil {
			u.Profile.Language = strings.TrimSpace(*upd.Language)
		}
		if upd.Preferences != nil {
			if u.Profile.Preferences == nil {
				u.Profile.Preferences = map[string]any{}
			}
			for k, v := range upd.Preferences {
				u.Profile.Preferences[k] = v
			}
		}
		u.Profile.UpdatedAt = &now
		view = profileView(userID, u)
		return nil
	})
	return view, err
}

// Preferences returns the user's stored preferences (never nil).
func (s *UserService) Preferences(ctx context.Context, userID string) (map[string]any, error) {
	ctx, span := observability.Tracer("services/UserService").Start(ctx, "Preferences",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	doc, err := s.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if u, ok := doc.User(userID); ok {
		for k, v := range u.Profile.Preferences {
			out[k] = v
		}
	}
	return out, nil
}

// UpdateHistory appends an interaction, trimming the history to MaxHistory
// entries, and refreshes last_activity.
func (s *UserService) UpdateHistory(ctx context.Context, userID string, in Interaction) error {
	ctx, span := observability.Tracer("services/UserService").Start(ctx, "UpdateHistory",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("history.type", in.Type),
		),
	)
	defer span.End()

	now := s.Now.now()
	return s.Store.Update(ctx, func(doc *domain.Document) error {
		appendHistory(doc.EnsureUser(userID, now), in, now, s.maxHistory())
		return nil
	})
}

func (s *UserService) maxHistory() int {
	if s.MaxHistory <= 0 {
		return 100
	}
	return s.MaxHistory
}

func appendHistory(u *domain.UserRecord, in Interaction, now time.Time, max int) {
	u.History = append(u.History, domain.HistoryEntry{Timestamp: now, Type: in.Type, Data: in.Data})
	if over := len(u.History) - max; over > 0 {
		u.History = append([]domain.HistoryEntry(nil), u.History[over:]...)
	}
	u.Profile.LastActivity = &now
}

// History returns the newest interactions first, optionally filtered by type.
// limit <= 0 returns everything.
func (s *UserService) History(ctx context.Context, userID, typ string, limit int) ([]domain.HistoryEntry, error) {
	ctx, span := observability.Tracer("services/UserService").Start(ctx, "History",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	doc, err := s.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := []domain.HistoryEntry{}
	u, ok := doc.User(userID)
	if !ok {
		return out, nil
	}
	for i := len(u.History) - 1; i >= 0; i-- {
		if typ != "" && u.History[i].Type != typ {
			continue
		}
		out = append(out, u.History[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LetterHistory returns the user's letters, newest date first.
func (s *UserService) LetterHistory(ctx context.Context, userID string, limit int) ([]LetterSummary, error) {
	ctx, span := observability.Tracer("services/UserService").Start(ctx, "LetterHistory",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	doc, err := s.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := []LetterSummary{}
	u, ok := doc.User(userID)
	if !ok {
		return out, nil
	}
	for day, l := range u.Letters {
		out = append(out, LetterSummary{
			Date:          day,
			Theme:         l.Theme,
			Content:       l.Content,
			Status:        l.Status,
			GeneratedAt:   l.GeneratedAt,
			ContentLength: len([]rune(l.Content)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Letter returns the letter stored for date.
func (s *UserService) Letter(ctx context.Context, userID, date string) (*domain.Letter, error) {
	ctx, span := observability.Tracer("services/UserService").Start(ctx, "Letter",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("letter.date", date),
		),
	)
	defer span.End()

	doc, err := s.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	u, ok := doc.User(userID)
	if !ok {
		return nil, ErrLetterNotFound
	}
	l, ok := u.Letters[date]
	if !ok {
		return nil, ErrLetterNotFound
	}
	cp := *l
	return &cp, nil
}

// CreateSession opens a new session for userID and returns it.
func (s *UserService) CreateSession(ctx context.Context, userID string, info SessionInfo) (*domain.Session, error) {
	ctx, span := observability.Tracer("services/UserService").Start(ctx, "CreateSession",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := s.Now.now()
	sess := &domain.Session{
		ID:         id,
		UserID:     userID,
		CreatedAt:  now,
		LastAccess: now,
		ExpiresAt:  now.Add(s.sessionTimeout()),
		UserAgent:  info.UserAgent,
		RemoteAddr: info.RemoteAddr,
	}
	err = s.Store.Update(ctx, func(doc *domain.Document) error {
		u := doc.EnsureUser(userID, now)
		if u.Sessions == nil {
			u.Sessions = map[string]*domain.Session{}
		}
		u.Sessions[id] = sess
		appendHistory(u, Interaction{Type: "session_start"}, now, s.maxHistory())
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp := *sess
	return &cp, nil
}

// ValidateSession returns the live session and extends it. Unknown and
// expired sessions yield ErrSessionNotFound; expired ones are removed.
func (s *UserService) ValidateSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx, span := observability.Tracer("services/UserService").Start(ctx, "ValidateSession")
	defer span.End()

	now := s.Now.now()
	var found *domain.Session
	err := s.Store.Update(ctx, func(doc *domain.Document) error {
		for _, u := range doc.Users {
			sess, ok := u.Sessions[sessionID]
			if !ok {
				continue
			}
			if !now.Before(sess.ExpiresAt) {
				delete(u.Sessions, sessionID)
				return nil
			}
			sess.LastAccess = now
			sess.ExpiresAt = now.Add(s.sessionTimeout())
			cp := *sess
			found = &cp
			return nil
		}
		return ErrSessionNotFound
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrSessionNotFound
	}
	return found, nil
}

// InvalidateSession removes a session.
func (s *UserService) InvalidateSession(ctx context.Context, sessionID string) error {
	ctx, span := observability.Tracer("services/UserService").Start(ctx, "InvalidateSession")
	defer span.End()

	return s.Store.Update(ctx, func(doc *domain.Document) error {
		for _, u := range doc.Users {
			if _, ok := u.Sessions[sessionID]; ok {
				delete(u.Sessions, sessionID)
				return nil
			}
		}
		return ErrSessionNotFound
	})
}

func (s *UserService) sessionTimeout() time.Duration {
	if s.SessionTimeout <= 0 {
		return 24 * time.Hour
	}
	return s.SessionTimeout
}

// newSessionID returns 32 random bytes, URL-safe encoded.
func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CleanupOldUserData drops history entries older than days and expired
// sessions. It returns the number of removed items.
func (s *UserService) CleanupOldUserData(ctx context.Context, days int) (int, error) {
	ctx, span := observability.Tracer("services/UserService").Start(ctx, "CleanupOldUserData",
		trace.WithAttributes(
			attribute.Int("retention.days", days),
		),
	)
	defer span.End()

	now := s.Now.now()
	cutoff := now.AddDate(0, 0, -days)
	removed := 0
	err := s.Store.Update(ctx, func(doc *domain.Document) error {
		for _, u := range doc.Users {
			kept := u.History[:0]
			for _, h := range u.History {
				if h.Timestamp.Before(cutoff) {
					removed++
					continue
				}
				kept = append(kept, h)
			}
			u.History = kept
			for id, sess := range u.Sessions {
				if !now.Before(sess.ExpiresAt) {
					delete(u.Sessions, id)
					removed++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Info().Int("days", days).Int("removed", removed).Msg("user: old history and sessions pruned")
	return removed, nil
}

// Statistics aggregates the directory.
func (s *UserService) Statistics(ctx context.Context) (UserStats, error) {
	ctx, span := observability.Tracer("services/UserService").Start(ctx, "Statistics")
	defer span.End()

	doc, err := s.Store.Load(ctx)
	if err != nil {
		return UserStats{}, err
	}
	now := s.Now.now()
	weekAgo := now.AddDate(0, 0, -7)
	st := UserStats{TotalUsers: len(doc.Users)}
	for _, u := range doc.Users {
		st.TotalLetters += len(u.Letters)
		st.TotalSessions += len(u.Sessions)
		for _, sess := range u.Sessions {
			if now.Before(sess.ExpiresAt) {
				st.ActiveSessions++
			}
		}
		if u.Profile.LastActivity != nil && u.Profile.LastActivity.After(weekAgo) {
			st.ActiveUsers7d++
		}
	}
	return st, nil
}
