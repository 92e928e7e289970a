package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tbourn/go-letter-batch/internal/domain"
)

func TestNewRateLimiter_DefaultsZeroThresholds(t *testing.T) {
	l := NewRateLimiter(newMemStore(fixedNow()), LimitConfig{MaxAPICalls: 3}, false)
	if l.Limits.MaxDailyRequests != 1 || l.Limits.MaxAPICalls != 3 ||
		l.Limits.DebugMaxDailyRequests != 10 || l.Limits.DebugMaxAPICalls != 100 {
		t.Fatalf("unexpected limits: %+v", l.Limits)
	}
}

func TestRateLimiter_DailyRequestLimit(t *testing.T) {
	clock, _ := fixedClock(10, 0)
	st := newMemStore(fixedNow())
	l := NewRateLimiter(st, DefaultLimitConfig(), false)
	l.Now = clock
	ctx := context.Background()

	ok, info := l.CheckDailyRequestLimit(ctx, "u1")
	if !ok || info.Count != 0 || info.Remaining != 1 || info.Max != 1 {
		t.Fatalf("fresh user: ok=%v info=%+v", ok, info)
	}

	if err := l.RecordRequest(ctx, "u1"); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}
	ok, info = l.CheckDailyRequestLimit(ctx, "u1")
	if ok || info.Count != 1 || info.Remaining != 0 {
		t.Fatalf("after record: ok=%v info=%+v", ok, info)
	}

	u := st.snapshot(t).Users["u1"]
	day := domain.DateKey(clock())
	if u.Profile.LastRequest == nil || *u.Profile.LastRequest != day {
		t.Fatalf("last_request not stamped: %v", u.Profile.LastRequest)
	}
}

func TestRateLimiter_APICallLimit(t *testing.T) {
	st := newMemStore(fixedNow())
	l := NewRateLimiter(st, LimitConfig{MaxAPICalls: 2}, false)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.RecordAPICall(ctx, "u1", "structure"); err != nil {
			t.Fatalf("RecordAPICall: %v", err)
		}
	}
	ok, info := l.CheckAPICallLimit(ctx, "u1")
	if ok || info.Count != 2 {
		t.Fatalf("want denied at 2 calls, got ok=%v info=%+v", ok, info)
	}

	allowed, msg := l.IsRequestAllowed(ctx, "u1")
	if allowed || !strings.Contains(msg, "API call limit") {
		t.Fatalf("IsRequestAllowed = %v, %q", allowed, msg)
	}
}

func TestRateLimiter_DenialMessageMentionsReset(t *testing.T) {
	clock, _ := fixedClock(22, 0)
	l := NewRateLimiter(newMemStore(fixedNow()), DefaultLimitConfig(), false)
	l.Now = clock
	ctx := context.Background()
	_ = l.RecordRequest(ctx, "u1")

	allowed, msg := l.IsRequestAllowed(ctx, "u1")
	if allowed {
		t.Fatal("expected denial")
	}
	for _, want := range []string{"daily request limit", "(1/1)", "from now", "at 00:00"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestRateLimiter_DebugModeRaisesThresholds(t *testing.T) {
	l := NewRateLimiter(newMemStore(fixedNow()), DefaultLimitConfig(), false)
	ctx := context.Background()
	_ = l.RecordRequest(ctx, "u1")

	if ok, _ := l.CheckDailyRequestLimit(ctx, "u1"); ok {
		t.Fatal("production threshold should deny the second request")
	}
	l.SetDebugMode(true)
	ok, info := l.CheckDailyRequestLimit(ctx, "u1")
	if !ok || info.Max != 10 || !info.DebugMode {
		t.Fatalf("debug: ok=%v info=%+v", ok, info)
	}
	l.SetDebugMode(false)
	if l.DebugMode() {
		t.Fatal("debug mode should be off")
	}
}

func TestRateLimiter_FailClosed(t *testing.T) {
	ctx := context.Background()

	l := NewRateLimiter(&failingStore{loadErr: errDisk}, DefaultLimitConfig(), false)
	ok, info := l.CheckDailyRequestLimit(ctx, "u1")
	if ok || info.Error == "" {
		t.Fatalf("load error must deny: ok=%v info=%+v", ok, info)
	}
	allowed, msg := l.IsRequestAllowed(ctx, "u1")
	if allowed || !strings.Contains(msg, "unable to verify") {
		t.Fatalf("IsRequestAllowed = %v, %q", allowed, msg)
	}

	p := NewRateLimiter(&failingStore{panicLoad: true}, DefaultLimitConfig(), false)
	ok, info = p.CheckAPICallLimit(ctx, "u1")
	if ok || !strings.Contains(info.Error, "panicked") {
		t.Fatalf("panic must deny: ok=%v info=%+v", ok, info)
	}
}

func TestRateLimiter_RecordErrorsPropagate(t *testing.T) {
	l := NewRateLimiter(&failingStore{updateErr: errDisk}, DefaultLimitConfig(), false)
	if err := l.RecordRequest(context.Background(), "u1"); !errors.Is(err, errDisk) {
		t.Fatalf("RecordRequest err = %v", err)
	}
	if err := l.RecordAPICall(context.Background(), "u1", "x"); !errors.Is(err, errDisk) {
		t.Fatalf("RecordAPICall err = %v", err)
	}
}

func TestRateLimiter_ResetDailyCountersKeepsRecentDays(t *testing.T) {
	clock, now := fixedClock(3, 0)
	st := newMemStore(now)
	_ = st.Update(context.Background(), func(doc *domain.Document) error {
		u := doc.EnsureUser("u1", now)
		u.RateLimits.DailyRequests[domain.DateKey(now)] = 1
		u.RateLimits.DailyRequests[domain.DateKey(now.AddDate(0, 0, -7))] = 1
		u.RateLimits.DailyRequests[domain.DateKey(now.AddDate(0, 0, -8))] = 1
		u.RateLimits.APICalls[domain.DateKey(now.AddDate(0, 0, -30))] = 4
		return nil
	})

	l := NewRateLimiter(st, DefaultLimitConfig(), false)
	l.Now = clock
	pruned, err := l.ResetDailyCounters(context.Background())
	if err != nil {
		t.Fatalf("ResetDailyCounters: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}
	u := st.snapshot(t).Users["u1"]
	if len(u.RateLimits.DailyRequests) != 2 || len(u.RateLimits.APICalls) != 0 {
		t.Fatalf("unexpected counters: %+v", u.RateLimits)
	}
}

func TestRateLimiter_ForceResetRequiresDebug(t *testing.T) {
	st := newMemStore(fixedNow())
	l := NewRateLimiter(st, DefaultLimitConfig(), false)
	ctx := context.Background()
	_ = l.RecordRequest(ctx, "u1")

	if err := l.ForceResetUserLimits(ctx, "u1"); !errors.Is(err, ErrDebugModeRequired) {
		t.Fatalf("want ErrDebugModeRequired, got %v", err)
	}

	l.SetDebugMode(true)
	if err := l.ForceResetUserLimits(ctx, "u1"); err != nil {
		t.Fatalf("ForceResetUserLimits: %v", err)
	}
	l.SetDebugMode(false)
	if ok, _ := l.CheckDailyRequestLimit(ctx, "u1"); !ok {
		t.Fatal("counter should be cleared")
	}
}

func TestRateLimiter_UserStatusAndStats(t *testing.T) {
	st := newMemStore(fixedNow())
	l := NewRateLimiter(st, DefaultLimitConfig(), false)
	ctx := context.Background()
	_ = l.RecordRequest(ctx, "u1")
	_ = l.RecordAPICall(ctx, "u2", "enhance")

	us := l.UserStatus(ctx, "u1")
	if us.Allowed || us.DailyRequests.Count != 1 || us.Message == "" {
		t.Fatalf("unexpected status: %+v", us)
	}

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Users != 2 || stats.ActiveUsersToday != 2 || stats.RequestsToday != 1 ||
		stats.APICallsToday != 1 || stats.UsersAtRequestLimit != 1 || stats.UsersAtAPICallLimit != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
