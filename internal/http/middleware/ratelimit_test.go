package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestKeyByClient(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		param  string
		ctxID  string
		header string
		want   string
	}{
		{name: "ip fallback", want: "ip:203.0.113.9"},
		{name: "header", header: "hdr", want: "user:hdr"},
		{name: "context beats header", ctxID: "ctx", header: "hdr", want: "user:ctx"},
		{name: "path param wins", param: "u123", ctxID: "ctx", header: "hdr", want: "user:u123"},
		{name: "blank param ignored", param: "  ", header: "hdr", want: "user:hdr"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Request.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")
			if tc.header != "" {
				c.Request.Header.Set("X-User-ID", tc.header)
			}
			if tc.ctxID != "" {
				c.Set("userID", tc.ctxID)
			}
			if tc.param != "" {
				c.Params = gin.Params{{Key: "id", Value: tc.param}}
			}
			if got := KeyByClient()(c); got != tc.want {
				t.Fatalf("key = %q; want %q", got, tc.want)
			}
		})
	}
}

// fakeClock is advanced by hand.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestRateLimiter_allow_RefillAndWait(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(0.5, 0, KeyByClient()) // one token every 2s, burst coerced to 1
	rl.now = clk.now

	if rl.burst != 1 {
		t.Fatalf("burst = %d; want 1", rl.burst)
	}
	if ok, _ := rl.allow("user:ana"); !ok {
		t.Fatal("first call denied")
	}
	ok, wait := rl.allow("user:ana")
	if ok || wait <= time.Second || wait > 2*time.Second {
		t.Fatalf("second call ok=%v wait=%v; want denied with ~2s", ok, wait)
	}
	// A denied call must not consume the next token.
	clk.advance(2 * time.Second)
	if ok, _ := rl.allow("user:ana"); !ok {
		t.Fatal("token not refilled after 2s")
	}
	if ok, _ := rl.allow("user:bob"); !ok {
		t.Fatal("separate key shares a bucket")
	}
}

func TestRateLimiter_bucket_EvictsIdle(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(1, 1, KeyByClient())
	rl.now = clk.now

	first := rl.bucket("user:idle", clk.now())
	if again := rl.bucket("user:idle", clk.now()); again != first {
		t.Fatal("bucket not reused")
	}

	clk.advance(visitorTTL + time.Minute)
	rl.mu.Lock()
	rl.lookups = gcEvery - 1
	rl.mu.Unlock()
	_ = rl.bucket("user:fresh", clk.now())

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.visitors["user:idle"]; ok {
		t.Fatal("idle bucket survived eviction")
	}
	if _, ok := rl.visitors["user:fresh"]; !ok || rl.lookups != 0 {
		t.Fatalf("fresh bucket missing or counter not reset (lookups=%d)", rl.lookups)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := map[time.Duration]string{
		0:                       "1",
		300 * time.Millisecond:  "1",
		1500 * time.Millisecond: "2",
		17 * time.Minute:        "1020",
	}
	for d, want := range tests {
		if got := retryAfter(d); got != want {
			t.Errorf("retryAfter(%v) = %q; want %q", d, got, want)
		}
	}
}

func TestRateLimiter_Handler_PerUser429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1, 1, KeyByClient())

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Header(requestIDHeader, "rid-1"); c.Next() })
	r.Use(rl.Handler())
	r.GET("/users/:id/limits", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	baseUser := testutil.ToFloat64(rateLimited.WithLabelValues("user"))

	if w := serve(r, http.MethodGet, "/users/a/limits", nil); w.Code != http.StatusOK {
		t.Fatalf("first: %d", w.Code)
	}
	w := serve(r, http.MethodGet, "/users/a/limits", nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "1" {
		t.Fatalf("second: %d Retry-After=%q", w.Code, w.Header().Get("Retry-After"))
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["code"] != "too_many_requests" || body["request_id"] != "rid-1" {
		t.Fatalf("body = %v", body)
	}
	if got := testutil.ToFloat64(rateLimited.WithLabelValues("user")); got != baseUser+1 {
		t.Fatalf("rate limited counter = %v; want %v", got, baseUser+1)
	}

	if w := serve(r, http.MethodGet, "/users/b/limits", nil); w.Code != http.StatusOK {
		t.Fatalf("other user: %d", w.Code)
	}
}
