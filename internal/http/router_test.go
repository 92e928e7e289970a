package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-letter-batch/internal/config"
	"github.com/tbourn/go-letter-batch/internal/domain"
	"github.com/tbourn/go-letter-batch/internal/http/handlers"
	"github.com/tbourn/go-letter-batch/internal/pipeline"
	"github.com/tbourn/go-letter-batch/internal/repo"
	"github.com/tbourn/go-letter-batch/internal/runner"
	"github.com/tbourn/go-letter-batch/internal/services"
)

// echoGenerator writes a deterministic letter without calling any model.
type echoGenerator struct{}

func (echoGenerator) Generate(ctx context.Context, userID, theme string, h pipeline.History) (*pipeline.Result, error) {
	return &pipeline.Result{
		Content:  "Dear " + userID + ", about " + theme + ".",
		Metadata: domain.LetterMetadata{},
	}, nil
}

type stack struct {
	r     *gin.Engine
	store *repo.Store
}

// newStack wires real services over a file-backed store in a temp dir.
func newStack(t *testing.T, cfg config.Config) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	store := repo.NewStore(repo.NewFileBackend(filepath.Join(dir, "letters.json")), repo.Options{
		BackupDir: filepath.Join(dir, "backups"),
	})
	hours := []int{2, 3, 4}
	limiter := services.NewRateLimiter(store, services.DefaultLimitConfig(), false)
	requests := services.NewRequestService(store, limiter, hours)
	users := services.NewUserService(store)
	sched := services.NewBatchScheduler(store, requests, users, echoGenerator{}, hours)
	sched.Limiter = limiter
	run := runner.New(sched, nil, runner.Config{Hours: hours, CleanupHour: 1, RetentionDays: 90})

	h := handlers.New(handlers.Deps{
		Requests: requests,
		Users:    users,
		Limits:   limiter,
		Operator: run,
		Batches:  sched,
		Storage:  store,
	})
	r := gin.New()
	RegisterRoutes(r, h, cfg)
	return &stack{r: r, store: store}
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     1000,
		RateBurst:   1000,
		OTEL:        config.OTELConfig{ServiceName: "letters-test"},
	}
}

func (s *stack) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_Health_Metrics_Fallbacks(t *testing.T) {
	s := newStack(t, testConfig())

	w := s.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if w.Header().Get("Cache-Control") != "no-store" || w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing security/correlation headers: %#v", w.Header())
	}

	w = s.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	w = s.do(t, http.MethodGet, "/nope", "")
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), `"code":"not_found"`) {
		t.Fatalf("NoRoute: %d %s", w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodDelete, "/health", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("NoMethod: %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CORS.AllowedOrigins = []string{"https://letters.example"}
	s := newStack(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://letters.example")
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://letters.example" {
		t.Fatalf("ACAO = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin echoed: %q", got)
	}
}

func TestRegisterRoutes_SubmitBatchAndReadLetter(t *testing.T) {
	s := newStack(t, testConfig())

	w := s.do(t, http.MethodPost, "/api/v1/users/ana/requests", `{"theme":"courage","generation_hour":3}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodPost, "/api/v1/users/ana/requests", `{"theme":"again","generation_hour":3}`)
	if w.Code != http.StatusConflict && w.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit: %d %s", w.Code, w.Body.String())
	}

	w = s.do(t, http.MethodPost, "/api/v1/admin/batches/3/run", "")
	if w.Code != http.StatusOK {
		t.Fatalf("run batch: %d %s", w.Code, w.Body.String())
	}
	var res services.BatchResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !res.Success || res.ProcessedCount != 1 || res.SuccessCount != 1 {
		t.Fatalf("batch result = %+v", res)
	}

	w = s.do(t, http.MethodGet, "/api/v1/users/ana/letters", "")
	var letters handlers.LettersResponse
	if err := json.Unmarshal(w.Body.Bytes(), &letters); err != nil {
		t.Fatalf("json: %v", err)
	}
	if letters.Count != 1 || !strings.Contains(letters.Letters[0].Content, "courage") {
		t.Fatalf("letters = %+v", letters)
	}

	w = s.do(t, http.MethodGet, "/api/v1/users/ana/requests/today", "")
	if !strings.Contains(w.Body.String(), `"has_letter":true`) {
		t.Fatalf("request status: %s", w.Body.String())
	}

	w = s.do(t, http.MethodGet, "/api/v1/admin/batches/stats", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"total_runs":1`) {
		t.Fatalf("batch stats: %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_AdminBackupAndStorage(t *testing.T) {
	s := newStack(t, testConfig())
	_ = s.do(t, http.MethodGet, "/api/v1/users/ana/profile", "") // creates the document

	w := s.do(t, http.MethodPost, "/api/v1/admin/backup", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("backup: %d %s", w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodGet, "/api/v1/admin/backups", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"count":1`) {
		t.Fatalf("backups: %d %s", w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodGet, "/api/v1/admin/limits/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("limit stats: %d %s", w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodPost, "/api/v1/admin/users/ana/limits/reset", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("reset outside debug mode: %d %s", w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodGet, "/api/v1/admin/storage", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"users":1`) {
		t.Fatalf("storage: %d %s", w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodGet, "/api/v1/admin/status", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"batch_hours":[2,3,4]`) {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_PerClientRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateRPS, cfg.RateBurst = 0.001, 1
	s := newStack(t, cfg)

	if w := s.do(t, http.MethodGet, "/api/v1/users/a/limits", ""); w.Code != http.StatusOK {
		t.Fatalf("first: %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/users/a/limits", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second: %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/users/b/limits", ""); w.Code != http.StatusOK {
		t.Fatalf("other user: %d", w.Code)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(8))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader([]byte("short"))))
	if w.Code != http.StatusOK {
		t.Fatalf("small body: %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(bytes.Repeat([]byte("x"), 64))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("large body: %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, prefix := range []string{"", "/", "/api/v2"} {
		r := gin.New()
		groupWithPrefix(r, prefix).GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

		path := strings.TrimSuffix(prefix, "/") + "/ping"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNoContent {
			t.Fatalf("prefix %q: GET %s = %d", prefix, path, w.Code)
		}
	}
}
