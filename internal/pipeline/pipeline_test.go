package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/tbourn/go-letter-batch/internal/domain"
	"github.com/tbourn/go-letter-batch/internal/llm"
)

// ----- Fake stage -----

type fakeStage struct {
	name   string
	model  string
	failN  int // fail the first failN calls
	out    string
	err    error
	mu     sync.Mutex
	calls  int
	inputs []StageInput
}

func (f *fakeStage) Name() string  { return f.name }
func (f *fakeStage) Model() string { return f.model }

func (f *fakeStage) Run(ctx context.Context, in StageInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.inputs = append(f.inputs, in)
	if f.calls <= f.failN {
		if f.err != nil {
			return "", f.err
		}
		return "", errors.New("transient")
	}
	return f.out, nil
}

func fastPipeline(s, e Stage) *Pipeline {
	p := New(s, e, nil)
	p.Retry = RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Multiplier: 2}
	return p
}

func TestGenerate_Success(t *testing.T) {
	s := &fakeStage{name: StageStructure, model: "outline-m", out: "outline"}
	e := &fakeStage{name: StageEnhance, model: "final-m", out: "Dear you, héllo"}
	p := fastPipeline(s, e)

	var observed []string
	p.Observer = func(ctx context.Context, userID, stage string) { observed = append(observed, userID+":"+stage) }

	res, err := p.Generate(context.Background(), "u1", "hope", History{TotalLetters: 2})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Content != "Dear you, héllo" {
		t.Fatalf("content = %q", res.Content)
	}
	md := res.Metadata
	if md.Theme != "hope" || md.UserID != "u1" || md.StructureModel != "outline-m" || md.EnhanceModel != "final-m" ||
		md.StructureLength != 7 || md.FinalLength != 15 || md.GeneratedAt.IsZero() {
		t.Fatalf("metadata = %+v", md)
	}
	if e.inputs[0].Draft != "outline" || e.inputs[0].Context.TotalLetters != 2 {
		t.Fatalf("enhance input = %+v", e.inputs[0])
	}
	if strings.Join(observed, ",") != "u1:structure,u1:enhance" {
		t.Fatalf("observed = %v", observed)
	}
}

func TestGenerate_RetriesTransientFailures(t *testing.T) {
	s := &fakeStage{name: StageStructure, failN: 2, out: "outline"}
	e := &fakeStage{name: StageEnhance, failN: 1, out: "letter"}
	p := fastPipeline(s, e)

	res, err := p.Generate(context.Background(), "u1", "hope", History{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Content != "letter" || s.calls != 3 || e.calls != 2 {
		t.Fatalf("content=%q structure calls=%d enhance calls=%d", res.Content, s.calls, e.calls)
	}
}

func TestGenerate_StageExhaustsRetries(t *testing.T) {
	boom := errors.New("upstream 500")
	s := &fakeStage{name: StageStructure, failN: 10, err: boom}
	e := &fakeStage{name: StageEnhance, out: "never"}
	p := fastPipeline(s, e)

	_, err := p.Generate(context.Background(), "u1", "hope", History{})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageStructure || se.Attempts != 3 || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if s.calls != 3 || e.calls != 0 {
		t.Fatalf("structure calls=%d enhance calls=%d", s.calls, e.calls)
	}
}

func TestGenerate_EmptyOutputIsRetried(t *testing.T) {
	s := &fakeStage{name: StageStructure, out: ""}
	e := &fakeStage{name: StageEnhance, out: "x"}
	p := fastPipeline(s, e)

	_, err := p.Generate(context.Background(), "u1", "hope", History{})
	if !errors.Is(err, ErrEmptyOutput) || s.calls != 3 {
		t.Fatalf("err=%v calls=%d", err, s.calls)
	}
}

func TestGenerate_ContextCancelledStopsRetrying(t *testing.T) {
	s := &fakeStage{name: StageStructure, failN: 10}
	p := fastPipeline(s, &fakeStage{name: StageEnhance, out: "x"})
	p.Retry.Initial = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := p.Generate(ctx, "u1", "hope", History{}); err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("retry wait ignored cancellation")
	}
	if s.calls != 1 {
		t.Fatalf("calls = %d", s.calls)
	}
}

func TestGenerate_PacerBlocksOnCancelledContext(t *testing.T) {
	s := &fakeStage{name: StageStructure, out: "o"}
	p := fastPipeline(s, &fakeStage{name: StageEnhance, out: "x"})
	p.Pacer = rate.NewLimiter(rate.Every(time.Hour), 1)
	_ = p.Pacer.Allow() // drain the only token

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Generate(ctx, "u1", "hope", History{}); err == nil {
		t.Fatal("expected pacing error")
	}
	if s.calls != 0 {
		t.Fatalf("stage ran %d times without a token", s.calls)
	}
}

func TestBuildContext(t *testing.T) {
	now := time.Date(2024, time.July, 3, 19, 0, 0, 0, time.UTC)
	letters := map[string]*domain.Letter{}
	for i := 1; i <= 7; i++ {
		day := domain.DateKey(now.AddDate(0, 0, -i))
		letters[day] = &domain.Letter{Theme: "t", Content: strings.Repeat("a", 150), Status: domain.LetterCompleted}
	}
	letters["2000-01-01"] = &domain.Letter{Theme: "old", Status: "draft"}

	gc := BuildContext("hope", History{TotalLetters: 7, Letters: letters}, now)
	if gc.Season != "summer" || gc.TimeOfDay != "evening" || gc.TotalLetters != 7 {
		t.Fatalf("context = %+v", gc)
	}
	if len(gc.Previous) != MaxPreviousLetters || gc.Previous[0].Date != "2024-07-02" {
		t.Fatalf("previous = %+v", gc.Previous)
	}
	if p := gc.Previous[0].Preview; len([]rune(p)) != 103 || !strings.HasSuffix(p, "...") {
		t.Fatalf("preview = %q", p)
	}
}

func TestSeasonAndTimeOfDay(t *testing.T) {
	cases := []struct {
		month  time.Month
		hour   int
		season string
		tod    string
	}{
		{time.January, 6, "winter", "morning"},
		{time.April, 12, "spring", "afternoon"},
		{time.August, 17, "summer", "evening"},
		{time.October, 23, "autumn", "night"},
		{time.December, 4, "winter", "night"},
	}
	for _, c := range cases {
		ts := time.Date(2024, c.month, 1, c.hour, 0, 0, 0, time.UTC)
		if Season(ts) != c.season || TimeOfDay(ts) != c.tod {
			t.Fatalf("%v %d: got %s/%s", c.month, c.hour, Season(ts), TimeOfDay(ts))
		}
	}
}

func TestHistoryFrom(t *testing.T) {
	if h := HistoryFrom(nil); h.TotalLetters != 0 || h.Letters != nil {
		t.Fatalf("nil record history = %+v", h)
	}
	u := domain.NewUserRecord(time.Now())
	u.Profile.TotalLetters = 4
	if h := HistoryFrom(u); h.TotalLetters != 4 {
		t.Fatalf("history = %+v", h)
	}
}

// ----- LLM stage -----

type fakeClient struct {
	req  *llm.CompletionRequest
	resp string
}

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.req = req
	return &llm.CompletionResponse{Content: c.resp}, nil
}

func TestLLMStages_PromptsCarryContext(t *testing.T) {
	c := &fakeClient{resp: "ok"}
	in := StageInput{
		UserID: "u1",
		Context: GenerationContext{
			Theme: "courage", Season: "spring", TimeOfDay: "morning",
			Previous: []PreviousLetter{{Date: "2024-01-02", Theme: "a"}, {Date: "2024-01-01", Theme: "b"}, {Date: "2023-12-31", Theme: "c"}},
		},
		Draft: "1. open 2. close",
	}

	st := NewStructureStage(c, "groq-m")
	if out, err := st.Run(context.Background(), in); err != nil || out != "ok" {
		t.Fatalf("Run = %q, %v", out, err)
	}
	user := c.req.Messages[len(c.req.Messages)-1].Content
	if c.req.Model != "groq-m" || !strings.Contains(user, "courage") || strings.Contains(user, `"c"`) {
		t.Fatalf("structure prompt = %q (model %s)", user, c.req.Model)
	}

	en := NewEnhanceStage(c, "together-m")
	_, _ = en.Run(context.Background(), in)
	user = c.req.Messages[len(c.req.Messages)-1].Content
	if en.Name() != StageEnhance || !strings.Contains(user, "1. open 2. close") {
		t.Fatalf("enhance prompt = %q", user)
	}
}
