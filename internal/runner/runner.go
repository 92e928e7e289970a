// Package runner drives the batch scheduler from the wall clock. A single
// background loop polls the time, runs each configured batch hour once per
// day and the retention cleanup once per day, and never exits on error.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-letter-batch/internal/domain"
	"github.com/tbourn/go-letter-batch/internal/notify"
	"github.com/tbourn/go-letter-batch/internal/services"
)

// Scheduler is implemented by services.BatchScheduler.
type Scheduler interface {
	RunHourlyBatch(ctx context.Context, hour int) (*services.BatchResult, error)
	CleanupOldData(ctx context.Context, days int) services.CleanupResult
}

// Config controls the loop.
type Config struct {
	Hours         []int
	CleanupHour   int
	RetentionDays int
	PollInterval  time.Duration
	StopTimeout   time.Duration
	// MaxErrorBackoff caps the pause after a failed iteration.
	MaxErrorBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.MaxErrorBackoff <= 0 {
		c.MaxErrorBackoff = 5 * time.Minute
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	return c
}

// Status is a point-in-time view of the runner.
type Status struct {
	Running       bool              `json:"running"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	Hours         []int             `json:"batch_hours"`
	CleanupHour   int               `json:"cleanup_hour"`
	RetentionDays int               `json:"retention_days"`
	PollInterval  string            `json:"poll_interval"`
	LastExecution map[string]string `json:"last_execution"`
	LastCleanup   string            `json:"last_cleanup,omitempty"`
	LastTick      *time.Time        `json:"last_tick,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	NextBatch     *time.Time        `json:"next_batch,omitempty"`
	NextCleanup   *time.Time        `json:"next_cleanup,omitempty"`
}

// Runner is the background trigger loop.
type Runner struct {
	sched    Scheduler
	notifier notify.Notifier
	cfg      Config

	batchExpr   *cronexpr.Expression
	cleanupExpr *cronexpr.Expression

	// Now defaults to time.Now.
	Now func() time.Time

	mu            sync.Mutex
	running       bool
	stopCh        chan struct{}
	done          chan struct{}
	startedAt     time.Time
	lastExecution map[int]string // hour -> DateKey
	lastCleanup   string
	lastTick      time.Time
	lastError     string
}

// New builds a runner. A nil notifier logs events.
func New(sched Scheduler, n notify.Notifier, cfg Config) *Runner {
	if n == nil {
		n = notify.LogNotifier{}
	}
	cfg = cfg.withDefaults()
	r := &Runner{
		sched:         sched,
		notifier:      n,
		cfg:           cfg,
		Now:           time.Now,
		lastExecution: map[int]string{},
	}
	if len(cfg.Hours) > 0 {
		r.batchExpr, _ = cronexpr.Parse("0 " + joinHours(cfg.Hours) + " * * *")
	}
	r.cleanupExpr, _ = cronexpr.Parse(fmt.Sprintf("0 %d * * *", cfg.CleanupHour))
	return r
}

func joinHours(hours []int) string {
	parts := make([]string, len(hours))
	for i, h := range hours {
		parts[i] = strconv.Itoa(h)
	}
	return strings.Join(parts, ",")
}

// Start launches the loop. It returns false if the loop is already running.
func (r *Runner) Start(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		log.Warn().Msg("runner: already running")
		return false
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	r.startedAt = r.Now()

	go r.loop(ctx, r.stopCh, r.done)
	log.Info().
		Ints("hours", r.cfg.Hours).
		Int("cleanup_hour", r.cfg.CleanupHour).
		Dur("interval", r.cfg.PollInterval).
		Msg("runner: started")
	return true
}

// Stop signals the loop and waits up to the stop timeout. Stopping a stopped
// runner is a no-op returning true; false means the loop did not exit in
// time (an in-flight batch keeps running to completion).
func (r *Runner) Stop() bool {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return true
	}
	r.running = false
	close(r.stopCh)
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
		log.Info().Msg("runner: stopped")
		return true
	case <-time.After(r.cfg.StopTimeout):
		log.Warn().Dur("timeout", r.cfg.StopTimeout).Msg("runner: loop did not stop in time")
		return false
	}
}

// IsRunning reports whether the loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) loop(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	defer func() {
		// A cancelled ctx ends the loop without Stop; leave the runner restartable.
		r.mu.Lock()
		if r.done == done {
			r.running = false
		}
		r.mu.Unlock()
		close(done)
	}()
	for {
		wait := r.cfg.PollInterval
		if err := r.safeTick(ctx); err != nil {
			r.notifier.Error(ctx, "runner", err)
			wait = min(2*r.cfg.PollInterval, r.cfg.MaxErrorBackoff)
			log.Error().Err(err).Dur("backoff", wait).Msg("runner: iteration failed")
		}

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *Runner) safeTick(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("runner iteration panicked: %v", rec)
		}
		r.mu.Lock()
		r.lastTick = r.Now()
		if err != nil {
			r.lastError = err.Error()
		}
		r.mu.Unlock()
	}()
	return r.tick(ctx)
}

// tick performs one poll: at most one batch and one cleanup.
func (r *Runner) tick(ctx context.Context) error {
	now := r.Now()
	hour, day := now.Hour(), domain.DateKey(now)

	if r.isBatchHour(hour) && !r.executed(hour, day) {
		// in-flight batches outlive Stop
		res, err := r.sched.RunHourlyBatch(context.WithoutCancel(ctx), hour)
		switch {
		case errors.Is(err, services.ErrBatchInProgress):
			log.Info().Int("hour", hour).Msg("runner: batch already in progress, retrying next poll")
		case err != nil:
			r.markExecuted(hour, day)
			return err
		default:
			r.markExecuted(hour, day)
			r.notifier.BatchCompleted(ctx, res)
		}
	}

	if hour == r.cfg.CleanupHour && !r.cleanedUp(day) {
		r.mu.Lock()
		r.lastCleanup = day
		r.mu.Unlock()
		res := r.sched.CleanupOldData(context.WithoutCancel(ctx), r.cfg.RetentionDays)
		r.notifier.CleanupCompleted(ctx, res)
	}
	return nil
}

func (r *Runner) isBatchHour(h int) bool {
	for _, v := range r.cfg.Hours {
		if v == h {
			return true
		}
	}
	return false
}

func (r *Runner) executed(hour int, day string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastExecution[hour] == day
}

func (r *Runner) markExecuted(hour int, day string) {
	r.mu.Lock()
	r.lastExecution[hour] = day
	r.mu.Unlock()
}

func (r *Runner) cleanedUp(day string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCleanup == day
}

// ForceRunBatch runs hour's batch now, outside the schedule. A successful
// run counts as today's execution for that hour.
func (r *Runner) ForceRunBatch(ctx context.Context, hour int) (*services.BatchResult, error) {
	log.Info().Int("hour", hour).Msg("runner: forced batch")
	res, err := r.sched.RunHourlyBatch(ctx, hour)
	if err != nil {
		return nil, err
	}
	r.markExecuted(hour, domain.DateKey(r.Now()))
	r.notifier.BatchCompleted(ctx, res)
	return res, nil
}

// ForceRunCleanup runs the retention cleanup now.
func (r *Runner) ForceRunCleanup(ctx context.Context) services.CleanupResult {
	log.Info().Msg("runner: forced cleanup")
	res := r.sched.CleanupOldData(ctx, r.cfg.RetentionDays)
	r.mu.Lock()
	r.lastCleanup = domain.DateKey(r.Now())
	r.mu.Unlock()
	r.notifier.CleanupCompleted(ctx, res)
	return res
}

// Status reports the loop state and the next scheduled times.
func (r *Runner) Status() Status {
	now := r.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		Running:       r.running,
		Hours:         append([]int(nil), r.cfg.Hours...),
		CleanupHour:   r.cfg.CleanupHour,
		RetentionDays: r.cfg.RetentionDays,
		PollInterval:  r.cfg.PollInterval.String(),
		LastExecution: map[string]string{},
		LastCleanup:   r.lastCleanup,
		LastError:     r.lastError,
	}
	sort.Ints(st.Hours)
	if r.running {
		t := r.startedAt
		st.StartedAt = &t
	}
	if !r.lastTick.IsZero() {
		t := r.lastTick
		st.LastTick = &t
	}
	for h, d := range r.lastExecution {
		st.LastExecution[strconv.Itoa(h)] = d
	}
	st.NextBatch = nextAfter(r.batchExpr, now)
	st.NextCleanup = nextAfter(r.cleanupExpr, now)
	return st
}

func nextAfter(expr *cronexpr.Expression, now time.Time) *time.Time {
	if expr == nil {
		return nil
	}
	next := expr.Next(now)
	if next.IsZero() {
		return nil
	}
	return &next
}
