// Package services – BatchScheduler
//
// This file turns the pending requests of one batch hour into letters. A run
// is recorded in the system batch log before any work starts, fans out to the
// generator with a bounded number of concurrent jobs, and records its
// aggregate outcome when every job has settled. A failing job only fails its
// own request; only errors outside the fan-out fail the run itself.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-letter-batch/internal/domain"
	"github.com/tbourn/go-letter-batch/internal/observability"
	"github.com/tbourn/go-letter-batch/internal/pipeline"
)

const (
	// DefaultMaxConcurrent is the default number of simultaneous generations.
	DefaultMaxConcurrent = 3
	// DefaultGenerationTimeout bounds one generation job.
	DefaultGenerationTimeout = 300 * time.Second
)

// BatchStore is the storage surface the scheduler needs.
type BatchStore interface {
	DocumentStore
	CleanupOldData(ctx context.Context, days int) (domain.PruneCounts, error)
	Backup(ctx context.Context) (string, error)
}

// RequestQueue is implemented by RequestService.
type RequestQueue interface {
	PendingByHour(ctx context.Context, hour int) ([]PendingRequest, error)
	MarkFailed(ctx context.Context, userID, date, message string) error
	CleanupOldRequests(ctx context.Context, days int) (int, error)
}

// UserActivity is implemented by UserService.
type UserActivity interface {
	UpdateHistory(ctx context.Context, userID string, in Interaction) error
	CleanupOldUserData(ctx context.Context, days int) (int, error)
}

// CounterPruner is implemented by RateLimiter.
type CounterPruner interface {
	ResetDailyCounters(ctx context.Context) (int, error)
}

// JobError describes one failed generation job.
type JobError struct {
	RequestIndex int    `json:"request_index"`
	UserID       string `json:"user_id"`
	Error        string `json:"error"`
}

// BatchResult is the outcome of RunHourlyBatch.
type BatchResult struct {
	Success        bool       `json:"success"`
	BatchID        string     `json:"batch_id"`
	Hour           int        `json:"hour"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	ExecutionTime  float64    `json:"execution_time"` // seconds
	ProcessedCount int        `json:"processed_count"`
	SuccessCount   int        `json:"success_count"`
	FailedCount    int        `json:"failed_count"`
	Errors         []JobError `json:"errors"`
	Error          string     `json:"error,omitempty"`
}

// CleanupResult is the outcome of CleanupOldData.
type CleanupResult struct {
	Success          bool      `json:"success"`
	DeletedLetters   int       `json:"deleted_letters"`
	DeletedRequests  int       `json:"deleted_requests"`
	DeletedCounters  int       `json:"deleted_counters"`
	DeletedHistory   int       `json:"deleted_history"`
	PrunedRateLimits int       `json:"pruned_rate_limits"`
	BackupPath       string    `json:"backup_path,omitempty"`
	CleanupDate      time.Time `json:"cleanup_date"`
	Error            string    `json:"error,omitempty"`
}

// BatchScheduler runs hourly batches.
type BatchScheduler struct {
	Store     BatchStore
	Requests  RequestQueue
	Users     UserActivity
	Generator pipeline.Generator
	// Limiter is optional; when set, cleanup also prunes rate-limit counters.
	Limiter CounterPruner

	Hours         []int
	MaxConcurrent int
	Timeout       time.Duration

	Now Clock

	running sync.Mutex
}

// NewBatchScheduler wires a scheduler with default concurrency and timeout.
func NewBatchScheduler(store BatchStore, requests RequestQueue, users UserActivity, gen pipeline.Generator, hours []int) *BatchScheduler {
	return &BatchScheduler{
		Store:         store,
		Requests:      requests,
		Users:         users,
		Generator:     gen,
		Hours:         append([]int(nil), hours...),
		MaxConcurrent: DefaultMaxConcurrent,
		Timeout:       DefaultGenerationTimeout,
	}
}

// ValidHour reports whether hour is a configured batch hour.
func (s *BatchScheduler) ValidHour(hour int) bool {
	for _, h := range s.Hours {
		if h == hour {
			return true
		}
	}
	return false
}

// RunHourlyBatch processes today's pending requests for hour.
//
// An unconfigured hour yields ErrInvalidBatchHour and a concurrent call
// yields ErrBatchInProgress; neither creates a run record. Every other
// outcome, including infrastructure failures, is reported in the result.
func (s *BatchScheduler) RunHourlyBatch(ctx context.Context, hour int) (*BatchResult, error) {
	if !s.ValidHour(hour) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBatchHour, hour)
	}
	if !s.running.TryLock() {
		return nil, ErrBatchInProgress
	}
	defer s.running.Unlock()

	start := s.Now.now()
	res := &BatchResult{
		Hour:      hour,
		StartTime: start,
		BatchID:   fmt.Sprintf("%s_%d", start.Format("20060102_150405"), hour),
		Errors:    []JobError{},
	}

	ctx, span := observability.Tracer("services/batch").Start(ctx, "batch.RunHourlyBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.hour", hour))

	logger := log.With().Int("hour", hour).Logger()

	id, err := s.recordStart(ctx, res.BatchID, hour, start)
	if err != nil {
		s.finish(res, fmt.Errorf("record batch start: %w", err))
		logger.Error().Err(err).Msg("batch: could not record start, aborting")
		span.RecordError(err)
		span.SetStatus(codes.Error, "record start failed")
		return res, nil
	}
	res.BatchID = id
	span.SetAttributes(attribute.String("batch.id", id))
	logger = logger.With().Str("batch_id", id).Logger()
	logger.Info().Msg("batch: started")

	runErr := s.processPending(ctx, id, hour, res)
	s.finish(res, runErr)

	// The run record is settled even when the caller's ctx was cancelled.
	if err := s.recordEnd(context.WithoutCancel(ctx), id, res); err != nil {
		logger.Error().Err(err).Msg("batch: could not record completion")
		if res.Success {
			res.Success = false
			res.Error = fmt.Sprintf("record batch completion: %v", err)
		}
	}

	status := domain.BatchCompleted
	if !res.Success {
		status = domain.BatchFailed
		span.SetStatus(codes.Error, res.Error)
	}
	observability.BatchRuns.WithLabelValues(fmt.Sprint(hour), string(status)).Inc()
	observability.BatchDuration.WithLabelValues(fmt.Sprint(hour)).Observe(res.ExecutionTime)

	logger.Info().
		Bool("success", res.Success).
		Int("processed", res.ProcessedCount).
		Int("succeeded", res.SuccessCount).
		Int("failed", res.FailedCount).
		Float64("seconds", res.ExecutionTime).
		Msg("batch: finished")
	return res, nil
}

func (s *BatchScheduler) finish(res *BatchResult, err error) {
	res.EndTime = s.Now.now()
	res.ExecutionTime = res.EndTime.Sub(res.StartTime).Seconds()
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
	}
}

// recordStart appends a Running record and returns its id, which gets a
// numeric suffix if an earlier run started in the same second.
func (s *BatchScheduler) recordStart(ctx context.Context, id string, hour int, start time.Time) (string, error) {
	final := id
	err := s.Store.Update(ctx, func(doc *domain.Document) error {
		if doc.System.BatchRuns == nil {
			doc.System.BatchRuns = map[string]*domain.BatchRunRecord{}
		}
		final = id
		for n := 2; doc.System.BatchRuns[final] != nil; n++ {
			final = fmt.Sprintf("%s_%d", id, n)
		}
		doc.System.BatchRuns[final] = &domain.BatchRunRecord{
			Hour:      hour,
			StartTime: start,
			Status:    domain.BatchRunning,
		}
		return nil
	})
	return final, err
}

func (s *BatchScheduler) recordEnd(ctx context.Context, id string, res *BatchResult) error {
	return s.Store.Update(ctx, func(doc *domain.Document) error {
		rec := doc.System.BatchRuns[id]
		if rec == nil {
			rec = &domain.BatchRunRecord{Hour: res.Hour, StartTime: res.StartTime}
			doc.System.BatchRuns[id] = rec
		}
		end := res.EndTime
		elapsed := res.ExecutionTime
		rec.EndTime = &end
		rec.ExecutionTime = &elapsed
		if !res.Success {
			rec.Status = domain.BatchFailed
			rec.Error = res.Error
			return nil
		}
		processed, succeeded, failed, errs := res.ProcessedCount, res.SuccessCount, res.FailedCount, len(res.Errors)
		rec.Status = domain.BatchCompleted
		rec.ProcessedCount = &processed
		rec.SuccessCount = &succeeded
		rec.FailedCount = &failed
		rec.ErrorCount = &errs
		return nil
	})
}

// processPending discovers and runs the jobs. Its error is an
// infrastructure failure; job failures only show up in res.
func (s *BatchScheduler) processPending(ctx context.Context, batchID string, hour int, res *BatchResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch panicked: %v", r)
		}
	}()

	pending, err := s.Requests.PendingByHour(ctx, hour)
	if err != nil {
		return fmt.Errorf("discover pending requests: %w", err)
	}
	if len(pending) == 0 {
		log.Info().Int("hour", hour).Msg("batch: no pending requests")
		return nil
	}

	limit := s.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(limit)
	for i, req := range pending {
		i, req := i, req
		g.Go(func() error {
			jobErr := s.runJob(ctx, batchID, req)
			mu.Lock()
			defer mu.Unlock()
			res.ProcessedCount++
			if jobErr != nil {
				res.FailedCount++
				res.Errors = append(res.Errors, JobError{RequestIndex: i, UserID: req.UserID, Error: jobErr.Error()})
				return nil
			}
			res.SuccessCount++
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Errors, func(a, b int) bool { return res.Errors[a].RequestIndex < res.Errors[b].RequestIndex })
	return nil
}

// runJob generates and persists one letter. Any failure marks the request
// failed and is returned for aggregation.
func (s *BatchScheduler) runJob(ctx context.Context, batchID string, req PendingRequest) (err error) {
	observability.GenerationInflight.Inc()
	defer observability.GenerationInflight.Dec()

	logger := log.With().Str("batch_id", batchID).Str("user_id", req.UserID).Str("date", req.Date).Logger()
	outcome := "success"
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generation panicked: %v", r)
			outcome = "failed"
		}
		if err != nil {
			s.failRequest(context.WithoutCancel(ctx), req, err, logger)
		}
		observability.GenerationJobs.WithLabelValues(outcome).Inc()
	}()

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	doc, err := s.Store.Load(jobCtx)
	if err != nil {
		outcome = "failed"
		return fmt.Errorf("load user history: %w", err)
	}
	u, _ := doc.User(req.UserID)

	gen, err := s.generate(jobCtx, req, pipeline.HistoryFrom(u))
	if err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
			return fmt.Errorf("generation timed out after %s", timeout)
		}
		outcome = "failed"
		return err
	}

	if err := s.persistLetter(ctx, batchID, req, gen); err != nil {
		outcome = "failed"
		return fmt.Errorf("persist letter: %w", err)
	}

	if err := s.Users.UpdateHistory(ctx, req.UserID, Interaction{
		Type: "letter_generated",
		Data: map[string]any{
			"date":     req.Date,
			"theme":    req.Theme,
			"batch_id": batchID,
			"length":   gen.Metadata.FinalLength,
		},
	}); err != nil {
		logger.Warn().Err(err).Msg("batch: history update failed")
	}

	logger.Info().Int("length", gen.Metadata.FinalLength).Msg("batch: letter generated")
	return nil
}

type generated struct {
	res *pipeline.Result
	err error
}

// generate returns as soon as ctx is done, even if the generator does not
// honor cancellation.
func (s *BatchScheduler) generate(ctx context.Context, req PendingRequest, h pipeline.History) (*pipeline.Result, error) {
	ch := make(chan generated, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- generated{err: fmt.Errorf("generation panicked: %v", r)}
			}
		}()
		res, err := s.Generator.Generate(ctx, req.UserID, req.Theme, h)
		ch <- generated{res: res, err: err}
	}()
	select {
	case g := <-ch:
		if g.err == nil && g.res == nil {
			return nil, errors.New("generator returned no result")
		}
		return g.res, g.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// persistLetter stores the letter, completes the request and bumps the
// profile counters in one update.
func (s *BatchScheduler) persistLetter(ctx context.Context, batchID string, req PendingRequest, gen *pipeline.Result) error {
	now := s.Now.now()
	md := gen.Metadata
	md.BatchID = batchID
	return s.Store.Update(ctx, func(doc *domain.Document) error {
		u, ok := doc.User(req.UserID)
		if !ok {
			return ErrUserNotFound
		}
		if err := transitionRequest(u, req.Date, domain.RequestCompleted, "", now); err != nil {
			return err
		}
		generatedAt := md.GeneratedAt
		if generatedAt.IsZero() {
			generatedAt = now
		}
		u.Letters[req.Date] = &domain.Letter{
			Theme:       req.Theme,
			Content:     gen.Content,
			Status:      domain.LetterCompleted,
			GeneratedAt: generatedAt,
			Metadata:    md,
		}
		u.Profile.TotalLetters++
		date := req.Date
		u.Profile.LastRequest = &date
		return nil
	})
}

func (s *BatchScheduler) failRequest(ctx context.Context, req PendingRequest, cause error, logger zerolog.Logger) {
	logger.Warn().Err(cause).Msg("batch: job failed")
	if err := s.Requests.MarkFailed(ctx, req.UserID, req.Date, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("batch: could not mark request failed")
	}
}

// CleanupOldData prunes everything older than days, prunes rate-limit
// counters past their own window, and takes a backup.
func (s *BatchScheduler) CleanupOldData(ctx context.Context, days int) CleanupResult {
	res := CleanupResult{CleanupDate: s.Now.now()}
	fail := func(step string, err error) CleanupResult {
		res.Error = fmt.Sprintf("%s: %v", step, err)
		log.Error().Err(err).Str("step", step).Msg("cleanup: failed")
		return res
	}

	counts, err := s.Store.CleanupOldData(ctx, days)
	if err != nil {
		return fail("store cleanup", err)
	}
	res.DeletedLetters = counts.Letters
	res.DeletedRequests = counts.Requests
	res.DeletedCounters = counts.Counters

	n, err := s.Requests.CleanupOldRequests(ctx, days)
	if err != nil {
		return fail("request cleanup", err)
	}
	res.DeletedRequests += n

	if res.DeletedHistory, err = s.Users.CleanupOldUserData(ctx, days); err != nil {
		return fail("user cleanup", err)
	}

	if s.Limiter != nil {
		if res.PrunedRateLimits, err = s.Limiter.ResetDailyCounters(ctx); err != nil {
			return fail("rate limit cleanup", err)
		}
	}

	if res.BackupPath, err = s.Store.Backup(ctx); err != nil {
		return fail("backup", err)
	}

	res.Success = true
	log.Info().
		Int("days", days).
		Int("letters", res.DeletedLetters).
		Int("requests", res.DeletedRequests).
		Int("counters", res.DeletedCounters).
		Int("history", res.DeletedHistory).
		Str("backup", res.BackupPath).
		Msg("cleanup: finished")
	return res
}

// HourStats aggregates runs for one batch hour.
type HourStats struct {
	Runs      int `json:"runs"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
}

// BatchRunSummary is one audit log entry with its id.
type BatchRunSummary struct {
	ID string `json:"batch_id"`
	domain.BatchRunRecord
}

// BatchStats summarizes the audit log over a window.
type BatchStats struct {
	Days                 int                `json:"days"`
	TotalRuns            int                `json:"total_runs"`
	Completed            int                `json:"completed"`
	Failed               int                `json:"failed"`
	Running              int                `json:"running"`
	SuccessRate          float64            `json:"success_rate"` // percent of finished runs
	AverageExecutionTime float64            `json:"average_execution_time"`
	TotalProcessed       int                `json:"total_processed"`
	TotalSucceeded       int                `json:"total_succeeded"`
	TotalFailed          int                `json:"total_failed"`
	ByHour               map[int]*HourStats `json:"by_hour"`
	Recent               []BatchRunSummary  `json:"recent"`
}

const recentRuns = 10

// Statistics summarizes runs started within the last days.
func (s *BatchScheduler) Statistics(ctx context.Context, days int) (BatchStats, error) {
	doc, err := s.Store.Load(ctx)
	if err != nil {
		return BatchStats{}, err
	}
	since := s.Now.now().AddDate(0, 0, -days)
	st := BatchStats{Days: days, ByHour: map[int]*HourStats{}, Recent: []BatchRunSummary{}}

	var (
		totalTime float64
		timed     int
	)
	for id, r := range doc.System.BatchRuns {
		if r.StartTime.Before(since) {
			continue
		}
		st.TotalRuns++
		hs := st.ByHour[r.Hour]
		if hs == nil {
			hs = &HourStats{}
			st.ByHour[r.Hour] = hs
		}
		hs.Runs++
		switch r.Status {
		case domain.BatchCompleted:
			st.Completed++
			hs.Completed++
		case domain.BatchFailed:
			st.Failed++
			hs.Failed++
		default:
			st.Running++
		}
		if r.ExecutionTime != nil {
			totalTime += *r.ExecutionTime
			timed++
		}
		if r.ProcessedCount != nil {
			st.TotalProcessed += *r.ProcessedCount
			hs.Processed += *r.ProcessedCount
		}
		if r.SuccessCount != nil {
			st.TotalSucceeded += *r.SuccessCount
			hs.Succeeded += *r.SuccessCount
		}
		if r.FailedCount != nil {
			st.TotalFailed += *r.FailedCount
		}
		st.Recent = append(st.Recent, BatchRunSummary{ID: id, BatchRunRecord: *r})
	}

	if finished := st.Completed + st.Failed; finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished) * 100
	}
	if timed > 0 {
		st.AverageExecutionTime = totalTime / float64(timed)
	}
	sort.Slice(st.Recent, func(i, j int) bool { return st.Recent[i].StartTime.After(st.Recent[j].StartTime) })
	if len(st.Recent) > recentRuns {
		st.Recent = st.Recent[:recentRuns]
	}
	return st, nil
}
