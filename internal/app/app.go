// Package app assembles the letter service from configuration: storage,
// services, the content pipeline, event publishing, the background runner
// and the HTTP server. Commands in cmd/letterd build an App and call one of
// its entry points.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-letter-batch/internal/config"
	httpapi "github.com/tbourn/go-letter-batch/internal/http"
	"github.com/tbourn/go-letter-batch/internal/http/handlers"
	"github.com/tbourn/go-letter-batch/internal/llm"
	"github.com/tbourn/go-letter-batch/internal/notify"
	"github.com/tbourn/go-letter-batch/internal/observability"
	"github.com/tbourn/go-letter-batch/internal/pipeline"
	"github.com/tbourn/go-letter-batch/internal/repo"
	"github.com/tbourn/go-letter-batch/internal/runner"
	"github.com/tbourn/go-letter-batch/internal/services"
)

// ShutdownTimeout bounds graceful shutdown of the HTTP server and runner.
const ShutdownTimeout = 30 * time.Second

// Options selects optional parts of the assembly.
type Options struct {
	Version string
	// Generation builds the LLM pipeline; commands that never generate
	// letters leave it off so provider keys are not required.
	Generation bool
}

// App holds the wired components.
type App struct {
	Config    config.Config
	Store     *repo.Store
	Limiter   *services.RateLimiter
	Requests  *services.RequestService
	Users     *services.UserService
	Scheduler *services.BatchScheduler
	Runner    *runner.Runner
	Notifier  notify.Notifier

	closers []func(context.Context) error
}

// New wires the application. Close releases what New opened.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownOTel)

	store, err := a.openStore(cfg.Storage, cfg.OTEL.Enabled)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.Store = store

	a.Limiter = services.NewRateLimiter(store, services.LimitConfig{
		MaxDailyRequests:      cfg.Limits.MaxDailyRequests,
		MaxAPICalls:           cfg.Limits.MaxAPICalls,
		DebugMaxDailyRequests: cfg.Limits.DebugMaxDailyRequests,
		DebugMaxAPICalls:      cfg.Limits.DebugMaxAPICalls,
	}, cfg.Limits.Debug)

	a.Requests = services.NewRequestService(store, a.Limiter, cfg.Batch.Hours)
	a.Requests.MinThemeLen = cfg.Limits.MinThemeLength
	a.Requests.MaxThemeLen = cfg.Limits.MaxThemeLength

	a.Users = services.NewUserService(store)
	a.Users.MaxHistory = cfg.Limits.MaxHistoryEntries
	a.Users.SessionTimeout = cfg.Limits.SessionTimeout

	var gen pipeline.Generator
	if opts.Generation {
		if err := cfg.ValidatePipeline(); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		p, err := newPipeline(cfg.Pipeline)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		p.Observer = func(ctx context.Context, userID, stage string) {
			if err := a.Limiter.RecordAPICall(ctx, userID, stage); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Str("stage", stage).Msg("app: api call not counted")
			}
		}
		gen = p
	}

	a.Scheduler = services.NewBatchScheduler(store, a.Requests, a.Users, gen, cfg.Batch.Hours)
	a.Scheduler.MaxConcurrent = cfg.Batch.MaxConcurrent
	a.Scheduler.Timeout = cfg.Batch.Timeout
	a.Scheduler.Limiter = a.Limiter

	a.Notifier = a.newNotifier(cfg.NATS)

	a.Runner = runner.New(a.Scheduler, a.Notifier, runner.Config{
		Hours:         cfg.Batch.Hours,
		CleanupHour:   cfg.Batch.CleanupHour,
		RetentionDays: cfg.Batch.RetentionDays,
		PollInterval:  cfg.Batch.CheckInterval,
	})
	return a, nil
}

func (a *App) openStore(sc config.StorageConfig, tracing bool) (*repo.Store, error) {
	var backend repo.Backend
	switch sc.Driver {
	case "sqlite":
		db, err := repo.OpenSQLite(sc.SQLitePath, repo.SQLiteOptions{Tracing: tracing})
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", sc.SQLitePath, err)
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, func(context.Context) error { return sqlDB.Close() })
		}
		if err := repo.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		backend = repo.NewSQLiteBackend(db, "letters")
	default:
		backend = repo.NewFileBackend(sc.Path)
	}
	log.Info().Str("driver", sc.Driver).Str("location", backend.Location()).Msg("app: storage ready")
	return repo.NewStore(backend, repo.Options{
		BackupDir:       sc.BackupPath,
		BackupRetention: sc.BackupRetention,
	}), nil
}

// newPipeline builds the two stages: Groq structures, Together (or
// Anthropic) enhances.
func newPipeline(pc config.PipelineConfig) (*pipeline.Pipeline, error) {
	structure, err := llm.NewOpenAIClient("groq", pc.Structure.APIKey, pc.Structure.BaseURL, pc.Structure.Model)
	if err != nil {
		return nil, fmt.Errorf("structure stage: %w", err)
	}

	var (
		enhance      llm.Client
		enhanceModel string
	)
	switch pc.EnhanceProvider {
	case "anthropic":
		c, err := llm.NewAnthropicClient(pc.Anthropic.APIKey, pc.Anthropic.BaseURL, pc.Anthropic.Model)
		if err != nil {
			return nil, fmt.Errorf("enhance stage: %w", err)
		}
		enhance, enhanceModel = c, pc.Anthropic.Model
	default:
		c, err := llm.NewOpenAIClient("together", pc.Enhance.APIKey, pc.Enhance.BaseURL, pc.Enhance.Model)
		if err != nil {
			return nil, fmt.Errorf("enhance stage: %w", err)
		}
		enhance, enhanceModel = c, pc.Enhance.Model
	}

	burst := pc.Burst
	if burst < 1 {
		burst = 1
	}
	pacer := rate.NewLimiter(rate.Limit(pc.RPS), burst)
	return pipeline.New(
		pipeline.NewStructureStage(structure, pc.Structure.Model),
		pipeline.NewEnhanceStage(enhance, enhanceModel),
		pacer,
	), nil
}

// newNotifier always logs; it also publishes to NATS when configured and
// reachable. A NATS outage at startup degrades to logging only.
func (a *App) newNotifier(nc config.NATSConfig) notify.Notifier {
	if nc.URL == "" {
		return notify.LogNotifier{}
	}
	conn, err := notify.Connect(nc)
	if err != nil {
		log.Error().Err(err).Str("url", nc.URL).Msg("app: event publishing disabled")
		return notify.LogNotifier{}
	}
	a.closers = append(a.closers, func(context.Context) error { return conn.Drain() })
	return notify.Multi{notify.LogNotifier{}, notify.NewNATSNotifier(conn, nc.SubjectPrefix)}
}

// Handler builds the Gin engine with all routes.
func (a *App) Handler() *gin.Engine {
	gin.SetMode(a.Config.GinMode)
	r := gin.New()
	h := handlers.New(handlers.Deps{
		Requests: a.Requests,
		Users:    a.Users,
		Limits:   a.Limiter,
		Operator: a.Runner,
		Batches:  a.Scheduler,
		Storage:  a.Store,
	})
	httpapi.RegisterRoutes(r, h, a.Config)
	return r
}

// Serve runs the HTTP server, and the background runner when enabled, until
// ctx is cancelled; then it shuts both down within ShutdownTimeout.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           a.Handler(),
		ReadTimeout:       a.Config.ReadTimeout,
		ReadHeaderTimeout: a.Config.ReadHeaderTimeout,
		WriteTimeout:      a.Config.WriteTimeout,
		IdleTimeout:       a.Config.IdleTimeout,
		MaxHeaderBytes:    a.Config.MaxHeaderBytes,
	}

	if a.Config.Batch.BackgroundEnable {
		a.Runner.Start(ctx)
	} else {
		log.Warn().Msg("app: background processing disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("app: http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("app: shutdown requested")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("app: http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("app: http shutdown")
	}
	if a.Runner.IsRunning() && !a.Runner.Stop() {
		log.Warn().Msg("app: runner did not stop in time")
	}
	return serveErr
}

// Close flushes traces and releases storage and messaging connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
