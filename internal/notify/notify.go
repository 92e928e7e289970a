// Package notify fans batch and cleanup outcomes out to operators: the log,
// and optionally a NATS subject tree for dashboards and alerting.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-letter-batch/internal/services"
)

// Notifier receives background-processing events. Implementations must not
// block for long and must not panic.
type Notifier interface {
	BatchCompleted(ctx context.Context, res *services.BatchResult)
	CleanupCompleted(ctx context.Context, res services.CleanupResult)
	Error(ctx context.Context, op string, err error)
}

// LogNotifier writes events to the global zerolog logger.
type LogNotifier struct{}

func (LogNotifier) BatchCompleted(_ context.Context, res *services.BatchResult) {
	ev := log.Info()
	if !res.Success {
		ev = log.Error().Str("error", res.Error)
	} else if res.FailedCount > 0 {
		ev = log.Warn()
	}
	ev.Str("batch_id", res.BatchID).
		Int("hour", res.Hour).
		Int("processed", res.ProcessedCount).
		Int("succeeded", res.SuccessCount).
		Int("failed", res.FailedCount).
		Msg("notify: batch completed")
}

func (LogNotifier) CleanupCompleted(_ context.Context, res services.CleanupResult) {
	ev := log.Info()
	if !res.Success {
		ev = log.Error().Str("error", res.Error)
	}
	ev.Int("letters", res.DeletedLetters).
		Int("requests", res.DeletedRequests).
		Str("backup", res.BackupPath).
		Msg("notify: cleanup completed")
}

func (LogNotifier) Error(_ context.Context, op string, err error) {
	log.Error().Err(err).Str("op", op).Msg("notify: background error")
}

// Multi forwards every event to each notifier in order.
type Multi []Notifier

func (m Multi) BatchCompleted(ctx context.Context, res *services.BatchResult) {
	for _, n := range m {
		n.BatchCompleted(ctx, res)
	}
}

func (m Multi) CleanupCompleted(ctx context.Context, res services.CleanupResult) {
	for _, n := range m {
		n.CleanupCompleted(ctx, res)
	}
}

func (m Multi) Error(ctx context.Context, op string, err error) {
	for _, n := range m {
		n.Error(ctx, op, err)
	}
}
