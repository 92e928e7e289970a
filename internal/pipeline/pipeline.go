// Package pipeline generates letter content in two chained stages: an
// outline from the structure stage, then the final text from the enhance
// stage. Each stage is retried independently with exponential backoff; the
// pipeline as a whole is not retried and callers bound it with a timeout.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-letter-batch/internal/domain"
	"github.com/tbourn/go-letter-batch/internal/observability"
)

// ErrEmptyOutput is returned when a stage produced no text.
var ErrEmptyOutput = errors.New("stage returned empty output")

// StageError reports a stage that failed after all attempts.
type StageError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result is a generated letter and its metadata.
type Result struct {
	Content  string
	Metadata domain.LetterMetadata
}

// Generator is the contract the batch scheduler depends on.
type Generator interface {
	Generate(ctx context.Context, userID, theme string, history History) (*Result, error)
}

// CallObserver is notified after every outbound stage attempt.
type CallObserver func(ctx context.Context, userID, stage string)

// RetryPolicy configures per-stage retries.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy is 3 attempts with delays of 1s then 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Initial: time.Second, Multiplier: 2}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Pipeline chains the structure and enhance stages.
type Pipeline struct {
	Structure Stage
	Enhance   Stage
	Retry     RetryPolicy

	// Pacer, when set, is waited on before every outbound attempt.
	Pacer *rate.Limiter
	// Observer, when set, is called after every outbound attempt.
	Observer CallObserver

	Now func() time.Time
}

// New returns a pipeline with the default retry policy.
func New(structure, enhance Stage, pacer *rate.Limiter) *Pipeline {
	return &Pipeline{
		Structure: structure,
		Enhance:   enhance,
		Retry:     DefaultRetryPolicy(),
		Pacer:     pacer,
		Now:       time.Now,
	}
}

var _ Generator = (*Pipeline)(nil)

// Generate runs both stages for one request.
func (p *Pipeline) Generate(ctx context.Context, userID, theme string, history History) (*Result, error) {
	ctx, span := observability.Tracer("pipeline").Start(ctx, "pipeline.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	start := p.now()
	gc := BuildContext(theme, history, start)
	in := StageInput{UserID: userID, Context: gc}

	outline, err := p.runStage(ctx, p.Structure, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "structure stage failed")
		return nil, err
	}

	in.Draft = outline
	final, err := p.runStage(ctx, p.Enhance, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enhance stage failed")
		return nil, err
	}

	end := p.now()
	return &Result{
		Content: final,
		Metadata: domain.LetterMetadata{
			Theme:           theme,
			GeneratedAt:     end,
			StructureModel:  p.Structure.Model(),
			EnhanceModel:    p.Enhance.Model(),
			GenerationTime:  end.Sub(start).Seconds(),
			UserID:          userID,
			StructureLength: utf8.RuneCountInString(outline),
			FinalLength:     utf8.RuneCountInString(final),
		},
	}, nil
}

func (p *Pipeline) runStage(ctx context.Context, st Stage, in StageInput) (string, error) {
	var (
		out      string
		attempts int
	)
	op := func() error {
		if p.Pacer != nil {
			if err := p.Pacer.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		attempts++
		text, err := st.Run(ctx, in)
		if p.Observer != nil {
			p.Observer(ctx, in.UserID, st.Name())
		}
		if err == nil && text == "" {
			err = ErrEmptyOutput
		}
		observability.StageAttempts.WithLabelValues(st.Name(), observability.Outcome(err)).Inc()
		if err != nil {
			log.Warn().Err(err).Str("stage", st.Name()).Str("user_id", in.UserID).Int("attempt", attempts).Msg("pipeline: stage attempt failed")
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = text
		return nil
	}

	if err := backoff.Retry(op, p.Retry.backOff(ctx)); err != nil {
		return "", &StageError{Stage: st.Name(), Attempts: attempts, Err: err}
	}
	return out, nil
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}
