package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgelabs/build-plane/internal/metrics"
	"github.com/forgelabs/build-plane/internal/models"
)

// RetryConfig bounds transparent retries of transient stage failures.
// This is orthogonal to the self-healing loop, which retries only on
// semantic test failure.
type RetryConfig struct {
	// MaxAttempts is the total number of invocation attempts.
	MaxAttempts int
	// Backoff is the base wait between attempts; attempt N waits
	// N times this value.
	Backoff time.Duration
}

// DefaultRetryConfig returns the default retry bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     2 * time.Second,
	}
}

// retryingInvoker wraps an Invoker with bounded retry of transient
// failures.
type retryingInvoker struct {
	next     Invoker
	stage    models.Stage
	cfg      RetryConfig
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// WithRetry wraps next so transient invocation errors are retried
// with linear backoff up to the configured ceiling. A fatal stage
// result (5xx) is returned immediately; only infrastructure errors
// classified by IsTransient are retried. Exhaustion escalates the
// last error to the caller, which treats it as fatal.
func WithRetry(next Invoker, stageName models.Stage, cfg RetryConfig, recorder *metrics.Recorder, logger *slog.Logger) Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &retryingInvoker{
		next:     next,
		stage:    stageName,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
	}
}

func (r *retryingInvoker) Invoke(ctx context.Context, payload any) (*Result, error) {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		result, err := r.next.Invoke(ctx, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		r.recorder.IncStageRetry(string(r.stage))
		r.logger.Warn("transient stage failure, retrying",
			"stage", r.stage,
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * r.cfg.Backoff):
		}
	}

	r.recorder.IncStageRetryExhausted(string(r.stage))
	return nil, fmt.Errorf("stage %s failed after %d attempts: %w", r.stage, r.cfg.MaxAttempts, lastErr)
}
