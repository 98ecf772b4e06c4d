package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/forgelabs/build-plane/internal/models"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, Backoff: time.Millisecond}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingInvoker struct {
	calls int
	fn    func(call int) (*Result, error)
}

func (c *countingInvoker) Invoke(ctx context.Context, payload any) (*Result, error) {
	c.calls++
	return c.fn(c.calls)
}

func TestWithRetryRecoversFromTransientFailures(t *testing.T) {
	inner := &countingInvoker{fn: func(call int) (*Result, error) {
		if call < 3 {
			return nil, errors.New("connection refused")
		}
		return &Result{StatusCode: 200, Body: []byte(`{}`)}, nil
	}}
	inv := WithRetry(inner, models.StageScout, fastRetry(3), nil, discardLogger())

	res, err := inv.Invoke(context.Background(), ScoutPayload{BuildID: "b1"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !res.Success() {
		t.Fatalf("status = %d, want 2xx", res.StatusCode)
	}
	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls)
	}
}

func TestWithRetryDoesNotRetryNonTransientErrors(t *testing.T) {
	inner := &countingInvoker{fn: func(int) (*Result, error) {
		return nil, errors.New("payload validation rejected")
	}}
	inv := WithRetry(inner, models.StageBuilder, fastRetry(3), nil, discardLogger())

	if _, err := inv.Invoke(context.Background(), BuilderPayload{BuildID: "b1"}); err == nil {
		t.Fatal("invoke succeeded, want error")
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
}

func TestWithRetryDoesNotRetryFatalResults(t *testing.T) {
	inner := &countingInvoker{fn: func(int) (*Result, error) {
		return &Result{StatusCode: 500, Body: []byte(`{"error":"boom"}`)}, nil
	}}
	inv := WithRetry(inner, models.StageTester, fastRetry(3), nil, discardLogger())

	res, err := inv.Invoke(context.Background(), TesterPayload{BuildID: "b1"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Success() {
		t.Fatal("fatal result reported as success")
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	inner := &countingInvoker{fn: func(int) (*Result, error) {
		return nil, errors.New("stage throttled")
	}}
	inv := WithRetry(inner, models.StageArchitect, fastRetry(3), nil, discardLogger())

	_, err := inv.Invoke(context.Background(), ArchitectPayload{BuildID: "b1"})
	if err == nil {
		t.Fatal("invoke succeeded, want exhaustion error")
	}
	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls)
	}
	want := fmt.Sprintf("stage %s failed after 3 attempts", models.StageArchitect)
	if got := err.Error(); !strings.Contains(got, want) {
		t.Errorf("error = %q, want prefix %q", got, want)
	}
}

func TestWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := &countingInvoker{fn: func(int) (*Result, error) {
		cancel()
		return nil, errors.New("connection reset")
	}}
	inv := WithRetry(inner, models.StageDeployer, fastRetry(5), nil, discardLogger())

	if _, err := inv.Invoke(ctx, DeployerPayload{BuildID: "b1"}); err == nil {
		t.Fatal("invoke succeeded, want context error")
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("invoke stage: %w", context.DeadlineExceeded), true},
		{"throttled", errors.New("stage throttled: slow down"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"service unavailable", errors.New("503 service unavailable"), true},
		{"no such host", errors.New("lookup scout.internal: no such host"), true},
		{"validation", errors.New("invalid payload shape"), false},
		{"cancelled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
