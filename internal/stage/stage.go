// Package stage defines the contract between the orchestrator and the
// specialist stage invokers (Scout, Architect, Splitter, Builder,
// Tester, Deployer), plus the transport and retry plumbing around
// them. Stage bodies are opaque collaborators; the orchestrator only
// sees the invocation envelope.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/forgelabs/build-plane/internal/models"
)

// Result is the envelope returned by every stage invocation. The
// status code follows the 2xx success / 5xx fatal convention; any
// domain-specific failure (tests did not pass) is encoded in the
// body of a successful result.
type Result struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// Success reports whether the stage completed without a fatal error.
func (r *Result) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the result body into v.
func (r *Result) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("empty stage result body")
	}
	return json.Unmarshal(r.Body, v)
}

// Invoker is the single polymorphic capability every stage exposes.
// A returned error means the invocation itself failed (network,
// timeout, throttling) and may be retried; a Result with a 5xx status
// means the stage ran and reported a fatal error, which is never
// retried.
type Invoker interface {
	Invoke(ctx context.Context, payload any) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, payload any) (*Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, payload any) (*Result, error) {
	return f(ctx, payload)
}

// Invokers maps each pipeline stage to its invoker.
type Invokers map[models.Stage]Invoker

// ScoutPayload is the request payload for the Scout stage.
type ScoutPayload struct {
	BuildID string           `json:"build_id"`
	Task    string           `json:"task"`
	Mode    models.BuildMode `json:"mode"`
}

// ArchitectPayload is the request payload for the Architect stage.
// Feedback carries the previous tester failure output on self-healing
// iterations.
type ArchitectPayload struct {
	BuildID  string          `json:"build_id"`
	Feedback json.RawMessage `json:"feedback,omitempty"`
}

// SplitterPayload is the request payload for the Splitter stage.
type SplitterPayload struct {
	BuildID string `json:"build_id"`
	Action  string `json:"action"`
}

// ActionPrepareParallelBuilds asks the splitter to produce the
// fan-out manifest for the current architect output.
const ActionPrepareParallelBuilds = "prepare_parallel_builds"

// BuilderPayload is the request payload for one Builder invocation.
type BuilderPayload struct {
	BuildID       string `json:"build_id"`
	FilePath      string `json:"file_path"`
	Specification string `json:"specification"`
	Language      string `json:"language"`
}

// TesterPayload is the request payload for the Tester stage.
type TesterPayload struct {
	BuildID string `json:"build_id"`
}

// DeployerPayload is the request payload for the Deployer stage.
type DeployerPayload struct {
	BuildID    string `json:"build_id"`
	TestResult string `json:"test_result"`
}

// Patterns matching transient service-level failures. These are
// retried with backoff before being escalated to fatal.
var transientErrorPatterns = []string{
	"timeout",
	"timed out",
	"throttl",
	"too many requests",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"service unavailable",
	"no such host",
}

// IsTransient reports whether err is a transient infrastructure
// failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
