// Package orchestrator drives builds through the pipeline: Scout,
// Architect, Splitter, parallel Builders, Tester, Deployer, with a
// bounded self-healing loop feeding test failures back to the
// Architect.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgelabs/build-plane/internal/metrics"
	"github.com/forgelabs/build-plane/internal/models"
	"github.com/forgelabs/build-plane/internal/stage"
	"github.com/forgelabs/build-plane/internal/store"
)

var (
	// ErrAlreadyRunning is returned when starting a build that has a
	// live execution.
	ErrAlreadyRunning = errors.New("build already running")

	// ErrInvalidState is returned when cancelling a build that is
	// already terminal.
	ErrInvalidState = errors.New("build is in a terminal state")
)

// Config holds orchestrator tuning knobs.
type Config struct {
	// FanoutConcurrency bounds concurrent builder invocations in one
	// parallel build round.
	FanoutConcurrency int
	// ExecutionTimeout is the wall-clock ceiling for one build
	// execution across all iterations.
	ExecutionTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FanoutConcurrency: 6,
		ExecutionTimeout:  2 * time.Hour,
	}
}

// Orchestrator runs build executions and tracks them for cancellation.
type Orchestrator struct {
	store    store.Store
	invokers stage.Invokers
	cfg      Config
	recorder *metrics.Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Orchestrator over the given store and stage invokers.
func New(st store.Store, invokers stage.Invokers, cfg Config, recorder *metrics.Recorder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FanoutConcurrency < 1 {
		cfg.FanoutConcurrency = DefaultConfig().FanoutConcurrency
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultConfig().ExecutionTimeout
	}
	return &Orchestrator{
		store:    st,
		invokers: invokers,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
	}
}

// Start launches the execution for a build record. The record must
// already exist; at most one execution per build may be live.
func (o *Orchestrator) Start(buildID string) error {
	o.mu.Lock()
	if _, ok := o.running[buildID]; ok {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ExecutionTimeout)
	o.running[buildID] = cancel
	o.recorder.SetActiveBuilds(len(o.running))
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(buildID, cancel)
		o.run(ctx, buildID)
	}()
	return nil
}

// Cancel stops a running build and marks its record cancelled. It
// returns ErrInvalidState for terminal builds and store.ErrNotFound
// for unknown ones. Cancelling a non-terminal build with no live
// execution only updates the record.
func (o *Orchestrator) Cancel(ctx context.Context, buildID string) (*models.BuildRecord, error) {
	record, err := o.store.Builds().Get(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, record.Status)
	}

	o.mu.Lock()
	if cancel, ok := o.running[buildID]; ok {
		cancel()
	}
	o.mu.Unlock()

	status := models.BuildStatusCancelled
	cause := string(models.CauseExecutionCancelled)
	updated, err := o.store.Builds().Update(ctx, buildID, store.FieldUpdates{
		Status: &status,
		Error:  &cause,
	})
	if err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			// The execution finished between the status check and the
			// write; the stored outcome stands.
			if current, gerr := o.store.Builds().Get(ctx, buildID); gerr == nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidState, current.Status)
			}
			return nil, fmt.Errorf("%w: %s", ErrInvalidState, record.Status)
		}
		return nil, err
	}
	o.appendLog(ctx, buildID, "build cancelled by request")
	o.recorder.IncBuildOutcome(string(models.BuildStatusCancelled))
	o.logger.Info("build cancelled", "build_id", buildID)
	return updated, nil
}

// Shutdown waits for live executions to finish after cancelling them.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.running {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) release(buildID string, cancel context.CancelFunc) {
	cancel()
	o.mu.Lock()
	delete(o.running, buildID)
	o.recorder.SetActiveBuilds(len(o.running))
	o.mu.Unlock()
}

// run executes the full pipeline for one build. The Scout runs once;
// the Architect through Tester cycle repeats under the self-healing
// loop, with current_iteration incremented on every Architect entry.
func (o *Orchestrator) run(ctx context.Context, buildID string) {
	builds := o.store.Builds()

	record, err := builds.Get(ctx, buildID)
	if err != nil {
		o.logger.Error("loading build for execution", "build_id", buildID, "error", err)
		return
	}
	current := record.Status

	// Scout runs once per execution.
	current, ok := o.advance(ctx, buildID, current, EventAdvance, models.CauseScoutError)
	if !ok {
		return
	}
	o.appendLog(ctx, buildID, "scout started")
	res, err := o.invokeStage(ctx, models.StageScout, stage.ScoutPayload{
		BuildID: buildID,
		Task:    record.Task,
		Mode:    record.Mode,
	})
	if failed := o.checkStage(ctx, buildID, current, models.CauseScoutError, res, err); failed {
		return
	}
	if _, err := builds.Update(ctx, buildID, store.FieldUpdates{
		StageOutput: map[models.Stage]json.RawMessage{models.StageScout: res.Body},
	}); err != nil {
		o.failBuild(buildID, current, models.CauseScoutError, fmt.Sprintf("persisting scout output: %v", err))
		return
	}
	o.appendLog(ctx, buildID, "scout completed")

	// Tester output from a previous failed round, fed to the
	// Architect as feedback. Empty on the first cycle.
	var feedback json.RawMessage

	for {
		// Architect entry bumps the iteration counter, so the
		// first cycle runs with current_iteration = 1.
		next, err := Next(current, EventAdvance)
		if err != nil {
			o.failBuild(buildID, current, models.CauseArchitectError, err.Error())
			return
		}
		record, ok = o.applyUpdate(ctx, buildID, current, store.FieldUpdates{
			Status:             &next,
			IncrementIteration: true,
		})
		if !ok {
			return
		}
		current = next
		o.appendLog(ctx, buildID, fmt.Sprintf("architect started (iteration %d/%d)", record.CurrentIteration, record.MaxIterations))

		res, err = o.invokeStage(ctx, models.StageArchitect, stage.ArchitectPayload{
			BuildID:  buildID,
			Feedback: feedback,
		})
		if failed := o.checkStage(ctx, buildID, current, models.CauseArchitectError, res, err); failed {
			return
		}
		if _, err := builds.Update(ctx, buildID, store.FieldUpdates{
			StageOutput: map[models.Stage]json.RawMessage{models.StageArchitect: res.Body},
		}); err != nil {
			o.failBuild(buildID, current, models.CauseArchitectError, fmt.Sprintf("persisting architect output: %v", err))
			return
		}

		// Splitter.
		current, ok = o.advance(ctx, buildID, current, EventAdvance, models.CauseSplitterError)
		if !ok {
			return
		}
		res, err = o.invokeStage(ctx, models.StageSplitter, stage.SplitterPayload{
			BuildID: buildID,
			Action:  stage.ActionPrepareParallelBuilds,
		})
		if failed := o.checkStage(ctx, buildID, current, models.CauseSplitterError, res, err); failed {
			return
		}
		var manifest models.SplitterManifest
		if err := res.Decode(&manifest); err != nil {
			o.failBuild(buildID, current, models.CauseSplitterError, fmt.Sprintf("malformed splitter manifest: %v", err))
			return
		}
		o.appendLog(ctx, buildID, fmt.Sprintf("split into %d file tasks", manifest.TotalFiles))

		// Parallel build fan-out.
		current, ok = o.advance(ctx, buildID, current, EventAdvance, models.CauseBuilderError)
		if !ok {
			return
		}
		results, err := o.runFanout(ctx, buildID, manifest.Tasks)
		if err != nil {
			if done := o.checkContext(ctx, buildID, current); done {
				return
			}
			o.failBuild(buildID, current, models.CauseBuilderError, err.Error())
			return
		}
		files := make([]string, 0, len(results))
		for _, fr := range results {
			files = append(files, fr.FilePath)
		}
		builderOutput, err := json.Marshal(map[string]any{
			"files_created": files,
			"results":       results,
			"total":         len(results),
		})
		if err != nil {
			o.failBuild(buildID, current, models.CauseBuilderError, fmt.Sprintf("marshal builder output: %v", err))
			return
		}
		if _, err := builds.Update(ctx, buildID, store.FieldUpdates{
			StageOutput:  map[models.Stage]json.RawMessage{models.StageBuilder: builderOutput},
			FilesCreated: files,
		}); err != nil {
			o.failBuild(buildID, current, models.CauseBuilderError, fmt.Sprintf("persisting builder output: %v", err))
			return
		}
		o.appendLog(ctx, buildID, fmt.Sprintf("built %d files", len(files)))

		// Tester.
		current, ok = o.advance(ctx, buildID, current, EventAdvance, models.CauseTesterError)
		if !ok {
			return
		}
		o.appendLog(ctx, buildID, "tester started")
		res, err = o.invokeStage(ctx, models.StageTester, stage.TesterPayload{BuildID: buildID})
		// A tester that cannot run or report takes priority over any
		// iteration accounting.
		if failed := o.checkStage(ctx, buildID, current, models.CauseTesterError, res, err); failed {
			return
		}
		record, ok = o.applyUpdate(ctx, buildID, current, store.FieldUpdates{
			StageOutput: map[models.Stage]json.RawMessage{models.StageTester: res.Body},
		})
		if !ok {
			return
		}

		var verdict models.TesterVerdict
		if err := res.Decode(&verdict); err != nil {
			o.failBuild(buildID, current, models.CauseTesterError, fmt.Sprintf("malformed tester verdict: %v", err))
			return
		}

		if verdict.TestsPassed {
			o.appendLog(ctx, buildID, "tests passed, deploying")
			dres, derr := o.invokeStage(ctx, models.StageDeployer, stage.DeployerPayload{
				BuildID:    buildID,
				TestResult: "PASSED",
			})
			if failed := o.checkStage(ctx, buildID, current, models.CauseDeployerError, dres, derr); failed {
				return
			}
			o.finishPassed(buildID, current, record.CurrentIteration)
			return
		}

		iteration := verdict.Iteration
		if iteration == 0 {
			iteration = record.CurrentIteration
		}
		if iteration >= record.MaxIterations {
			o.failBuild(buildID, current, models.CauseMaxIterations,
				fmt.Sprintf("tests still failing after %d of %d iterations", iteration, record.MaxIterations))
			return
		}

		// Enter self-healing: the tester verdict becomes architect
		// feedback for the next cycle.
		current, ok = o.advance(ctx, buildID, current, EventTestsFailed, models.CauseTesterError)
		if !ok {
			return
		}
		feedback = res.Body
		o.appendLog(ctx, buildID, fmt.Sprintf("tests failed, self-healing (iteration %d/%d)", iteration, record.MaxIterations))
	}
}

// advance resolves {current, event} against the transition table and
// persists the successor status. It returns ok=false when the
// execution should stop (cancellation, timeout, or a store failure
// already recorded); a rejected transition fails the build with the
// upcoming stage's cause.
func (o *Orchestrator) advance(ctx context.Context, buildID string, current models.BuildStatus, event Event, cause models.FailureCause) (models.BuildStatus, bool) {
	next, err := Next(current, event)
	if err != nil {
		o.failBuild(buildID, current, cause, err.Error())
		return current, false
	}
	if _, ok := o.applyUpdate(ctx, buildID, current, store.FieldUpdates{Status: &next}); !ok {
		return current, false
	}
	return next, true
}

// applyUpdate writes a field update unless the execution context is
// already done. Cancellation leaves the record to the Cancel path;
// timeout records the failure here.
func (o *Orchestrator) applyUpdate(ctx context.Context, buildID string, current models.BuildStatus, updates store.FieldUpdates) (*models.BuildRecord, bool) {
	if done := o.checkContext(ctx, buildID, current); done {
		return nil, false
	}
	record, err := o.store.Builds().Update(ctx, buildID, updates)
	if err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			o.logger.Info("execution stopped, build already terminal", "build_id", buildID)
			return nil, false
		}
		if done := o.checkContext(ctx, buildID, current); done {
			return nil, false
		}
		o.logger.Error("updating build record", "build_id", buildID, "error", err)
		return nil, false
	}
	return record, true
}

// checkContext reports whether the execution context ended, recording
// an ExecutionTimeout failure when the deadline ran out. On external
// cancellation the Cancel path owns the record, so nothing is written.
func (o *Orchestrator) checkContext(ctx context.Context, buildID string, current models.BuildStatus) bool {
	switch {
	case ctx.Err() == nil:
		return false
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		o.failBuild(buildID, current, models.CauseExecutionTimeout,
			fmt.Sprintf("execution exceeded %s", o.cfg.ExecutionTimeout))
		return true
	default:
		o.logger.Info("execution stopped by cancellation", "build_id", buildID)
		return true
	}
}

// checkStage handles the outcome of one stage invocation. A transport
// error or non-2xx result fails the build with the stage's cause.
func (o *Orchestrator) checkStage(ctx context.Context, buildID string, current models.BuildStatus, cause models.FailureCause, res *stage.Result, err error) bool {
	if err != nil {
		if done := o.checkContext(ctx, buildID, current); done {
			return true
		}
		o.failBuild(buildID, current, cause, err.Error())
		return true
	}
	if !res.Success() {
		o.failBuild(buildID, current, cause,
			fmt.Sprintf("stage returned status %d: %s", res.StatusCode, truncate(res.Body, 512)))
		return true
	}
	return false
}

// invokeStage calls one stage invoker with timing and outcome metrics.
func (o *Orchestrator) invokeStage(ctx context.Context, st models.Stage, payload any) (*stage.Result, error) {
	inv, ok := o.invokers[st]
	if !ok {
		return nil, fmt.Errorf("no invoker configured for stage %s", st)
	}
	start := time.Now()
	res, err := inv.Invoke(ctx, payload)
	o.recorder.ObserveStageDuration(string(st), time.Since(start))
	switch {
	case err != nil:
		o.recorder.IncStageResult(string(st), "error")
	case !res.Success():
		o.recorder.IncStageResult(string(st), "fatal")
	default:
		o.recorder.IncStageResult(string(st), "ok")
	}
	return res, err
}

// failBuild records a terminal failure. The write uses a detached
// context so a timed-out or cancelled execution can still persist its
// outcome.
func (o *Orchestrator) failBuild(buildID string, current models.BuildStatus, cause models.FailureCause, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := models.BuildStatusFailed
	if next, err := Next(current, EventFail); err == nil {
		status = next
	}
	errText := fmt.Sprintf("%s: %s", cause, detail)
	if _, err := o.store.Builds().Update(ctx, buildID, store.FieldUpdates{
		Status: &status,
		Error:  &errText,
	}); err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			o.logger.Info("build already terminal, failure not recorded",
				"build_id", buildID, "cause", cause)
			return
		}
		o.logger.Error("recording build failure", "build_id", buildID, "cause", cause, "error", err)
		return
	}
	o.appendLog(ctx, buildID, fmt.Sprintf("build failed: %s", errText))
	o.recorder.IncBuildOutcome(string(models.BuildStatusFailed))
	o.logger.Warn("build failed", "build_id", buildID, "cause", cause, "detail", detail)
}

// finishPassed records a successful terminal state.
func (o *Orchestrator) finishPassed(buildID string, current models.BuildStatus, iterations int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := models.BuildStatusPassed
	if next, err := Next(current, EventTestsPassed); err == nil {
		status = next
	}
	if _, err := o.store.Builds().Update(ctx, buildID, store.FieldUpdates{Status: &status}); err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			o.logger.Info("build already terminal, success not recorded", "build_id", buildID)
			return
		}
		o.logger.Error("recording build success", "build_id", buildID, "error", err)
		return
	}
	o.appendLog(ctx, buildID, "build passed and deployed")
	o.recorder.IncBuildOutcome(string(models.BuildStatusPassed))
	o.recorder.ObserveBuildIterations(iterations)
	o.logger.Info("build passed", "build_id", buildID, "iterations", iterations)
}

func (o *Orchestrator) appendLog(ctx context.Context, buildID, message string) {
	if err := o.store.Logs().Append(ctx, buildID, message); err != nil {
		o.logger.Warn("appending build log", "build_id", buildID, "error", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
