package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/forgelabs/build-plane/internal/models"
	"github.com/forgelabs/build-plane/internal/stage"
)

// runFanout dispatches one builder invocation per file task with
// bounded concurrency. The round is all-or-nothing: the first fatal
// task cancels the rest and partial results are discarded.
func (o *Orchestrator) runFanout(ctx context.Context, buildID string, tasks []models.FileTask) ([]models.BuilderFileResult, error) {
	// A design with no file tasks simply has nothing to build this
	// round; the tester still gets its say.
	if len(tasks) == 0 {
		return nil, nil
	}
	o.recorder.ObserveFanoutTasks(len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FanoutConcurrency)

	results := make([]models.BuilderFileResult, len(tasks))
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			res, err := o.invokeStage(gctx, models.StageBuilder, stage.BuilderPayload{
				BuildID:       buildID,
				FilePath:      task.FilePath,
				Specification: task.Specification,
				Language:      task.Language,
			})
			if err != nil {
				return fmt.Errorf("builder for %s: %w", task.FilePath, err)
			}
			if !res.Success() {
				return fmt.Errorf("builder for %s returned status %d: %s",
					task.FilePath, res.StatusCode, truncate(res.Body, 256))
			}

			fr := models.BuilderFileResult{FilePath: task.FilePath, Status: "created"}
			if len(res.Body) > 0 {
				if err := res.Decode(&fr); err != nil {
					return fmt.Errorf("builder for %s returned malformed result: %w", task.FilePath, err)
				}
				if fr.FilePath == "" {
					fr.FilePath = task.FilePath
				}
			}
			results[i] = fr
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
