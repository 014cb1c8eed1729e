// Package group drives one level of the execution DAG: all stages in a
// group concurrently (parallel mode) or one after another (sequential
// mode), always waiting for every stage to finish before returning so
// pipeline state stays consistent regardless of which stage failed.
package group

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agentpipe/agentpipe/internal/runstate"
)

// StageFunc executes one stage and returns its outcome. It must never
// panic and must always return a non-nil *runstate.StageExecution; errors
// that are not stage failures (e.g. abort) are returned alongside a
// best-effort failed execution record.
type StageFunc func(ctx context.Context, stageName string) (*runstate.StageExecution, error)

// OnBatchInserted is called once after all running entries for a group
// have been inserted into state, before any stage has completed.
type OnBatchInserted func(stageNames []string)

// OnStageComplete is called once per stage, right after it finishes.
type OnStageComplete func(exec *runstate.StageExecution)

// Result is returned by ExecuteParallel/ExecuteSequential.
type Result struct {
	Executions  []*runstate.StageExecution
	AllSucceeded bool
	AnyFailed    bool
	Duration     time.Duration
}

// AggregateResults renders the teacher-standard one-line summary for a
// finished group.
func AggregateResults(r Result) string {
	succeeded, failed := 0, 0
	for _, e := range r.Executions {
		switch e.Status {
		case runstate.StageSuccess:
			succeeded++
		case runstate.StageFailed:
			failed++
		}
	}
	return fmt.Sprintf("Completed %d stages in %.1fs (%d succeeded, %d failed)",
		len(r.Executions), r.Duration.Seconds(), succeeded, failed)
}

// ExecuteParallel runs every stage in stageNames concurrently, bounded by
// maxParallel (0 means unlimited), and returns once every stage has
// finished. onBatchInserted fires once before any stage starts; onComplete
// fires once per stage as it finishes. Returned Executions preserve
// stageNames' input order regardless of completion order.
func ExecuteParallel(ctx context.Context, stageNames []string, maxParallel int, run StageFunc, onBatchInserted OnBatchInserted, onComplete OnStageComplete) Result {
	start := time.Now()
	if len(stageNames) == 0 {
		return Result{AllSucceeded: true, Duration: time.Since(start)}
	}

	if onBatchInserted != nil {
		onBatchInserted(stageNames)
	}

	limit := int64(len(stageNames))
	if maxParallel > 0 && int64(maxParallel) < limit {
		limit = int64(maxParallel)
	}
	sem := semaphore.NewWeighted(limit)

	executions := make([]*runstate.StageExecution, len(stageNames))
	// A plain (non-WithContext) errgroup waits for every goroutine
	// regardless of failure -- required so pipeline state stays
	// consistent even when a sibling stage in the group fails.
	var g errgroup.Group
	for i, name := range stageNames {
		idx, stageName := i, name
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				executions[idx] = abortedExecution(stageName)
				return nil
			}
			defer sem.Release(1)

			exec, err := run(ctx, stageName)
			if exec == nil {
				exec = failedExecution(stageName, err)
			}
			executions[idx] = exec
			if onComplete != nil {
				onComplete(exec)
			}
			return nil
		})
	}
	_ = g.Wait()

	return finalizeResult(executions, start)
}

// ExecuteSequential runs each stage in stageNames one at a time, in order,
// inserting its running entry and notifying before launch and notifying
// again after each completion.
func ExecuteSequential(ctx context.Context, stageNames []string, run StageFunc, onInsert func(stageName string), onComplete OnStageComplete) Result {
	start := time.Now()
	if len(stageNames) == 0 {
		return Result{AllSucceeded: true, Duration: time.Since(start)}
	}

	executions := make([]*runstate.StageExecution, len(stageNames))
	for i, name := range stageNames {
		if onInsert != nil {
			onInsert(name)
		}
		exec, err := run(ctx, name)
		if exec == nil {
			exec = failedExecution(name, err)
		}
		executions[i] = exec
		if onComplete != nil {
			onComplete(exec)
		}
	}

	return finalizeResult(executions, start)
}

func finalizeResult(executions []*runstate.StageExecution, start time.Time) Result {
	allSucceeded, anyFailed := true, false
	for _, e := range executions {
		if e.Status == runstate.StageFailed {
			anyFailed = true
			allSucceeded = false
		} else if e.Status != runstate.StageSuccess && e.Status != runstate.StageSkipped {
			allSucceeded = false
		}
	}
	return Result{
		Executions:   executions,
		AllSucceeded: allSucceeded,
		AnyFailed:    anyFailed,
		Duration:     time.Since(start),
	}
}

func failedExecution(stageName string, err error) *runstate.StageExecution {
	msg := "stage execution did not return a result"
	if err != nil {
		msg = err.Error()
	}
	now := time.Now()
	return &runstate.StageExecution{
		StageName: stageName,
		Status:    runstate.StageFailed,
		StartTime: now,
		EndTime:   &now,
		Error:     &runstate.StageError{Message: msg, Timestamp: now},
	}
}

func abortedExecution(stageName string) *runstate.StageExecution {
	now := time.Now()
	return &runstate.StageExecution{
		StageName: stageName,
		Status:    runstate.StageFailed,
		StartTime: now,
		EndTime:   &now,
		Error:     &runstate.StageError{Message: "pipeline aborted", Timestamp: now},
	}
}

// SortedStageNames is a small helper used by callers that need a
// deterministic iteration order over a map-keyed group (tests, debugging).
func SortedStageNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
