// Package loopexec implements the pipeline runner's loop phase: a
// session-scoped pending/running/finished/failed file queue plus the
// synthetic loop-agent stage that decides whether another iteration runs.
package loopexec

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/agentpipe/agentpipe/internal/handover"
	"github.com/agentpipe/agentpipe/internal/pipelinecfg"
	"github.com/agentpipe/agentpipe/internal/runstate"
	"github.com/agentpipe/agentpipe/internal/runtime"
)

// LoopAgentStageName is the synthetic stage name the loop agent's
// execution is recorded under.
const LoopAgentStageName = "loop-agent"

// SourceType distinguishes the very first iteration's pipeline from one
// picked up off the pending queue.
type SourceType string

const (
	SourceInitial SourceType = "initial"
	SourcePending SourceType = "loop-pending"
)

// RunPipelineFunc runs one loop iteration's pipeline to completion and
// returns its final state. The caller (internal/runner) supplies this so
// loopexec never imports the package that drives it.
type RunPipelineFunc func(ctx context.Context, pipelineYAML string, source SourceType) (*runstate.PipelineState, error)

// LoopAgent runs the loop-agent virtual stage directly against a runtime,
// bypassing the ordinary stage executor.
type LoopAgent struct {
	Registry    *runtime.Registry
	RuntimeType string
	Loader      *handover.Loader
}

// Run invokes the loop agent and appends its execution to state. A loop
// agent failure is recorded but never returned as an error: per spec it is
// non-fatal to the loop.
func (a *LoopAgent) Run(ctx context.Context, state *runstate.PipelineState, pipelineYAML, customInstructionsPath, pendingDir, pipelineName string, iteration, maxIterations int) *runstate.StageExecution {
	exec := state.AddRunning(LoopAgentStageName)

	rt, err := a.Registry.New(a.RuntimeType)
	if err != nil {
		return a.fail(exec, err)
	}

	systemPrompt, err := a.Loader.LoadAndRender(customInstructionsPath, handover.InstructionContext{
		PipelineName:     pipelineName,
		PendingDir:       pendingDir,
		CurrentIteration: iteration,
		MaxIterations:    maxIterations,
	})
	if err != nil {
		return a.fail(exec, err)
	}

	userPrompt := pipelineYAML + "\n\npending directory: " + pendingDir

	resp, err := rt.Execute(ctx, runtime.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
	}, noopAbortSignal{})
	now := time.Now()
	if err != nil {
		return a.fail(exec, err)
	}

	exec.Status = runstate.StageSuccess
	exec.EndTime = &now
	d := now.Sub(exec.StartTime)
	exec.Duration = &d
	exec.AgentOutput = resp.TextOutput
	return exec
}

func (a *LoopAgent) fail(exec *runstate.StageExecution, err error) *runstate.StageExecution {
	now := time.Now()
	exec.Status = runstate.StageFailed
	exec.EndTime = &now
	d := now.Sub(exec.StartTime)
	exec.Duration = &d
	exec.Error = &runstate.StageError{Message: err.Error(), Timestamp: now}
	return exec
}

type noopAbortSignal struct{}

func (noopAbortSignal) Context() context.Context { return context.Background() }
func (noopAbortSignal) Register(func()) func()   { return func() {} }

// Session drives one loop invocation from its initial pipeline through
// termination.
type Session struct {
	ID                     string
	Queue                  Queue
	RunPipeline            RunPipelineFunc
	LoopAgent              *LoopAgent
	Store                  *runstate.LoopStore
	MaxIterations          int // 0 means the spec default of 100
	FailureStrategy        pipelinecfg.FailureStrategy
	PipelineName           string
	CustomInstructionsPath string
	CircuitBreaker         int // consecutive iteration failures before stopping; 0 disables the breaker
}

func (s *Session) effectiveMaxIterations() int {
	if s.MaxIterations <= 0 {
		return 100
	}
	return s.MaxIterations
}

// Run drives the loop to termination, returning the persisted LoopSession.
func (s *Session) Run(ctx context.Context, initialPipelineYAML string) (*runstate.LoopSession, error) {
	if err := s.Queue.EnsureDirs(); err != nil {
		return nil, err
	}

	session := &runstate.LoopSession{
		SessionID:     s.ID,
		StartTime:     time.Now(),
		Status:        runstate.SessionRunning,
		MaxIterations: s.effectiveMaxIterations(),
	}

	currentYAML := initialPipelineYAML
	source := SourceInitial
	var currentPendingPath string
	consecutiveFailures := 0

	for iterNum := 1; ; iterNum++ {
		if iterNum > s.effectiveMaxIterations() {
			session.Status = runstate.SessionLimitReached
			break
		}

		iterStart := time.Now()
		record := runstate.LoopIteration{
			IterationNumber: iterNum,
			PipelineName:    s.PipelineName,
			Status:          runstate.IterationInProgress,
		}
		session.Iterations = append(session.Iterations, record)
		session.TotalIterations = len(session.Iterations)
		if s.Store != nil {
			_ = s.Store.Save(session)
		}

		state, err := s.RunPipeline(ctx, currentYAML, source)
		if err != nil {
			return nil, fmt.Errorf("loopexec: running iteration %d: %w", iterNum, err)
		}

		state.LoopContext = &runstate.LoopContext{
			Enabled:          true,
			CurrentIteration: iterNum,
			MaxIterations:    s.effectiveMaxIterations(),
			SessionID:        s.ID,
		}

		pendingDir := s.Queue.PendingDir()
		s.LoopAgent.Run(ctx, state, currentYAML, s.CustomInstructionsPath, pendingDir, s.PipelineName, iterNum, s.effectiveMaxIterations())

		current := &session.Iterations[len(session.Iterations)-1]
		current.RunID = state.RunID
		d := time.Since(iterStart)
		current.Duration = &d

		if source == SourcePending && currentPendingPath != "" {
			if state.Status == runstate.StatusFailed {
				_ = s.Queue.MoveToFailed(currentPendingPath)
			} else {
				_ = s.Queue.MoveToFinished(currentPendingPath)
			}
		}

		switch {
		case state.Status == runstate.StatusAborted:
			current.Status = runstate.IterationAborted
			state.LoopContext.TerminationReason = runstate.TerminationAborted
			session.Status = runstate.SessionAborted
			if s.Store != nil {
				_ = s.Store.Save(session)
			}
			return finalize(session, runstate.SessionAborted), nil

		case state.Status == runstate.StatusFailed && s.FailureStrategy == pipelinecfg.FailureStop:
			current.Status = runstate.IterationFailed
			state.LoopContext.TerminationReason = runstate.TerminationFailure
			session.Status = runstate.SessionFailed
			if s.Store != nil {
				_ = s.Store.Save(session)
			}
			return finalize(session, runstate.SessionFailed), nil
		}

		current.Status = iterationStatus(state.Status)

		if current.Status == runstate.IterationFailed {
			consecutiveFailures++
		} else {
			consecutiveFailures = 0
		}

		if s.CircuitBreaker > 0 && consecutiveFailures >= s.CircuitBreaker {
			state.LoopContext.TerminationReason = runstate.TerminationCircuitBreaker
			session.Status = runstate.SessionCircuitBreaker
			if s.Store != nil {
				_ = s.Store.Save(session)
			}
			return finalize(session, runstate.SessionCircuitBreaker), nil
		}

		nextPath, ok, err := s.Queue.NextPending()
		if err != nil {
			return nil, fmt.Errorf("loopexec: scanning pending queue: %w", err)
		}
		if !ok {
			current.TriggeredNext = false
			state.LoopContext.TerminationReason = runstate.TerminationNatural
			session.Status = runstate.SessionCompleted
			break
		}

		current.TriggeredNext = true
		data, err := os.ReadFile(nextPath)
		if err != nil {
			return nil, fmt.Errorf("loopexec: reading %s: %w", nextPath, err)
		}
		runningPath, err := s.Queue.MoveToRunning(nextPath)
		if err != nil {
			return nil, err
		}
		currentPendingPath = runningPath
		currentYAML = string(data)
		source = SourcePending
	}

	return finalize(session, session.Status), nil
}

func finalize(session *runstate.LoopSession, status runstate.SessionStatus) *runstate.LoopSession {
	now := time.Now()
	session.EndTime = &now
	session.Status = status
	session.TotalIterations = len(session.Iterations)
	return session
}

func iterationStatus(status runstate.Status) runstate.LoopIterationStatus {
	switch status {
	case runstate.StatusCompleted, runstate.StatusPartial:
		return runstate.IterationCompleted
	case runstate.StatusFailed:
		return runstate.IterationFailed
	case runstate.StatusAborted:
		return runstate.IterationAborted
	default:
		return runstate.IterationCompleted
	}
}
