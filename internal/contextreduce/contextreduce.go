// Package contextreduce implements the agent-based context reduction hook:
// when the estimated prompt size for an upcoming stage crosses a configured
// threshold, a reducer agent runs as a virtual stage and the pipeline's
// older stage history is replaced with its summary plus a trailing window
// of recent entries.
package contextreduce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/agentpipe/agentpipe/internal/pipelinecfg"
	"github.com/agentpipe/agentpipe/internal/runstate"
	"github.com/agentpipe/agentpipe/internal/runtime"
)

// VirtualStageName is the synthetic stage name the reducer's execution is
// recorded under in PipelineState.Stages.
const VirtualStageName = "__context_reducer__"

// Deadline bounds the reducer agent invocation, independent of any stage's
// configured timeout.
const Deadline = 300 * time.Second

// charsPerToken is a rough, model-agnostic estimate used only to decide
// whether reduction is worth attempting; it never feeds billing or limits.
const charsPerToken = 4

// EstimateTokens approximates the token cost of running nextStage by
// summing its rendered prompt length with every still-retained stage
// output, divided by charsPerToken.
func EstimateTokens(systemPrompt, userPrompt string, snap runstate.PipelineState) int {
	total := len(systemPrompt) + len(userPrompt)
	for _, e := range snap.Stages {
		total += len(e.AgentOutput)
	}
	return total / charsPerToken
}

// Reducer runs the reducer agent and folds the result into state.
type Reducer struct {
	Registry     *runtime.Registry
	RuntimeType  string
	Instructions string // reducer agent system prompt, loaded by the caller
}

// ShouldReduce reports whether reduction should run before nextStage,
// per settings.contextReduction/contextThreshold.
func ShouldReduce(settings pipelinecfg.Settings, estimatedTokens int) bool {
	if settings.ContextReduction != pipelinecfg.ContextReductionAgentBased {
		return false
	}
	if settings.ContextThreshold <= 0 {
		return false
	}
	return estimatedTokens > settings.ContextThreshold
}

// contextWindow is the number of trailing stage entries kept verbatim
// alongside the reducer's summary; spec default is 3.
func contextWindow(settings pipelinecfg.Settings) int {
	if settings.ContextWindow <= 0 {
		return 3
	}
	return settings.ContextWindow
}

// Run executes the reducer agent as a virtual stage against the current
// state and, on success, replaces state.Stages with the reducer's summary
// entry followed by the last contextWindow() real entries. If the reducer
// agent fails, its virtual entry is marked failed and returned together
// with the error, and state is otherwise left unreduced (the failed entry
// stays appended); callers decide whether to proceed or surface it. If the
// runtime cannot be resolved, nil is returned with the error and state is
// not touched.
func (r *Reducer) Run(ctx context.Context, settings pipelinecfg.Settings, state *runstate.PipelineState) (*runstate.StageExecution, error) {
	rt, err := r.Registry.New(r.RuntimeType)
	if err != nil {
		return nil, fmt.Errorf("contextreduce: resolving runtime: %w", err)
	}

	snap := state.Snapshot()
	userPrompt := renderDigest(snap)

	exec := state.AddRunning(VirtualStageName)

	reduceCtx, cancel := context.WithTimeout(ctx, Deadline)
	defer cancel()

	resp, err := rt.Execute(reduceCtx, runtime.Request{
		SystemPrompt: r.Instructions,
		UserPrompt:   userPrompt,
		Options:      runtime.Options{TimeoutSeconds: int(Deadline.Seconds())},
	}, noopAbortSignal{})
	now := time.Now()
	if err != nil {
		exec.Status = runstate.StageFailed
		exec.EndTime = &now
		exec.Error = &runstate.StageError{Message: err.Error(), Timestamp: now}
		return exec, fmt.Errorf("contextreduce: reducer agent: %w", err)
	}

	exec.Status = runstate.StageSuccess
	exec.EndTime = &now
	exec.AgentOutput = resp.TextOutput

	window := contextWindow(settings)
	kept := snap.Stages
	if len(kept) > window {
		kept = kept[len(kept)-window:]
	}
	summaryEntry := &runstate.StageExecution{
		StageName:   VirtualStageName,
		Status:      runstate.StageSuccess,
		StartTime:   exec.StartTime,
		EndTime:     &now,
		AgentOutput: resp.TextOutput,
	}
	state.ReplaceStages(append([]*runstate.StageExecution{summaryEntry}, kept...))

	return exec, nil
}

// renderDigest renders every retained stage's output, deduped by content
// hash so repeated or near-duplicate outputs (common across retries) are
// only sent to the reducer once.
func renderDigest(snap runstate.PipelineState) string {
	seen := make(map[uint64]bool, len(snap.Stages))
	var b strings.Builder
	for _, e := range snap.Stages {
		if e.AgentOutput == "" {
			continue
		}
		h := xxhash.Sum64String(e.AgentOutput)
		if seen[h] {
			continue
		}
		seen[h] = true
		fmt.Fprintf(&b, "## %s\n%s\n\n", e.StageName, e.AgentOutput)
	}
	return b.String()
}

// noopAbortSignal is used for the reducer invocation, which is bounded by
// Deadline alone and never wired to the pipeline's abort controller: it is
// a short bookkeeping step, not agent work a user would want to interrupt
// independently of the stage that triggered it.
type noopAbortSignal struct{}

func (noopAbortSignal) Context() context.Context         { return context.Background() }
func (noopAbortSignal) Register(func()) func()           { return func() {} }
