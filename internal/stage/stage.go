// Package stage executes one StageConfig against a PipelineState: prompt
// composition, runtime dispatch, output extraction, and commit-on-success.
package stage

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/agentpipe/agentpipe/internal/abort"
	"github.com/agentpipe/agentpipe/internal/gitrepo"
	"github.com/agentpipe/agentpipe/internal/pipelinecfg"
	"github.com/agentpipe/agentpipe/internal/retry"
	"github.com/agentpipe/agentpipe/internal/runstate"
	"github.com/agentpipe/agentpipe/internal/runtime"
)

// ErrAborted is returned (wrapping abort.ErrAborted) when the pipeline was
// aborted mid-stage; the caller must stop scheduling further stages.
var ErrAborted = abort.ErrAborted

// AgentPromptLoader loads the markdown system prompt for a stage's agent
// path. Implementations typically read from the execution repo path under
// .agent-pipeline/agents/.
type AgentPromptLoader func(agentPath string) (string, error)

// HandoverInjector optionally appends handover-directory pointer text to a
// system prompt. A nil injector leaves the prompt unchanged.
type HandoverInjector func(stageName, systemPrompt string) (string, error)

// Executor runs individual stages.
type Executor struct {
	Registry       *runtime.Registry
	LoadAgent      AgentPromptLoader
	InjectHandover HandoverInjector
	Git            *gitrepo.Manager
	RunID          string
	ExecutionDir   string
	DefaultRuntime string
	AutoCommit     bool
	OnOutputUpdate func(stageName, chunk string)
}

// Execute runs stageCfg against state. It returns a *runstate.StageExecution
// with status success or failed; it never returns a non-nil error for
// ordinary stage failures, only for abort.
func (e *Executor) Execute(ctx context.Context, stageCfg pipelinecfg.StageConfig, state *runstate.PipelineState, abortCtl *abort.Controller) (*runstate.StageExecution, error) {
	exec := state.AddRunning(stageCfg.Name)

	rt, err := e.resolveRuntime(stageCfg)
	if err != nil {
		return e.fail(exec, err), nil
	}

	userPrompt := BuildUserPrompt(stageCfg, state)

	systemPrompt, err := e.LoadAgent(stageCfg.Agent)
	if err != nil {
		return e.fail(exec, fmt.Errorf("loading agent prompt: %w", err)), nil
	}
	if e.InjectHandover != nil {
		systemPrompt, err = e.InjectHandover(stageCfg.Name, systemPrompt)
		if err != nil {
			return e.fail(exec, fmt.Errorf("injecting handover instructions: %w", err)), nil
		}
	}

	timeoutSeconds := stageCfg.EffectiveTimeout()
	stageCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	req := runtime.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Options: runtime.Options{
			Model:          stageRuntimeModel(stageCfg),
			TimeoutSeconds: timeoutSeconds,
			OutputKeys:     stageCfg.OutputKeys,
			RuntimeOptions: map[string]string{"cwd": e.ExecutionDir},
		},
	}
	if e.OnOutputUpdate != nil {
		stageName := stageCfg.Name
		req.Options.OnOutputUpdate = func(chunk string) { e.OnOutputUpdate(stageName, chunk) }
	}

	retryCfg := retryConfigFor(stageCfg)
	resp, err := retry.Execute(stageCtx, retryCfg, func(attemptCtx context.Context) (runtime.Response, error) {
		return rt.Execute(attemptCtx, req, abortSignal{abortCtl})
	}, func(a retry.Attempt) {
		exec.RetryAttempt = a.AttemptNumber
		exec.MaxRetries = a.MaxAttempts
	})
	if err != nil {
		if abortCtl != nil && abortCtl.Aborted() {
			exec.Error = &runstate.StageError{Message: "Agent execution aborted", Timestamp: time.Now()}
			exec.Status = runstate.StageFailed
			now := time.Now()
			exec.EndTime = &now
			return exec, abort.ErrAborted
		}
		return e.fail(exec, err), nil
	}

	now := time.Now()
	exec.Status = runstate.StageSuccess
	exec.EndTime = &now
	d := now.Sub(exec.StartTime)
	exec.Duration = &d
	exec.AgentOutput = resp.TextOutput
	exec.ExtractedData = resp.ExtractedData
	if resp.TokenUsage != nil {
		exec.TokenUsage = &runstate.TokenUsage{
			ActualInput:   resp.TokenUsage.InputTokens,
			Output:        resp.TokenUsage.OutputTokens,
			CacheCreation: resp.TokenUsage.CacheCreationTokens,
			CacheRead:     resp.TokenUsage.CacheReadTokens,
			NumTurns:      resp.NumTurns,
		}
	}

	if e.shouldCommit(stageCfg) {
		dirty, derr := e.Git.HasUncommittedChanges()
		if derr == nil && dirty {
			msg := stageCfg.CommitMessage
			sha, cerr := e.Git.CreatePipelineCommit(stageCfg.Name, e.RunID, msg)
			if cerr == nil {
				exec.CommitSha = sha
			}
		}
	}

	return exec, nil
}

func (e *Executor) shouldCommit(stageCfg pipelinecfg.StageConfig) bool {
	if stageCfg.AutoCommit != nil {
		return *stageCfg.AutoCommit
	}
	return e.AutoCommit
}

func (e *Executor) fail(exec *runstate.StageExecution, err error) *runstate.StageExecution {
	now := time.Now()
	exec.Status = runstate.StageFailed
	exec.EndTime = &now
	d := now.Sub(exec.StartTime)
	exec.Duration = &d
	exec.Error = &runstate.StageError{Message: err.Error(), Timestamp: now}
	return exec
}

func (e *Executor) resolveRuntime(stageCfg pipelinecfg.StageConfig) (runtime.Runtime, error) {
	name := e.DefaultRuntime
	if stageCfg.Runtime != nil && stageCfg.Runtime.Type != "" {
		name = stageCfg.Runtime.Type
	}
	return e.Registry.New(name)
}

func stageRuntimeModel(stageCfg pipelinecfg.StageConfig) string {
	if stageCfg.Runtime == nil {
		return ""
	}
	if m, ok := stageCfg.Runtime.Options["model"].(string); ok {
		return m
	}
	return ""
}

func retryConfigFor(stageCfg pipelinecfg.StageConfig) retry.Config {
	cfg := retry.DefaultConfig()
	if stageCfg.Retry == nil {
		return cfg
	}
	r := stageCfg.Retry
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	switch r.Backoff {
	case "fixed":
		cfg.Backoff = retry.BackoffFixed
	case "linear":
		cfg.Backoff = retry.BackoffLinear
	case "exponential":
		cfg.Backoff = retry.BackoffExponential
	}
	if r.InitialDelay > 0 {
		cfg.InitialDelay = time.Duration(r.InitialDelay) * time.Millisecond
	}
	if r.MaxDelay > 0 {
		cfg.MaxDelay = time.Duration(r.MaxDelay) * time.Millisecond
	}
	return cfg
}

// abortSignal adapts *abort.Controller to runtime.AbortSignal.
type abortSignal struct {
	ctl *abort.Controller
}

func (a abortSignal) Context() context.Context {
	if a.ctl == nil {
		return context.Background()
	}
	return a.ctl.Context()
}

func (a abortSignal) Register(killFn func()) func() {
	if a.ctl == nil {
		return func() {}
	}
	return a.ctl.Register(killFn)
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// BuildUserPrompt interpolates {{inputs.*}} and {{stages.X.outputs.K}}
// placeholders, and appends a "previous stages" section summarising prior
// successful executions. Unknown placeholders are left literal.
func BuildUserPrompt(stageCfg pipelinecfg.StageConfig, state *runstate.PipelineState) string {
	snap := state.Snapshot()

	var b strings.Builder
	b.WriteString(interpolate(promptBodyFor(stageCfg), stageCfg, snap))

	if section := previousStagesSection(snap); section != "" {
		b.WriteString("\n\n")
		b.WriteString(section)
	}
	return b.String()
}

// promptBodyFor renders the stage's raw (pre-interpolation) user prompt
// from its configured inputs, one "key: value" line per entry in
// deterministic (sorted) key order.
func promptBodyFor(stageCfg pipelinecfg.StageConfig) string {
	if len(stageCfg.Inputs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(stageCfg.Inputs))
	for k := range stageCfg.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, "{{inputs."+k+"}}")
	}
	return b.String()
}

func interpolate(text string, stageCfg pipelinecfg.StageConfig, snap runstate.PipelineState) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		val, ok := lookupPlaceholder(key, stageCfg, snap)
		if !ok {
			return m
		}
		return val
	})
}

func lookupPlaceholder(key string, stageCfg pipelinecfg.StageConfig, snap runstate.PipelineState) (string, bool) {
	switch {
	case strings.HasPrefix(key, "inputs."):
		k := strings.TrimPrefix(key, "inputs.")
		v, ok := stageCfg.Inputs[k]
		return v, ok
	case strings.HasPrefix(key, "stages."):
		rest := strings.TrimPrefix(key, "stages.")
		parts := strings.SplitN(rest, ".", 3)
		if len(parts) != 3 || parts[1] != "outputs" {
			return "", false
		}
		stageName, outputKey := parts[0], parts[2]
		for _, e := range snap.Stages {
			if e.StageName == stageName && e.Status == runstate.StageSuccess {
				if v, ok := e.ExtractedData[outputKey]; ok {
					return fmt.Sprintf("%v", v), true
				}
			}
		}
		return "", false
	default:
		return "", false
	}
}

// previousStagesSection renders a "Previous stages" digest of every
// successful StageExecution's output, in run order.
func previousStagesSection(snap runstate.PipelineState) string {
	var b strings.Builder
	wrote := false
	for _, e := range snap.Stages {
		if e.Status != runstate.StageSuccess || e.AgentOutput == "" {
			continue
		}
		if !wrote {
			b.WriteString("## Previous stages\n")
			wrote = true
		}
		fmt.Fprintf(&b, "\n### %s\n%s\n", e.StageName, e.AgentOutput)
	}
	if !wrote {
		return ""
	}
	return b.String()
}

// LoadAgentFromDir returns an AgentPromptLoader that reads agent markdown
// files relative to dir (typically {executionRepo}/.agent-pipeline/agents).
func LoadAgentFromDir(dir string) AgentPromptLoader {
	return func(agentPath string) (string, error) {
		if agentPath == pipelinecfg.InlineAgent {
			return "", nil
		}
		full := agentPath
		if !strings.HasPrefix(agentPath, "/") {
			full = dir + "/" + agentPath
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return "", fmt.Errorf("stage: reading agent prompt %s: %w", full, err)
		}
		return string(data), nil
	}
}
