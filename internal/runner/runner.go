// Package runner implements the pipeline runner: initialisation (worktree
// setup, handover directory, initial state), the execution phase (DAG
// group iteration, condition evaluation, failure-strategy handling,
// context reduction), and finalisation (commit/PR bookkeeping, worktree
// teardown, terminal notification). The loop phase is driven separately
// by internal/loopexec, with RunPipeline supplied as its per-iteration
// callback.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/agentpipe/agentpipe/internal/abort"
	"github.com/agentpipe/agentpipe/internal/condition"
	"github.com/agentpipe/agentpipe/internal/contextreduce"
	"github.com/agentpipe/agentpipe/internal/dag"
	"github.com/agentpipe/agentpipe/internal/gitrepo"
	"github.com/agentpipe/agentpipe/internal/group"
	"github.com/agentpipe/agentpipe/internal/handover"
	"github.com/agentpipe/agentpipe/internal/loopexec"
	"github.com/agentpipe/agentpipe/internal/notify"
	"github.com/agentpipe/agentpipe/internal/pipelinecfg"
	"github.com/agentpipe/agentpipe/internal/runstate"
	"github.com/agentpipe/agentpipe/internal/runtime"
	"github.com/agentpipe/agentpipe/internal/stage"
	"github.com/agentpipe/agentpipe/internal/worklog"
	"github.com/agentpipe/agentpipe/internal/worktree"
)

const (
	handoverSubdir      = ".agent-pipeline/handover"
	agentsSubdir        = ".agent-pipeline/agents"
	loopsSubdir         = ".agent-pipeline/loops"
	defaultInstructions = ".agent-pipeline/instructions/loop-agent.md"
)

// PullRequestCreator creates a pull request for a pushed branch. The
// default implementation shells out to the GitHub CLI.
type PullRequestCreator interface {
	Create(ctx context.Context, repoDir string, cfg pipelinecfg.PullRequestConfig, branch, baseBranch string) (*runstate.PullRequestInfo, error)
}

// GHCLIPullRequestCreator creates PRs via `gh pr create`, the same
// collaborator boundary the worktree manager uses for plain git commands.
type GHCLIPullRequestCreator struct{}

func (GHCLIPullRequestCreator) Create(ctx context.Context, repoDir string, cfg pipelinecfg.PullRequestConfig, branch, baseBranch string) (*runstate.PullRequestInfo, error) {
	args := []string{"pr", "create", "--head", branch, "--base", baseBranch, "--json", "url,number"}
	if cfg.Title != "" {
		args = append(args, "--title", cfg.Title)
	} else {
		args = append(args, "--title", branch)
	}
	if cfg.Body != "" {
		args = append(args, "--body", cfg.Body)
	} else {
		args = append(args, "--body", "")
	}
	if cfg.Draft {
		args = append(args, "--draft")
	}
	for _, r := range cfg.Reviewers {
		args = append(args, "--reviewer", r)
	}
	for _, l := range cfg.Labels {
		args = append(args, "--label", l)
	}

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("runner: gh pr create: %w", err)
	}
	return parseGHPullRequestJSON(out)
}

// Options configures one RunPipeline invocation; it mirrors spec §4.5's
// runPipeline options minus the loop-specific fields, which loopexec owns.
type Options struct {
	AbortController *abort.Controller
	OnOutputUpdate  func(stageName, chunk string)
	// StageObserver, if set, is called once per stage right after it
	// finishes (success, failure, or skip), letting a caller drive a live
	// status display off the same StageExecution that gets persisted.
	StageObserver func(exec *runstate.StageExecution)
}

// Runner owns the collaborators every pipeline run needs and drives one
// run to completion. A Runner is reusable across runs and across loop
// iterations.
type Runner struct {
	Registry       *runtime.Registry
	DefaultRuntime string
	RepoRoot       string // the main repository, outside any worktree
	RunStore       *runstate.RunStore
	LoopStore      *runstate.LoopStore
	Notifier       notify.Notifier
	PRCreator      PullRequestCreator
	MaxParallel    int    // 0 means unlimited
	WorklogDir     string // archive root for worklog.Manager; empty disables archiving
	CircuitBreaker int    // consecutive loop-iteration failures before RunLoop stops early; 0 disables the breaker
}

func (r *Runner) notifier() notify.Notifier {
	if r.Notifier != nil {
		return r.Notifier
	}
	return notify.NewLogNotifier(nil)
}

// RunPipeline runs one pipeline invocation to completion: initialisation,
// the execution phase's group-by-group sweep, and finalisation. It never
// drives the loop phase itself -- use RunLoop, which supplies this method
// as loopexec's per-iteration callback.
func (r *Runner) RunPipeline(ctx context.Context, cfg *pipelinecfg.PipelineConfig, opts Options) (*runstate.PipelineState, error) {
	runID := uuid.New().String()
	abortCtl := opts.AbortController
	if abortCtl == nil {
		abortCtl = abort.New(ctx)
	}

	init, err := r.initialize(runID, cfg)
	if err != nil {
		return nil, fmt.Errorf("runner: initialising run %s: %w", runID, err)
	}

	state := runstate.New(runID, cfg.Name, runstate.TriggerInfo{
		Type:      cfg.Trigger,
		CommitSha: init.triggerCommit,
		Timestamp: time.Now(),
	})
	state.Artifacts.InitialCommit = init.triggerCommit
	state.Artifacts.HandoverDir = init.handover.GetHandoverDir()
	state.Artifacts.WorktreePath = init.worktreePath

	if r.RunStore != nil {
		_ = r.RunStore.Save(state)
	}
	r.notifier().Notify(notify.Event{Type: "pipeline.started", RunID: runID, Pipeline: cfg.Name})

	r.runExecutionPhase(ctx, cfg, state, init, abortCtl, opts)

	r.finalize(ctx, cfg, state, init)

	if r.RunStore != nil {
		_ = r.RunStore.Save(state)
	}
	r.notifier().Notify(notify.Event{
		Type:     terminalEventType(state.Status),
		RunID:    runID,
		Pipeline: cfg.Name,
	})

	return state, nil
}

// RunLoop drives the loop phase for cfg, running its initial iteration and
// then iterating the pending queue via internal/loopexec until one of the
// spec's termination reasons is reached.
func (r *Runner) RunLoop(ctx context.Context, cfg *pipelinecfg.PipelineConfig, opts Options, sessionID string) (*runstate.LoopSession, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	initialYAML, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("runner: marshalling initial pipeline for loop session: %w", err)
	}

	loader := &handover.Loader{RepoRoot: r.RepoRoot, DefaultRelPath: defaultInstructions}
	customInstructions := ""
	if cfg.Looping != nil {
		customInstructions = cfg.Looping.Instructions
	}

	failureStrategy := pipelinecfg.FailureStop
	if cfg.Settings.FailureStrategy != "" {
		failureStrategy = cfg.Settings.FailureStrategy
	}

	maxIterations := 0
	if cfg.Looping != nil {
		maxIterations = cfg.Looping.MaxIterations
	}

	session := &loopexec.Session{
		ID: sessionID,
		Queue: loopexec.Queue{
			SessionDir: filepath.Join(r.RepoRoot, loopsSubdir, sessionID),
		},
		RunPipeline: func(ctx context.Context, pipelineYAML string, source loopexec.SourceType) (*runstate.PipelineState, error) {
			iterCfg, err := pipelinecfg.Parse([]byte(pipelineYAML))
			if err != nil {
				return nil, fmt.Errorf("runner: parsing loop iteration pipeline: %w", err)
			}
			return r.RunPipeline(ctx, iterCfg, opts)
		},
		LoopAgent: &loopexec.LoopAgent{
			Registry:    r.Registry,
			RuntimeType: r.DefaultRuntime,
			Loader:      loader,
		},
		Store:                  r.LoopStore,
		MaxIterations:          maxIterations,
		FailureStrategy:        failureStrategy,
		PipelineName:           cfg.Name,
		CustomInstructionsPath: customInstructions,
		CircuitBreaker:         r.CircuitBreaker,
	}

	return session.Run(ctx, string(initialYAML))
}

// initResult carries everything the execution and finalisation phases need
// from initialisation.
type initResult struct {
	executionDir  string
	triggerCommit string
	handover      *handover.Manager
	git           *gitrepo.Manager
	worktreePath  string
	usingWorktree bool
	branchName    string
	baseBranch    string
	deleteBranch  bool
}

func (r *Runner) initialize(runID string, cfg *pipelinecfg.PipelineConfig) (*initResult, error) {
	executionDir := r.RepoRoot
	res := &initResult{executionDir: executionDir}

	if cfg.Git != nil {
		baseBranch := cfg.Git.BaseBranch
		strategy := worktree.StrategyReusable
		if cfg.Git.BranchStrategy == string(worktree.StrategyUniquePerRun) {
			strategy = worktree.StrategyUniquePerRun
		}

		wtMgr := worktree.NewManager(r.RepoRoot, cfg.Git.Worktree.Directory)
		setup, err := wtMgr.SetupPipelineWorktree(cfg.Name, runID, baseBranch, strategy, cfg.Git.BranchPrefix)
		if err != nil {
			return nil, fmt.Errorf("setting up worktree: %w", err)
		}
		res.executionDir = setup.WorktreePath
		res.worktreePath = setup.WorktreePath
		res.usingWorktree = true
		res.branchName = setup.BranchName
		res.baseBranch = baseBranch
		res.deleteBranch = strategy == worktree.StrategyUniquePerRun
	}

	res.git = gitrepo.NewManager(res.executionDir)
	commit, err := res.git.GetCurrentCommit()
	if err != nil {
		return nil, fmt.Errorf("reading trigger commit: %w", err)
	}
	res.triggerCommit = commit

	handoverDir := filepath.Join(res.executionDir, handoverSubdir, runID)
	hm := handover.New(handoverDir)
	if err := hm.Initialize(handover.RunInfo{RunID: runID, PipelineName: cfg.Name, StartedAt: time.Now()}); err != nil {
		return nil, fmt.Errorf("initialising handover directory: %w", err)
	}
	res.handover = hm

	return res, nil
}

func (r *Runner) runExecutionPhase(ctx context.Context, cfg *pipelinecfg.PipelineConfig, state *runstate.PipelineState, init *initResult, abortCtl *abort.Controller, opts Options) {
	stagesByName := make(map[string]pipelinecfg.StageConfig, len(cfg.Stages))
	specs := make([]dag.StageSpec, 0, len(cfg.Stages))
	for _, s := range cfg.Stages {
		stagesByName[s.Name] = s
		specs = append(specs, dag.StageSpec{Name: s.Name, DependsOn: s.DependsOn})
	}

	graph, _, err := dag.BuildExecutionPlan(specs)
	if err != nil {
		state.SetStatus(runstate.StatusFailed)
		return
	}

	executor := &stage.Executor{
		Registry:       r.Registry,
		LoadAgent:      stage.LoadAgentFromDir(filepath.Join(init.executionDir, agentsSubdir)),
		InjectHandover: r.handoverInjector(init.handover),
		Git:            init.git,
		RunID:          state.RunID,
		ExecutionDir:   init.executionDir,
		DefaultRuntime: r.defaultRuntimeFor(cfg),
		AutoCommit:     autoCommitDefault(cfg.Settings),
		OnOutputUpdate: opts.OnOutputUpdate,
	}

	reducer := &contextreduce.Reducer{
		Registry:     r.Registry,
		RuntimeType:  r.defaultRuntimeFor(cfg),
		Instructions: "Summarize the pipeline's progress so far concisely, preserving any facts later stages depend on.",
	}

	mode := cfg.Settings.Mode
	defaultFailureStrategy := cfg.Settings.FailureStrategy
	if defaultFailureStrategy == "" {
		defaultFailureStrategy = pipelinecfg.FailureStop
	}

	for groupIdx, execGroup := range graph.Groups {
		if abortCtl.Aborted() {
			state.SetStatus(runstate.StatusAborted)
			return
		}

		runnable := r.resolveGroup(execGroup.Stages, stagesByName, state, opts.StageObserver)
		if len(runnable) > 0 {
			stageFn := func(ctx context.Context, stageName string) (*runstate.StageExecution, error) {
				return executor.Execute(ctx, stagesByName[stageName], state, abortCtl)
			}

			var result group.Result
			if mode == "sequential" || len(runnable) == 1 {
				result = group.ExecuteSequential(ctx, runnable, stageFn, nil, opts.StageObserver)
			} else {
				result = group.ExecuteParallel(ctx, runnable, r.MaxParallel, stageFn, nil, opts.StageObserver)
			}

			if abortCtl.Aborted() {
				state.SetStatus(runstate.StatusAborted)
				return
			}

			if result.AnyFailed {
				if r.shouldStopOnFailure(result, stagesByName, defaultFailureStrategy) {
					state.SetStatus(runstate.StatusFailed)
					return
				}
				state.SetStatus(runstate.StatusPartial)
			}
		}

		if r.RunStore != nil {
			_ = r.RunStore.Save(state)
		}

		if groupIdx+1 < len(graph.Groups) {
			r.maybeReduceContext(ctx, cfg, state, reducer, graph.Groups[groupIdx+1], stagesByName)
		}
	}

	if abortCtl.Aborted() {
		state.SetStatus(runstate.StatusAborted)
		return
	}
	if state.Status == runstate.StatusRunning {
		state.SetStatus(runstate.StatusCompleted)
	}
}

// resolveGroup marks disabled and condition-false stages as skipped and
// returns the names still runnable this group, per spec §4.5 steps 1-2.
func (r *Runner) resolveGroup(stageNames []string, stagesByName map[string]pipelinecfg.StageConfig, state *runstate.PipelineState, observer func(*runstate.StageExecution)) []string {
	runnable := make([]string, 0, len(stageNames))
	for _, name := range stageNames {
		cfg := stagesByName[name]
		if !cfg.IsEnabled() {
			exec := state.AddSkipped(name, nil)
			if observer != nil {
				observer(exec)
			}
			continue
		}
		if cfg.Condition != "" {
			ok, evaluated := r.evaluateCondition(cfg.Condition, state)
			if !evaluated {
				// A malformed condition is treated as false, same as a
				// lookup miss: never panics the run.
				ok = false
			}
			if !ok {
				result := ok
				exec := state.AddSkipped(name, &result)
				if observer != nil {
					observer(exec)
				}
				continue
			}
		}
		runnable = append(runnable, name)
	}
	return runnable
}

func (r *Runner) evaluateCondition(src string, state *runstate.PipelineState) (result bool, parsed bool) {
	expr, err := condition.Parse(src)
	if err != nil {
		return false, false
	}
	snap := state.Snapshot()
	lookup := func(path string) (any, bool) { return lookupState(path, snap) }
	return expr.Eval(lookup), true
}

// lookupState resolves "pipeline.status", "stages.<name>.status", and
// "stages.<name>.outputs.<key>" paths against a state snapshot.
func lookupState(path string, snap runstate.PipelineState) (any, bool) {
	switch {
	case path == "pipeline.status":
		return string(snap.Status), true
	case strings.HasPrefix(path, "stages."):
		rest := strings.TrimPrefix(path, "stages.")
		parts := strings.SplitN(rest, ".", 2)
		if len(parts) != 2 {
			return nil, false
		}
		stageName, field := parts[0], parts[1]
		for _, e := range snap.Stages {
			if e.StageName != stageName {
				continue
			}
			if field == "status" {
				return string(e.Status), true
			}
			if strings.HasPrefix(field, "outputs.") {
				key := strings.TrimPrefix(field, "outputs.")
				v, ok := e.ExtractedData[key]
				return v, ok
			}
			return nil, false
		}
		return nil, false
	default:
		return nil, false
	}
}

// shouldStopOnFailure consults each failed stage's onFail, falling back to
// the pipeline-wide default, per spec §4.5 step 6.
func (r *Runner) shouldStopOnFailure(result group.Result, stagesByName map[string]pipelinecfg.StageConfig, defaultStrategy pipelinecfg.FailureStrategy) bool {
	for _, exec := range result.Executions {
		if exec.Status != runstate.StageFailed {
			continue
		}
		strategy := defaultStrategy
		if cfg, ok := stagesByName[exec.StageName]; ok && cfg.OnFail != "" {
			strategy = cfg.OnFail
		}
		if strategy == pipelinecfg.FailureStop {
			return true
		}
	}
	return false
}

// maybeReduceContext runs the reducer agent before the next group if the
// estimated prompt size for its first enabled stage crosses the configured
// threshold, per spec §4.5 step 5.
func (r *Runner) maybeReduceContext(ctx context.Context, cfg *pipelinecfg.PipelineConfig, state *runstate.PipelineState, reducer *contextreduce.Reducer, nextGroup dag.ExecutionGroup, stagesByName map[string]pipelinecfg.StageConfig) {
	if cfg.Settings.ContextReduction != pipelinecfg.ContextReductionAgentBased {
		return
	}
	var next *pipelinecfg.StageConfig
	for _, name := range nextGroup.Stages {
		s := stagesByName[name]
		if s.IsEnabled() {
			next = &s
			break
		}
	}
	if next == nil {
		return
	}

	snap := state.Snapshot()
	estimated := contextreduce.EstimateTokens("", stage.BuildUserPrompt(*next, state), snap)
	if !contextreduce.ShouldReduce(cfg.Settings, estimated) {
		return
	}

	if _, err := reducer.Run(ctx, cfg.Settings, state); err != nil {
		// Reducer failures are non-fatal: the run proceeds unreduced.
		r.notifier().Notify(notify.Event{
			Type:     "context_reduction.failed",
			RunID:    state.RunID,
			Pipeline: cfg.Name,
			Message:  err.Error(),
		})
	}
}

func (r *Runner) handoverInjector(hm *handover.Manager) stage.HandoverInjector {
	return func(stageName, systemPrompt string) (string, error) {
		ctxMsg, err := hm.BuildContextMessage()
		if err != nil {
			return systemPrompt, nil
		}
		if ctxMsg == "" {
			return systemPrompt, nil
		}
		return systemPrompt + "\n\n## Handover context\n\n" + ctxMsg, nil
	}
}

func (r *Runner) defaultRuntimeFor(cfg *pipelinecfg.PipelineConfig) string {
	if cfg.Runtime != nil && cfg.Runtime.Type != "" {
		return cfg.Runtime.Type
	}
	return r.DefaultRuntime
}

func autoCommitDefault(settings pipelinecfg.Settings) bool {
	if settings.AutoCommit != nil {
		return *settings.AutoCommit
	}
	return true
}

func (r *Runner) finalize(ctx context.Context, cfg *pipelinecfg.PipelineConfig, state *runstate.PipelineState, init *initResult) {
	if final, err := init.git.GetCurrentCommit(); err == nil {
		state.Artifacts.FinalCommit = final
	}
	if files, err := init.git.GetChangedFiles(state.Artifacts.FinalCommit); err == nil {
		state.Artifacts.ChangedFiles = files
	}
	if !state.Trigger.Timestamp.IsZero() {
		state.Artifacts.TotalDuration = time.Since(state.Trigger.Timestamp)
	}

	if init.usingWorktree && cfg.Git != nil && cfg.Git.PullRequest.AutoCreate &&
		state.Status != runstate.StatusFailed && state.Status != runstate.StatusAborted {
		r.createPullRequest(ctx, cfg, state, init)
	}

	if r.WorklogDir != "" {
		if err := worklog.Archive("", r.WorklogDir, state.Snapshot()); err != nil {
			r.notifier().Notify(notify.Event{
				Type:     "worklog.archive_failed",
				RunID:    state.RunID,
				Pipeline: cfg.Name,
				Message:  err.Error(),
			})
		}
	}

	if init.usingWorktree {
		r.copyHandoverBack(init)
		wtMgr := worktree.NewManager(r.RepoRoot, cfg.Git.Worktree.Directory)
		id := strings.ReplaceAll(init.branchName, "/", "-")
		_ = wtMgr.Remove(id, init.branchName, init.deleteBranch)
	}
}

func (r *Runner) createPullRequest(ctx context.Context, cfg *pipelinecfg.PipelineConfig, state *runstate.PipelineState, init *initResult) {
	push := exec.CommandContext(ctx, "git", "push", "-u", "origin", init.branchName)
	push.Dir = init.executionDir
	if err := push.Run(); err != nil {
		return
	}

	creator := r.PRCreator
	if creator == nil {
		creator = GHCLIPullRequestCreator{}
	}
	pr, err := creator.Create(ctx, init.executionDir, cfg.Git.PullRequest, init.branchName, init.baseBranch)
	if err != nil {
		return
	}
	state.Artifacts.PullRequest = pr
}

// copyHandoverBack mirrors the worktree's handover directory into the main
// repository so it survives worktree removal.
func (r *Runner) copyHandoverBack(init *initResult) {
	mirrorRoot := filepath.Join(r.RepoRoot, handoverSubdir)
	if err := os.MkdirAll(mirrorRoot, 0o755); err != nil {
		return
	}
	dest := filepath.Join(mirrorRoot, filepath.Base(init.handover.GetHandoverDir()))
	_ = copyDir(init.handover.GetHandoverDir(), dest)
}

func copyDir(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

func terminalEventType(status runstate.Status) string {
	switch status {
	case runstate.StatusFailed:
		return "pipeline.failed"
	case runstate.StatusAborted:
		return "pipeline.aborted"
	default:
		return "pipeline.completed"
	}
}

// parseGHPullRequestJSON decodes {url, number} from `gh pr create --json
// url,number` output.
func parseGHPullRequestJSON(out []byte) (*runstate.PullRequestInfo, error) {
	var payload struct {
		URL    string `json:"url"`
		Number int    `json:"number"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return nil, fmt.Errorf("runner: decoding gh pr create output: %w", err)
	}
	if payload.URL == "" {
		return nil, fmt.Errorf("runner: gh pr create: no url in output: %s", string(out))
	}
	return &runstate.PullRequestInfo{URL: payload.URL, Number: payload.Number}, nil
}
