package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/alecthomas/kong"

	"github.com/agentpipe/agentpipe/internal/abort"
	"github.com/agentpipe/agentpipe/internal/config"
	"github.com/agentpipe/agentpipe/internal/dag"
	"github.com/agentpipe/agentpipe/internal/logging"
	"github.com/agentpipe/agentpipe/internal/notify"
	"github.com/agentpipe/agentpipe/internal/pipelinecfg"
	"github.com/agentpipe/agentpipe/internal/runner"
	"github.com/agentpipe/agentpipe/internal/runstate"
	"github.com/agentpipe/agentpipe/internal/runtime"
	"github.com/agentpipe/agentpipe/internal/tui"
	"github.com/agentpipe/agentpipe/internal/worktree"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// CLI is the top-level command structure for agentpipe.
type CLI struct {
	Version  kong.VersionFlag `help:"Show version." short:"V"`
	Run      RunCmd           `cmd:"" help:"Run a pipeline to completion."`
	Validate ValidateCmd      `cmd:"" help:"Validate a pipeline definition's DAG and schema."`
	Loop     LoopCmd          `cmd:"" help:"Run a pipeline and drive its loop phase until termination."`
	Resume   ResumeCmd        `cmd:"" help:"Re-run a pipeline, reporting a prior run's last status first."`
	Abort    AbortCmd         `cmd:"" help:"Abort a running pipeline by runId."`
	Status   StatusCmd        `cmd:"" help:"Show the persisted status of a run or loop session."`
}

// loadHostConfig loads layered host-level config with env overrides.
func loadHostConfig() (*config.Config, error) {
	cfg, err := config.LoadLayered(
		os.ExpandEnv("$HOME/.config/agentpipe/config.yaml"),
		".agent-pipeline/config.yaml",
	)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildRunner wires a runner.Runner from host config: runtime registry,
// state stores, worklog archive directory, and a log-backed notifier.
func buildRunner(hostCfg *config.Config, logger *logging.Logger) *runner.Runner {
	reg := runtime.NewRegistry()
	runtime.RegisterBuiltins(reg)

	return &runner.Runner{
		Registry:       reg,
		DefaultRuntime: hostCfg.Runtime.Default,
		RepoRoot:       ".",
		RunStore:       runstate.NewRunStore(filepath.Join(hostCfg.Pipeline.Dir, "..", "state", "runs")),
		LoopStore:      runstate.NewLoopStore(filepath.Join(hostCfg.Loop.StateDir, "loops")),
		Notifier:       notify.NewLogNotifier(logger),
		WorklogDir:     ".agent-pipeline/worklog",
		CircuitBreaker: hostCfg.Loop.CircuitBreaker,
	}
}

// RunCmd runs a pipeline definition to completion.
type RunCmd struct {
	Pipeline string `arg:"" help:"Path to the pipeline YAML definition."`
	NoTUI    bool   `help:"Force plain text output even on a terminal." name:"no-tui"`
}

func (r *RunCmd) Run() error {
	hostCfg, err := loadHostConfig()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	cfg, err := pipelinecfg.Load(r.Pipeline)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	logger := logging.New(logging.WithLevel("info"))
	rn := buildRunner(hostCfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	abortCtl := abort.New(ctx)

	bridge := tui.NewBridge()
	display := tui.NewDisplay(tui.DisplayOptions{
		Writer:     os.Stdout,
		ForcePlain: r.NoTUI,
		Stages:     stageNames(cfg),
		Pipeline:   cfg.Name,
		CancelFunc: abortCtl.Abort,
	})
	displayDone := make(chan error, 1)
	go func() { displayDone <- display.Run(context.Background(), bridge.Events()) }()

	state, runErr := rn.RunPipeline(ctx, cfg, runner.Options{
		AbortController: abortCtl,
		StageObserver:   bridgeStageObserver(bridge),
	})

	if runErr != nil {
		bridge.Error(runErr)
	} else {
		bridge.Done()
	}
	<-displayDone

	if runErr != nil {
		return fmt.Errorf("run: %w", runErr)
	}

	printRunSummary(os.Stdout, state)
	if state.Status == runstate.StatusFailed {
		return fmt.Errorf("run: pipeline %q failed", cfg.Name)
	}
	return nil
}

// stageNames extracts declared stage names in config order, for TUI phase
// list initialization.
func stageNames(cfg *pipelinecfg.PipelineConfig) []string {
	names := make([]string, len(cfg.Stages))
	for i, s := range cfg.Stages {
		names[i] = s.Name
	}
	return names
}

// bridgeStageObserver converts runner.Options.StageObserver callbacks into
// tui.StatusUpdateMsg sent through the bridge.
func bridgeStageObserver(bridge *tui.Bridge) func(*runstate.StageExecution) {
	return func(exec *runstate.StageExecution) {
		msg := tui.StatusUpdateMsg{
			Stage:    exec.StageName,
			Status:   stageStatusToDisplayStatus(exec.Status),
			Attempt:  exec.RetryAttempt,
			MaxRetry: exec.MaxRetries,
			Summary:  exec.AgentOutput,
		}
		if exec.Duration != nil {
			msg.Duration = *exec.Duration
		}
		bridge.Send(msg)
	}
}

func stageStatusToDisplayStatus(s runstate.StageStatus) tui.StageStatus {
	switch s {
	case runstate.StageRunning:
		return tui.StatusRunning
	case runstate.StageSuccess:
		return tui.StatusPassed
	case runstate.StageFailed:
		return tui.StatusFailed
	case runstate.StageSkipped:
		return tui.StatusSkipped
	default:
		return tui.StatusPending
	}
}

// ValidateCmd validates a pipeline definition without running it.
type ValidateCmd struct {
	Pipeline string `arg:"" help:"Path to the pipeline YAML definition."`
}

func (v *ValidateCmd) Run() error {
	cfg, err := pipelinecfg.Load(v.Pipeline)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	specs := make([]dag.StageSpec, 0, len(cfg.Stages))
	for _, s := range cfg.Stages {
		specs = append(specs, dag.StageSpec{Name: s.Name, DependsOn: s.DependsOn})
	}

	result := dag.ValidateDAG(specs)
	if !result.Valid {
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "error: %s\n", e)
		}
		return fmt.Errorf("validate: pipeline %q has %d error(s)", cfg.Name, len(result.Errors))
	}

	fmt.Printf("%s: valid (%d stages)\n", cfg.Name, len(cfg.Stages))
	return nil
}

// LoopCmd runs a pipeline's initial iteration and drives its loop phase.
type LoopCmd struct {
	Pipeline  string `arg:"" help:"Path to the pipeline YAML definition."`
	SessionID string `help:"Resume an existing loop session by ID." default:""`
	NoTUI     bool   `help:"Force plain text output even on a terminal." name:"no-tui"`
}

func (l *LoopCmd) Run() error {
	hostCfg, err := loadHostConfig()
	if err != nil {
		return fmt.Errorf("loop: %w", err)
	}
	cfg, err := pipelinecfg.Load(l.Pipeline)
	if err != nil {
		return fmt.Errorf("loop: %w", err)
	}
	if cfg.Looping == nil || !cfg.Looping.Enabled {
		return fmt.Errorf("loop: pipeline %q does not have looping.enabled", cfg.Name)
	}

	logger := logging.New(logging.WithLevel("info"))
	rn := buildRunner(hostCfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	abortCtl := abort.New(ctx)

	bridge := tui.NewBridge()
	display := tui.NewDisplay(tui.DisplayOptions{
		Writer:     os.Stdout,
		ForcePlain: l.NoTUI,
		Stages:     stageNames(cfg),
		RunID:      l.SessionID,
		Pipeline:   cfg.Name,
		CancelFunc: abortCtl.Abort,
	})
	displayDone := make(chan error, 1)
	go func() { displayDone <- display.Run(context.Background(), bridge.Events()) }()

	session, runErr := rn.RunLoop(ctx, cfg, runner.Options{
		AbortController: abortCtl,
		StageObserver:   bridgeStageObserver(bridge),
	}, l.SessionID)

	if runErr != nil {
		bridge.Error(runErr)
	} else {
		bridge.Done()
	}
	<-displayDone

	if runErr != nil {
		return fmt.Errorf("loop: %w", runErr)
	}

	printLoopSummary(os.Stdout, session)
	if session.Status == runstate.SessionFailed || session.Status == runstate.SessionCircuitBreaker {
		return fmt.Errorf("loop: session %q ended in status %q", session.SessionID, session.Status)
	}
	return nil
}

// ResumeCmd re-runs a pipeline, first reporting a prior run's persisted
// status. The engine has no partial-DAG checkpoint resume (every stage
// that already committed is simply re-executed as a fresh run, since
// stage-level idempotency is the responsibility of the agent, not the
// runner), so resume is: report, then run again.
type ResumeCmd struct {
	Pipeline string `arg:"" help:"Path to the pipeline YAML definition."`
	RunID    string `arg:"" help:"The prior run ID to report before resuming."`
}

func (r *ResumeCmd) Run() error {
	hostCfg, err := loadHostConfig()
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	store := runstate.NewRunStore(filepath.Join(hostCfg.Pipeline.Dir, "..", "state", "runs"))
	prior, err := store.Load(r.RunID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load prior run %s: %v\n", r.RunID, err)
	} else {
		fmt.Printf("prior run %s: %s\n", r.RunID, prior.Status)
	}

	cfg, err := pipelinecfg.Load(r.Pipeline)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	logger := logging.New(logging.WithLevel("info"))
	rn := buildRunner(hostCfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	abortCtl := abort.New(ctx)

	state, err := rn.RunPipeline(ctx, cfg, runner.Options{AbortController: abortCtl})
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	printRunSummary(os.Stdout, state)
	if state.Status == runstate.StatusFailed {
		return fmt.Errorf("resume: pipeline %q failed", cfg.Name)
	}
	return nil
}

// AbortCmd aborts a running pipeline by removing its worktree, leaving the
// branch intact for inspection. Best-effort: the process driving the
// pipeline must itself observe ctrl-C / SIGTERM to stop cleanly; this
// command is for cleaning up a worktree left behind by a killed process.
type AbortCmd struct {
	RunID string `arg:"" help:"The runId whose worktree should be removed."`
}

func (a *AbortCmd) Run() error {
	hostCfg, err := loadHostConfig()
	if err != nil {
		return fmt.Errorf("abort: %w", err)
	}

	mgr := worktree.NewManager(".", hostCfg.Worktree.BaseDir)
	if !mgr.Exists(a.RunID) {
		return fmt.Errorf("abort: no worktree found for run %q", a.RunID)
	}
	if err := mgr.Remove(a.RunID, "", false); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	fmt.Printf("Aborted run %s (branch preserved)\n", a.RunID)
	return nil
}

// StatusCmd prints a persisted run or loop session's last known state.
type StatusCmd struct {
	RunID     string `help:"A run ID to report." default:""`
	SessionID string `help:"A loop session ID to report." default:""`
}

func (s *StatusCmd) Run() error {
	hostCfg, err := loadHostConfig()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	if s.RunID == "" && s.SessionID == "" {
		return fmt.Errorf("status: one of --run-id or --session-id is required")
	}

	if s.RunID != "" {
		store := runstate.NewRunStore(filepath.Join(hostCfg.Pipeline.Dir, "..", "state", "runs"))
		state, err := store.Load(s.RunID)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		printRunSummary(os.Stdout, state)
	}

	if s.SessionID != "" {
		store := runstate.NewLoopStore(filepath.Join(hostCfg.Loop.StateDir, "loops"))
		session, err := store.Load(s.SessionID)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		printLoopSummary(os.Stdout, session)
	}
	return nil
}

func printRunSummary(w *os.File, state *runstate.PipelineState) {
	fmt.Fprintf(w, "run %s (%s): %s\n", state.RunID, state.PipelineConfigName, state.Status)
	for _, e := range state.Stages {
		fmt.Fprintf(w, "  %-20s %s\n", e.StageName, e.Status)
	}
	if state.Artifacts.PullRequest != nil {
		fmt.Fprintf(w, "  pull request: %s\n", state.Artifacts.PullRequest.URL)
	}
}

func printLoopSummary(w *os.File, session *runstate.LoopSession) {
	fmt.Fprintf(w, "session %s: %s (%d/%d iterations)\n", session.SessionID, session.Status, session.TotalIterations, session.MaxIterations)
	for _, it := range session.Iterations {
		fmt.Fprintf(w, "  iteration %-3d %-20s %s\n", it.IterationNumber, it.PipelineName, it.Status)
	}
}

// Exit codes.
const (
	exitSuccess = 0
	exitFailure = 1
)

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	return exitFailure
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Vars{"version": version + " " + commit + " " + date},
		kong.Name("agentpipe"),
	)
	err := ctx.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(exitCode(err))
	}
}
