package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/agentpipe/agentpipe/internal/pipelinecfg"
	"github.com/agentpipe/agentpipe/internal/runstate"
	"github.com/agentpipe/agentpipe/internal/runtime"
)

func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	for _, args := range [][]string{
		{"init", "--initial-branch=main"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test"},
		{"commit", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_CONFIG_NOSYSTEM=1", "HOME="+dir)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %s\n%s", args, err, out)
		}
	}
}

type fakeRuntime struct {
	resp runtime.Response
	err  error
}

func (f *fakeRuntime) Name() string { return "fake" }
func (f *fakeRuntime) Execute(ctx context.Context, req runtime.Request, sig runtime.AbortSignal) (runtime.Response, error) {
	return f.resp, f.err
}
func (f *fakeRuntime) GetCapabilities() runtime.Capabilities { return runtime.Capabilities{} }
func (f *fakeRuntime) Validate() runtime.ValidationResult    { return runtime.ValidationResult{Valid: true} }

func newRunner(t *testing.T, rt runtime.Runtime) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	initGitRepo(t, dir)

	reg := runtime.NewRegistry()
	reg.Register("fake", func() (runtime.Runtime, error) { return rt, nil })

	return &Runner{
		Registry:       reg,
		DefaultRuntime: "fake",
		RepoRoot:       dir,
	}, dir
}

func boolPtr(b bool) *bool { return &b }

func TestRunPipelineSequentialStagesSucceed(t *testing.T) {
	r, _ := newRunner(t, &fakeRuntime{resp: runtime.Response{TextOutput: "ok"}})

	cfg := &pipelinecfg.PipelineConfig{
		Name:    "deploy",
		Trigger: pipelinecfg.TriggerManual,
		Stages: []pipelinecfg.StageConfig{
			{Name: "build", Agent: pipelinecfg.InlineAgent, AutoCommit: boolPtr(false)},
			{Name: "test", Agent: pipelinecfg.InlineAgent, DependsOn: []string{"build"}, AutoCommit: boolPtr(false)},
		},
	}

	state, err := r.RunPipeline(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if state.Status != runstate.StatusCompleted {
		t.Fatalf("expected completed, got %s", state.Status)
	}
	if len(state.Stages) != 2 {
		t.Fatalf("expected 2 stage executions, got %d", len(state.Stages))
	}
	for _, e := range state.Stages {
		if e.Status != runstate.StageSuccess {
			t.Errorf("stage %s: expected success, got %s", e.StageName, e.Status)
		}
	}
}

func TestRunPipelineSkipsDisabledStage(t *testing.T) {
	r, _ := newRunner(t, &fakeRuntime{resp: runtime.Response{TextOutput: "ok"}})

	cfg := &pipelinecfg.PipelineConfig{
		Name:    "deploy",
		Trigger: pipelinecfg.TriggerManual,
		Stages: []pipelinecfg.StageConfig{
			{Name: "build", Agent: pipelinecfg.InlineAgent, AutoCommit: boolPtr(false)},
			{Name: "optional", Agent: pipelinecfg.InlineAgent, Enabled: boolPtr(false), AutoCommit: boolPtr(false)},
		},
	}

	state, err := r.RunPipeline(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	var skipped *runstate.StageExecution
	for _, e := range state.Stages {
		if e.StageName == "optional" {
			skipped = e
		}
	}
	if skipped == nil {
		t.Fatal("expected an execution entry for the disabled stage")
	}
	if skipped.Status != runstate.StageSkipped {
		t.Errorf("expected skipped, got %s", skipped.Status)
	}
}

func TestRunPipelineSkipsFalseCondition(t *testing.T) {
	r, _ := newRunner(t, &fakeRuntime{resp: runtime.Response{TextOutput: "ok"}})

	cfg := &pipelinecfg.PipelineConfig{
		Name:    "deploy",
		Trigger: pipelinecfg.TriggerManual,
		Stages: []pipelinecfg.StageConfig{
			{Name: "build", Agent: pipelinecfg.InlineAgent, AutoCommit: boolPtr(false)},
			{
				Name: "notify", Agent: pipelinecfg.InlineAgent, DependsOn: []string{"build"},
				Condition: `stages.build.status == "failed"`, AutoCommit: boolPtr(false),
			},
		},
	}

	state, err := r.RunPipeline(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	var notifyExec *runstate.StageExecution
	for _, e := range state.Stages {
		if e.StageName == "notify" {
			notifyExec = e
		}
	}
	if notifyExec == nil {
		t.Fatal("expected an execution entry for notify")
	}
	if notifyExec.Status != runstate.StageSkipped {
		t.Errorf("expected notify skipped (build succeeded), got %s", notifyExec.Status)
	}
	if notifyExec.ConditionResult == nil || *notifyExec.ConditionResult {
		t.Errorf("expected conditionResult=false recorded")
	}
}

func TestRunPipelineStopsOnFailureWithDefaultStrategy(t *testing.T) {
	r, _ := newRunner(t, &fakeRuntime{err: errAgentFailed})

	cfg := &pipelinecfg.PipelineConfig{
		Name:    "deploy",
		Trigger: pipelinecfg.TriggerManual,
		Stages: []pipelinecfg.StageConfig{
			{Name: "build", Agent: pipelinecfg.InlineAgent, AutoCommit: boolPtr(false)},
			{Name: "test", Agent: pipelinecfg.InlineAgent, DependsOn: []string{"build"}, AutoCommit: boolPtr(false)},
		},
	}

	state, err := r.RunPipeline(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if state.Status != runstate.StatusFailed {
		t.Fatalf("expected failed, got %s", state.Status)
	}
	if len(state.Stages) != 1 {
		t.Errorf("expected the pipeline to stop after the failed stage, got %d executions", len(state.Stages))
	}
}

func TestRunPipelineContinuesOnFailureWhenStrategyIsContinue(t *testing.T) {
	r, _ := newRunner(t, &fakeRuntime{err: errAgentFailed})

	cfg := &pipelinecfg.PipelineConfig{
		Name:    "deploy",
		Trigger: pipelinecfg.TriggerManual,
		Settings: pipelinecfg.Settings{FailureStrategy: pipelinecfg.FailureContinue},
		Stages: []pipelinecfg.StageConfig{
			{Name: "build", Agent: pipelinecfg.InlineAgent, AutoCommit: boolPtr(false)},
			{Name: "test", Agent: pipelinecfg.InlineAgent, DependsOn: []string{"build"}, AutoCommit: boolPtr(false)},
		},
	}

	state, err := r.RunPipeline(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if state.Status != runstate.StatusPartial && state.Status != runstate.StatusCompleted {
		t.Fatalf("expected the pipeline to continue past the failure, got %s", state.Status)
	}
	if len(state.Stages) != 2 {
		t.Errorf("expected both stages to run, got %d executions", len(state.Stages))
	}
}

func TestRunPipelineWritesHandoverDirectory(t *testing.T) {
	r, dir := newRunner(t, &fakeRuntime{resp: runtime.Response{TextOutput: "ok"}})

	cfg := &pipelinecfg.PipelineConfig{
		Name:    "deploy",
		Trigger: pipelinecfg.TriggerManual,
		Stages: []pipelinecfg.StageConfig{
			{Name: "build", Agent: pipelinecfg.InlineAgent, AutoCommit: boolPtr(false)},
		},
	}

	state, err := r.RunPipeline(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if state.Artifacts.HandoverDir == "" {
		t.Fatal("expected a handover directory to be recorded")
	}
	handoverFile := filepath.Join(dir, ".agent-pipeline", "handover", state.RunID, "HANDOVER.md")
	if _, err := os.Stat(handoverFile); err != nil {
		t.Errorf("expected HANDOVER.md to be created: %v", err)
	}
}

func TestRunPipelineCallsStageObserverForExecutedAndSkippedStages(t *testing.T) {
	r, _ := newRunner(t, &fakeRuntime{resp: runtime.Response{TextOutput: "ok"}})

	cfg := &pipelinecfg.PipelineConfig{
		Name:    "deploy",
		Trigger: pipelinecfg.TriggerManual,
		Stages: []pipelinecfg.StageConfig{
			{Name: "build", Agent: pipelinecfg.InlineAgent, AutoCommit: boolPtr(false)},
			{Name: "optional", Agent: pipelinecfg.InlineAgent, Enabled: boolPtr(false), AutoCommit: boolPtr(false)},
		},
	}

	var observed []string
	_, err := r.RunPipeline(context.Background(), cfg, Options{
		StageObserver: func(exec *runstate.StageExecution) {
			observed = append(observed, exec.StageName+":"+string(exec.Status))
		},
	})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}

	if len(observed) != 2 {
		t.Fatalf("expected observer called for both stages, got %v", observed)
	}
	if observed[0] != "build:success" {
		t.Errorf("expected build:success first, got %q", observed[0])
	}
	if observed[1] != "optional:skipped" {
		t.Errorf("expected optional:skipped second, got %q", observed[1])
	}
}

var errAgentFailed = &fakeAgentError{"agent failed"}

type fakeAgentError struct{ msg string }

func (e *fakeAgentError) Error() string { return e.msg }
