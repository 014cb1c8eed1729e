package pipelinecfg

import (
	"strings"
	"testing"
)

func TestParseMinimalPipeline(t *testing.T) {
	data := []byte(`
name: deploy
trigger: manual
stages:
  - name: build
    agent: agents/build.md
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "deploy" {
		t.Errorf("got name %q", cfg.Name)
	}
	if len(cfg.Stages) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(cfg.Stages))
	}
	if !cfg.Stages[0].IsEnabled() {
		t.Error("stage should default to enabled")
	}
	if cfg.Stages[0].EffectiveTimeout() != 120 {
		t.Errorf("got default timeout %d, want 120", cfg.Stages[0].EffectiveTimeout())
	}
}

func TestParseFullPipeline(t *testing.T) {
	data := []byte(`
name: release
trigger: post-commit
settings:
  failureStrategy: continue
  mode: parallel
  contextReduction: agent-based
  contextThreshold: 8000
  contextWindow: 3
git:
  baseBranch: main
  branchStrategy: unique-per-run
  branchPrefix: pipeline
  pullRequest:
    autoCreate: true
    title: "Automated release"
looping:
  enabled: true
  maxIterations: 10
  instructions: agents/loop.md
stages:
  - name: build
    agent: agents/build.md
    timeout: 300
    retry:
      maxAttempts: 5
      backoff: exponential
      initialDelay: 500
      maxDelay: 10000
  - name: test
    agent: agents/test.md
    dependsOn: [build]
    condition: "stages.build.outputs.passed == true"
    onFail: continue
    outputKeys: [passed, summary]
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Settings.FailureStrategy != FailureContinue {
		t.Errorf("got failure strategy %q", cfg.Settings.FailureStrategy)
	}
	if cfg.Git == nil || cfg.Git.BranchStrategy != "unique-per-run" {
		t.Errorf("git config not parsed correctly: %+v", cfg.Git)
	}
	if cfg.Looping == nil || !cfg.Looping.Enabled || cfg.Looping.MaxIterations != 10 {
		t.Errorf("looping config not parsed correctly: %+v", cfg.Looping)
	}
	if len(cfg.Stages) != 2 || cfg.Stages[1].Retry != nil {
		// second stage has no retry override
	}
	if cfg.Stages[0].Retry == nil || cfg.Stages[0].Retry.MaxAttempts != 5 {
		t.Errorf("retry override not parsed: %+v", cfg.Stages[0].Retry)
	}
	if cfg.Stages[1].DependsOn[0] != "build" {
		t.Errorf("dependsOn not parsed: %+v", cfg.Stages[1].DependsOn)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	data := []byte(`
name: deploy
trigger: manual
stages:
  - name: build
    agent: agents/build.md
    bogusField: true
`)
	_, err := Parse(data)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsInvalidTrigger(t *testing.T) {
	data := []byte(`
name: deploy
trigger: on-whim
stages:
  - name: build
    agent: agents/build.md
`)
	_, err := Parse(data)
	if err == nil {
		t.Fatal("expected error for invalid trigger")
	}
}

func TestParseRejectsMissingStages(t *testing.T) {
	data := []byte(`
name: deploy
trigger: manual
stages: []
`)
	_, err := Parse(data)
	if err == nil {
		t.Fatal("expected error for empty stages")
	}
}

func TestParseRejectsInvalidOnFail(t *testing.T) {
	data := []byte(`
name: deploy
trigger: manual
stages:
  - name: build
    agent: agents/build.md
    onFail: explode
`)
	_, err := Parse(data)
	if err == nil || !strings.Contains(err.Error(), "validation") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseRejectsTimeoutOutOfBounds(t *testing.T) {
	data := []byte(`
name: deploy
trigger: manual
stages:
  - name: build
    agent: agents/build.md
    timeout: 5000
`)
	_, err := Parse(data)
	if err == nil {
		t.Fatal("expected error for timeout above soft cap")
	}
}

func TestParseInlineAgentSentinel(t *testing.T) {
	data := []byte(`
name: deploy
trigger: manual
stages:
  - name: reducer
    agent: __inline__
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Stages[0].Agent != InlineAgent {
		t.Errorf("got agent %q", cfg.Stages[0].Agent)
	}
}
