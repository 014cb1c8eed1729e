// Package pipelinecfg defines PipelineConfig and StageConfig, the YAML
// schema for one pipeline definition under .agent-pipeline/pipelines/, and
// validates it beyond the structural checks package dag performs.
package pipelinecfg

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// InlineAgent is the sentinel StageConfig.Agent value meaning the stage's
// prompt is supplied directly via settings rather than loaded from a file
// (used by the synthetic loop-agent and context-reducer stages).
const InlineAgent = "__inline__"

// RetryConfig is a stage or pipeline-level retry policy override.
type RetryConfig struct {
	MaxAttempts  int    `yaml:"maxAttempts" validate:"gte=0"`
	Backoff      string `yaml:"backoff" validate:"omitempty,oneof=fixed linear exponential"`
	InitialDelay int    `yaml:"initialDelay" validate:"gte=0"` // milliseconds
	MaxDelay     int    `yaml:"maxDelay" validate:"gte=0"`     // milliseconds
}

// RuntimeRef selects and configures the agent runtime a stage (or the
// whole pipeline) uses.
type RuntimeRef struct {
	Type    string         `yaml:"type" validate:"omitempty"`
	Options map[string]any `yaml:"options,omitempty"`
}

// PullRequestConfig controls automatic PR creation on finalisation.
type PullRequestConfig struct {
	AutoCreate bool     `yaml:"autoCreate"`
	Title      string   `yaml:"title,omitempty"`
	Body       string   `yaml:"body,omitempty"`
	Draft      bool     `yaml:"draft,omitempty"`
	Reviewers  []string `yaml:"reviewers,omitempty"`
	Labels     []string `yaml:"labels,omitempty"`
	Web        bool     `yaml:"web,omitempty"`
}

// WorktreeConfig names the directory worktrees are created under.
type WorktreeConfig struct {
	Directory string `yaml:"directory,omitempty"`
}

// GitConfig controls branch strategy and PR automation for one pipeline.
type GitConfig struct {
	BaseBranch    string            `yaml:"baseBranch" validate:"required_with=BranchStrategy"`
	BranchStrategy string           `yaml:"branchStrategy" validate:"omitempty,oneof=reusable unique-per-run"`
	BranchPrefix  string            `yaml:"branchPrefix,omitempty"`
	Worktree      WorktreeConfig    `yaml:"worktree,omitempty"`
	PullRequest   PullRequestConfig `yaml:"pullRequest,omitempty"`
}

// NotificationsConfig is a placeholder for the notification dispatch
// collaborators (desktop/Slack) wired outside the core engine.
type NotificationsConfig struct {
	OnSuccess []string `yaml:"onSuccess,omitempty"`
	OnFailure []string `yaml:"onFailure,omitempty"`
}

// LoopingConfig enables the loop phase for a pipeline.
type LoopingConfig struct {
	Enabled       bool     `yaml:"enabled"`
	MaxIterations int      `yaml:"maxIterations,omitempty" validate:"gte=0"`
	Instructions  string   `yaml:"instructions,omitempty"`
	Directories   []string `yaml:"directories,omitempty"`
}

// HandoverConfig overrides the default handover directory location and
// instruction template.
type HandoverConfig struct {
	Directory              string `yaml:"directory,omitempty"`
	CustomInstructionsPath string `yaml:"customInstructionsPath,omitempty"`
}

// FailureStrategy is the pipeline-wide default applied when a stage's
// onFail is unset.
type FailureStrategy string

const (
	FailureStop     FailureStrategy = "stop"
	FailureContinue FailureStrategy = "continue"
	FailureWarn     FailureStrategy = "warn"
)

// ContextReductionStrategy selects how the context-reducer virtual stage
// behaves.
type ContextReductionStrategy string

const (
	ContextReductionNone       ContextReductionStrategy = "none"
	ContextReductionAgentBased ContextReductionStrategy = "agent-based"
)

// Settings holds pipeline-wide defaults layered under stage-level overrides.
type Settings struct {
	FailureStrategy   FailureStrategy          `yaml:"failureStrategy,omitempty" validate:"omitempty,oneof=stop continue warn"`
	AutoCommit        *bool                    `yaml:"autoCommit,omitempty"`
	ContextReduction  ContextReductionStrategy `yaml:"contextReduction,omitempty" validate:"omitempty,oneof=none agent-based"`
	ContextThreshold  int                      `yaml:"contextThreshold,omitempty" validate:"gte=0"`
	ContextWindow     int                      `yaml:"contextWindow,omitempty" validate:"gte=0"`
	Mode              string                   `yaml:"mode,omitempty" validate:"omitempty,oneof=parallel sequential"`
}

// StageConfig is one node of a pipeline's execution DAG.
type StageConfig struct {
	Name          string            `yaml:"name" validate:"required"`
	Agent         string            `yaml:"agent" validate:"required"`
	DependsOn     []string          `yaml:"dependsOn,omitempty"`
	Enabled       *bool             `yaml:"enabled,omitempty"`
	Condition     string            `yaml:"condition,omitempty"`
	Timeout       int               `yaml:"timeout,omitempty" validate:"omitempty,gte=1,lte=900"`
	Retry         *RetryConfig      `yaml:"retry,omitempty"`
	OnFail        FailureStrategy   `yaml:"onFail,omitempty" validate:"omitempty,oneof=stop continue warn"`
	AutoCommit    *bool             `yaml:"autoCommit,omitempty"`
	CommitMessage string            `yaml:"commitMessage,omitempty"`
	Inputs        map[string]string `yaml:"inputs,omitempty"`
	Runtime       *RuntimeRef       `yaml:"runtime,omitempty"`
	OutputKeys    []string          `yaml:"outputKeys,omitempty"`
}

// IsEnabled reports whether the stage should run, defaulting to true.
func (s StageConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// EffectiveTimeout returns the stage timeout in seconds, defaulting to 120.
func (s StageConfig) EffectiveTimeout() int {
	if s.Timeout == 0 {
		return 120
	}
	return s.Timeout
}

// TriggerType is how a pipeline run may be started.
type TriggerType string

const (
	TriggerManual     TriggerType = "manual"
	TriggerPostCommit TriggerType = "post-commit"
	TriggerPreCommit  TriggerType = "pre-commit"
	TriggerPrePush    TriggerType = "pre-push"
	TriggerPostMerge  TriggerType = "post-merge"
)

// PipelineConfig is the full YAML-loaded definition of one pipeline.
type PipelineConfig struct {
	Name          string               `yaml:"name" validate:"required"`
	Trigger       TriggerType          `yaml:"trigger" validate:"required,oneof=manual post-commit pre-commit pre-push post-merge"`
	Stages        []StageConfig        `yaml:"stages" validate:"required,min=1,dive"`
	Settings      Settings             `yaml:"settings,omitempty"`
	Git           *GitConfig           `yaml:"git,omitempty"`
	Notifications *NotificationsConfig `yaml:"notifications,omitempty"`
	Looping       *LoopingConfig       `yaml:"looping,omitempty"`
	Runtime       *RuntimeRef          `yaml:"runtime,omitempty"`
	Handover      *HandoverConfig      `yaml:"handover,omitempty"`
}

var validate = validator.New()

// Parse decodes a PipelineConfig from YAML, rejecting unknown fields, then
// runs struct-tag validation (enum membership, bounds) over it. Callers
// still must run dag.ValidateDAG separately for graph-level checks (cycles,
// missing dependencies) -- this function never inspects DependsOn beyond
// field presence.
func Parse(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("pipelinecfg: empty pipeline definition")
		}
		return nil, fmt.Errorf("pipelinecfg: parsing: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("pipelinecfg: validation: %w", err)
	}
	return &cfg, nil
}

// Load reads and parses a PipelineConfig from a YAML file on disk.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipelinecfg: reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
