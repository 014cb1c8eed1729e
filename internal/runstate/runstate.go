// Package runstate defines PipelineState, StageExecution, and LoopSession,
// and persists them to disk.
package runstate

import (
	"sync"
	"time"
)

// Status is the terminal/non-terminal status of one pipeline run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusPartial is used when failureStrategy=continue and at least one
	// stage failed; StatusCompleted is reserved for all-success runs.
	StatusPartial Status = "partial"
	StatusAborted Status = "aborted"
)

// StageStatus is the state machine for one StageExecution: pending ->
// running -> {success | failed | skipped}. Terminal states are immutable;
// skipped is terminal and entered without passing through running.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// TriggerType is how a pipeline run was started.
type TriggerType string

const (
	TriggerManual     TriggerType = "manual"
	TriggerPostCommit TriggerType = "post-commit"
	TriggerPreCommit  TriggerType = "pre-commit"
	TriggerPrePush    TriggerType = "pre-push"
	TriggerPostMerge  TriggerType = "post-merge"
)

// TokenUsage mirrors runtime.TokenUsage but lives in the persisted state
// shape so this package does not import internal/runtime.
type TokenUsage struct {
	EstimatedInput int `json:"estimatedInput,omitempty"`
	ActualInput    int `json:"actualInput,omitempty"`
	Output         int `json:"output,omitempty"`
	CacheCreation  int `json:"cacheCreation,omitempty"`
	CacheRead      int `json:"cacheRead,omitempty"`
	Thinking       int `json:"thinking,omitempty"`
	NumTurns       int `json:"numTurns,omitempty"`
}

// StageError captures a stage failure with operator-facing context.
type StageError struct {
	Message    string    `json:"message"`
	Stack      string    `json:"stack,omitempty"`
	AgentPath  string    `json:"agentPath,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Suggestion string    `json:"suggestion,omitempty"`
}

// StageExecution is the record of one stage's run within a PipelineState.
type StageExecution struct {
	StageName          string         `json:"stageName"`
	Status             StageStatus    `json:"status"`
	StartTime          time.Time      `json:"startTime"`
	EndTime            *time.Time     `json:"endTime,omitempty"`
	Duration           *time.Duration `json:"duration,omitempty"`
	CommitSha          string         `json:"commitSha,omitempty"`
	AgentOutput        string         `json:"agentOutput,omitempty"`
	ExtractedData      map[string]any `json:"extractedData,omitempty"`
	TokenUsage         *TokenUsage    `json:"tokenUsage,omitempty"`
	Error              *StageError    `json:"error,omitempty"`
	RetryAttempt       int            `json:"retryAttempt"`
	MaxRetries         int            `json:"maxRetries"`
	ConditionEvaluated bool           `json:"conditionEvaluated,omitempty"`
	ConditionResult    *bool          `json:"conditionResult,omitempty"`
}

// TriggerInfo records what started a run.
type TriggerInfo struct {
	Type      TriggerType `json:"type"`
	CommitSha string      `json:"commitSha,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PullRequestInfo records a created PR's identity.
type PullRequestInfo struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
}

// Artifacts records the tangible outputs of one run.
type Artifacts struct {
	InitialCommit   string          `json:"initialCommit"`
	FinalCommit     string          `json:"finalCommit,omitempty"`
	ChangedFiles    []string        `json:"changedFiles"`
	TotalDuration   time.Duration   `json:"totalDuration"`
	HandoverDir     string          `json:"handoverDir,omitempty"`
	WorktreePath    string          `json:"worktreePath,omitempty"`
	PullRequest     *PullRequestInfo `json:"pullRequest,omitempty"`
	LogPath         string          `json:"logPath,omitempty"`
}

// LoopTerminationReason explains why the loop phase stopped.
type LoopTerminationReason string

const (
	TerminationNatural        LoopTerminationReason = "natural"
	TerminationFailure        LoopTerminationReason = "failure"
	TerminationLimitReached   LoopTerminationReason = "limit-reached"
	TerminationCircuitBreaker LoopTerminationReason = "circuit-breaker"
	TerminationAborted        LoopTerminationReason = "aborted"
)

// LoopContext is attached to a PipelineState while looping is active.
type LoopContext struct {
	Enabled          bool                  `json:"enabled"`
	CurrentIteration int                   `json:"currentIteration"`
	MaxIterations    int                   `json:"maxIterations"`
	SessionID        string                `json:"sessionId"`
	PipelineSource   string                `json:"pipelineSource"`
	TerminationReason LoopTerminationReason `json:"terminationReason,omitempty"`
}

// LoopIterationRecord is one entry in PipelineState.LoopIterationHistory.
type LoopIterationRecord struct {
	IterationNumber int           `json:"iterationNumber"`
	PipelineName    string        `json:"pipelineName"`
	RunID           string        `json:"runId,omitempty"`
	Status          string        `json:"status"`
	Duration        time.Duration `json:"duration,omitempty"`
	TriggeredNext   bool          `json:"triggeredNext"`
}

// PipelineState is the mutable record of one pipeline run. PipelineRunner
// exclusively owns it for the life of one invocation: mutations happen
// only on the driving thread. Other goroutines (e.g. a TUI redraw loop)
// must go through Snapshot, which takes mu, rather than reading
// fields directly.
type PipelineState struct {
	mu *sync.Mutex `json:"-"`

	RunID                string                `json:"runId"`
	PipelineConfigName   string                `json:"pipelineConfigName"`
	Trigger              TriggerInfo           `json:"trigger"`
	Stages               []*StageExecution     `json:"stages"`
	Status               Status                `json:"status"`
	Artifacts            Artifacts             `json:"artifacts"`
	LoopContext          *LoopContext          `json:"loopContext,omitempty"`
	LoopIterationHistory []LoopIterationRecord  `json:"loopIterationHistory,omitempty"`
}

// New creates a fresh running PipelineState for one run.
func New(runID, pipelineName string, trigger TriggerInfo) *PipelineState {
	return &PipelineState{
		mu:                 &sync.Mutex{},
		RunID:              runID,
		PipelineConfigName: pipelineName,
		Trigger:            trigger,
		Status:             StatusRunning,
	}
}

// AddRunning appends a new running StageExecution entry.
func (s *PipelineState) AddRunning(stageName string) *StageExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec := &StageExecution{StageName: stageName, Status: StageRunning, StartTime: time.Now()}
	s.Stages = append(s.Stages, exec)
	return exec
}

// AddSkipped appends a terminal skipped StageExecution without passing
// through running.
func (s *PipelineState) AddSkipped(stageName string, conditionResult *bool) *StageExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec := &StageExecution{
		StageName:          stageName,
		Status:             StageSkipped,
		StartTime:          time.Now(),
		ConditionEvaluated: conditionResult != nil,
		ConditionResult:    conditionResult,
	}
	s.Stages = append(s.Stages, exec)
	return exec
}

// ReplaceStages overwrites the run's stage history, used by context
// reduction to fold older entries into a reducer summary.
func (s *PipelineState) ReplaceStages(stages []*StageExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stages = stages
}

// SetStatus sets the run's overall status.
func (s *PipelineState) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
}

// Snapshot returns a shallow copy of the current state suitable for
// handing to listeners (e.g. a TUI redraw loop) without racing the driver.
func (s *PipelineState) Snapshot() PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	stagesCopy := make([]*StageExecution, len(s.Stages))
	copy(stagesCopy, s.Stages)
	return PipelineState{
		RunID:                s.RunID,
		PipelineConfigName:   s.PipelineConfigName,
		Trigger:              s.Trigger,
		Stages:               stagesCopy,
		Status:               s.Status,
		Artifacts:            s.Artifacts,
		LoopContext:          s.LoopContext,
		LoopIterationHistory: append([]LoopIterationRecord{}, s.LoopIterationHistory...),
	}
}

// LoopIterationStatus is the status of one LoopSession iteration entry.
type LoopIterationStatus string

const (
	IterationInProgress LoopIterationStatus = "in-progress"
	IterationCompleted  LoopIterationStatus = "completed"
	IterationFailed     LoopIterationStatus = "failed"
	IterationAborted    LoopIterationStatus = "aborted"
)

// SessionStatus is the terminal/non-terminal status of a LoopSession.
type SessionStatus string

const (
	SessionRunning        SessionStatus = "running"
	SessionCompleted      SessionStatus = "completed"
	SessionFailed         SessionStatus = "failed"
	SessionAborted        SessionStatus = "aborted"
	SessionLimitReached   SessionStatus = "limit-reached"
	SessionCircuitBreaker SessionStatus = "circuit-breaker"
)

// LoopIteration is one entry of LoopSession.Iterations.
type LoopIteration struct {
	IterationNumber int                  `json:"iterationNumber"`
	PipelineName    string               `json:"pipelineName"`
	RunID           string               `json:"runId,omitempty"`
	Status          LoopIterationStatus  `json:"status"`
	Duration        *time.Duration       `json:"duration,omitempty"`
	TriggeredNext   bool                 `json:"triggeredNext"`
}

// LoopSession is persisted per loop invocation under
// .agent-pipeline/state/loops/{sessionId}.json.
type LoopSession struct {
	SessionID      string          `json:"sessionId"`
	StartTime      time.Time       `json:"startTime"`
	EndTime        *time.Time      `json:"endTime,omitempty"`
	Status         SessionStatus   `json:"status"`
	MaxIterations  int             `json:"maxIterations"`
	TotalIterations int            `json:"totalIterations"`
	Iterations     []LoopIteration `json:"iterations"`
}
