// Package handover implements the per-run handover directory (current-state
// file, append-only log, per-stage outputs) and the instruction-template
// loader used by the loop agent.
package handover

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Sentinel errors for caller-checkable conditions.
var (
	ErrInvalidStageName = errors.New("handover: invalid stage name")
)

const (
	handoverFile = "HANDOVER.md"
	logFile      = "LOG.md"
	stagesDir    = "stages"
	outputFile   = "output.md"
)

// Manager owns one run's handover directory.
type Manager struct {
	dir string
}

// New creates a Manager rooted at dir (typically
// {executionRepo}/.agent-pipeline/handover/{runId}).
func New(dir string) *Manager {
	return &Manager{dir: dir}
}

// RunInfo seeds the initial HANDOVER.md with the run's identity.
type RunInfo struct {
	RunID        string
	PipelineName string
	StartedAt    time.Time
}

var handoverTemplate = template.Must(template.New("handover").Parse(
	`# Handover: {{.PipelineName}}

- Run: {{.RunID}}
- Started: {{.StartedAt.UTC.Format "2006-01-02T15:04:05Z"}}

_No stages have run yet._
`))

// Initialize creates the handover directory and its HANDOVER.md/LOG.md
// files if they do not already exist.
func (m *Manager) Initialize(info RunInfo) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("handover: creating %s: %w", m.dir, err)
	}
	if _, err := os.Stat(m.handoverPath()); errors.Is(err, os.ErrNotExist) {
		var buf bytes.Buffer
		if err := handoverTemplate.Execute(&buf, info); err != nil {
			return fmt.Errorf("handover: rendering %s: %w", m.handoverPath(), err)
		}
		if err := os.WriteFile(m.handoverPath(), buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("handover: writing %s: %w", m.handoverPath(), err)
		}
	} else if err != nil {
		return fmt.Errorf("handover: checking %s: %w", m.handoverPath(), err)
	}
	if err := touchIfAbsent(m.logPath(), ""); err != nil {
		return err
	}
	return nil
}

func touchIfAbsent(path, initial string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("handover: checking %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		return fmt.Errorf("handover: writing %s: %w", path, err)
	}
	return nil
}

// GetHandoverDir returns the handover directory's path.
func (m *Manager) GetHandoverDir() string {
	return m.dir
}

func (m *Manager) handoverPath() string { return filepath.Join(m.dir, handoverFile) }
func (m *Manager) logPath() string      { return filepath.Join(m.dir, logFile) }

func validStageName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidStageName, name)
	}
	return nil
}

// CreateStageDirectory creates stages/{stageName}/ under the handover
// directory and returns its path.
func (m *Manager) CreateStageDirectory(stageName string) (string, error) {
	if err := validStageName(stageName); err != nil {
		return "", err
	}
	dir := filepath.Join(m.dir, stagesDir, stageName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("handover: creating stage directory %s: %w", dir, err)
	}
	return dir, nil
}

// SaveAgentOutput writes text to stages/{stageName}/output.md, creating the
// stage directory if needed.
func (m *Manager) SaveAgentOutput(stageName, text string) error {
	dir, err := m.CreateStageDirectory(stageName)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, outputFile)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("handover: writing %s: %w", path, err)
	}
	return nil
}

// AppendToLog appends one line to LOG.md, timestamped.
func (m *Manager) AppendToLog(entry string) error {
	f, err := os.OpenFile(m.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("handover: opening %s: %w", m.logPath(), err)
	}
	defer f.Close()

	ts := time.Now().UTC().Format(time.RFC3339)
	line := fmt.Sprintf("[%s] %s\n", ts, entry)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("handover: appending to %s: %w", m.logPath(), err)
	}
	return nil
}

// BuildContextMessage renders HANDOVER.md plus the tail of LOG.md into one
// string agents can be handed as their shared-workspace context.
func (m *Manager) BuildContextMessage() (string, error) {
	handoverData, err := os.ReadFile(m.handoverPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("handover: reading %s: %w", m.handoverPath(), err)
	}
	logData, err := os.ReadFile(m.logPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("handover: reading %s: %w", m.logPath(), err)
	}

	var b strings.Builder
	b.Write(handoverData)
	if len(logData) > 0 {
		b.WriteString("\n\n## Recent log\n\n")
		b.Write(tailLines(logData, 20))
	}
	return b.String(), nil
}

func tailLines(data []byte, n int) []byte {
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return []byte(strings.Join(lines, "\n"))
}

// InstructionContext supplies the recognized interpolation keys for
// instruction templates.
type InstructionContext struct {
	HandoverDir           string
	StageName             string
	Timestamp             string
	PreviousStagesSection string
	PendingDir            string
	CurrentIteration      int
	MaxIterations         int
	PipelineName          string
	PipelineYAML          string
}

func (c InstructionContext) fields() map[string]string {
	return map[string]string{
		"handoverDir":           c.HandoverDir,
		"stageName":             c.StageName,
		"timestamp":             c.Timestamp,
		"previousStagesSection": c.PreviousStagesSection,
		"pendingDir":            c.PendingDir,
		"currentIteration":      strconv.Itoa(c.CurrentIteration),
		"maxIterations":         strconv.Itoa(c.MaxIterations),
		"pipelineName":          c.PipelineName,
		"pipelineYaml":          c.PipelineYAML,
	}
}

var instructionPlaceholderRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Interpolate substitutes recognized {{variable}} placeholders in template
// with values from ctx. Unrecognized placeholders are left literal, per
// the instruction-loading contract.
func Interpolate(template string, ctx InstructionContext) string {
	fields := ctx.fields()
	return instructionPlaceholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := instructionPlaceholderRe.FindStringSubmatch(m)[1]
		if v, ok := fields[key]; ok {
			return v
		}
		return m
	})
}

// builtinLoopInstructions is the last-resort loop-agent system prompt when
// neither a custom nor a repo-default instructions file is configured.
const builtinLoopInstructions = `You are the loop agent for pipeline {{pipelineName}}.

Review the pipeline definition below and the pending work queue at
{{pendingDir}}, then decide whether another iteration should run. Write any
follow-up pipeline YAML file into the pending directory to trigger it.

Iteration {{currentIteration}} of {{maxIterations}}.

## Pipeline

{{pipelineYaml}}
`

// Loader resolves an instruction template through custom path -> default
// path in the execution repo -> built-in constant, in that order.
type Loader struct {
	RepoRoot       string
	DefaultRelPath string // e.g. ".agent-pipeline/instructions/loop-agent.md"
}

// Resolve returns the raw (pre-interpolation) template text.
func (l *Loader) Resolve(customPath string) (string, error) {
	if customPath != "" {
		data, err := os.ReadFile(customPath)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("handover: reading custom instructions %s: %w", customPath, err)
		}
	}

	if l.DefaultRelPath != "" {
		path := filepath.Join(l.RepoRoot, l.DefaultRelPath)
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("handover: reading default instructions %s: %w", path, err)
		}
	}

	return builtinLoopInstructions, nil
}

// LoadAndRender resolves and interpolates instructions in one call.
func (l *Loader) LoadAndRender(customPath string, ctx InstructionContext) (string, error) {
	tmpl, err := l.Resolve(customPath)
	if err != nil {
		return "", err
	}
	return Interpolate(tmpl, ctx), nil
}
