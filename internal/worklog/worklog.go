// Package worklog renders a per-run summary document from a finished
// PipelineState and files it under a durable archive directory, keyed by
// pipeline name and run ID, so a run's history survives worktree removal
// independent of internal/handover's live per-run directory.
package worklog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/agentpipe/agentpipe/internal/runstate"
)

// Sentinel errors for caller-checkable conditions.
var (
	ErrAlreadyExists = errors.New("worklog: already exists")
	ErrNotFound      = errors.New("worklog: not found")
	ErrInvalidID     = errors.New("worklog: invalid id")
)

// validateID checks that id is safe for use as a path component.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidID)
	}
	if strings.HasPrefix(id, "-") {
		return fmt.Errorf("%w: %q (must not start with -)", ErrInvalidID, id)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

var defaultTemplate = template.Must(template.New("worklog").Parse(
	`# Run summary: {{.PipelineName}}

- Run: {{.RunID}}
- Status: {{.Status}}
- Trigger: {{.TriggerType}}
- Generated: {{.Timestamp}}
{{if .FinalCommit}}- Final commit: {{.FinalCommit}}
{{end}}{{if .PullRequestURL}}- Pull request: {{.PullRequestURL}}
{{end}}
## Stages
{{range .Stages}}
### {{.Name}}

- Status: {{.Status}}
{{if .CommitSha}}- Commit: {{.CommitSha}}
{{end}}{{end}}`))

// templateData is the data a worklog template renders against.
type templateData struct {
	PipelineName   string
	RunID          string
	Status         string
	TriggerType    string
	Timestamp      string
	FinalCommit    string
	PullRequestURL string
	Stages         []stageEntry
}

type stageEntry struct {
	Name      string
	Status    string
	CommitSha string
}

// Manager renders and files run summaries under a configured archive
// directory, optionally with a custom template overriding the built-in one.
type Manager struct {
	templatePath string
	archiveDir   string
}

// NewManager creates a Manager. templatePath may be empty, in which case
// the built-in summary template is used.
func NewManager(templatePath, archiveDir string) *Manager {
	return &Manager{templatePath: templatePath, archiveDir: archiveDir}
}

// Archive renders snap and writes it to
// archiveDir/<pipelineName>/<runId>.md, creating directories as needed.
func (m *Manager) Archive(snap runstate.PipelineState) error {
	return Archive(m.templatePath, m.archiveDir, snap)
}

// render executes either the template at templatePath (if non-empty) or
// the built-in default against snap's fields.
func render(templatePath string, snap runstate.PipelineState) (string, error) {
	tmpl := defaultTemplate
	if templatePath != "" {
		tmplBytes, err := os.ReadFile(templatePath)
		if err != nil {
			return "", fmt.Errorf("worklog: reading template: %w", err)
		}
		parsed, err := template.New("worklog").Parse(string(tmplBytes))
		if err != nil {
			return "", fmt.Errorf("worklog: parsing template: %w", err)
		}
		tmpl = parsed
	}

	data := templateData{
		PipelineName: snap.PipelineConfigName,
		RunID:        snap.RunID,
		Status:       string(snap.Status),
		TriggerType:  string(snap.Trigger.Type),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		FinalCommit:  snap.Artifacts.FinalCommit,
	}
	if snap.Artifacts.PullRequest != nil {
		data.PullRequestURL = snap.Artifacts.PullRequest.URL
	}
	for _, e := range snap.Stages {
		data.Stages = append(data.Stages, stageEntry{
			Name:      e.StageName,
			Status:    string(e.Status),
			CommitSha: e.CommitSha,
		})
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("worklog: executing template: %w", err)
	}
	return buf.String(), nil
}

// Archive renders snap via the template at templatePath (or the built-in
// default if empty) and writes it to archiveDir/<pipelineName>/<runId>.md.
func Archive(templatePath, archiveDir string, snap runstate.PipelineState) error {
	if err := validateID(snap.PipelineConfigName); err != nil {
		return err
	}
	if err := validateID(snap.RunID); err != nil {
		return err
	}

	rendered, err := render(templatePath, snap)
	if err != nil {
		return err
	}

	destDir := filepath.Join(archiveDir, snap.PipelineConfigName)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("worklog: creating archive dir %s: %w", destDir, err)
	}

	dest := filepath.Join(destDir, snap.RunID+".md")
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, dest)
	}
	if err := os.WriteFile(dest, []byte(rendered), 0o644); err != nil {
		return fmt.Errorf("worklog: writing %s: %w", dest, err)
	}
	return nil
}

// Load reads a previously archived run summary.
func Load(archiveDir, pipelineName, runID string) (string, error) {
	path := filepath.Join(archiveDir, pipelineName, runID+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("worklog: reading %s: %w", path, err)
	}
	return string(data), nil
}
