package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// detailHeaderHeight is the number of lines reserved for the stage list and
// chrome above the detail viewport. The viewport gets the remaining height.
const detailHeaderHeight = 6

// StageStatus represents the current state of a pipeline stage in the TUI.
// The tui package does not import runstate; callers map runstate.StageStatus
// onto these values (runstate's "success" becomes StatusPassed, and
// StatusError has no runstate counterpart).
type StageStatus string

const (
	StatusPending StageStatus = "pending"
	StatusRunning StageStatus = "running"
	StatusPassed  StageStatus = "passed"
	StatusFailed  StageStatus = "failed"
	StatusError   StageStatus = "error"
	StatusSkipped StageStatus = "skipped"
)

// Lipgloss styles for stage status display.
var (
	passedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	skippedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	durationStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	retryStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	headerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
)

// StageState tracks the display state of a single pipeline stage.
type StageState struct {
	Name     string
	Status   StageStatus
	Attempt  int
	MaxRetry int
	Duration time.Duration
}

// Model is the Bubble Tea model for pipeline stage status display.
type Model struct {
	runID          string
	pipelineName   string
	stages         []StageState
	spinner        spinner.Model
	currentIdx     int // Tracks active stage index for future scroll/focus support.
	done           bool
	aborting       bool
	err            error
	cancelFunc     context.CancelFunc // Called on first abort keypress; nil means immediate quit.
	startTime      time.Time          // Records model creation for future elapsed-time display.
	stageStartedAt time.Time          // Records when the current running stage started.
	width          int                // Terminal width from WindowSizeMsg; 0 means not yet received.
	height         int                // Terminal height from WindowSizeMsg; 0 means not yet received.
	detailVisible  bool               // Whether the detail panel is shown.
	detailContent  string             // Raw output content for the detail panel.
	viewport       viewport.Model     // Scrollable viewport for the detail panel.
}

// ModelOption configures the Model.
type ModelOption func(*Model)

// WithCancelFunc sets a function called on the first abort keypress (q or Ctrl+C).
// When set, the first press triggers graceful abort; a second press forces immediate exit.
// When nil (default), any abort keypress immediately quits the program.
func WithCancelFunc(fn context.CancelFunc) ModelOption {
	return func(m *Model) {
		m.cancelFunc = fn
	}
}

// WithRunHeader sets the run ID and pipeline name shown above the stage list.
func WithRunHeader(runID, pipelineName string) ModelOption {
	return func(m *Model) {
		m.runID = runID
		m.pipelineName = pipelineName
	}
}

// StatusUpdateMsg carries a single stage's status across the bridge to the TUI.
type StatusUpdateMsg struct {
	Stage        string
	Status       StageStatus
	Attempt      int
	MaxRetry     int
	Duration     time.Duration
	Progress     string   // Human-readable progress (e.g. "2/6").
	Summary      string   // Stage summary text.
	FilesChanged []string // Files modified in this stage.
	Feedback     string   // Feedback for retries (shown on failure).
}

func (StatusUpdateMsg) isDisplayEvent() {}

// PipelineDoneMsg signals that the pipeline completed successfully.
type PipelineDoneMsg struct{}

func (PipelineDoneMsg) isDisplayEvent() {}

// PipelineErrorMsg signals that the pipeline failed with an error.
type PipelineErrorMsg struct {
	Err error
}

func (PipelineErrorMsg) isDisplayEvent() {}

// OutputMsg delivers stage output content for the detail view.
type OutputMsg struct {
	Content string
}

func (OutputMsg) isDisplayEvent() {}

// elapsedTickMsg drives the once-a-second refresh of the running stage's
// elapsed-time display.
type elapsedTickMsg struct{}

func elapsedTick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return elapsedTickMsg{} })
}

// NewModel creates a Model initialized with the given stage names.
func NewModel(stageNames []string, opts ...ModelOption) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	stages := make([]StageState, len(stageNames))
	for i, name := range stageNames {
		stages[i] = StageState{Name: name, Status: StatusPending}
	}

	m := Model{
		stages:    stages,
		spinner:   s,
		startTime: time.Now(),
		viewport:  viewport.New(0, 0),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init starts the spinner and elapsed-time tickers.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, elapsedTick())
}

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case StatusUpdateMsg:
		for i := range m.stages {
			if m.stages[i].Name == msg.Stage {
				m.stages[i].Status = msg.Status
				if msg.Attempt > 0 {
					m.stages[i].Attempt = msg.Attempt
				}
				if msg.MaxRetry > 0 {
					m.stages[i].MaxRetry = msg.MaxRetry
				}
				if msg.Duration > 0 {
					m.stages[i].Duration = msg.Duration
				}
				if msg.Status == StatusRunning {
					m.currentIdx = i
					m.stageStartedAt = time.Now()
				}
				break
			}
		}
		return m, nil

	case OutputMsg:
		m.detailContent = msg.Content
		m.viewport.SetContent(msg.Content)
		m.viewport.GotoBottom()
		return m, nil

	case PipelineDoneMsg:
		m.done = true
		m.aborting = false
		return m, tea.Quit

	case PipelineErrorMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.done {
				return m, nil
			}
			if m.aborting || m.cancelFunc == nil {
				m.done = true
				return m, tea.Quit
			}
			m.aborting = true
			m.cancelFunc()
			return m, nil
		case "d":
			if !m.done {
				m.detailVisible = !m.detailVisible
			}
			return m, nil
		}
		// Forward remaining keys to viewport when detail is visible.
		if m.detailVisible {
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-detailHeaderHeight, 1)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case elapsedTickMsg:
		if m.anyStageRunning() {
			return m, elapsedTick()
		}
		return m, nil
	}

	return m, nil
}

// anyStageRunning reports whether a stage is currently in the running state.
func (m Model) anyStageRunning() bool {
	for _, s := range m.stages {
		if s.Status == StatusRunning {
			return true
		}
	}
	return false
}

// View renders the stage list with status indicators.
func (m Model) View() string {
	var s string

	if m.runID != "" || m.pipelineName != "" {
		s += headerStyle.Render(fmt.Sprintf("  %s  %s", m.runID, m.pipelineName)) + "\n"
	}

	for _, stage := range m.stages {
		indicator := styledIndicator(stage.Status, m.spinner.View())
		name := styledStageName(stage.Status, stage.Name)
		line := fmt.Sprintf("  %s %s", indicator, name)

		if stage.Attempt > 1 {
			line += retryStyle.Render(fmt.Sprintf(" (%d/%d)", stage.Attempt, stage.MaxRetry))
		}

		if stage.Status == StatusRunning && !m.stageStartedAt.IsZero() {
			line += durationStyle.Render(fmt.Sprintf(" (%ds)", int(time.Since(m.stageStartedAt).Seconds())))
		} else if stage.Duration > 0 {
			line += durationStyle.Render(fmt.Sprintf(" %.1fs", stage.Duration.Seconds()))
		}

		s += line + "\n"
	}

	if m.aborting && !m.done {
		s += "\n" + failedStyle.Render("  Aborting...") + " (press again to force quit)\n"
	}

	if m.detailVisible && !m.done {
		s += m.renderDetail()
	}

	if m.done {
		s += m.renderFooter()
	}

	return s
}

// renderDetail returns the detail panel with viewport content.
func (m Model) renderDetail() string {
	header := detailStyle.Render("\n  ── Detail (d to close) ──") + "\n"
	if m.detailContent == "" {
		return header + detailStyle.Render("  No output yet") + "\n"
	}
	return header + m.viewport.View() + "\n"
}

// renderFooter returns the summary footer for a completed pipeline.
func (m Model) renderFooter() string {
	passed, total := m.stageCounts()
	totalDur := m.totalDuration()

	var footer string
	if m.err != nil {
		footer = fmt.Sprintf("\n  %s %d/%d passed",
			failedStyle.Render("✗"), passed, total)
		if totalDur > 0 {
			footer += durationStyle.Render(fmt.Sprintf(" in %.1fs", totalDur.Seconds()))
		}
		footer += fmt.Sprintf("\n  Error: %s\n", m.err)
	} else {
		footer = fmt.Sprintf("\n  %s %d/%d passed",
			passedStyle.Render("✓"), passed, total)
		if totalDur > 0 {
			footer += durationStyle.Render(fmt.Sprintf(" in %.1fs", totalDur.Seconds()))
		}
		footer += "\n"
	}

	return footer
}

// stageCounts returns the number of passed stages and total stages.
func (m Model) stageCounts() (passed, total int) {
	total = len(m.stages)
	for _, st := range m.stages {
		if st.Status == StatusPassed {
			passed++
		}
	}
	return
}

// totalDuration sums reported stage durations.
func (m Model) totalDuration() time.Duration {
	var total time.Duration
	for _, st := range m.stages {
		total += st.Duration
	}
	return total
}

// styledIndicator returns the styled Unicode indicator for a stage status.
func styledIndicator(status StageStatus, spinnerView string) string {
	switch status {
	case StatusPending:
		return pendingStyle.Render("○")
	case StatusRunning:
		return spinnerView // Already styled by spinner.
	case StatusPassed:
		return passedStyle.Render("✓")
	case StatusFailed, StatusError:
		return failedStyle.Render("✗")
	case StatusSkipped:
		return skippedStyle.Render("–")
	default:
		return "?"
	}
}

// styledStageName applies the appropriate style to a stage name.
func styledStageName(status StageStatus, name string) string {
	switch status {
	case StatusPending:
		return pendingStyle.Render(name)
	case StatusRunning:
		return runningStyle.Render(name)
	default:
		return name
	}
}
