// Package notify defines the notification dispatch surface the pipeline
// runner fires lifecycle events through. Desktop and Slack collaborators
// are out of scope for this module; only the interface and a log-only
// default implementation live here.
package notify

import (
	"github.com/agentpipe/agentpipe/internal/logging"
)

// Event is one pipeline lifecycle notification.
type Event struct {
	Type     string // e.g. "pipeline.started", "pipeline.completed", "stage.failed"
	RunID    string
	Pipeline string
	Message  string
}

// Notifier dispatches lifecycle events to external collaborators.
type Notifier interface {
	Notify(event Event)
}

// LogNotifier logs every event and discards it; the default when no
// external collaborator is configured.
type LogNotifier struct {
	Logger *logging.Logger
}

// NewLogNotifier creates a LogNotifier writing through logger, or a no-op
// logger if logger is nil.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) Notify(event Event) {
	n.Logger.Info(event.Message, "type", event.Type, "runId", event.RunID, "pipeline", event.Pipeline)
}

// Multi fans one event out to every child Notifier.
type Multi []Notifier

func (m Multi) Notify(event Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(event)
		}
	}
}
