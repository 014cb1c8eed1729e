package notify

import "testing"

type recordingNotifier struct {
	events []Event
}

func (r *recordingNotifier) Notify(event Event) {
	r.events = append(r.events, event)
}

func TestLogNotifierNeverPanicsOnNilLogger(t *testing.T) {
	n := NewLogNotifier(nil)
	n.Notify(Event{Type: "pipeline.started", RunID: "run-1", Pipeline: "deploy", Message: "started"})
}

func TestMultiFansOutToEveryChild(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	m := Multi{a, b, nil}
	m.Notify(Event{Type: "pipeline.completed"})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both notifiers to receive the event, got a=%d b=%d", len(a.events), len(b.events))
	}
}
