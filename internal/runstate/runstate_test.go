package runstate

import (
	"path/filepath"
	"testing"
	"time"
)

func TestPipelineStateAddRunningAndSnapshot(t *testing.T) {
	s := New("run-1", "deploy", TriggerInfo{Type: TriggerManual, Timestamp: time.Now()})
	exec := s.AddRunning("build")
	exec.Status = StageSuccess

	snap := s.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(snap.Stages))
	}
	if snap.Stages[0].StageName != "build" {
		t.Errorf("got stage name %q", snap.Stages[0].StageName)
	}
	if snap.Stages[0].Status != StageSuccess {
		t.Errorf("got status %q", snap.Stages[0].Status)
	}
}

func TestPipelineStateAddSkippedIsTerminal(t *testing.T) {
	s := New("run-1", "deploy", TriggerInfo{Type: TriggerManual})
	result := false
	exec := s.AddSkipped("optional", &result)
	if exec.Status != StageSkipped {
		t.Fatalf("got status %q", exec.Status)
	}
	if !exec.ConditionEvaluated || exec.ConditionResult == nil || *exec.ConditionResult != false {
		t.Errorf("expected condition evaluated=true result=false, got evaluated=%v result=%v", exec.ConditionEvaluated, exec.ConditionResult)
	}
}

func TestRunStoreSaveLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	store := NewRunStore(dir)

	s := New("run-abc", "deploy", TriggerInfo{Type: TriggerPostCommit, CommitSha: "deadbeef"})
	s.AddRunning("build").Status = StageSuccess
	s.SetStatus(StatusCompleted)

	if err := store.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load("run-abc")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.RunID != "run-abc" || loaded.Status != StatusCompleted {
		t.Errorf("got runId=%q status=%q", loaded.RunID, loaded.Status)
	}
	if len(loaded.Stages) != 1 || loaded.Stages[0].StageName != "build" {
		t.Errorf("stages not preserved: %+v", loaded.Stages)
	}
}

func TestRunStoreRejectsUnsafeID(t *testing.T) {
	store := NewRunStore(t.TempDir())
	if _, err := store.Load("../escape"); err == nil {
		t.Fatal("expected error for path-traversal id")
	}
}

func TestRunStoreListAndRemove(t *testing.T) {
	dir := t.TempDir()
	store := NewRunStore(dir)

	a := New("run-a", "p", TriggerInfo{Type: TriggerManual})
	b := New("run-b", "p", TriggerInfo{Type: TriggerManual})
	if err := store.Save(a); err != nil {
		t.Fatalf("Save a: %v", err)
	}
	if err := store.Save(b); err != nil {
		t.Fatalf("Save b: %v", err)
	}

	ids, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}

	if err := store.Remove("run-a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ids, err = store.List()
	if err != nil {
		t.Fatalf("List after remove: %v", err)
	}
	if len(ids) != 1 || ids[0] != "run-b" {
		t.Errorf("expected only run-b, got %v", ids)
	}
}

func TestLoopStoreSaveLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "loops")
	store := NewLoopStore(dir)

	session := &LoopSession{
		SessionID:     "sess-1",
		StartTime:     time.Now(),
		Status:        SessionRunning,
		MaxIterations: 5,
		Iterations: []LoopIteration{
			{IterationNumber: 1, PipelineName: "deploy", Status: IterationCompleted, TriggeredNext: true},
		},
	}
	if err := store.Save(session); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load("sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.SessionID != "sess-1" || loaded.MaxIterations != 5 {
		t.Errorf("got %+v", loaded)
	}
	if len(loaded.Iterations) != 1 || loaded.Iterations[0].PipelineName != "deploy" {
		t.Errorf("iterations not preserved: %+v", loaded.Iterations)
	}
}
