package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidID is returned when an ID cannot safely be used as a filename.
var ErrInvalidID = errors.New("runstate: invalid id")

func safePath(baseDir, id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(baseDir, id+".json"), nil
}

// RunStore persists PipelineState snapshots as one JSON file per run at
// {baseDir}/{runId}.json.
type RunStore struct {
	dir string
}

// NewRunStore creates a RunStore rooted at baseDir (typically
// .agent-pipeline/state/runs).
func NewRunStore(baseDir string) *RunStore {
	return &RunStore{dir: baseDir}
}

// Save writes the current snapshot of state to disk.
func (s *RunStore) Save(state *PipelineState) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("runstate: mkdir %s: %w", s.dir, err)
	}
	path, err := safePath(s.dir, state.RunID)
	if err != nil {
		return err
	}
	snap := state.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("runstate: marshal %s: %w", state.RunID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("runstate: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("runstate: rename %s: %w", path, err)
	}
	return nil
}

// Load reads a previously saved PipelineState snapshot by runId.
func (s *RunStore) Load(runID string) (*PipelineState, error) {
	path, err := safePath(s.dir, runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runstate: read %s: %w", path, err)
	}
	var snap PipelineState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("runstate: unmarshal %s: %w", path, err)
	}
	snap.mu = &sync.Mutex{}
	return &snap, nil
}

// Remove deletes the persisted state for runId, if present.
func (s *RunStore) Remove(runID string) error {
	path, err := safePath(s.dir, runID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("runstate: remove %s: %w", path, err)
	}
	return nil
}

// List returns the runIds of all persisted PipelineState files.
func (s *RunStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("runstate: readdir %s: %w", s.dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}

// LoopStore persists LoopSession records as one JSON file per session at
// {baseDir}/{sessionId}.json.
type LoopStore struct {
	dir string
}

// NewLoopStore creates a LoopStore rooted at baseDir (typically
// .agent-pipeline/state/loops).
func NewLoopStore(baseDir string) *LoopStore {
	return &LoopStore{dir: baseDir}
}

// Save persists a LoopSession.
func (s *LoopStore) Save(session *LoopSession) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("runstate: mkdir %s: %w", s.dir, err)
	}
	path, err := safePath(s.dir, session.SessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("runstate: marshal %s: %w", session.SessionID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("runstate: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// Load reads a previously saved LoopSession by sessionId.
func (s *LoopStore) Load(sessionID string) (*LoopSession, error) {
	path, err := safePath(s.dir, sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runstate: read %s: %w", path, err)
	}
	var session LoopSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("runstate: unmarshal %s: %w", path, err)
	}
	return &session, nil
}

// Remove deletes the persisted LoopSession for sessionId, if present.
func (s *LoopStore) Remove(sessionID string) error {
	path, err := safePath(s.dir, sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("runstate: remove %s: %w", path, err)
	}
	return nil
}
