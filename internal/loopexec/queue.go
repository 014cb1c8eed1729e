package loopexec

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Queue owns the session-scoped pending/running/finished/failed directories
// under .agent-pipeline/loops/{sessionId}/ in the execution repo.
type Queue struct {
	SessionDir string
}

func (q Queue) pendingDir() string  { return filepath.Join(q.SessionDir, "pending") }
func (q Queue) runningDir() string  { return filepath.Join(q.SessionDir, "running") }
func (q Queue) finishedDir() string { return filepath.Join(q.SessionDir, "finished") }
func (q Queue) failedDir() string   { return filepath.Join(q.SessionDir, "failed") }

// PendingDir exposes the pending directory path, e.g. for the loop agent's
// user prompt.
func (q Queue) PendingDir() string { return q.pendingDir() }

// EnsureDirs creates all four queue directories.
func (q Queue) EnsureDirs() error {
	for _, dir := range []string{q.pendingDir(), q.runningDir(), q.finishedDir(), q.failedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("loopexec: creating %s: %w", dir, err)
		}
	}
	return nil
}

// NextPending returns the oldest (by modification time) YAML file in
// pending/, or ok=false if the directory is empty.
func (q Queue) NextPending() (path string, ok bool, err error) {
	matches, err := doublestar.Glob(os.DirFS(q.pendingDir()), "*.yaml")
	if err != nil {
		return "", false, fmt.Errorf("loopexec: scanning %s: %w", q.pendingDir(), err)
	}
	ymlMatches, err := doublestar.Glob(os.DirFS(q.pendingDir()), "*.yml")
	if err != nil {
		return "", false, fmt.Errorf("loopexec: scanning %s: %w", q.pendingDir(), err)
	}
	matches = append(matches, ymlMatches...)
	if len(matches) == 0 {
		return "", false, nil
	}

	type entry struct {
		name    string
		modTime int64
	}
	entries := make([]entry, 0, len(matches))
	for _, name := range matches {
		info, statErr := os.Stat(filepath.Join(q.pendingDir(), name))
		if statErr != nil {
			return "", false, fmt.Errorf("loopexec: stat %s: %w", name, statErr)
		}
		entries = append(entries, entry{name: name, modTime: info.ModTime().UnixNano()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime < entries[j].modTime })

	return filepath.Join(q.pendingDir(), entries[0].name), true, nil
}

// MoveToRunning moves a pending file into running/, returning its new path.
func (q Queue) MoveToRunning(path string) (string, error) {
	return q.move(path, q.runningDir())
}

// MoveToFinished moves a running file into finished/.
func (q Queue) MoveToFinished(path string) error {
	_, err := q.move(path, q.finishedDir())
	return err
}

// MoveToFailed moves a running file into failed/.
func (q Queue) MoveToFailed(path string) error {
	_, err := q.move(path, q.failedDir())
	return err
}

func (q Queue) move(path, destDir string) (string, error) {
	dest := filepath.Join(destDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("loopexec: moving %s to %s: %w", path, destDir, err)
	}
	return dest, nil
}
