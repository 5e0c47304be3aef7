// Package state persists the resumable run record to a single JSON file
// under .claude/. Writes are atomic (write-temp then rename); loads
// ignore unknown fields for forward compatibility.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lltools/ll/pkg/models"
)

// FileName is the state file's name under the state directory.
const FileName = "ll-state.json"

// RunState is the durable resume record. Attempted IDs include everything
// that left the queue, so a resume skips them regardless of outcome.
type RunState struct {
	// RunID identifies the run that last wrote this state.
	RunID string `json:"run_id,omitempty"`
	// CompletedIssues lists IDs that finished successfully.
	CompletedIssues []string `json:"completed_issues"`
	// FailedIssues maps failed IDs to a reason string.
	FailedIssues map[string]string `json:"failed_issues"`
	// AttemptedIssues lists every ID that left the queue.
	AttemptedIssues []string `json:"attempted_issues"`
	// PendingWorktrees snapshots worktrees left behind at shutdown.
	PendingWorktrees []models.PendingWorktree `json:"pending_worktrees,omitempty"`
	// StartTime is when the run began.
	StartTime time.Time `json:"start_time"`
	// LastUpdateTime is when the state was last persisted.
	LastUpdateTime time.Time `json:"last_update_time"`
}

// NewRunState returns a fresh state stamped with the current time.
func NewRunState(runID string) *RunState {
	return &RunState{
		RunID:           runID,
		CompletedIssues: []string{},
		FailedIssues:    map[string]string{},
		AttemptedIssues: []string{},
		StartTime:       time.Now().UTC(),
		LastUpdateTime:  time.Now().UTC(),
	}
}

// IsCompleted returns true if the ID is in the completed set.
func (s *RunState) IsCompleted(id string) bool {
	for _, c := range s.CompletedIssues {
		if c == id {
			return true
		}
	}
	return false
}

// IsAttempted returns true if the ID is in the attempted set.
func (s *RunState) IsAttempted(id string) bool {
	for _, a := range s.AttemptedIssues {
		if a == id {
			return true
		}
	}
	return false
}

// MarkCompleted adds an ID to the completed and attempted sets.
func (s *RunState) MarkCompleted(id string) {
	if !s.IsCompleted(id) {
		s.CompletedIssues = append(s.CompletedIssues, id)
	}
	s.markAttempted(id)
}

// MarkFailed records an ID as failed with a reason.
func (s *RunState) MarkFailed(id, reason string) {
	if s.FailedIssues == nil {
		s.FailedIssues = map[string]string{}
	}
	s.FailedIssues[id] = reason
	s.markAttempted(id)
}

func (s *RunState) markAttempted(id string) {
	if !s.IsAttempted(id) {
		s.AttemptedIssues = append(s.AttemptedIssues, id)
	}
}

// normalize sorts the unordered collections so serialization round-trips
// byte-identically.
func (s *RunState) normalize() {
	sort.Strings(s.CompletedIssues)
	sort.Strings(s.AttemptedIssues)
	sort.Slice(s.PendingWorktrees, func(i, j int) bool {
		return s.PendingWorktrees[i].IssueID < s.PendingWorktrees[j].IssueID
	})
}

// Store reads and writes the state file. All writes go through one
// goroutine holder (the orchestrator); the mutex guards incidental
// concurrent saves from completion callbacks.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store for the state file under stateDir.
func NewStore(stateDir string) *Store {
	return &Store{path: filepath.Join(stateDir, FileName)}
}

// Path returns the state file path.
func (st *Store) Path() string {
	return st.path
}

// Load reads the state file. A missing file yields a fresh empty state.
func (st *Store) Load() (*RunState, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRunState(""), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	s := NewRunState("")
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", st.path, err)
	}
	if s.FailedIssues == nil {
		s.FailedIssues = map[string]string{}
	}
	return s, nil
}

// Save writes the state atomically: marshal to a temp file in the same
// directory, fsync, then rename over the target.
func (st *Store) Save(s *RunState) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s.normalize()
	s.LastUpdateTime = time.Now().UTC()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, st.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
