package state

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lltools/ll/pkg/models"
)

func TestLoad_MissingFileReturnsFresh(t *testing.T) {
	st := NewStore(t.TempDir())

	s, err := st.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(s.CompletedIssues) != 0 || len(s.FailedIssues) != 0 || len(s.AttemptedIssues) != 0 {
		t.Error("fresh state should have empty sets")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	st := NewStore(t.TempDir())

	s := NewRunState("run-1")
	s.MarkCompleted("BUG-2")
	s.MarkCompleted("BUG-1")
	s.MarkFailed("FEAT-9", "timeout")
	s.PendingWorktrees = []models.PendingWorktree{
		{IssueID: "ENH-3", BranchName: "parallel/ENH-3", Path: ".worktrees/worker-ENH-3", CommitsAhead: 2},
	}

	if err := st.Save(s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := st.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.IsCompleted("BUG-1") || !loaded.IsCompleted("BUG-2") {
		t.Error("completed IDs lost in round trip")
	}
	if loaded.FailedIssues["FEAT-9"] != "timeout" {
		t.Errorf("failed reason = %q, want %q", loaded.FailedIssues["FEAT-9"], "timeout")
	}
	if !loaded.IsAttempted("FEAT-9") {
		t.Error("failed ID should be in attempted set")
	}
	if len(loaded.PendingWorktrees) != 1 || !loaded.PendingWorktrees[0].HasPendingWork() {
		t.Error("pending worktree lost in round trip")
	}
}

func TestSave_SerializationIsStable(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir)

	s := NewRunState("run-1")
	// Insert out of order; normalization must sort at the boundary.
	s.MarkCompleted("ENH-5")
	s.MarkCompleted("BUG-1")
	if err := st.Save(s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	first, err := os.ReadFile(st.Path())
	if err != nil {
		t.Fatalf("read state: %v", err)
	}

	loaded, err := st.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	loaded.LastUpdateTime = s.LastUpdateTime
	if err := st.Save(loaded); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	second, _ := os.ReadFile(st.Path())

	// Only the last_update_time may differ between the two writes.
	var a, b map[string]interface{}
	json.Unmarshal(first, &a)
	json.Unmarshal(second, &b)
	delete(a, "last_update_time")
	delete(b, "last_update_time")
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if !bytes.Equal(aj, bj) {
		t.Errorf("serialize->load->serialize not stable:\n%s\nvs\n%s", aj, bj)
	}
}

func TestLoad_IgnoresUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	doc := `{"completed_issues":["BUG-1"],"failed_issues":{},"attempted_issues":["BUG-1"],"future_field":42}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(dir).Load()
	if err != nil {
		t.Fatalf("Load should tolerate unknown fields: %v", err)
	}
	if !s.IsCompleted("BUG-1") {
		t.Error("known fields should still load")
	}
}

func TestSave_Atomic_NoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir)
	if err := st.Save(NewRunState("r")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != FileName {
			t.Errorf("unexpected file left behind: %s", e.Name())
		}
	}
}
