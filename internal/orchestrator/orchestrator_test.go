package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lltools/ll/internal/config"
	"github.com/lltools/ll/internal/logging"
	"github.com/lltools/ll/internal/proc"
	"github.com/lltools/ll/internal/state"
	"github.com/lltools/ll/pkg/models"
)

// fakeGit answers every git verb successfully. diffNames controls what
// change detection reports per worktree run.
type fakeGit struct {
	mu        sync.Mutex
	repoPath  string
	diffNames []string
	calls     []string
}

func (g *fakeGit) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGit) RepoPath() string                    { return g.repoPath }
func (g *fakeGit) ContentionCount() int64              { return 0 }
func (g *fakeGit) Status() (string, error)             { return "", nil }
func (g *fakeGit) StatusIgnored() (string, error)      { return "", nil }
func (g *fakeGit) StatusPath(string) (string, error)   { return "", nil }
func (g *fakeGit) StatusIn(string) (string, error)     { return "", nil }
func (g *fakeGit) WorktreeAdd(path, branch, base string) error {
	g.record("WorktreeAdd " + branch)
	return os.MkdirAll(path, 0755)
}
func (g *fakeGit) WorktreeRemove(path string) error {
	g.record("WorktreeRemove")
	return os.RemoveAll(path)
}
func (g *fakeGit) WorktreeList() ([]string, error)   { return nil, nil }
func (g *fakeGit) WorktreePrune() error              { return nil }
func (g *fakeGit) BranchExists(string) (bool, error) { return false, nil }
func (g *fakeGit) DeleteBranch(name string) error    { g.record("DeleteBranch " + name); return nil }
func (g *fakeGit) Checkout(branch string) error      { g.record("Checkout " + branch); return nil }
func (g *fakeGit) CheckoutPath(string) error         { return nil }
func (g *fakeGit) CleanPath(string) error            { return nil }
func (g *fakeGit) Fetch(string) error                { return nil }
func (g *fakeGit) PullFFOnly() error                 { return nil }
func (g *fakeGit) Merge(branch string) error         { g.record("Merge " + branch); return nil }
func (g *fakeGit) MergeAbort() error                 { return nil }
func (g *fakeGit) Rebase(string) error               { return nil }
func (g *fakeGit) RebaseAbort() error                { return nil }
func (g *fakeGit) HasConflicts() (bool, error)       { return false, nil }
func (g *fakeGit) Push(remote, branch string) error  { g.record("Push " + branch); return nil }
func (g *fakeGit) DiffNameOnly(string, string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.diffNames, nil
}
func (g *fakeGit) Add(...string) error        { return nil }
func (g *fakeGit) Commit(string) error        { return nil }
func (g *fakeGit) Move(from, to string) error { g.record("Move " + from); return nil }
func (g *fakeGit) CommitsAhead(string, string) (int, error) { return 0, nil }

// fakeAssistant serves verdicts keyed by the issue ID embedded in the
// issue path, and records the order Ready was invoked in.
type fakeAssistant struct {
	mu       sync.Mutex
	verdicts map[string]string // issue ID -> probe stdout
	order    []string
}

func issueIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, ".md")
}

func (a *fakeAssistant) Ready(ctx context.Context, issuePath string, opts proc.Options) (*proc.Result, error) {
	id := issueIDFromPath(issuePath)
	a.mu.Lock()
	a.order = append(a.order, id)
	out, ok := a.verdicts[id]
	a.mu.Unlock()
	if !ok {
		out = "Verdict: READY\n"
	}
	return &proc.Result{ExitCode: 0, Stdout: out}, nil
}

func (a *fakeAssistant) Manage(ctx context.Context, issuePath string, resume bool, opts proc.Options) (*proc.Result, error) {
	return &proc.Result{ExitCode: 0}, nil
}

func (a *fakeAssistant) readyOrder() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.order...)
}

func testConfig(repoPath string) *config.Config {
	cfg := config.Default()
	cfg.MaxWorkers = 2
	cfg.MergeRetryDelay = time.Millisecond
	_ = repoPath
	return cfg
}

func testIssue(repo, id string, priority models.Priority, blockedBy ...string) models.Issue {
	return models.Issue{
		ID:        id,
		Title:     "issue " + id,
		Type:      models.TypeBug,
		Priority:  priority,
		Path:      filepath.Join(repo, "issues", id+".md"),
		BlockedBy: blockedBy,
	}
}

func runOrchestrator(t *testing.T, cfg *config.Config, repo string, git *fakeGit, assistant *fakeAssistant, issues []models.Issue) (*Orchestrator, error) {
	t.Helper()
	o := New(cfg, repo, git, assistant, nil, logging.Nop())
	o.SetOutput(&strings.Builder{})

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(context.Background(), issues) }()

	select {
	case err := <-errCh:
		return o, err
	case <-time.After(30 * time.Second):
		t.Fatal("run did not finish")
		return nil, nil
	}
}

func TestRun_CompletesAndMergesAllIssues(t *testing.T) {
	repo := t.TempDir()
	git := &fakeGit{repoPath: repo, diffNames: []string{"fix.go"}}
	assistant := &fakeAssistant{}
	cfg := testConfig(repo)

	issues := []models.Issue{
		testIssue(repo, "BUG-1", models.P1),
		testIssue(repo, "FEAT-2", models.P2),
	}
	o, err := runOrchestrator(t, cfg, repo, git, assistant, issues)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	report := o.Report()
	if len(report.Completed) != 2 {
		t.Errorf("completed = %v, want both issues", report.Completed)
	}
	if len(report.Failed) != 0 {
		t.Errorf("failed = %v, want none", report.Failed)
	}
	if report.MergeStats.Merged != 2 {
		t.Errorf("merged = %d, want 2", report.MergeStats.Merged)
	}

	// The final state must be on disk for a future resume.
	s, err := state.NewStore(cfg.StateDir(repo)).Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if !s.IsCompleted("BUG-1") || !s.IsCompleted("FEAT-2") {
		t.Errorf("state completed = %v", s.CompletedIssues)
	}
}

func TestRun_PriorityOrderRespected(t *testing.T) {
	repo := t.TempDir()
	git := &fakeGit{repoPath: repo, diffNames: []string{"fix.go"}}
	assistant := &fakeAssistant{}
	cfg := testConfig(repo)
	cfg.MaxWorkers = 1

	issues := []models.Issue{
		testIssue(repo, "ENH-3", models.P4),
		testIssue(repo, "BUG-1", models.P1),
		testIssue(repo, "FEAT-2", models.P2),
	}
	if _, err := runOrchestrator(t, cfg, repo, git, assistant, issues); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	order := assistant.readyOrder()
	want := []string{"BUG-1", "FEAT-2", "ENH-3"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("start order = %v, want %v", order, want)
		}
	}
}

func TestRun_DryRunSubmitsNothing(t *testing.T) {
	repo := t.TempDir()
	git := &fakeGit{repoPath: repo}
	assistant := &fakeAssistant{}
	cfg := testConfig(repo)
	cfg.DryRun = true

	o, err := runOrchestrator(t, cfg, repo, git, assistant, []models.Issue{testIssue(repo, "BUG-1", models.P1)})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(assistant.readyOrder()) != 0 {
		t.Error("dry run must not invoke the assistant")
	}
	if got := o.Report().Completed; len(got) != 0 {
		t.Errorf("dry run must mark nothing, got %v", got)
	}
}

func TestRun_BlockedIssueWaitsForBlocker(t *testing.T) {
	repo := t.TempDir()
	git := &fakeGit{repoPath: repo, diffNames: []string{"fix.go"}}
	assistant := &fakeAssistant{}
	cfg := testConfig(repo)

	// FEAT-2 sorts first by priority but must wait for BUG-1.
	issues := []models.Issue{
		testIssue(repo, "FEAT-2", models.P1, "BUG-1"),
		testIssue(repo, "BUG-1", models.P3),
	}
	o, err := runOrchestrator(t, cfg, repo, git, assistant, issues)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(o.Report().Completed) != 2 {
		t.Fatalf("completed = %v", o.Report().Completed)
	}
	order := assistant.readyOrder()
	if len(order) != 2 || order[0] != "BUG-1" || order[1] != "FEAT-2" {
		t.Errorf("start order = %v, blocked issue must wait", order)
	}
}

func TestRun_FailureCascade(t *testing.T) {
	repo := t.TempDir()
	git := &fakeGit{repoPath: repo, diffNames: []string{"fix.go"}}
	assistant := &fakeAssistant{verdicts: map[string]string{"BUG-1": "Verdict: NOT READY\n"}}
	cfg := testConfig(repo)

	issues := []models.Issue{
		testIssue(repo, "BUG-1", models.P1),
		testIssue(repo, "FEAT-2", models.P2, "BUG-1"),
	}
	o, err := runOrchestrator(t, cfg, repo, git, assistant, issues)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	report := o.Report()
	if len(report.Failed) != 2 {
		t.Fatalf("failed = %v, want both issues", report.Failed)
	}
	if !strings.Contains(report.Failed["FEAT-2"], "failure-cascade") {
		t.Errorf("FEAT-2 reason = %q, want failure-cascade", report.Failed["FEAT-2"])
	}
	if containsID(assistant.readyOrder(), "FEAT-2") {
		t.Error("cascade-failed issue must never start")
	}
}

func TestRun_BlockedByUnknownIssueFails(t *testing.T) {
	repo := t.TempDir()
	git := &fakeGit{repoPath: repo}
	assistant := &fakeAssistant{}
	cfg := testConfig(repo)

	o, err := runOrchestrator(t, cfg, repo, git, assistant, []models.Issue{
		testIssue(repo, "FEAT-2", models.P2, "BUG-999"),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, ok := o.Report().Failed["FEAT-2"]; !ok {
		t.Error("issue blocked by an absent ID must fail, not hang")
	}
}

func TestRun_ResumeSkipsPriorAttempts(t *testing.T) {
	repo := t.TempDir()
	cfg := testConfig(repo)

	prior := state.NewRunState("prior")
	prior.MarkCompleted("BUG-1")
	prior.MarkFailed("FEAT-2", "timeout")
	if err := state.NewStore(cfg.StateDir(repo)).Save(prior); err != nil {
		t.Fatal(err)
	}

	git := &fakeGit{repoPath: repo, diffNames: []string{"fix.go"}}
	assistant := &fakeAssistant{}
	cfg.Resume = true

	issues := []models.Issue{
		testIssue(repo, "BUG-1", models.P1),
		testIssue(repo, "FEAT-2", models.P2),
		testIssue(repo, "ENH-3", models.P3),
	}
	if _, err := runOrchestrator(t, cfg, repo, git, assistant, issues); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	order := assistant.readyOrder()
	if len(order) != 1 || order[0] != "ENH-3" {
		t.Errorf("started = %v, want only the unattempted issue", order)
	}
}

func TestRun_MaxIssuesPerRun(t *testing.T) {
	repo := t.TempDir()
	git := &fakeGit{repoPath: repo, diffNames: []string{"fix.go"}}
	assistant := &fakeAssistant{}
	cfg := testConfig(repo)
	cfg.MaxIssuesPerRun = 1

	issues := []models.Issue{
		testIssue(repo, "BUG-1", models.P1),
		testIssue(repo, "FEAT-2", models.P2),
	}
	o, err := runOrchestrator(t, cfg, repo, git, assistant, issues)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := len(o.Report().Completed); got != 1 {
		t.Errorf("completed = %d, want 1", got)
	}
}

func TestRun_FilterAdmission(t *testing.T) {
	repo := t.TempDir()
	git := &fakeGit{repoPath: repo, diffNames: []string{"fix.go"}}
	assistant := &fakeAssistant{}
	cfg := testConfig(repo)
	cfg.SkipIDs = []string{"BUG-1"}

	backend := testIssue(repo, "FEAT-2", models.P2)
	backend.Category = "backend"
	other := testIssue(repo, "ENH-3", models.P3)
	other.Category = "frontend"
	cfg.Category = "backend"

	o, err := runOrchestrator(t, cfg, repo, git, assistant, []models.Issue{
		testIssue(repo, "BUG-1", models.P1), backend, other,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	completed := o.Report().Completed
	if len(completed) != 1 || completed[0] != "FEAT-2" {
		t.Errorf("completed = %v, want only FEAT-2", completed)
	}
}

func TestRun_GitignoreEntryIsIdempotent(t *testing.T) {
	repo := t.TempDir()
	git := &fakeGit{repoPath: repo}
	cfg := testConfig(repo)

	for i := 0; i < 2; i++ {
		if _, err := runOrchestrator(t, cfg, repo, git, &fakeAssistant{}, nil); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	}

	data, err := os.ReadFile(filepath.Join(repo, ".gitignore"))
	if err != nil {
		t.Fatalf("read .gitignore: %v", err)
	}
	if got := strings.Count(string(data), ".worktrees/"); got != 1 {
		t.Errorf(".gitignore has %d worktree entries, want 1:\n%s", got, data)
	}
}

func containsID(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
