package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lltools/ll/internal/proc"
	"github.com/lltools/ll/internal/verdict"
	"github.com/lltools/ll/pkg/models"
)

// ContinueFileName is the handoff file the assistant writes under the
// worktree's .claude directory when it requests a continuation.
const ContinueFileName = "ll-continue-prompt.md"

// runPipeline executes the full pipeline for one issue. It never panics
// out: any failure, including a programming error, becomes a failure
// result.
func (p *Pool) runPipeline(ctx context.Context, issue models.Issue) (result models.WorkerResult) {
	start := time.Now()
	result = models.WorkerResult{
		IssueID:      issue.ID,
		BranchName:   p.branchName(issue.ID),
		WorktreePath: p.worktreePath(issue.ID),
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Log("[worker] panic in pipeline for %s: %v", issue.ID, r)
			result.Success = false
			result.Error = fmt.Sprintf("internal error: %v", r)
		}
		result.Duration = time.Since(start)
	}()

	if p.cfg.TimeoutPerIssue > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TimeoutPerIssue)
		defer cancel()
	}

	// Baseline the main repo before any subprocess runs; new entries at
	// the end are leaks. The scan includes ignored entries, or a leak
	// into a gitignored path would be invisible.
	baseline, err := p.git.StatusIgnored()
	if err != nil {
		result.Error = fmt.Sprintf("baseline status: %v", err)
		return result
	}
	defer p.detectLeaks(issue.ID, baseline)

	if err := p.setupWorktree(issue.ID); err != nil {
		result.Error = err.Error()
		return result
	}
	defer p.deregisterWorktree(result.WorktreePath)

	v, err := p.probe(ctx, issue, result.WorktreePath)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Verdict = v
	switch {
	case v == models.VerdictClose:
		// No code changes wanted; the merge coordinator files the issue away.
		result.Success = true
		result.ShouldClose = true
		return result
	case !v.Proceeds():
		result.WorkDone = false
		return result
	}

	if err := p.execute(ctx, issue, result.WorktreePath); err != nil {
		result.Error = err.Error()
		return result
	}

	changed, err := p.detectChanges(result.WorktreePath)
	if err != nil {
		result.Error = fmt.Sprintf("change detection: %v", err)
		return result
	}
	result.ChangedFiles = changed
	result.WorkDone = len(changed) > 0
	result.Success = true
	return result
}

// setupWorktree prepares a clean worktree on a fresh branch and registers
// it in the active set.
func (p *Pool) setupWorktree(issueID string) error {
	branch := p.branchName(issueID)
	path := p.worktreePath(issueID)

	exists, err := p.git.BranchExists(branch)
	if err != nil {
		return fmt.Errorf("check branch %s: %w", branch, err)
	}
	if exists {
		p.logger.Log("[worker] deleting stale branch %s", branch)
		if err := p.git.DeleteBranch(branch); err != nil {
			return fmt.Errorf("delete stale branch %s: %w", branch, err)
		}
	}

	// A leftover directory that git does not track blocks worktree add.
	if _, err := os.Stat(path); err == nil {
		registered, err := p.git.WorktreeList()
		if err != nil {
			return fmt.Errorf("list worktrees: %w", err)
		}
		known := false
		for _, wt := range registered {
			if wt == path {
				known = true
				break
			}
		}
		if !known {
			p.logger.Log("[worker] removing stale directory %s", path)
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("remove stale directory %s: %w", path, err)
			}
		} else {
			if err := p.git.WorktreeRemove(path); err != nil {
				return fmt.Errorf("remove stale worktree %s: %w", path, err)
			}
		}
	}

	if err := os.MkdirAll(p.worktreeBase(), 0755); err != nil {
		return fmt.Errorf("create worktree base: %w", err)
	}
	if err := p.git.WorktreeAdd(path, branch, p.cfg.MainBranch); err != nil {
		return fmt.Errorf("create worktree for %s: %w", issueID, err)
	}

	p.registerWorktree(path, issueID)
	return nil
}

// probe runs the readiness check and classifies its output.
func (p *Pool) probe(ctx context.Context, issue models.Issue, dir string) (models.Verdict, error) {
	res, err := p.assistant.Ready(ctx, issue.Path, p.procOptions(issue.ID, dir))
	if err != nil {
		return models.VerdictUnknown, fmt.Errorf("readiness probe: %w", err)
	}
	if res.ExitCode != 0 {
		return models.VerdictUnknown, fmt.Errorf("readiness probe exited with code %d", res.ExitCode)
	}
	v := verdict.Classify(res.Stdout)
	p.logger.Log("[worker] %s readiness verdict: %s", issue.ID, v)
	return v, nil
}

// execute runs the implementation pass, honoring continuation handoffs up
// to the configured bound. A continuation requires both the stdout marker
// and the handoff file; the marker alone is ignored.
func (p *Pool) execute(ctx context.Context, issue models.Issue, dir string) error {
	res, err := p.assistant.Manage(ctx, issue.Path, false, p.procOptions(issue.ID, dir))
	if err != nil {
		return fmt.Errorf("assistant: %w", err)
	}

	for n := 0; n < p.cfg.MaxContinuations; n++ {
		if !res.ContinuationRequested || !p.handoffFileExists(dir) {
			break
		}
		p.logger.Log("[worker] %s continuation %d/%d", issue.ID, n+1, p.cfg.MaxContinuations)
		res, err = p.assistant.Manage(ctx, issue.Path, true, p.procOptions(issue.ID, dir))
		if err != nil {
			return fmt.Errorf("assistant continuation %d: %w", n+1, err)
		}
	}

	if res.ExitCode != 0 {
		return fmt.Errorf("assistant exited with code %d", res.ExitCode)
	}
	return nil
}

func (p *Pool) handoffFileExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".claude", ContinueFileName))
	return err == nil
}

// procOptions builds supervisor options that register the subprocess for
// global termination while it runs.
func (p *Pool) procOptions(issueID, dir string) proc.Options {
	return proc.Options{
		Dir:         dir,
		Timeout:     p.cfg.AssistantTimeout,
		IdleTimeout: p.cfg.IdleTimeout,
		Logf: func(format string, args ...interface{}) {
			p.logger.Log("[worker:%s] %s", issueID, fmt.Sprintf(format, args...))
		},
		OnStart: func(pid int) { p.registerProcess(issueID, pid) },
		OnEnd:   func(int) { p.deregisterProcess(issueID) },
	}
}

// detectChanges returns the files changed in the worktree versus the main
// branch, committed and dirty alike, with completed-dir entries excluded.
func (p *Pool) detectChanges(worktreePath string) ([]string, error) {
	committed, err := p.git.DiffNameOnly(worktreePath, p.cfg.MainBranch)
	if err != nil {
		return nil, err
	}
	status, err := p.git.StatusIn(worktreePath)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var changed []string
	add := func(path string) {
		if path == "" || seen[path] || p.isCompletedPath(path) {
			return
		}
		seen[path] = true
		changed = append(changed, path)
	}
	for _, path := range committed {
		add(path)
	}
	for _, path := range porcelainPaths(status) {
		add(path)
	}
	sort.Strings(changed)
	return changed, nil
}

// isCompletedPath returns true for issue files already filed under the
// completed directory; moving them there is not meaningful work.
func (p *Pool) isCompletedPath(path string) bool {
	if p.cfg.CompletedDir == "" {
		return false
	}
	return strings.HasPrefix(filepath.ToSlash(path), filepath.ToSlash(p.cfg.CompletedDir)+"/")
}

// detectLeaks compares the main repo's status against the baseline and
// reverts anything the subprocess left behind outside its worktree. Leaks
// never fail the pipeline.
func (p *Pool) detectLeaks(issueID, baseline string) {
	end, err := p.git.StatusIgnored()
	if err != nil {
		p.logger.Log("[worker] %s leak check status failed: %v", issueID, err)
		return
	}

	before := make(map[string]bool)
	for _, path := range porcelainPaths(baseline) {
		before[path] = true
	}

	for _, path := range porcelainPaths(end) {
		if before[path] {
			continue
		}
		p.logger.Log("[worker] %s leaked into main repo: %s", issueID, path)
		p.cleanLeak(path)
	}
}

// cleanLeak reverts one leaked path. Tracked files are restored, untracked
// files removed through git; paths git reports empty status for (the
// gitignored case) are deleted directly.
func (p *Pool) cleanLeak(path string) {
	status, err := p.git.StatusPath(path)
	if err != nil || strings.TrimSpace(status) == "" {
		full := filepath.Join(p.git.RepoPath(), path)
		if rmErr := os.RemoveAll(full); rmErr != nil {
			p.logger.Log("[worker] could not remove leaked path %s: %v", path, rmErr)
		} else {
			p.logger.Log("[worker] removed leaked path %s from filesystem", path)
		}
		return
	}

	if strings.HasPrefix(strings.TrimSpace(status), "??") {
		if err := p.git.CleanPath(path); err != nil {
			p.logger.Log("[worker] could not clean leaked path %s: %v", path, err)
		} else {
			p.logger.Log("[worker] cleaned leaked untracked path %s", path)
		}
		return
	}

	if err := p.git.CheckoutPath(path); err != nil {
		p.logger.Log("[worker] could not restore leaked path %s: %v", path, err)
	} else {
		p.logger.Log("[worker] restored leaked tracked path %s", path)
	}
}

// porcelainPaths extracts paths from git status --porcelain output.
// Renames report the destination path.
func porcelainPaths(output string) []string {
	var paths []string
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}
