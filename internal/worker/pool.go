// Package worker runs issue pipelines on a bounded pool. Each pipeline
// isolates the assistant in its own git worktree, probes readiness,
// supervises the assistant subprocess, detects changes and leaks, and
// emits a WorkerResult. The pool owns the active-worktree set; nothing
// else may remove a registered worktree.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lltools/ll/internal/gitx"
	"github.com/lltools/ll/internal/logging"
	"github.com/lltools/ll/pkg/models"
)

// Config holds the pool's fixed parameters for one run.
type Config struct {
	// RepoPath is the main repository.
	RepoPath string
	// MaxWorkers bounds concurrent pipelines.
	MaxWorkers int
	// BranchPrefix prefixes worker branch names.
	BranchPrefix string
	// WorktreeBaseDir holds per-worker worktrees; relative paths resolve
	// against RepoPath.
	WorktreeBaseDir string
	// MainBranch is the branch worktrees are cut from.
	MainBranch string
	// CompletedDir is excluded from change detection, relative to RepoPath.
	CompletedDir string
	// AssistantTimeout is the per-invocation wall clock.
	AssistantTimeout time.Duration
	// IdleTimeout is the per-invocation inactivity cutoff.
	IdleTimeout time.Duration
	// TimeoutPerIssue envelopes the whole pipeline.
	TimeoutPerIssue time.Duration
	// MaxContinuations bounds handoff re-invocations.
	MaxContinuations int
}

// Pool runs issue pipelines with bounded parallelism.
type Pool struct {
	cfg       Config
	git       gitx.Git
	assistant Assistant
	logger    *logging.DebugLogger

	slots chan struct{}

	mu sync.Mutex
	// activeWorktrees maps worktree path to the owning issue ID. Members
	// are protected: every cleanup routine skips them.
	activeWorktrees map[string]string
	// activeProcesses maps issue ID to the live subprocess PID.
	activeProcesses map[string]int
	// active counts in-flight pipelines including those whose completion
	// callback has not returned yet.
	active   int
	shutdown bool

	wg sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(cfg Config, git gitx.Git, assistant Assistant, logger *logging.DebugLogger) *Pool {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pool{
		cfg:             cfg,
		git:             git,
		assistant:       assistant,
		logger:          logger,
		slots:           make(chan struct{}, cfg.MaxWorkers),
		activeWorktrees: make(map[string]string),
		activeProcesses: make(map[string]int),
	}
}

// Submit schedules an issue pipeline. onComplete runs on the worker
// goroutine after the pipeline finishes; the pool still counts the
// pipeline as active until onComplete returns. Submit fails after
// Shutdown.
func (p *Pool) Submit(ctx context.Context, issue models.Issue, onComplete func(models.WorkerResult)) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return fmt.Errorf("pool is shut down")
	}
	p.active++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
		}()

		p.slots <- struct{}{}
		defer func() { <-p.slots }()

		result := p.runPipeline(ctx, issue)
		if onComplete != nil {
			onComplete(result)
		}
	}()
	return nil
}

// ActiveCount returns the number of pipelines that have been submitted
// and whose completion callback has not yet returned.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Shutdown stops accepting work and waits for in-flight pipelines.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Wait blocks until all submitted pipelines have completed.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// IsActiveWorktree reports whether path is registered to a running
// pipeline.
func (p *Pool) IsActiveWorktree(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.activeWorktrees[path]
	return ok
}

// ActiveWorktrees returns a snapshot of registered worktree paths.
func (p *Pool) ActiveWorktrees() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	paths := make([]string, 0, len(p.activeWorktrees))
	for path := range p.activeWorktrees {
		paths = append(paths, path)
	}
	return paths
}

func (p *Pool) registerWorktree(path, issueID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeWorktrees[path] = issueID
}

func (p *Pool) deregisterWorktree(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeWorktrees, path)
}

func (p *Pool) registerProcess(issueID string, pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeProcesses[issueID] = pid
}

func (p *Pool) deregisterProcess(issueID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeProcesses, issueID)
}

// CleanupWorktree removes one worktree through git, falling back to
// filesystem removal. Active worktrees are skipped with a warning.
func (p *Pool) CleanupWorktree(path string) error {
	p.mu.Lock()
	if owner, ok := p.activeWorktrees[path]; ok {
		p.mu.Unlock()
		p.logger.Log("[pool] refusing to clean up active worktree %s (owned by %s)", path, owner)
		return nil
	}
	p.mu.Unlock()

	if err := p.git.WorktreeRemove(path); err != nil {
		p.logger.Log("[pool] git worktree remove %s failed (%v), removing directly", path, err)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove worktree %s: %w", path, err)
		}
	}
	return nil
}

// CleanupAllWorktrees removes every worker-* directory under the worktree
// base, skipping active worktrees. Returns the number removed.
func (p *Pool) CleanupAllWorktrees() int {
	base := p.worktreeBase()
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "worker-") {
			continue
		}
		path := filepath.Join(base, entry.Name())
		if p.IsActiveWorktree(path) {
			p.logger.Log("[pool] skipping active worktree %s during cleanup", path)
			continue
		}
		if err := p.CleanupWorktree(path); err != nil {
			p.logger.Log("[pool] cleanup %s: %v", path, err)
			continue
		}
		removed++
	}
	_ = p.git.WorktreePrune()
	return removed
}

// TerminateAll sends SIGTERM to every registered subprocess, waits up to
// five seconds, escalates to SIGKILL, waits up to two more, and clears
// the registry. Used on shutdown and on the orchestrator's signal path.
func (p *Pool) TerminateAll() {
	p.mu.Lock()
	pids := make(map[string]int, len(p.activeProcesses))
	for id, pid := range p.activeProcesses {
		pids[id] = pid
	}
	p.activeProcesses = make(map[string]int)
	p.mu.Unlock()

	if len(pids) == 0 {
		return
	}

	for id, pid := range pids {
		p.logger.Log("[pool] terminating subprocess for %s (pid %d)", id, pid)
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
	if waitAllDead(pids, 5*time.Second) {
		return
	}
	for id, pid := range pids {
		if alive(pid) {
			p.logger.Log("[pool] subprocess for %s (pid %d) survived SIGTERM, killing", id, pid)
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	waitAllDead(pids, 2*time.Second)
}

// waitAllDead polls until every pid is gone or the timeout expires.
func waitAllDead(pids map[string]int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		anyAlive := false
		for _, pid := range pids {
			if alive(pid) {
				anyAlive = true
				break
			}
		}
		if !anyAlive {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// alive reports whether a process with pid exists.
func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// WorktreeBase returns the resolved worktree base directory.
func (p *Pool) WorktreeBase() string {
	return p.worktreeBase()
}

// worktreeBase resolves the worktree base directory against the repo.
func (p *Pool) worktreeBase() string {
	if filepath.IsAbs(p.cfg.WorktreeBaseDir) {
		return p.cfg.WorktreeBaseDir
	}
	return filepath.Join(p.cfg.RepoPath, p.cfg.WorktreeBaseDir)
}

// worktreePath returns the worktree directory for an issue.
func (p *Pool) worktreePath(issueID string) string {
	return filepath.Join(p.worktreeBase(), "worker-"+issueID)
}

// branchName returns the branch for an issue.
func (p *Pool) branchName(issueID string) string {
	return p.cfg.BranchPrefix + issueID
}
