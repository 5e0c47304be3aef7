// Package mergeq serializes main-branch mutations. A single worker
// goroutine consumes merge requests in FIFO arrival order; that order is
// the total order of changes to the main branch. No other component may
// write to it while a run is active.
package mergeq

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lltools/ll/internal/gitx"
	"github.com/lltools/ll/internal/logging"
	"github.com/lltools/ll/pkg/models"
)

// Config holds the coordinator's fixed parameters.
type Config struct {
	// MainBranch is the integration branch every request targets.
	MainBranch string
	// Strategy is "merge" or "rebase".
	Strategy string
	// Remote is the push/pull remote, normally origin.
	Remote string
	// CompletedDir receives closed issue files, relative to the repo.
	CompletedDir string
	// RetryAttempts bounds pull/push retries on transient errors.
	RetryAttempts int
	// RetryDelay is the base backoff; it doubles per attempt.
	RetryDelay time.Duration
}

// Stats counts coordinator outcomes.
type Stats struct {
	// Total is the number of requests processed.
	Total int
	// Merged counts successful merges.
	Merged int
	// Failed counts exhausted or fatal failures.
	Failed int
	// Conflicts counts conflicting merges.
	Conflicts int
	// Closed counts close-path requests.
	Closed int
	// Retries counts transient-error retries across all requests.
	Retries int
}

// Coordinator is the single-writer merge queue.
type Coordinator struct {
	cfg    Config
	git    gitx.Git
	logger *logging.DebugLogger

	// cleanupWorktree removes a worktree while honoring the pool's
	// active-worktree protection. Nil falls back to plain git removal.
	cleanupWorktree func(path string) error
	// onDone runs after a request reaches a terminal status.
	onDone func(req *models.MergeRequest)

	queue  chan *models.MergeRequest
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stats   Stats
	stopped bool
}

// New creates a coordinator and starts its worker goroutine.
func New(cfg Config, git gitx.Git, logger *logging.DebugLogger, cleanupWorktree func(string) error, onDone func(*models.MergeRequest)) *Coordinator {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:             cfg,
		git:             git,
		logger:          logger,
		cleanupWorktree: cleanupWorktree,
		onDone:          onDone,
		queue:           make(chan *models.MergeRequest, 100),
		ctx:             ctx,
		cancel:          cancel,
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

// Enqueue adds a request in FIFO position. It fails after shutdown.
func (c *Coordinator) Enqueue(req *models.MergeRequest) error {
	// The lock spans the send so Stop cannot close the channel between
	// the stopped check and the send.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return fmt.Errorf("merge coordinator is shut down")
	}

	req.Status = models.MergePending
	select {
	case c.queue <- req:
		c.logger.Log("[merge] enqueued %s (queue depth %d)", req.IssueID, len(c.queue))
		return nil
	default:
		return fmt.Errorf("merge queue is full")
	}
}

// Drain stops intake and processes everything already queued.
func (c *Coordinator) Drain() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.queue)
	c.wg.Wait()
	c.cancel()
}

// Stop aborts: queued requests fail without being processed.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	close(c.queue)
	c.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// QueueLength returns the number of queued, unprocessed requests.
func (c *Coordinator) QueueLength() int {
	return len(c.queue)
}

func (c *Coordinator) worker() {
	defer c.wg.Done()

	for req := range c.queue {
		select {
		case <-c.ctx.Done():
			req.Status = models.MergeFailed
			if req.Result != nil && req.Result.Error == "" {
				req.Result.Error = "merge coordinator shut down before processing"
			}
			c.finish(req)
			continue
		default:
		}

		c.process(req)
		c.finish(req)
	}
}

func (c *Coordinator) finish(req *models.MergeRequest) {
	c.mu.Lock()
	c.stats.Total++
	switch req.Status {
	case models.MergeMerged:
		c.stats.Merged++
	case models.MergeConflict:
		c.stats.Conflicts++
	case models.MergeClosedNoMerge:
		c.stats.Closed++
	default:
		c.stats.Failed++
	}
	c.mu.Unlock()

	if c.onDone != nil {
		c.onDone(req)
	}
}

func (c *Coordinator) process(req *models.MergeRequest) {
	req.Status = models.MergeInProgress
	c.logger.Log("[merge] processing %s (%s)", req.IssueID, req.BranchName)

	var err error
	if req.Result != nil && req.Result.ShouldClose {
		err = c.closeIssue(req)
		if err == nil {
			req.Status = models.MergeClosedNoMerge
			return
		}
	} else {
		err = c.merge(req)
		if err == nil {
			req.Status = models.MergeMerged
			return
		}
	}

	if errors.Is(err, errConflict) {
		req.Status = models.MergeConflict
	} else {
		req.Status = models.MergeFailed
	}
	if req.Result != nil {
		req.Result.Error = err.Error()
	}
	c.logger.Log("[merge] %s failed: %v", req.IssueID, err)
}

var errConflict = errors.New("merge conflict")

// merge runs the happy-path sequence. The worktree and branch survive any
// failure so an operator can inspect or recover the work.
func (c *Coordinator) merge(req *models.MergeRequest) error {
	if err := c.git.Fetch(c.cfg.Remote); err != nil {
		// Offline is tolerated; pull and push surface real problems.
		c.logger.Log("[merge] fetch failed (continuing): %v", err)
	}

	if err := c.git.Checkout(c.cfg.MainBranch); err != nil {
		return fmt.Errorf("checkout %s: %w", c.cfg.MainBranch, err)
	}

	if err := c.commitRequestFiles(req); err != nil {
		return err
	}

	if err := c.retryTransient("pull", c.git.PullFFOnly); err != nil {
		return fmt.Errorf("pull --ff-only: %w", err)
	}

	if err := c.integrate(req.BranchName); err != nil {
		return err
	}

	if err := c.retryTransient("push", func() error {
		return c.git.Push(c.cfg.Remote, c.cfg.MainBranch)
	}); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	c.removeWorktreeAndBranch(req)
	c.logger.Log("[merge] %s merged into %s", req.IssueID, c.cfg.MainBranch)
	return nil
}

// integrate applies the configured strategy; a conflict aborts the
// operation and is terminal.
func (c *Coordinator) integrate(branch string) error {
	var err error
	if c.cfg.Strategy == "rebase" {
		err = c.git.Rebase(branch)
	} else {
		err = c.git.Merge(branch)
	}
	if err == nil {
		return nil
	}

	conflicted, cerr := c.git.HasConflicts()
	if cerr == nil && conflicted {
		if c.cfg.Strategy == "rebase" {
			_ = c.git.RebaseAbort()
		} else {
			_ = c.git.MergeAbort()
		}
		return fmt.Errorf("%w on %s: %v", errConflict, branch, err)
	}
	return fmt.Errorf("%s %s: %w", c.cfg.Strategy, branch, err)
}

// commitRequestFiles implements the stash-skip discipline: if the main
// working copy is dirty, commit only files belonging to this request.
// Unrelated dirt is never stashed or committed; if none of the dirty
// paths belong to the request, the pull proceeds and surfaces the
// failure itself.
func (c *Coordinator) commitRequestFiles(req *models.MergeRequest) error {
	status, err := c.git.Status()
	if err != nil {
		return fmt.Errorf("status before pull: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}

	owned := make(map[string]bool)
	if req.Result != nil {
		for _, f := range req.Result.ChangedFiles {
			owned[f] = true
		}
	}

	var toCommit []string
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.Trim(line[3:], `"`)
		if owned[path] {
			toCommit = append(toCommit, path)
		}
	}
	if len(toCommit) == 0 {
		c.logger.Log("[merge] main working copy dirty with unrelated files; not stashing")
		return nil
	}

	if err := c.git.Add(toCommit...); err != nil {
		return fmt.Errorf("stage request files: %w", err)
	}
	if err := c.git.Commit(fmt.Sprintf("chore: commit %s files before merge", req.IssueID)); err != nil {
		return fmt.Errorf("commit request files: %w", err)
	}
	c.logger.Log("[merge] committed %d file(s) owned by %s before pull", len(toCommit), req.IssueID)
	return nil
}

// closeIssue files an already-resolved issue away without merging code:
// move the issue file to the completed directory on the main branch,
// commit, push, then clean up the branch and worktree.
func (c *Coordinator) closeIssue(req *models.MergeRequest) error {
	if err := c.git.Fetch(c.cfg.Remote); err != nil {
		c.logger.Log("[merge] fetch failed (continuing): %v", err)
	}
	if err := c.git.Checkout(c.cfg.MainBranch); err != nil {
		return fmt.Errorf("checkout %s: %w", c.cfg.MainBranch, err)
	}
	if err := c.retryTransient("pull", c.git.PullFFOnly); err != nil {
		return fmt.Errorf("pull --ff-only: %w", err)
	}

	from, err := c.repoRelative(req.IssuePath)
	if err != nil {
		return err
	}
	to := filepath.Join(c.cfg.CompletedDir, filepath.Base(from))
	if err := c.git.Move(from, to); err != nil {
		return fmt.Errorf("move %s to completed: %w", from, err)
	}
	if err := c.git.Commit(fmt.Sprintf("chore: close %s (already resolved)", req.IssueID)); err != nil {
		return fmt.Errorf("commit close of %s: %w", req.IssueID, err)
	}
	if err := c.retryTransient("push", func() error {
		return c.git.Push(c.cfg.Remote, c.cfg.MainBranch)
	}); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	c.removeWorktreeAndBranch(req)
	c.logger.Log("[merge] %s closed without merge", req.IssueID)
	return nil
}

func (c *Coordinator) repoRelative(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return path, nil
	}
	rel, err := filepath.Rel(c.git.RepoPath(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("issue path %s is outside the repository", path)
	}
	return rel, nil
}

// removeWorktreeAndBranch cleans up after a terminal success. Failures
// here are logged, not surfaced; the integration already happened.
func (c *Coordinator) removeWorktreeAndBranch(req *models.MergeRequest) {
	if req.WorktreePath != "" {
		var err error
		if c.cleanupWorktree != nil {
			err = c.cleanupWorktree(req.WorktreePath)
		} else {
			err = c.git.WorktreeRemove(req.WorktreePath)
		}
		if err != nil {
			c.logger.Log("[merge] worktree cleanup for %s: %v", req.IssueID, err)
		}
	}
	if req.BranchName != "" {
		if err := c.git.DeleteBranch(req.BranchName); err != nil {
			c.logger.Log("[merge] branch cleanup for %s: %v", req.IssueID, err)
		}
	}
}

// retryTransient runs fn, retrying only on transient errors, with the
// base delay doubling per attempt. Fatal errors return immediately.
func (c *Coordinator) retryTransient(op string, fn func() error) error {
	delay := c.cfg.RetryDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt >= c.cfg.RetryAttempts {
			return err
		}
		c.mu.Lock()
		c.stats.Retries++
		c.mu.Unlock()
		c.logger.Log("[merge] %s attempt %d failed (%v), retrying in %v", op, attempt+1, err, delay)

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return err
		}
		delay *= 2
	}
}

// fatalMarkers identify errors that retrying cannot fix.
var fatalMarkers = []string{
	"not possible to fast-forward",
	"divergent branches",
	"unknown revision",
	"does not exist",
	"conflict",
}

// transientMarkers identify network and lock-file errors worth retrying.
var transientMarkers = []string{
	"could not resolve host",
	"could not read from remote",
	"unable to access",
	"connection",
	"timed out",
	"timeout",
	"early eof",
	"remote hung up",
	"index.lock",
	"temporarily unavailable",
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
