// Package orchestrator drives a full run: it seeds the priority queue,
// admits issues to the worker pool with dependency and filter checks,
// funnels successful results into the merge coordinator, and persists
// resumable state. One orchestrator owns one run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lltools/ll/internal/config"
	"github.com/lltools/ll/internal/gitx"
	"github.com/lltools/ll/internal/logging"
	"github.com/lltools/ll/internal/mergeq"
	"github.com/lltools/ll/internal/queue"
	"github.com/lltools/ll/internal/scan"
	"github.com/lltools/ll/internal/state"
	"github.com/lltools/ll/internal/worker"
	"github.com/lltools/ll/pkg/models"
)

// ErrInterrupted is returned by Run when a signal stopped the run.
var ErrInterrupted = errors.New("interrupted by user")

// drainGrace bounds the wait for in-flight work at shutdown.
const drainGrace = 60 * time.Second

// Orchestrator coordinates one run end to end.
type Orchestrator struct {
	cfg      *config.Config
	repoPath string
	git      gitx.Git
	queue    *queue.PriorityQueue
	pool     *worker.Pool
	coord    *mergeq.Coordinator
	store    *state.Store
	scanner  *scan.Scanner
	logger   *logging.DebugLogger
	out      io.Writer

	// stateMu serializes completion callbacks against state mutation.
	stateMu  sync.Mutex
	runState *state.RunState

	admitMu    sync.Mutex
	admitted   int
	issuePaths map[string]string

	// deferredMu guards the parked blocked issues. A parked ID stays in
	// the queue's tracked set, so dependents still see it as active.
	deferredMu sync.Mutex
	deferred   map[string]*models.Issue

	events        chan Event
	droppedEvents atomic.Uint64

	shutdown atomic.Bool
	sigCount atomic.Int32

	// nudgeCh wakes the execution loop on completions and signals.
	nudgeCh chan struct{}
	mergeWG sync.WaitGroup

	start time.Time
}

// New wires an orchestrator. scanner may be nil when watch mode is off.
func New(cfg *config.Config, repoPath string, git gitx.Git, assistant worker.Assistant, scanner *scan.Scanner, logger *logging.DebugLogger) *Orchestrator {
	if logger == nil {
		logger = logging.Nop()
	}

	o := &Orchestrator{
		cfg:        cfg,
		repoPath:   repoPath,
		git:        git,
		queue:      queue.New(),
		scanner:    scanner,
		logger:     logger,
		out:        os.Stdout,
		store:      state.NewStore(cfg.StateDir(repoPath)),
		issuePaths: make(map[string]string),
		deferred:   make(map[string]*models.Issue),
		events:     make(chan Event, 256),
		nudgeCh:    make(chan struct{}, 1),
	}

	o.pool = worker.NewPool(worker.Config{
		RepoPath:         repoPath,
		MaxWorkers:       cfg.MaxWorkers,
		BranchPrefix:     cfg.BranchPrefix,
		WorktreeBaseDir:  cfg.WorktreeBaseDir,
		MainBranch:       cfg.MainBranch,
		CompletedDir:     cfg.CompletedDir,
		AssistantTimeout: cfg.AssistantTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		TimeoutPerIssue:  cfg.TimeoutPerIssue,
		MaxContinuations: cfg.MaxContinuations,
	}, git, assistant, logger)

	o.coord = mergeq.New(mergeq.Config{
		MainBranch:    cfg.MainBranch,
		Strategy:      cfg.MergeStrategy,
		Remote:        "origin",
		CompletedDir:  cfg.CompletedDir,
		RetryAttempts: cfg.MergeRetryAttempts,
		RetryDelay:    cfg.MergeRetryDelay,
	}, git, logger, o.pool.CleanupWorktree, o.onMergeDone)

	return o
}

// SetOutput redirects progress and report output.
func (o *Orchestrator) SetOutput(w io.Writer) {
	o.out = w
}

// Run executes the full lifecycle for the given issues and blocks until
// the run drains or a signal interrupts it.
func (o *Orchestrator) Run(ctx context.Context, issues []models.Issue) error {
	o.start = time.Now()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go o.watchSignals(sigCh)

	if err := o.ensureGitignore(); err != nil {
		o.logger.Log("[orchestrator] gitignore update: %v", err)
	}

	// Orphan sweep runs before any submission, so every worker-* dir is
	// fair game.
	if swept := o.pool.CleanupAllWorktrees(); swept > 0 {
		o.logger.Log("[orchestrator] swept %d orphaned worktree(s)", swept)
	}

	if err := o.loadState(); err != nil {
		return err
	}

	o.seed(issues)

	if o.cfg.DryRun {
		o.printPlan()
		o.coord.Stop()
		close(o.events)
		return nil
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if o.cfg.Watch && o.scanner != nil {
		go func() {
			if err := o.scanner.Watch(watchCtx, func(iss models.Issue) { o.admit(iss) }); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Log("[orchestrator] watch stopped: %v", err)
			}
		}()
	}

	o.loop(ctx)
	cancelWatch()
	o.drain()
	o.persistFinal()

	o.emit(Event{Type: EventRunFinished})
	close(o.events)

	if o.shutdown.Load() {
		return ErrInterrupted
	}
	return nil
}

// loadState loads prior state when resuming, otherwise starts fresh.
// Completed IDs from a prior run are pre-marked so they are never
// re-issued.
func (o *Orchestrator) loadState() error {
	if !o.cfg.Resume {
		o.runState = state.NewRunState(uuid.New().String()[:8])
		return nil
	}

	s, err := o.store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if s.RunID == "" {
		s.RunID = uuid.New().String()[:8]
	}
	o.runState = s
	for _, id := range s.CompletedIssues {
		o.queue.MarkCompleted(id)
	}
	o.logger.Log("[orchestrator] resuming: %d completed, %d attempted", len(s.CompletedIssues), len(s.AttemptedIssues))
	return nil
}

// seed admits the scanned issues through the configured filters.
func (o *Orchestrator) seed(issues []models.Issue) {
	for _, iss := range issues {
		o.admit(iss)
	}
	o.logger.Log("[orchestrator] seeded queue with %d issue(s)", o.queue.PendingCount())
}

// admit applies the admission filters and enqueues the issue. Returns
// true if the issue entered the queue.
func (o *Orchestrator) admit(iss models.Issue) bool {
	for _, id := range o.cfg.SkipIDs {
		if id == iss.ID {
			return false
		}
	}
	if len(o.cfg.OnlyIDs) > 0 && !containsString(o.cfg.OnlyIDs, iss.ID) {
		return false
	}
	if o.cfg.Category != "" && iss.Category != o.cfg.Category {
		return false
	}
	if len(o.cfg.Priorities) > 0 && !containsString(o.cfg.Priorities, iss.Priority.String()) {
		return false
	}

	o.stateMu.Lock()
	attempted := o.cfg.Resume && o.runState.IsAttempted(iss.ID)
	o.stateMu.Unlock()
	if attempted {
		o.logger.Log("[orchestrator] skipping %s: attempted in a prior run", iss.ID)
		return false
	}

	o.admitMu.Lock()
	if o.cfg.MaxIssuesPerRun > 0 && o.admitted >= o.cfg.MaxIssuesPerRun {
		o.admitMu.Unlock()
		return false
	}
	heapIssue := iss
	if !o.queue.Add(&heapIssue) {
		o.admitMu.Unlock()
		return false
	}
	o.admitted++
	o.issuePaths[iss.ID] = iss.Path
	o.admitMu.Unlock()

	o.emit(Event{Type: EventIssueAdmitted, IssueID: iss.ID, Message: iss.Title})
	o.nudge()
	return true
}

// loop is the execution loop. The sequential class (P0 by default) runs
// one at a time inline; the parallel class fills the pool to max_workers.
func (o *Orchestrator) loop(ctx context.Context) {
	for {
		if o.shutdown.Load() || ctx.Err() != nil {
			return
		}
		if o.queue.PendingCount() == 0 {
			if o.pool.ActiveCount() == 0 && o.coord.QueueLength() == 0 {
				if o.deferredCount() > 0 {
					// Nothing left in flight: every blocker is terminal,
					// so the parked issues resolve on this pass.
					o.readmitDeferred()
					continue
				}
				if !o.cfg.Watch {
					return
				}
			}
			o.waitNudge()
			continue
		}
		if o.pool.ActiveCount() >= o.cfg.MaxWorkers {
			o.waitNudge()
			continue
		}

		qi, ok := o.queue.Get(true, time.Second)
		if !ok {
			continue
		}
		o.dispatch(ctx, qi.Issue)
	}
}

// dispatch runs dependency admission for one popped issue and submits it.
func (o *Orchestrator) dispatch(ctx context.Context, iss *models.Issue) {
	unmet, unresolvable, allFailed := o.blockerState(iss)
	switch {
	case len(unmet) == 0:
		// Admitted below.
	case allFailed:
		o.failIssue(iss.ID, fmt.Sprintf("failure-cascade: blocked by failed issue(s) %s", strings.Join(unmet, ", ")))
		return
	case unresolvable != "":
		o.failIssue(iss.ID, fmt.Sprintf("blocked by %s, which is not part of this run", unresolvable))
		return
	default:
		// Parked out of the queue entirely, so the next Get pops the
		// blocker instead of this issue again. Blocked issues wait
		// regardless of priority.
		o.logger.Log("[orchestrator] deferring %s (blocked by %s)", iss.ID, strings.Join(unmet, ", "))
		o.deferIssue(iss)
		return
	}

	o.emit(Event{Type: EventIssueStarted, IssueID: iss.ID, Message: iss.Title})

	if iss.Priority == models.P0 && o.cfg.P0Sequential {
		o.runSequential(ctx, iss)
		return
	}
	if err := o.pool.Submit(ctx, *iss, o.onWorkerComplete); err != nil {
		o.failIssue(iss.ID, fmt.Sprintf("submit: %v", err))
	}
}

// runSequential submits one issue and waits for its completion inline,
// polling the shutdown flag so a signal is observed within a second.
func (o *Orchestrator) runSequential(ctx context.Context, iss *models.Issue) {
	done := make(chan struct{})
	err := o.pool.Submit(ctx, *iss, func(r models.WorkerResult) {
		o.onWorkerComplete(r)
		close(done)
	})
	if err != nil {
		o.failIssue(iss.ID, fmt.Sprintf("submit: %v", err))
		return
	}
	for {
		select {
		case <-done:
			return
		case <-time.After(time.Second):
			if o.shutdown.Load() {
				return
			}
		}
	}
}

// blockerState inspects an issue's blocked_by set. It reports the unmet
// blockers, the first blocker that can never resolve in this run, and
// whether every unmet blocker already failed.
func (o *Orchestrator) blockerState(iss *models.Issue) (unmet []string, unresolvable string, allFailed bool) {
	for _, dep := range iss.BlockedBy {
		if o.queue.IsCompleted(dep) {
			continue
		}
		unmet = append(unmet, dep)
	}
	if len(unmet) == 0 {
		return nil, "", false
	}

	allFailed = true
	for _, dep := range unmet {
		if o.queue.IsFailed(dep) {
			continue
		}
		allFailed = false
		if !o.queue.IsActive(dep) {
			unresolvable = dep
		}
	}
	return unmet, unresolvable, allFailed
}

// deferIssue parks a blocked issue until a terminal event changes the
// blocker picture.
func (o *Orchestrator) deferIssue(iss *models.Issue) {
	o.deferredMu.Lock()
	o.deferred[iss.ID] = iss
	o.deferredMu.Unlock()
}

// readmitDeferred returns every parked issue to the queue for a fresh
// dependency check. Called whenever an issue reaches a terminal state.
func (o *Orchestrator) readmitDeferred() {
	o.deferredMu.Lock()
	parked := o.deferred
	o.deferred = make(map[string]*models.Issue)
	o.deferredMu.Unlock()

	for _, iss := range parked {
		o.queue.Requeue(iss)
	}
}

func (o *Orchestrator) deferredCount() int {
	o.deferredMu.Lock()
	defer o.deferredMu.Unlock()
	return len(o.deferred)
}

// failIssue marks an issue failed without running it.
func (o *Orchestrator) failIssue(id, reason string) {
	o.logger.Log("[orchestrator] %s failed: %s", id, reason)
	o.queue.MarkFailed(id)
	o.readmitDeferred()

	o.stateMu.Lock()
	o.runState.MarkFailed(id, reason)
	o.saveStateLocked()
	o.stateMu.Unlock()

	o.emit(Event{Type: EventIssueFailed, IssueID: id, Message: reason})
	o.nudge()
}

// onWorkerComplete registers one pipeline's result. It runs on the worker
// goroutine; state mutation is serialized by stateMu.
func (o *Orchestrator) onWorkerComplete(r models.WorkerResult) {
	defer o.nudge()
	defer o.readmitDeferred()

	if !r.Success {
		reason := r.Error
		if reason == "" {
			reason = fmt.Sprintf("not ready (verdict %s)", r.Verdict)
		}
		o.queue.MarkFailed(r.IssueID)

		o.stateMu.Lock()
		o.runState.MarkFailed(r.IssueID, reason)
		o.saveStateLocked()
		o.stateMu.Unlock()

		// The pipeline has deregistered its worktree by now, so this
		// removes it unless another pipeline somehow owns it.
		if r.WorktreePath != "" {
			if err := o.pool.CleanupWorktree(r.WorktreePath); err != nil {
				o.logger.Log("[orchestrator] cleanup after %s: %v", r.IssueID, err)
			}
		}
		o.emit(Event{Type: EventIssueFailed, IssueID: r.IssueID, Message: reason, Result: &r})
		return
	}

	o.queue.MarkCompleted(r.IssueID)
	o.emit(Event{Type: EventIssueCompleted, IssueID: r.IssueID, Result: &r})

	o.admitMu.Lock()
	issuePath := o.issuePaths[r.IssueID]
	o.admitMu.Unlock()

	result := r
	req := &models.MergeRequest{
		IssueID:      r.IssueID,
		BranchName:   r.BranchName,
		WorktreePath: r.WorktreePath,
		Result:       &result,
		IssuePath:    issuePath,
	}
	o.mergeWG.Add(1)
	if err := o.coord.Enqueue(req); err != nil {
		o.mergeWG.Done()
		o.failIssue(r.IssueID, fmt.Sprintf("merge enqueue: %v", err))
		return
	}

	o.stateMu.Lock()
	o.saveStateLocked()
	o.stateMu.Unlock()
}

// onMergeDone finalizes state once a merge request is terminal.
func (o *Orchestrator) onMergeDone(req *models.MergeRequest) {
	defer o.mergeWG.Done()
	defer o.nudge()
	defer o.readmitDeferred()

	o.stateMu.Lock()
	switch req.Status {
	case models.MergeMerged, models.MergeClosedNoMerge:
		o.runState.MarkCompleted(req.IssueID)
	default:
		reason := fmt.Sprintf("merge %s", req.Status)
		if req.Result != nil && req.Result.Error != "" {
			reason = req.Result.Error
		}
		o.runState.MarkFailed(req.IssueID, reason)
		o.queue.MarkFailed(req.IssueID)
	}
	o.saveStateLocked()
	o.stateMu.Unlock()

	o.emit(Event{Type: EventMergeDone, IssueID: req.IssueID, MergeStatus: req.Status})
}

// drain waits for in-flight work within the grace period, then forces
// termination. The signal path drops pending merges; the normal path
// processes them.
func (o *Orchestrator) drain() {
	if o.shutdown.Load() {
		o.pool.TerminateAll()
		waitWithTimeout(o.pool.Wait, drainGrace)
		o.coord.Stop()
		o.mergeWG.Wait()
		return
	}

	if !waitWithTimeout(o.pool.Wait, drainGrace) {
		o.logger.Log("[orchestrator] drain grace expired, terminating workers")
		o.pool.TerminateAll()
		waitWithTimeout(o.pool.Wait, 10*time.Second)
	}
	o.coord.Drain()
	o.mergeWG.Wait()
}

// persistFinal snapshots worktrees left behind and writes the last state.
func (o *Orchestrator) persistFinal() {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	o.runState.PendingWorktrees = o.pendingWorktrees()
	o.saveStateLocked()
}

// pendingWorktrees inspects leftover worker-* directories for unmerged
// work worth reporting to the operator.
func (o *Orchestrator) pendingWorktrees() []models.PendingWorktree {
	entries, err := os.ReadDir(o.pool.WorktreeBase())
	if err != nil {
		return nil
	}

	var pending []models.PendingWorktree
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "worker-") {
			continue
		}
		id := strings.TrimPrefix(entry.Name(), "worker-")
		dir := filepath.Join(o.pool.WorktreeBase(), entry.Name())

		wt := models.PendingWorktree{
			IssueID:    id,
			BranchName: o.cfg.BranchPrefix + id,
			Path:       dir,
		}
		if ahead, err := o.git.CommitsAhead(dir, o.cfg.MainBranch); err == nil {
			wt.CommitsAhead = ahead
		}
		if status, err := o.git.StatusIn(dir); err == nil {
			wt.HasUncommittedChanges = strings.TrimSpace(status) != ""
		}
		if wt.HasPendingWork() {
			wt.Reason = "run ended before merge"
			pending = append(pending, wt)
		}
	}
	return pending
}

// saveStateLocked persists state; caller holds stateMu.
func (o *Orchestrator) saveStateLocked() {
	if err := o.store.Save(o.runState); err != nil {
		o.logger.Log("[orchestrator] state save: %v", err)
	}
}

// watchSignals flips the shutdown flag on the first signal and exits the
// process on the second.
func (o *Orchestrator) watchSignals(ch <-chan os.Signal) {
	for range ch {
		if o.sigCount.Add(1) == 1 {
			o.logger.Log("[orchestrator] shutdown requested")
			fmt.Fprintln(o.out, "\nInterrupted; finishing in-flight work (press again to force quit)")
			o.shutdown.Store(true)
			o.nudge()
			continue
		}
		fmt.Fprintln(o.out, "Force quit")
		os.Exit(130)
	}
}

// ensureGitignore idempotently lists the worktree base in .gitignore.
func (o *Orchestrator) ensureGitignore() error {
	entry := strings.TrimSuffix(o.cfg.WorktreeBaseDir, "/")
	if entry == "" || filepath.IsAbs(entry) {
		return nil
	}

	path := filepath.Join(o.repoPath, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSuffix(strings.TrimSpace(line), "/")
		if trimmed == entry {
			return nil
		}
	}

	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "/\n"
	return os.WriteFile(path, []byte(content), 0644)
}

// printPlan lists what a real run would do, without doing any of it.
func (o *Orchestrator) printPlan() {
	pending := o.queue.GetAllPending()
	fmt.Fprintf(o.out, "Dry run: %d issue(s) would be processed with %d worker(s)\n\n", len(pending), o.cfg.MaxWorkers)
	for i, iss := range pending {
		mode := "parallel"
		if iss.Priority == models.P0 && o.cfg.P0Sequential {
			mode = "sequential"
		}
		fmt.Fprintf(o.out, "%3d. [%s] %s  %s (%s)\n", i+1, iss.Priority, iss.ID, iss.Title, mode)
		if len(iss.BlockedBy) > 0 {
			fmt.Fprintf(o.out, "     blocked by: %s\n", strings.Join(iss.BlockedBy, ", "))
		}
	}
}

func (o *Orchestrator) nudge() {
	select {
	case o.nudgeCh <- struct{}{}:
	default:
	}
}

// waitNudge blocks until a completion or signal nudges the loop, at most
// one second so the shutdown flag stays observable.
func (o *Orchestrator) waitNudge() {
	select {
	case <-o.nudgeCh:
	case <-time.After(time.Second):
	}
}

// waitWithTimeout runs fn and reports whether it returned in time.
func waitWithTimeout(fn func(), timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
