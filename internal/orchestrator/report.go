package orchestrator

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/lltools/ll/internal/mergeq"
)

// Report summarizes a finished run.
type Report struct {
	// Completed lists issue IDs that reached the main branch (or were
	// closed without a merge).
	Completed []string
	// Failed maps failed issue IDs to their reasons.
	Failed map[string]string
	// MergeStats are the coordinator's counters.
	MergeStats mergeq.Stats
	// Duration is the run's wall-clock time.
	Duration time.Duration
	// GitContention counts contended git-lock acquisitions.
	GitContention int64
	// PendingWorktrees counts worktrees left with unmerged work.
	PendingWorktrees int
	// Interrupted is true if a signal ended the run.
	Interrupted bool
}

// Report builds the run summary. Call after Run returns.
func (o *Orchestrator) Report() Report {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	completed := append([]string(nil), o.runState.CompletedIssues...)
	sort.Strings(completed)

	failed := make(map[string]string, len(o.runState.FailedIssues))
	for id, reason := range o.runState.FailedIssues {
		failed[id] = reason
	}

	return Report{
		Completed:        completed,
		Failed:           failed,
		MergeStats:       o.coord.Stats(),
		Duration:         time.Since(o.start),
		GitContention:    o.git.ContentionCount(),
		PendingWorktrees: len(o.runState.PendingWorktrees),
		Interrupted:      o.shutdown.Load(),
	}
}

// Print writes a colored summary.
func (r Report) Print(w io.Writer) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Fprintln(w)
	bold.Fprintf(w, "Run summary (%s)\n", r.Duration.Round(time.Second))

	green.Fprintf(w, "  completed: %d\n", len(r.Completed))
	for _, id := range r.Completed {
		fmt.Fprintf(w, "    %s\n", id)
	}

	if len(r.Failed) > 0 {
		red.Fprintf(w, "  failed: %d\n", len(r.Failed))
		ids := make([]string, 0, len(r.Failed))
		for id := range r.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "    %s: %s\n", id, r.Failed[id])
		}
	}

	fmt.Fprintf(w, "  merges: %d merged, %d conflicts, %d failed, %d closed (%d retries)\n",
		r.MergeStats.Merged, r.MergeStats.Conflicts, r.MergeStats.Failed, r.MergeStats.Closed, r.MergeStats.Retries)

	if r.PendingWorktrees > 0 {
		yellow.Fprintf(w, "  %d worktree(s) left with unmerged work; see ll-state.json\n", r.PendingWorktrees)
	}
	if r.GitContention > 0 {
		fmt.Fprintf(w, "  git lock contention: %d\n", r.GitContention)
	}
	if r.Interrupted {
		yellow.Fprintln(w, "  interrupted by user")
	}
}
