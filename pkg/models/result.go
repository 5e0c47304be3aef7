package models

import "time"

// Verdict classifies the readiness probe's textual output.
type Verdict string

const (
	// VerdictReady indicates the issue can be implemented as written.
	VerdictReady Verdict = "ready"
	// VerdictCorrected indicates the probe fixed the issue file and work can proceed.
	VerdictCorrected Verdict = "corrected"
	// VerdictNotReady indicates the issue needs human attention first.
	VerdictNotReady Verdict = "not_ready"
	// VerdictClose indicates the issue is already resolved and should be filed away.
	VerdictClose Verdict = "close"
	// VerdictUnknown indicates the output could not be classified.
	VerdictUnknown Verdict = "unknown"
)

// Proceeds returns true if the verdict allows the execute step to run.
func (v Verdict) Proceeds() bool {
	return v == VerdictReady || v == VerdictCorrected
}

// WorkerResult is the outcome of one attempt on one issue. It is produced
// inside the worker pool and transferred by value to the orchestrator and
// then the merge coordinator; originator fields are not mutated after
// transfer.
type WorkerResult struct {
	// IssueID identifies the issue this result belongs to.
	IssueID string `json:"issue_id"`
	// BranchName is the branch the work landed on.
	BranchName string `json:"branch_name"`
	// WorktreePath is the worktree the work ran in.
	WorktreePath string `json:"worktree_path"`
	// Success is true if the pipeline completed without error.
	Success bool `json:"success"`
	// Verdict is the readiness classification that steered the pipeline.
	Verdict Verdict `json:"verdict"`
	// Duration is the wall-clock time the pipeline took.
	Duration time.Duration `json:"duration"`
	// WorkDone is true if a meaningful file change occurred.
	WorkDone bool `json:"work_done"`
	// ShouldClose is true if the verdict steered the pipeline away from
	// code changes and the issue file should be moved to completed.
	ShouldClose bool `json:"should_close"`
	// Error holds the failure message, if any.
	Error string `json:"error,omitempty"`
	// ChangedFiles lists paths changed versus the main branch.
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// PendingWorktree is a snapshot of a worktree discovered at shutdown that
// may still hold unmerged work.
type PendingWorktree struct {
	// IssueID is the issue the worktree was created for.
	IssueID string `json:"issue_id"`
	// BranchName is the worktree's branch.
	BranchName string `json:"branch_name"`
	// Path is the worktree directory.
	Path string `json:"path"`
	// CommitsAhead is the number of commits not on the main branch.
	CommitsAhead int `json:"commits_ahead"`
	// HasUncommittedChanges is true if the working tree is dirty.
	HasUncommittedChanges bool `json:"has_uncommitted_changes"`
	// Reason records why the worktree was left behind.
	Reason string `json:"reason,omitempty"`
}

// HasPendingWork returns true if the worktree holds commits or changes
// that have not reached the main branch.
func (p PendingWorktree) HasPendingWork() bool {
	return p.CommitsAhead > 0 || p.HasUncommittedChanges
}
