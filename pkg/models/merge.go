package models

// MergeStatus tracks a merge request through the coordinator.
type MergeStatus string

const (
	// MergePending means the request is queued and untouched.
	MergePending MergeStatus = "pending"
	// MergeInProgress means the coordinator is working on the request.
	MergeInProgress MergeStatus = "in_progress"
	// MergeMerged means the branch reached the main branch.
	MergeMerged MergeStatus = "merged"
	// MergeFailed means retryable errors were exhausted.
	MergeFailed MergeStatus = "failed"
	// MergeConflict means the merge hit a conflict; never retried.
	MergeConflict MergeStatus = "conflict"
	// MergeClosedNoMerge means the close path ran instead of a merge.
	MergeClosedNoMerge MergeStatus = "closed_no_merge"
)

// Terminal returns true if the status will not change again.
func (s MergeStatus) Terminal() bool {
	switch s {
	case MergeMerged, MergeFailed, MergeConflict, MergeClosedNoMerge:
		return true
	default:
		return false
	}
}

// MergeRequest asks the coordinator to integrate one issue's branch into
// the main branch. Requests are processed in FIFO order; that order is the
// total order of main-branch mutations.
type MergeRequest struct {
	// IssueID identifies the issue being merged.
	IssueID string `json:"issue_id"`
	// BranchName is the branch to merge.
	BranchName string `json:"branch_name"`
	// WorktreePath is the worktree the branch was built in; removed after merge.
	WorktreePath string `json:"worktree_path"`
	// Result is the worker outcome that produced this request.
	Result *WorkerResult `json:"result"`
	// Status is the request's current state.
	Status MergeStatus `json:"status"`
	// IssuePath is the issue file to relocate on the close path.
	IssuePath string `json:"issue_path,omitempty"`
}
