package gitx

// Git is the set of git operations the orchestrator emits. Implementations
// must funnel every invocation through the process-wide lock. The interface
// exists so the worker pool, merge coordinator, and orchestrator can be
// tested against a fake without a real repository.
type Git interface {
	// RepoPath returns the main repository path.
	RepoPath() string
	// ContentionCount reports how often the git lock was contended.
	ContentionCount() int64

	// Status returns git status --porcelain for the main repository.
	Status() (string, error)
	// StatusIgnored returns porcelain status for the main repository with
	// ignored entries included.
	StatusIgnored() (string, error)
	// StatusPath returns path-scoped porcelain status for one path.
	StatusPath(path string) (string, error)
	// StatusIn returns porcelain status for an arbitrary directory.
	StatusIn(dir string) (string, error)

	// WorktreeAdd creates a worktree at path on a new branch cut from base.
	WorktreeAdd(path, branch, base string) error
	// WorktreeRemove force-removes the worktree at path.
	WorktreeRemove(path string) error
	// WorktreeList returns the registered worktree paths.
	WorktreeList() ([]string, error)
	// WorktreePrune drops stale worktree registrations.
	WorktreePrune() error

	// BranchExists returns true if the local branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch force-deletes a branch.
	DeleteBranch(name string) error
	// Checkout switches the main repository to the given branch.
	Checkout(branch string) error
	// CheckoutPath discards changes to a tracked path.
	CheckoutPath(path string) error
	// CleanPath removes an untracked path.
	CleanPath(path string) error

	// Fetch fetches from the named remote.
	Fetch(remote string) error
	// PullFFOnly pulls the current branch, fast-forward only.
	PullFFOnly() error
	// Merge merges branch into the current branch.
	Merge(branch string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
	// Rebase rebases the current branch onto base.
	Rebase(base string) error
	// RebaseAbort aborts an in-progress rebase.
	RebaseAbort() error
	// HasConflicts reports whether the working tree has unmerged paths.
	HasConflicts() (bool, error)
	// Push pushes branch to the named remote.
	Push(remote, branch string) error

	// DiffNameOnly lists files changed in dir relative to base..HEAD.
	DiffNameOnly(dir, base string) ([]string, error)
	// Add stages paths in the main repository.
	Add(paths ...string) error
	// Commit commits staged changes with the given message.
	Commit(message string) error
	// Move performs git mv from one path to another.
	Move(from, to string) error
	// CommitsAhead counts commits in dir's HEAD that are not on base.
	CommitsAhead(dir, base string) (int, error)
}
