package gitx

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrGitTimeout is returned when a git invocation exceeds its deadline.
// The lock is always released before the error surfaces.
var ErrGitTimeout = errors.New("git command timed out")

// DefaultCommandTimeout bounds a single git invocation.
const DefaultCommandTimeout = 120 * time.Second

// Runner executes git commands in the main repository (or a worktree)
// while holding the process-wide Lock for the full life of the
// subprocess. Direct git calls outside a Runner are a violation.
type ExecRunner struct {
	repoPath string
	lock     *Lock
	timeout  time.Duration
}

// NewRunner creates a runner for the repository at repoPath using the
// given lock and the default per-command timeout.
func NewRunner(repoPath string, lock *Lock) *ExecRunner {
	return &ExecRunner{repoPath: repoPath, lock: lock, timeout: DefaultCommandTimeout}
}

// RepoRoot resolves the top-level directory of the repository containing
// dir. It is the one git invocation allowed outside a Runner: it runs
// before the repository path, and therefore the Runner and its lock,
// exist.
func RepoRoot(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", errors.New("not inside a git repository")
	}
	return strings.TrimSpace(string(out)), nil
}

// SetCommandTimeout overrides the per-invocation timeout.
func (r *ExecRunner) SetCommandTimeout(d time.Duration) {
	r.timeout = d
}

// run executes git under the lock and returns trimmed combined output.
// op labels the lock holder for diagnostics.
func (r *ExecRunner) run(op, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = r.repoPath
	}

	release, err := r.lock.Acquire(op, r.timeout)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%w: git %s", ErrGitTimeout, strings.Join(args, " "))
	}
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes git under the lock, discarding output on success.
func (r *ExecRunner) runSilent(op, dir string, args ...string) error {
	_, err := r.run(op, dir, args...)
	return err
}

// RepoPath returns the main repository path.
func (r *ExecRunner) RepoPath() string {
	return r.repoPath
}

// ContentionCount reports how often the git lock was contended.
func (r *ExecRunner) ContentionCount() int64 {
	return r.lock.ContentionCount()
}

// Status returns git status --porcelain for the main repository.
func (r *ExecRunner) Status() (string, error) {
	return r.run("status", "", "status", "--porcelain")
}

// StatusIgnored returns porcelain status with ignored entries included.
// Plain porcelain never lists gitignored paths.
func (r *ExecRunner) StatusIgnored() (string, error) {
	return r.run("status-ignored", "", "status", "--porcelain", "--ignored")
}

// StatusPath returns path-scoped porcelain status. Gitignored paths
// produce empty output.
func (r *ExecRunner) StatusPath(path string) (string, error) {
	return r.run("status-path", "", "status", "--porcelain", "--", path)
}

// StatusIn returns porcelain status for an arbitrary working directory.
func (r *ExecRunner) StatusIn(dir string) (string, error) {
	return r.run("status-in", dir, "status", "--porcelain")
}

// WorktreeAdd creates a worktree at path on a new branch cut from base.
func (r *ExecRunner) WorktreeAdd(path, branch, base string) error {
	return r.runSilent("worktree-add", "", "worktree", "add", "-b", branch, path, base)
}

// WorktreeRemove force-removes the worktree at path.
func (r *ExecRunner) WorktreeRemove(path string) error {
	return r.runSilent("worktree-remove", "", "worktree", "remove", "--force", path)
}

// WorktreeList returns the registered worktree paths.
func (r *ExecRunner) WorktreeList() ([]string, error) {
	out, err := r.run("worktree-list", "", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// WorktreePrune drops stale worktree registrations.
func (r *ExecRunner) WorktreePrune() error {
	return r.runSilent("worktree-prune", "", "worktree", "prune")
}

// BranchExists returns true if refs/heads/<name> exists.
func (r *ExecRunner) BranchExists(name string) (bool, error) {
	_, err := r.run("branch-exists", "", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		// show-ref's failure is embedded in the wrapped error; a plain
		// exit 1 means the ref is absent.
		if strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteBranch force-deletes a branch.
func (r *ExecRunner) DeleteBranch(name string) error {
	return r.runSilent("branch-delete", "", "branch", "-D", name)
}

// Checkout switches the main repository to the given branch.
func (r *ExecRunner) Checkout(branch string) error {
	return r.runSilent("checkout", "", "checkout", branch)
}

// CheckoutPath discards changes to a tracked path in the main repository.
func (r *ExecRunner) CheckoutPath(path string) error {
	return r.runSilent("checkout-path", "", "checkout", "--", path)
}

// CleanPath removes an untracked path from the main repository.
func (r *ExecRunner) CleanPath(path string) error {
	return r.runSilent("clean-path", "", "clean", "-f", "--", path)
}

// Fetch fetches from the named remote.
func (r *ExecRunner) Fetch(remote string) error {
	return r.runSilent("fetch", "", "fetch", remote)
}

// PullFFOnly pulls the current branch, fast-forward only.
func (r *ExecRunner) PullFFOnly() error {
	return r.runSilent("pull", "", "pull", "--ff-only")
}

// Merge merges branch into the current branch.
func (r *ExecRunner) Merge(branch string) error {
	return r.runSilent("merge", "", "merge", branch)
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort() error {
	return r.runSilent("merge-abort", "", "merge", "--abort")
}

// Rebase rebases the current branch onto base.
func (r *ExecRunner) Rebase(base string) error {
	return r.runSilent("rebase", "", "rebase", base)
}

// RebaseAbort aborts an in-progress rebase.
func (r *ExecRunner) RebaseAbort() error {
	return r.runSilent("rebase-abort", "", "rebase", "--abort")
}

// HasConflicts reports whether the main working tree has unmerged paths.
func (r *ExecRunner) HasConflicts() (bool, error) {
	status, err := r.Status()
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 2 {
			continue
		}
		switch line[:2] {
		case "UU", "AA", "DD", "AU", "UA", "DU", "UD":
			return true, nil
		}
	}
	return false, nil
}

// Push pushes branch to the named remote.
func (r *ExecRunner) Push(remote, branch string) error {
	return r.runSilent("push", "", "push", remote, branch)
}

// DiffNameOnly lists files changed in dir relative to base..HEAD.
func (r *ExecRunner) DiffNameOnly(dir, base string) ([]string, error) {
	out, err := r.run("diff", dir, "diff", "--name-only", base+"..HEAD")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Add stages paths in the main repository.
func (r *ExecRunner) Add(paths ...string) error {
	args := append([]string{"add"}, paths...)
	return r.runSilent("add", "", args...)
}

// Commit commits staged changes with the given message.
func (r *ExecRunner) Commit(message string) error {
	return r.runSilent("commit", "", "commit", "-m", message)
}

// Move performs git mv from one path to another.
func (r *ExecRunner) Move(from, to string) error {
	return r.runSilent("mv", "", "mv", from, to)
}

// CommitsAhead counts commits in dir's HEAD that are not on base.
func (r *ExecRunner) CommitsAhead(dir, base string) (int, error) {
	out, err := r.run("rev-list", dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// Verify ExecRunner implements Git at compile time.
var _ Git = (*ExecRunner)(nil)
