package worker

import (
	"context"
	"fmt"

	"github.com/lltools/ll/internal/proc"
)

// Assistant invokes the coding-assistant CLI for one issue. Implementations
// run inside a worktree; opts carries the working directory, timeouts and
// process callbacks. The interface allows testing the pipeline without a
// real CLI.
type Assistant interface {
	// Ready runs the readiness probe; its stdout carries the verdict.
	Ready(ctx context.Context, issuePath string, opts proc.Options) (*proc.Result, error)
	// Manage runs the implementation pass. resume re-invokes with the
	// continuation flag after a handoff.
	Manage(ctx context.Context, issuePath string, resume bool, opts proc.Options) (*proc.Result, error)
}

// CLIAssistant drives the assistant binary through the subprocess
// supervisor. The binary accepts a prompt string via -p and runs
// non-interactively with --print.
type CLIAssistant struct {
	// Bin is the assistant binary name, resolved via PATH.
	Bin string
}

var _ Assistant = (*CLIAssistant)(nil)

func (a *CLIAssistant) Ready(ctx context.Context, issuePath string, opts proc.Options) (*proc.Result, error) {
	return proc.Run(ctx, a.Bin, a.args(fmt.Sprintf("/ll:ready %s", issuePath), false), opts)
}

func (a *CLIAssistant) Manage(ctx context.Context, issuePath string, resume bool, opts proc.Options) (*proc.Result, error) {
	return proc.Run(ctx, a.Bin, a.args(fmt.Sprintf("/ll:manage %s", issuePath), resume), opts)
}

func (a *CLIAssistant) args(prompt string, resume bool) []string {
	args := []string{
		"--print",
		"--allowedTools", "Read,Write,Edit,Bash,Glob,Grep",
	}
	if resume {
		args = append(args, "--resume")
	}
	return append(args, "-p", prompt)
}
