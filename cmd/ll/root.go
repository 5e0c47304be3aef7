package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/lltools/ll/internal/gitx"
	"github.com/lltools/ll/internal/orchestrator"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Issue-driven parallel development orchestrator",
	Long: `ll drives a coding-assistant CLI over Markdown issue files.

Each issue runs in its own git worktree on its own branch. Finished
branches merge back to main one at a time, in completion order, so the
main branch only ever moves through a single writer.

Issues live under issues/ as Markdown files named after their ID
(e.g. BUG-123-fix-crash.md). Priority, type, and dependencies come
from an optional YAML frontmatter block.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and maps errors to exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, orchestrator.ErrInterrupted) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Explicit config file (overrides discovered configs)")

	rootCmd.AddCommand(parallelCmd)
	rootCmd.AddCommand(autoCmd)
	rootCmd.AddCommand(sprintCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// checkAssistantCLI verifies the coding-assistant binary is on PATH.
func checkAssistantCLI(bin string) error {
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("%s CLI not found in PATH\n\n"+
			"ll drives the %s CLI to work on issues. Install it, or point\n"+
			"assistant_bin in your config at a different binary.", bin, bin)
	}
	return nil
}

// repoRoot resolves the enclosing git repository's top-level directory.
func repoRoot() (string, error) {
	return gitx.RepoRoot(".")
}
