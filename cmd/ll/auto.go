package main

import (
	"github.com/spf13/cobra"

	"github.com/lltools/ll/internal/config"
)

var autoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Work issues one at a time",
	Long: `Work every eligible issue sequentially with a single worker.

Same pipeline as 'll parallel' (worktree, readiness probe, merge), but
issues run one at a time in priority order. Useful when parallel merges
would collide, or when watching a single run's assistant output.`,
	RunE: runAuto,
}

func init() {
	f := autoCmd.Flags()
	f.IntVar(&parallelMaxIssues, "max-issues", 0, "Cap the number of issues admitted this run (0 = unlimited)")
	f.StringVar(&parallelCategory, "category", "", "Only work issues in this category (top-level issues/ subdirectory)")
	f.BoolVar(&parallelDryRun, "dry-run", false, "Print the execution plan without running anything")
	f.BoolVar(&parallelResume, "resume", false, "Skip issues already attempted in a previous run")
	f.StringSliceVar(&parallelOnly, "only", nil, "Only work these issue IDs")
	f.StringSliceVar(&parallelSkip, "skip", nil, "Skip these issue IDs")
	f.StringSliceVar(&parallelPriorities, "priority", nil, "Only work these priorities (e.g. P0,P1)")
	f.BoolVar(&parallelQuiet, "quiet", false, "Suppress per-issue progress output")
	f.DurationVar(&parallelTimeout, "timeout", 0, "Per-issue pipeline timeout (overrides config)")
	f.BoolVar(&parallelWatch, "watch", false, "Keep running and admit issues as files appear")
}

func runAuto(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	cfg.MaxWorkers = 1
	return executeRun(cfg, false)
}
