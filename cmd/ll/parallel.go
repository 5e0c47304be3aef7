package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lltools/ll/internal/config"
	"github.com/lltools/ll/internal/gitx"
	"github.com/lltools/ll/internal/logging"
	"github.com/lltools/ll/internal/orchestrator"
	"github.com/lltools/ll/internal/scan"
	"github.com/lltools/ll/internal/tui"
	"github.com/lltools/ll/internal/worker"
	"github.com/lltools/ll/pkg/models"
)

var (
	parallelMaxWorkers  int
	parallelMaxIssues   int
	parallelCategory    string
	parallelDryRun      bool
	parallelResume      bool
	parallelOnly        []string
	parallelSkip        []string
	parallelPriorities  []string
	parallelQuiet       bool
	parallelTimeout     time.Duration
	parallelAsstTimeout time.Duration
	parallelIdleTimeout time.Duration
	parallelWatch       bool
	parallelTUI         bool
)

var parallelCmd = &cobra.Command{
	Use:   "parallel",
	Short: "Work issues in parallel across git worktrees",
	Long: `Scan the issues directory and work every eligible issue in parallel.

Each issue gets its own worktree and branch. Up to --max-workers issues
run at once; P0 issues run alone. Finished branches merge to main in
completion order. Progress is printed per issue; pass --tui for a live
dashboard instead.

Interrupt with Ctrl-C to stop admitting work and drain in-flight
issues; a second Ctrl-C exits immediately. Re-run with --resume to
skip everything already attempted.`,
	RunE: runParallel,
}

func init() {
	f := parallelCmd.Flags()
	f.IntVar(&parallelMaxWorkers, "max-workers", 0, "Worker pool size (overrides config)")
	f.IntVar(&parallelMaxIssues, "max-issues", 0, "Cap the number of issues admitted this run (0 = unlimited)")
	f.StringVar(&parallelCategory, "category", "", "Only work issues in this category (top-level issues/ subdirectory)")
	f.BoolVar(&parallelDryRun, "dry-run", false, "Print the execution plan without running anything")
	f.BoolVar(&parallelResume, "resume", false, "Skip issues already attempted in a previous run")
	f.StringSliceVar(&parallelOnly, "only", nil, "Only work these issue IDs")
	f.StringSliceVar(&parallelSkip, "skip", nil, "Skip these issue IDs")
	f.StringSliceVar(&parallelPriorities, "priority", nil, "Only work these priorities (e.g. P0,P1)")
	f.BoolVar(&parallelQuiet, "quiet", false, "Suppress per-issue progress output")
	f.DurationVar(&parallelTimeout, "timeout", 0, "Per-issue pipeline timeout (overrides config)")
	f.DurationVar(&parallelAsstTimeout, "claude-timeout", 0, "Assistant subprocess timeout (overrides config)")
	f.DurationVar(&parallelIdleTimeout, "idle-timeout", 0, "Assistant no-output timeout (overrides config)")
	f.BoolVar(&parallelWatch, "watch", false, "Keep running and admit issues as files appear")
	f.BoolVar(&parallelTUI, "tui", false, "Show a live dashboard instead of line output")
}

func runParallel(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	return executeRun(cfg, parallelTUI)
}

// applyRunFlags copies explicitly-set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("max-workers") {
		cfg.MaxWorkers = parallelMaxWorkers
	}
	if f.Changed("max-issues") {
		cfg.MaxIssuesPerRun = parallelMaxIssues
	}
	if f.Changed("category") {
		cfg.Category = parallelCategory
	}
	if f.Changed("dry-run") {
		cfg.DryRun = parallelDryRun
	}
	if f.Changed("resume") {
		cfg.Resume = parallelResume
	}
	if f.Changed("only") {
		cfg.OnlyIDs = parallelOnly
	}
	if f.Changed("skip") {
		cfg.SkipIDs = parallelSkip
	}
	if f.Changed("priority") {
		cfg.Priorities = parallelPriorities
	}
	if f.Changed("quiet") {
		cfg.Quiet = parallelQuiet
	}
	if f.Changed("timeout") {
		cfg.TimeoutPerIssue = parallelTimeout
	}
	if f.Changed("claude-timeout") {
		cfg.AssistantTimeout = parallelAsstTimeout
	}
	if f.Changed("idle-timeout") {
		cfg.IdleTimeout = parallelIdleTimeout
	}
	if f.Changed("watch") {
		cfg.Watch = parallelWatch
	}
}

// executeRun wires the orchestrator and blocks until the run ends.
func executeRun(cfg *config.Config, useTUI bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.DryRun {
		if err := checkAssistantCLI(cfg.AssistantBin); err != nil {
			return err
		}
	}

	repo, err := repoRoot()
	if err != nil {
		return err
	}

	logger := logging.ForRepo(repo)
	defer logger.Close()

	git := gitx.NewRunner(repo, gitx.NewLock())
	scanner := scan.NewScanner(
		filepath.Join(repo, cfg.IssuesDir),
		filepath.Join(repo, cfg.CompletedDir),
		logger,
	)

	issues, err := scanner.Scan()
	if err != nil {
		return err
	}
	if len(issues) == 0 && !cfg.Watch {
		fmt.Printf("No issues found under %s.\n", cfg.IssuesDir)
		return nil
	}

	assistant := &worker.CLIAssistant{Bin: cfg.AssistantBin}
	o := orchestrator.New(cfg, repo, git, assistant, scanner, logger)

	ctx := context.Background()

	if useTUI && !cfg.DryRun {
		return runWithTUI(ctx, o, issues)
	}

	done := consumeEvents(o, cfg.Quiet || cfg.DryRun)
	runErr := o.Run(ctx, issues)
	<-done

	if !cfg.DryRun {
		o.Report().Print(os.Stdout)
	}
	return runErr
}

// runWithTUI runs the orchestrator behind a bubbletea dashboard. The
// orchestrator's own output is discarded so it cannot corrupt the view.
func runWithTUI(ctx context.Context, o *orchestrator.Orchestrator, issues []models.Issue) error {
	o.SetOutput(io.Discard)
	program := tea.NewProgram(tui.New(o.Events()))

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- o.Run(ctx, issues)
	}()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	runErr := <-runErrCh

	o.Report().Print(os.Stdout)
	return runErr
}

// consumeEvents prints per-issue progress lines until the event stream
// closes. Returns a channel closed when draining finishes.
func consumeEvents(o *orchestrator.Orchestrator, quiet bool) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range o.Events() {
			if quiet {
				continue
			}
			printEvent(ev)
		}
	}()
	return done
}

func printEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventIssueStarted:
		fmt.Printf("  %s %s\n", color.BlueString("▶"), ev.IssueID)
	case orchestrator.EventIssueCompleted:
		fmt.Printf("  %s %s done, queued for merge\n", color.GreenString("✓"), ev.IssueID)
	case orchestrator.EventIssueFailed:
		fmt.Printf("  %s %s failed: %s\n", color.RedString("✗"), ev.IssueID, ev.Message)
	case orchestrator.EventMergeDone:
		switch ev.MergeStatus {
		case models.MergeMerged:
			fmt.Printf("  %s %s merged\n", color.GreenString("✓"), ev.IssueID)
		case models.MergeClosedNoMerge:
			fmt.Printf("  %s %s closed (already resolved)\n", color.GreenString("✓"), ev.IssueID)
		case models.MergeConflict:
			fmt.Printf("  %s %s merge conflict; worktree preserved\n", color.RedString("✗"), ev.IssueID)
		case models.MergeFailed:
			fmt.Printf("  %s %s merge failed: %s\n", color.RedString("✗"), ev.IssueID, ev.Message)
		}
	}
}
