package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lltools/ll/internal/config"
	"github.com/lltools/ll/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last run's state",
	Long: `Display the persisted state of the most recent run.

Shows completed, failed, and attempted issues, plus any worktrees left
behind with unmerged work. State lives in .claude/ll-state.json and is
what 'll parallel --resume' reads.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	repo, err := repoRoot()
	if err != nil {
		return err
	}

	store := state.NewStore(cfg.StateDir(repo))
	if _, err := os.Stat(store.Path()); os.IsNotExist(err) {
		fmt.Println("No run state found. Run 'll parallel' to start.")
		return nil
	}

	s, err := store.Load()
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	bold.Printf("Run %s\n", s.RunID)
	fmt.Printf("  started:     %s (%s ago)\n",
		s.StartTime.Local().Format("2006-01-02 15:04:05"),
		time.Since(s.StartTime).Round(time.Minute))
	fmt.Printf("  last update: %s\n", s.LastUpdateTime.Local().Format("2006-01-02 15:04:05"))

	green.Printf("  completed: %d\n", len(s.CompletedIssues))
	for _, id := range s.CompletedIssues {
		fmt.Printf("    %s\n", id)
	}

	if len(s.FailedIssues) > 0 {
		red.Printf("  failed: %d\n", len(s.FailedIssues))
		ids := make([]string, 0, len(s.FailedIssues))
		for id := range s.FailedIssues {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("    %s: %s\n", id, s.FailedIssues[id])
		}
	}

	if len(s.PendingWorktrees) > 0 {
		yellow.Printf("  pending worktrees: %d\n", len(s.PendingWorktrees))
		for _, wt := range s.PendingWorktrees {
			fmt.Printf("    %s  %s  (%d commits ahead", wt.IssueID, wt.Path, wt.CommitsAhead)
			if wt.HasUncommittedChanges {
				fmt.Printf(", uncommitted changes")
			}
			fmt.Printf(")\n")
		}
	}

	fmt.Printf("  attempted: %d\n", len(s.AttemptedIssues))
	return nil
}
