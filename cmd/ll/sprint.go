package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lltools/ll/internal/config"
)

// sprintsFileName is the sprint definition file under .claude/.
const sprintsFileName = "sprints.yaml"

var sprintCmd = &cobra.Command{
	Use:   "sprint",
	Short: "Work a named set of issues",
	Long: `Sprints are named issue lists defined in .claude/sprints.yaml:

  sprint-12:
    - BUG-101
    - FEAT-102
    - ENH-110

'll sprint run sprint-12' works exactly those issues, in parallel,
with the same pipeline as 'll parallel'.`,
}

var sprintRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run every issue in the named sprint",
	Args:  cobra.ExactArgs(1),
	RunE:  runSprint,
}

var sprintListCmd = &cobra.Command{
	Use:   "list",
	Short: "List defined sprints",
	RunE:  listSprints,
}

func init() {
	sprintCmd.AddCommand(sprintRunCmd)
	sprintCmd.AddCommand(sprintListCmd)

	f := sprintRunCmd.Flags()
	f.IntVar(&parallelMaxWorkers, "max-workers", 0, "Worker pool size (overrides config)")
	f.BoolVar(&parallelDryRun, "dry-run", false, "Print the execution plan without running anything")
	f.BoolVar(&parallelResume, "resume", false, "Skip issues already attempted in a previous run")
	f.BoolVar(&parallelQuiet, "quiet", false, "Suppress per-issue progress output")
	f.BoolVar(&parallelTUI, "tui", false, "Show a live dashboard instead of line output")
}

// loadSprints reads the sprint definitions for the enclosing repository.
func loadSprints() (map[string][]string, error) {
	repo, err := repoRoot()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(repo, ".claude", sprintsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no sprint file at %s", path)
		}
		return nil, fmt.Errorf("read sprint file: %w", err)
	}

	sprints := map[string][]string{}
	if err := yaml.Unmarshal(data, &sprints); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return sprints, nil
}

func runSprint(cmd *cobra.Command, args []string) error {
	name := args[0]

	sprints, err := loadSprints()
	if err != nil {
		return err
	}
	ids, ok := sprints[name]
	if !ok {
		return fmt.Errorf("sprint %q not defined; run 'll sprint list'", name)
	}
	if len(ids) == 0 {
		return fmt.Errorf("sprint %q has no issues", name)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	cfg.OnlyIDs = ids

	fmt.Printf("Sprint %s: %s\n", name, strings.Join(ids, ", "))
	return executeRun(cfg, parallelTUI)
}

func listSprints(cmd *cobra.Command, args []string) error {
	sprints, err := loadSprints()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(sprints))
	for name := range sprints {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("%s (%d issues)\n", name, len(sprints[name]))
	}
	return nil
}
