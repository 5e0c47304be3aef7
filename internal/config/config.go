// Package config handles configuration loading for ll. It layers built-in
// defaults, the user XDG config, a project .ll.yaml discovered walking up
// from the working directory, an explicit --config path, and LL_-prefixed
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all orchestrator options.
type Config struct {
	// MaxWorkers is the worker pool size for parallel runs.
	MaxWorkers int `mapstructure:"max_workers"`
	// P0Sequential serializes P0 issues; they never run in parallel.
	P0Sequential bool `mapstructure:"p0_sequential"`
	// IssuesDir is the root directory holding issue files.
	IssuesDir string `mapstructure:"issues_dir"`
	// CompletedDir is where closed issue files are moved, relative to the repo.
	CompletedDir string `mapstructure:"completed_dir"`
	// WorktreeBaseDir is where per-worker worktrees are created.
	WorktreeBaseDir string `mapstructure:"worktree_base_dir"`
	// BranchPrefix prefixes every worker branch name.
	BranchPrefix string `mapstructure:"branch_prefix"`
	// MainBranch is the integration branch every merge targets.
	MainBranch string `mapstructure:"main_branch"`
	// MergeStrategy is "merge" or "rebase".
	MergeStrategy string `mapstructure:"merge_strategy"`
	// TimeoutPerIssue envelopes one issue's whole pipeline.
	TimeoutPerIssue time.Duration `mapstructure:"timeout_per_issue"`
	// AssistantTimeout is the subprocess wall clock.
	AssistantTimeout time.Duration `mapstructure:"claude_timeout"`
	// IdleTimeout is the no-output inactivity cutoff.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// MaxIssuesPerRun caps admissions; zero means unlimited.
	MaxIssuesPerRun int `mapstructure:"max_issues_per_run"`
	// OnlyIDs, when non-empty, restricts admission to these IDs.
	OnlyIDs []string `mapstructure:"only_ids"`
	// SkipIDs are dropped at admission.
	SkipIDs []string `mapstructure:"skip_ids"`
	// Category, when set, restricts admission to one category.
	Category string `mapstructure:"category"`
	// Priorities, when non-empty, restricts admission to these priorities.
	Priorities []string `mapstructure:"priorities"`
	// DryRun prints the plan without submitting work.
	DryRun bool `mapstructure:"dry_run"`
	// MergeRetryAttempts bounds pull/push retries on transient errors.
	MergeRetryAttempts int `mapstructure:"merge_retry_attempts"`
	// MergeRetryDelay is the base backoff delay; doubled per attempt.
	MergeRetryDelay time.Duration `mapstructure:"merge_retry_delay"`
	// MaxContinuations bounds continuation re-invocations per issue.
	MaxContinuations int `mapstructure:"max_continuations"`
	// AssistantBin is the coding-assistant CLI binary name.
	AssistantBin string `mapstructure:"assistant_bin"`
	// Quiet suppresses progress output.
	Quiet bool `mapstructure:"quiet"`
	// Watch admits issues that appear on disk while the run is active.
	Watch bool `mapstructure:"watch"`
	// Resume loads prior state and skips attempted issues.
	Resume bool `mapstructure:"resume"`
}

// StateDir returns the directory holding run state and handoff files.
func (c *Config) StateDir(repoPath string) string {
	return filepath.Join(repoPath, ".claude")
}

// Load builds a Config from all sources. configPath, when non-empty,
// names an explicit config file that wins over discovered files.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// User config (XDG path).
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Project config overrides user config.
	if project := findProjectConfig(); project != "" {
		pv := viper.New()
		pv.SetConfigFile(project)
		if err := pv.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// Explicit config file wins over both.
	if configPath != "" {
		ev := viper.New()
		ev.SetConfigFile(configPath)
		if err := ev.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configPath, err)
		}
		if err := v.MergeConfigMap(ev.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging config %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("LL")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with built-in defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("defaults must unmarshal: %v", err))
	}
	return cfg
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.MergeStrategy != "merge" && c.MergeStrategy != "rebase" {
		return fmt.Errorf("merge_strategy must be \"merge\" or \"rebase\", got %q", c.MergeStrategy)
	}
	if c.MergeRetryAttempts < 0 {
		return fmt.Errorf("merge_retry_attempts must be >= 0, got %d", c.MergeRetryAttempts)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_workers", 2)
	v.SetDefault("p0_sequential", true)
	v.SetDefault("issues_dir", "issues")
	v.SetDefault("completed_dir", "issues/completed")
	v.SetDefault("worktree_base_dir", ".worktrees")
	v.SetDefault("branch_prefix", "parallel/")
	v.SetDefault("main_branch", "main")
	v.SetDefault("merge_strategy", "merge")
	v.SetDefault("timeout_per_issue", "3600s")
	v.SetDefault("claude_timeout", "1800s")
	v.SetDefault("idle_timeout", "300s")
	v.SetDefault("max_issues_per_run", 0)
	v.SetDefault("dry_run", false)
	v.SetDefault("merge_retry_attempts", 3)
	v.SetDefault("merge_retry_delay", "2s")
	v.SetDefault("max_continuations", 3)
	v.SetDefault("assistant_bin", "claude")
	v.SetDefault("quiet", false)
	v.SetDefault("watch", false)
	v.SetDefault("resume", false)
}

// userConfigDir returns the XDG config directory for ll.
func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ll")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "ll")
	}
	return filepath.Join(home, ".config", "ll")
}

// findProjectConfig searches for .ll.yaml in the working directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		p := filepath.Join(cwd, ".ll.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
