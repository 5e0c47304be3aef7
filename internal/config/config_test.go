package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.MaxWorkers != 2 {
		t.Errorf("MaxWorkers = %d, want 2", cfg.MaxWorkers)
	}
	if !cfg.P0Sequential {
		t.Error("P0Sequential should default to true")
	}
	if cfg.WorktreeBaseDir != ".worktrees" {
		t.Errorf("WorktreeBaseDir = %q, want .worktrees", cfg.WorktreeBaseDir)
	}
	if cfg.BranchPrefix != "parallel/" {
		t.Errorf("BranchPrefix = %q, want parallel/", cfg.BranchPrefix)
	}
	if cfg.MainBranch != "main" {
		t.Errorf("MainBranch = %q, want main", cfg.MainBranch)
	}
	if cfg.TimeoutPerIssue != time.Hour {
		t.Errorf("TimeoutPerIssue = %v, want 1h", cfg.TimeoutPerIssue)
	}
	if cfg.AssistantTimeout != 30*time.Minute {
		t.Errorf("AssistantTimeout = %v, want 30m", cfg.AssistantTimeout)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.IdleTimeout)
	}
	if cfg.MergeRetryAttempts != 3 {
		t.Errorf("MergeRetryAttempts = %d, want 3", cfg.MergeRetryAttempts)
	}
	if cfg.MergeRetryDelay != 2*time.Second {
		t.Errorf("MergeRetryDelay = %v, want 2s", cfg.MergeRetryDelay)
	}
}

func TestLoad_ExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ll.yaml")
	doc := "max_workers: 4\nmain_branch: trunk\nmerge_strategy: rebase\nidle_timeout: 90s\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d, want 4", cfg.MaxWorkers)
	}
	if cfg.MainBranch != "trunk" {
		t.Errorf("MainBranch = %q, want trunk", cfg.MainBranch)
	}
	if cfg.MergeStrategy != "rebase" {
		t.Errorf("MergeStrategy = %q, want rebase", cfg.MergeStrategy)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Errorf("IdleTimeout = %v, want 90s", cfg.IdleTimeout)
	}
	// Unset keys keep defaults.
	if cfg.BranchPrefix != "parallel/" {
		t.Errorf("BranchPrefix = %q, want default", cfg.BranchPrefix)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"zero workers", func(c *Config) { c.MaxWorkers = 0 }, true},
		{"bad strategy", func(c *Config) { c.MergeStrategy = "octopus" }, true},
		{"negative retries", func(c *Config) { c.MergeRetryAttempts = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
