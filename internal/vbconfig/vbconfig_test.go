package vbconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/untoldecay/vbranch/internal/vbtypes"
)

func writeProjectFile(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ".vbranch.toml"), []byte(body), 0o644); err != nil {
		t.Fatalf("writing .vbranch.toml: %v", err)
	}
}

func TestLoad_RequiresBranchPrefix(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatal("expected an error when branch_prefix is set nowhere")
	}
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeProjectFile(t, dir, `
branch_prefix = "vb"
preferred_branch = "develop"
detection_strategy = "Rebase"
archive_retention_days = 14
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BranchPrefix != "vb" {
		t.Errorf("BranchPrefix = %q, want vb", cfg.BranchPrefix)
	}
	if cfg.PreferredBranch != "develop" {
		t.Errorf("PreferredBranch = %q, want develop", cfg.PreferredBranch)
	}
	if cfg.DetectionStrategy != vbtypes.StrategyRebase {
		t.Errorf("DetectionStrategy = %v, want Rebase", cfg.DetectionStrategy)
	}
	if cfg.ArchiveRetentionDays != 14 {
		t.Errorf("ArchiveRetentionDays = %d, want 14", cfg.ArchiveRetentionDays)
	}
	// Left unset in the project file: falls through to the built-in default.
	if cfg.DetectionSquashWindow != vbtypes.DefaultConfig().DetectionSquashWindow {
		t.Errorf("DetectionSquashWindow = %d, want default %d", cfg.DetectionSquashWindow, vbtypes.DefaultConfig().DetectionSquashWindow)
	}
}

func TestLoad_EnvVarOverridesProjectFile(t *testing.T) {
	dir := t.TempDir()
	writeProjectFile(t, dir, `
branch_prefix = "vb"
preferred_branch = "develop"
`)
	t.Setenv("VBRANCH_PREFERRED_BRANCH", "release")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PreferredBranch != "release" {
		t.Errorf("PreferredBranch = %q, want release (env var must outrank the project file)", cfg.PreferredBranch)
	}
}

func TestLoad_WalksUpFromSubdirectory(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, `branch_prefix = "vb"`)
	sub := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg, err := Load(sub)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BranchPrefix != "vb" {
		t.Errorf("BranchPrefix = %q, want vb (found by walking up)", cfg.BranchPrefix)
	}
}

func TestLoad_InvalidDetectionStrategy(t *testing.T) {
	dir := t.TempDir()
	writeProjectFile(t, dir, `
branch_prefix = "vb"
detection_strategy = "not-a-strategy"
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected an error for an invalid detection_strategy")
	}
}

func TestLoad_IssueURLTemplateSetsCachedIssueConfig(t *testing.T) {
	dir := t.TempDir()
	writeProjectFile(t, dir, `
branch_prefix = "vb"
issue_url_template = "https://issues.example.com/browse/{id}"
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CachedIssueConfig == nil {
		t.Fatal("CachedIssueConfig should be set")
	}
	if cfg.CachedIssueConfig.URLTemplate != "https://issues.example.com/browse/{id}" {
		t.Errorf("URLTemplate = %q", cfg.CachedIssueConfig.URLTemplate)
	}
}
