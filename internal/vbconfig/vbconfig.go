// Package vbconfig loads the orchestrator's Config (spec §6) from a
// layered precedence chain: environment variables override a
// project-local `.vbranch.toml`, which overrides built-in defaults.
//
// Grounded on the teacher's internal/config.Initialize: a package-level
// *viper.Viper carrying env bindings and defaults, with
// SetEnvKeyReplacer translating dotted keys to SCREAMING_SNAKE_CASE
// env vars. The project-local file is TOML rather than the teacher's
// YAML, per SPEC_FULL's ambient-stack addition wiring
// github.com/BurntSushi/toml (present in the teacher's go.mod via
// cmd/bd/formula.go but otherwise unused there).
package vbconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/untoldecay/vbranch/internal/vbtypes"
)

// projectFile is a direct TOML mirror of the fields a project can
// override locally; BurntSushi/toml decodes straight into it.
type projectFile struct {
	PreferredBranch      string   `toml:"preferred_branch"`
	BranchPrefix         string   `toml:"branch_prefix"`
	DetectionStrategy    string   `toml:"detection_strategy"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	DetectionSquashWindow int     `toml:"detection_squash_window"`
	ClassifierPlugins    []string `toml:"classifier_plugins"`
	StatusIndexEnabled   *bool    `toml:"status_index_enabled"`
	IssueURLTemplate     string   `toml:"issue_url_template"`
}

// Load resolves vbtypes.Config for repoPath, walking up from repoPath
// to find `.vbranch.toml` the same way the teacher walks up from cwd
// looking for `.beads/config.yaml`.
func Load(repoPath string) (vbtypes.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VBRANCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	def := vbtypes.DefaultConfig()
	v.SetDefault("preferred_branch", def.PreferredBranch)
	v.SetDefault("branch_prefix", "")
	v.SetDefault("detection_strategy", def.DetectionStrategy.String())
	v.SetDefault("archive_retention_days", def.ArchiveRetentionDays)
	v.SetDefault("detection_squash_window", def.DetectionSquashWindow)
	v.SetDefault("status_index_enabled", def.StatusIndexEnabled)
	v.SetDefault("issue_url_template", "")

	if path, ok := findProjectFile(repoPath); ok {
		var pf projectFile
		if _, err := toml.DecodeFile(path, &pf); err != nil {
			return vbtypes.Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		// MergeConfigMap sits at viper's "config file" precedence tier,
		// below env vars and above defaults — an explicit v.Set would
		// rank as an "override", outranking env vars, which would
		// invert the precedence chain this package promises.
		if err := v.MergeConfigMap(projectFileMap(pf)); err != nil {
			return vbtypes.Config{}, fmt.Errorf("merging %s: %w", path, err)
		}
	}

	strategy, ok := vbtypes.ParseDetectionStrategy(v.GetString("detection_strategy"))
	if !ok {
		return vbtypes.Config{}, fmt.Errorf("invalid detection_strategy %q", v.GetString("detection_strategy"))
	}

	cfg := vbtypes.Config{
		PreferredBranch:       v.GetString("preferred_branch"),
		BranchPrefix:          v.GetString("branch_prefix"),
		DetectionStrategy:     strategy,
		ArchiveRetentionDays:  v.GetInt("archive_retention_days"),
		DetectionSquashWindow: v.GetInt("detection_squash_window"),
		ClassifierPlugins:     v.GetStringSlice("classifier_plugins"),
		StatusIndexEnabled:    v.GetBool("status_index_enabled"),
	}
	if cfg.BranchPrefix == "" {
		return vbtypes.Config{}, fmt.Errorf("branch_prefix is required (set VBRANCH_BRANCH_PREFIX or branch_prefix in .vbranch.toml)")
	}
	if urlTemplate := v.GetString("issue_url_template"); urlTemplate != "" {
		cfg.CachedIssueConfig = &vbtypes.IssueNavigationConfig{URLTemplate: urlTemplate}
	}
	return cfg, nil
}

func projectFileMap(pf projectFile) map[string]any {
	m := map[string]any{}
	if pf.PreferredBranch != "" {
		m["preferred_branch"] = pf.PreferredBranch
	}
	if pf.BranchPrefix != "" {
		m["branch_prefix"] = pf.BranchPrefix
	}
	if pf.DetectionStrategy != "" {
		m["detection_strategy"] = pf.DetectionStrategy
	}
	if pf.ArchiveRetentionDays != 0 {
		m["archive_retention_days"] = pf.ArchiveRetentionDays
	}
	if pf.DetectionSquashWindow != 0 {
		m["detection_squash_window"] = pf.DetectionSquashWindow
	}
	if len(pf.ClassifierPlugins) > 0 {
		m["classifier_plugins"] = pf.ClassifierPlugins
	}
	if pf.StatusIndexEnabled != nil {
		m["status_index_enabled"] = *pf.StatusIndexEnabled
	}
	if pf.IssueURLTemplate != "" {
		m["issue_url_template"] = pf.IssueURLTemplate
	}
	return m
}

// findProjectFile walks up from repoPath looking for .vbranch.toml,
// mirroring the teacher's walk-up-from-cwd search for .beads/config.yaml.
func findProjectFile(start string) (string, bool) {
	dir := start
	for {
		candidate := filepath.Join(dir, ".vbranch.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
