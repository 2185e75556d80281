package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/untoldecay/vbranch/internal/archive"
	"github.com/untoldecay/vbranch/internal/detectcache"
	"github.com/untoldecay/vbranch/internal/orchestrator"
	"github.com/untoldecay/vbranch/internal/vbtypes"
	"github.com/untoldecay/vbranch/internal/vbui"
)

var (
	archiveOlderThan string
	archiveYes       bool
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Manage archived virtual branches",
}

var archiveGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete archived branches past their retention window whose commits are confirmed integrated",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		o, err := buildOrchestrator(ctx)
		if err != nil {
			return err
		}

		retentionDays := o.Config.ArchiveRetentionDays
		if archiveOlderThan != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)
			res, err := w.Parse(archiveOlderThan, time.Now())
			if err != nil || res == nil {
				return fmt.Errorf("could not parse --older-than %q", archiveOlderThan)
			}
			// res.Time is the resolved instant; retention is expressed in
			// days back from now, so derive an equivalent day count.
			days := int(time.Since(res.Time).Hours() / 24)
			if days > 0 {
				retentionDays = days
			}
		}

		cache := &detectcache.Store{Exec: o.Exec, RepoPath: o.RepoPath, GitDir: o.GitDir, Ref: orchestrator.DetectCacheRef}
		byTip, err := cache.PrefetchAll(ctx)
		if err != nil {
			return fmt.Errorf("reading detection cache: %w", err)
		}
		lookup := archive.CacheLookup(func(tip string) (bool, bool) {
			info, ok := byTip[tip]
			if !ok {
				return false, false
			}
			return info.Status.Kind == vbtypes.KindIntegrated, true
		})

		mgr := &archive.Manager{Exec: o.Exec, RepoPath: o.RepoPath, BranchPrefix: o.Config.BranchPrefix}

		if !archiveYes {
			var confirmed bool
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Delete archived branches older than %d day(s) that are confirmed integrated?", retentionDays)).
				Affirmative("Yes").
				Negative("No").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println(vbui.StatusGlyph("aborted", vbui.MutedStyle))
				return nil
			}
		}

		if err := mgr.CleanupOldArchives(ctx, retentionDays, time.Now(), lookup); err != nil {
			return fmt.Errorf("cleaning up archives: %w", err)
		}
		fmt.Println(vbui.StatusGlyph("archive cleanup complete", vbui.PassStyle))
		return nil
	},
}

func init() {
	archiveGCCmd.Flags().StringVar(&archiveOlderThan, "older-than", "", `natural-language retention override, e.g. "3 weeks ago" (overrides archive_retention_days)`)
	archiveGCCmd.Flags().BoolVar(&archiveYes, "yes", false, "skip the interactive confirmation")
	archiveCmd.AddCommand(archiveGCCmd)
	rootCmd.AddCommand(archiveCmd)
}
