package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/vbranch/internal/events"
	"github.com/untoldecay/vbranch/internal/vbtypes"
	"github.com/untoldecay/vbranch/internal/vbui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass: group commits by tag, reconstruct virtual branches, detect integration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSyncOnce(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

// runSyncOnce builds an orchestrator, drains its event bus to the
// terminal (and the local status index, if enabled) while Run
// executes, and returns Run's error (if any).
func runSyncOnce(ctx context.Context) error {
	o, err := buildOrchestrator(ctx)
	if err != nil {
		return err
	}
	idx, err := openStatusIndex(ctx, o)
	if err != nil {
		return err
	}
	if idx != nil {
		defer func() { _ = idx.Close() }()
	}

	done := consumeEvents(ctx, o, idx)
	runErr := o.Run(ctx)
	o.Bus.Close()
	<-done
	return runErr
}

// renderEvent prints one event's user-facing line, falling back to
// plain text when vbui.Plain() reports a non-color terminal.
func renderEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.BranchesGrouped:
		fmt.Println(vbui.StatusGlyph(fmt.Sprintf("grouped %d branch(es)", len(e.Branches)), vbui.HeaderStyle))
	case events.ArchivedBranchesFound:
		if len(e.BranchNames) > 0 {
			fmt.Println(vbui.StatusGlyph(fmt.Sprintf("scanning %d archived branch(es) for integration", len(e.BranchNames)), vbui.MutedStyle))
		}
	case events.CommitSynced:
		fmt.Printf("  %s %s -> %s (%s)\n", e.Branch, shortHash(e.OriginalHash), shortHash(e.NewHash), e.Status)
	case events.CommitError:
		fmt.Println(vbui.StatusGlyph(fmt.Sprintf("  %s: %s: %s", e.Branch, e.CommitHash, e.Error), vbui.FailStyle))
	case events.CommitsBlocked:
		fmt.Println(vbui.StatusGlyph(fmt.Sprintf("  %s: %d commit(s) blocked behind a conflict", e.Branch, len(e.BlockedCommitHashes)), vbui.WarnStyle))
	case events.BranchStatusUpdate:
		style := vbui.PassStyle
		switch e.Status {
		case vbtypes.BranchMergeConflict, vbtypes.BranchError:
			style = vbui.FailStyle
		case vbtypes.BranchUnchanged:
			style = vbui.MutedStyle
		}
		line := fmt.Sprintf("%s: %s", e.Branch, e.Status)
		if e.Error != "" {
			line += " (" + e.Error + ")"
		}
		fmt.Println(vbui.StatusGlyph(line, style))
	case events.BranchIntegrationDetected:
		fmt.Println(vbui.StatusGlyph(integrationLine(e.Info), vbui.PassStyle))
	case events.Completed:
		fmt.Println(vbui.StatusGlyph("sync complete", vbui.HeaderStyle))
	}
}

func integrationLine(info vbtypes.BranchIntegrationInfo) string {
	switch info.Status.Kind {
	case vbtypes.KindIntegrated:
		return fmt.Sprintf("%s: integrated (%s confidence, %d commit(s))", info.Name, info.Status.Confidence, info.Status.CommitCount)
	case vbtypes.KindPartial:
		return fmt.Sprintf("%s: partially integrated (%d/%d)", info.Name, info.Status.IntegratedCount, info.Status.TotalCommitCount)
	default:
		return fmt.Sprintf("%s: not integrated (%d/%d found, %d orphaned)", info.Name, info.Status.IntegratedCount, info.Status.TotalCommitCount, info.Status.OrphanedCount)
	}
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	return h
}
