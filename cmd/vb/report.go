package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/untoldecay/vbranch/internal/commitlog"
	"github.com/untoldecay/vbranch/internal/conflict"
	"github.com/untoldecay/vbranch/internal/copier"
	"github.com/untoldecay/vbranch/internal/group"
	"github.com/untoldecay/vbranch/internal/orchestrator"
	"github.com/untoldecay/vbranch/internal/vberrors"
	"github.com/untoldecay/vbranch/internal/vbtypes"
)

var reportCmd = &cobra.Command{
	Use:   "report <branch-or-tag>",
	Short: "Render the conflict analysis for a virtual branch that failed to reconstruct",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := buildOrchestrator(ctx)
		if err != nil {
			return err
		}

		baseline, err := o.ResolveBaseline(ctx)
		if err != nil {
			return err
		}

		reader := &commitlog.Reader{Exec: o.Exec, RepoPath: o.RepoPath, NotesRef: orchestrator.MappingNotesRef}
		commits, err := reader.List(ctx, baseline)
		if err != nil {
			return err
		}

		grouper := group.New()
		for _, c := range commits {
			grouper.Add(c)
		}
		groups, _, _ := grouper.Finish()

		want := strings.TrimPrefix(args[0], o.Config.BranchPrefix+"/"+vbtypes.VirtualSegment+"/")
		var target *vbtypes.TagGroup
		for i := range groups {
			if groups[i].Tag == want {
				target = &groups[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("no pending tag group %q (it may already be fully synced, or archived)", want)
		}

		branchName := vbtypes.VirtualBranchName(o.Config.BranchPrefix, target.Tag)
		existed, err := o.RefExists(ctx, "refs/heads/"+branchName)
		if err != nil {
			return err
		}

		cp := &copier.Copier{Exec: o.Exec, RepoPath: o.RepoPath, TreeCache: o.TreeCache}
		currentParent := target.OldestParent
		reuseIfPossible := existed

		for _, commit := range target.Commits {
			_, err := cp.Copy(ctx, commit, currentParent, reuseIfPossible)
			if err == nil {
				reuseIfPossible = false
				continue
			}
			var mc *vberrors.MergeConflict
			if mcErr, ok := err.(*vberrors.MergeConflict); ok {
				mc = mcErr
			} else {
				return err
			}
			report, ok := mc.Info.(*conflict.Report)
			if !ok {
				return fmt.Errorf("conflict on %s: %s", commit.ID, mc.Error())
			}
			return renderReport(report)
		}

		fmt.Println("no conflict: every commit in this group replays cleanly against its current parent")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

// renderReport converts a conflict.Report into Markdown and displays
// it with glamour, falling back to the raw Markdown if rendering
// fails (e.g. no terminal attached).
func renderReport(r *conflict.Report) error {
	md := reportMarkdown(r)
	rendered, err := glamour.Render(md, "dark")
	if err != nil {
		fmt.Println(md)
		return nil
	}
	fmt.Fprint(os.Stdout, rendered)
	return nil
}

func reportMarkdown(r *conflict.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conflict: %s\n\n", r.Source.ID)
	fmt.Fprintf(&b, "- **merge base**: `%s`\n", r.MergeBase.ID)
	fmt.Fprintf(&b, "- **target**: `%s` %s\n", r.Target.ID, r.Target.Subject)
	fmt.Fprintf(&b, "- **source**: `%s` %s\n", r.Source.ID, r.Source.Subject)
	fmt.Fprintf(&b, "- **parent of source**: `%s` %s\n\n", r.ParentOfSource.ID, r.ParentOfSource.Subject)

	fmt.Fprintf(&b, "## Divergence\n\n")
	fmt.Fprintf(&b, "target is %d commit(s) ahead, source is %d commit(s) ahead of a common ancestor %d commit(s) back.\n\n",
		r.Divergence.TargetAhead, r.Divergence.SourceAhead, r.Divergence.CommonAncestorDistance)

	fmt.Fprintf(&b, "## Conflicting files\n\n")
	for _, f := range r.Files {
		fmt.Fprintf(&b, "### `%s`\n\n", f.Path)
		fmt.Fprintf(&b, "```diff\n%s\n```\n\n", f.TargetToConflict)
	}

	if len(r.MissingCommits) > 0 {
		fmt.Fprintf(&b, "## Intervening commits on target touching the same files\n\n")
		for _, c := range r.MissingCommits {
			fmt.Fprintf(&b, "- `%s` %s (%s)\n", c.ID, c.Subject, strings.Join(c.FilesTouched, ", "))
		}
	}
	return b.String()
}
