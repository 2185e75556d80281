// Package branch implements the per-tag-group branch processor (spec
// §4.4): sequential commit copying with a threaded parent, the six
// emission steps, and the ref-update policy that only moves a virtual
// branch ref when something actually changed.
package branch

import (
	"context"
	"fmt"

	"github.com/untoldecay/vbranch/internal/copier"
	"github.com/untoldecay/vbranch/internal/events"
	"github.com/untoldecay/vbranch/internal/notes"
	"github.com/untoldecay/vbranch/internal/vberrors"
	"github.com/untoldecay/vbranch/internal/vbtypes"
	"github.com/untoldecay/vbranch/internal/vcsexec"
)

// Processor rewrites one tag group's commits onto the group's virtual
// branch, emitting events as it goes.
type Processor struct {
	Exec         *vcsexec.Executor
	RepoPath     string
	BranchPrefix string
	Copier       *copier.Copier
	NotesWriter  *notes.Writer
	NotesRef     string
	Bus          *events.Bus
}

// Outcome is the terminal state of processing one group, used by the
// orchestrator to decide whether the overall run failed.
type Outcome struct {
	Tag    string
	Status vbtypes.BranchStatus
	Err    error
}

// Process iterates group.Commits in order, threading current_parent
// from group.OldestParent, and returns once the whole group has been
// copied (or blocked by a conflict/error).
func (p *Processor) Process(ctx context.Context, group vbtypes.TagGroup, isExistingBranch bool, taskIndex, taskTotal int) Outcome {
	branchName := vbtypes.VirtualBranchName(p.BranchPrefix, group.Tag)
	refName := "refs/heads/" + branchName

	currentParent := group.OldestParent
	reuseIfPossible := isExistingBranch
	anyChanged := false
	var pending []notes.Mapping
	var lastCopied string

	for i, commit := range group.Commits {
		p.Bus.Emit(events.Progress{
			Message:   fmt.Sprintf("[%d/%d] %s: processing commit", i+1, len(group.Commits), group.Tag),
			TaskIndex: taskIndex,
		})

		result, err := p.Copier.Copy(ctx, commit, currentParent, reuseIfPossible)
		if err != nil {
			var mc *vberrors.MergeConflict
			if asMergeConflict(err, &mc) {
				p.Bus.Emit(events.CommitError{Branch: branchName, CommitHash: commit.ID, Error: mc.Error()})
				blocked := make([]string, 0, len(group.Commits)-i)
				for _, rest := range group.Commits[i:] {
					blocked = append(blocked, rest.ID)
				}
				p.Bus.Emit(events.CommitsBlocked{Branch: branchName, BlockedCommitHashes: blocked})
				p.Bus.Emit(events.BranchStatusUpdate{Branch: branchName, Status: vbtypes.BranchMergeConflict})
				return Outcome{Tag: group.Tag, Status: vbtypes.BranchMergeConflict, Err: err}
			}
			p.Bus.Emit(events.BranchStatusUpdate{Branch: branchName, Status: vbtypes.BranchError, Error: err.Error()})
			return Outcome{Tag: group.Tag, Status: vbtypes.BranchError, Err: err}
		}

		if result.Status == vbtypes.CopyCreated {
			anyChanged = true
			reuseIfPossible = false
		}

		p.Bus.Emit(events.CommitSynced{
			Branch:       branchName,
			OriginalHash: commit.ID,
			NewHash:      result.CopiedID,
			Status:       result.Status,
		})
		pending = append(pending, notes.Mapping{OriginalID: commit.ID, CopiedID: result.CopiedID})
		currentParent = result.CopiedID
		lastCopied = result.CopiedID
	}

	if anyChanged || !isExistingBranch {
		if err := p.updateRef(ctx, refName, lastCopied); err != nil {
			wrapped := vberrors.NewVcsInvocation(err)
			p.Bus.Emit(events.BranchStatusUpdate{Branch: branchName, Status: vbtypes.BranchError, Error: wrapped.Error()})
			return Outcome{Tag: group.Tag, Status: vbtypes.BranchError, Err: wrapped}
		}
	}

	if err := p.NotesWriter.WriteBatch(ctx, pending); err != nil {
		wrapped := vberrors.NewGeneric("writing mapping notes", err)
		p.Bus.Emit(events.BranchStatusUpdate{Branch: branchName, Status: vbtypes.BranchError, Error: wrapped.Error()})
		return Outcome{Tag: group.Tag, Status: vbtypes.BranchError, Err: wrapped}
	}

	status := vbtypes.BranchUnchanged
	switch {
	case !isExistingBranch:
		status = vbtypes.BranchCreated
	case anyChanged:
		status = vbtypes.BranchUpdated
	}

	p.Bus.Emit(events.BranchStatusUpdate{Branch: branchName, Status: status})
	p.Bus.Emit(events.Progress{Message: "", TaskIndex: taskIndex})
	return Outcome{Tag: group.Tag, Status: status}
}

func (p *Processor) updateRef(ctx context.Context, refName, newSHA string) error {
	_, err := p.Exec.Run(ctx, []string{"update-ref", refName, newSHA}, p.RepoPath)
	return err
}

func asMergeConflict(err error, target **vberrors.MergeConflict) bool {
	if mc, ok := err.(*vberrors.MergeConflict); ok {
		*target = mc
		return true
	}
	return false
}
