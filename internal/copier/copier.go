// Package copier rewrites source commits onto a new parent (spec
// §4.3): tree reuse when safe, otherwise a plumbing three-way merge,
// followed by commit construction that preserves the source's author
// identity while stamping a fresh committer timestamp.
//
// Grounded on the teacher's `internal/git/worktree.go` style of
// building git commands from small typed arguments, and on
// original_source/src-tauri/src/git/merge_conflict.rs for the
// `merge-tree --write-tree -z --merge-base` invocation and its
// `-z`-delimited conflict-entry output shape.
package copier

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/untoldecay/vbranch/internal/conflict"
	"github.com/untoldecay/vbranch/internal/vberrors"
	"github.com/untoldecay/vbranch/internal/vbtypes"
	"github.com/untoldecay/vbranch/internal/vcsexec"
)

// TreeCache memoizes three-way merge results keyed by
// (sourceTree, parentTree, newParentTree), per spec §5: "safe for
// parallel readers/writers; process-lifetime only".
type TreeCache struct {
	mu    sync.RWMutex
	trees map[treeKey]string
}

type treeKey struct{ sourceTree, parentTree, newParentTree string }

func NewTreeCache() *TreeCache { return &TreeCache{trees: make(map[treeKey]string)} }

func (c *TreeCache) get(k treeKey) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.trees[k]
	return v, ok
}

func (c *TreeCache) put(k treeKey, tree string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trees[k] = tree
}

// Result is the outcome of one successful Copy.
type Result struct {
	CopiedID string
	Status   vbtypes.CopyStatus
}

// Copier rewrites commits onto new parents within one repository.
type Copier struct {
	Exec      *vcsexec.Executor
	RepoPath  string
	TreeCache *TreeCache
}

// Copy rewrites src onto newParentOID. When reuseIfPossible is set and
// src carries a mapping from a prior run, the copier first checks
// whether that mapping already sits on newParentOID and, if so, skips
// the merge entirely.
func (c *Copier) Copy(ctx context.Context, src vbtypes.Commit, newParentOID string, reuseIfPossible bool) (Result, error) {
	newParentTree, err := c.treeOf(ctx, newParentOID)
	if err != nil {
		return Result{}, vberrors.NewVcsInvocation(err)
	}

	sourceParentTree := emptyTreeOID
	sourceParentID := src.ParentID
	if src.HasParent() {
		t, err := c.treeOf(ctx, sourceParentID)
		if err != nil {
			return Result{}, vberrors.NewVcsInvocation(err)
		}
		sourceParentTree = t
	}

	if reuseIfPossible && src.MappedCommitID != "" {
		mappedParent, err := c.parentOf(ctx, src.MappedCommitID)
		if err == nil && mappedParent == newParentOID {
			mappedTree, err := c.treeOf(ctx, src.MappedCommitID)
			if err == nil {
				copiedID, buildErr := c.buildCommit(ctx, src, mappedTree, newParentOID)
				if buildErr != nil {
					return Result{}, vberrors.NewVcsInvocation(buildErr)
				}
				return Result{CopiedID: copiedID, Status: vbtypes.CopyUnchanged}, nil
			}
		}
	}

	if sourceParentTree == newParentTree {
		copiedID, err := c.buildCommit(ctx, src, src.TreeID, newParentOID)
		if err != nil {
			return Result{}, vberrors.NewVcsInvocation(err)
		}
		return Result{CopiedID: copiedID, Status: vbtypes.CopyUnchanged}, nil
	}

	key := treeKey{sourceTree: src.TreeID, parentTree: sourceParentTree, newParentTree: newParentTree}
	if cached, ok := c.TreeCache.get(key); ok {
		copiedID, err := c.buildCommit(ctx, src, cached, newParentOID)
		if err != nil {
			return Result{}, vberrors.NewVcsInvocation(err)
		}
		status := vbtypes.CopyCreated
		if cached == src.TreeID {
			status = vbtypes.CopyUnchanged
		}
		return Result{CopiedID: copiedID, Status: status}, nil
	}

	mergedTree, conflicts, err := c.threeWayMerge(ctx, sourceParentTree, newParentTree, src.TreeID)
	if err != nil {
		return Result{}, vberrors.NewVcsInvocation(err)
	}
	if len(conflicts) > 0 {
		report, analyzeErr := c.analyzeConflict(ctx, sourceParentID, newParentOID, src.ID, mergedTree, conflicts)
		if analyzeErr != nil {
			return Result{}, vberrors.NewGeneric("analyzing merge conflict", analyzeErr)
		}
		return Result{}, &vberrors.MergeConflict{Info: report}
	}

	c.TreeCache.put(key, mergedTree)

	status := vbtypes.CopyCreated
	if mergedTree == src.TreeID {
		status = vbtypes.CopyUnchanged
	}
	copiedID, err := c.buildCommit(ctx, src, mergedTree, newParentOID)
	if err != nil {
		return Result{}, vberrors.NewVcsInvocation(err)
	}
	return Result{CopiedID: copiedID, Status: status}, nil
}

const emptyTreeOID = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

func (c *Copier) treeOf(ctx context.Context, commitOrTree string) (string, error) {
	out, err := c.Exec.Run(ctx, []string{"rev-parse", commitOrTree + "^{tree}"}, c.RepoPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *Copier) parentOf(ctx context.Context, commitID string) (string, error) {
	out, err := c.Exec.Run(ctx, []string{"rev-parse", commitID + "^"}, c.RepoPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// threeWayMerge invokes `git merge-tree --write-tree` with zdiff3
// conflict markers. On a clean merge it returns the written tree OID
// and no conflicting paths; on conflict it returns the (still
// written, conflict-marked) tree OID and the list of conflicting
// paths, with a nil error.
func (c *Copier) threeWayMerge(ctx context.Context, baseTree, oursTree, theirsTree string) (tree string, conflictPaths []string, err error) {
	args := []string{
		"-c", "merge.conflictStyle=zdiff3",
		"merge-tree", "--write-tree", "-z",
		"--merge-base=" + baseTree,
		oursTree, theirsTree,
	}
	out, runErr := c.Exec.Run(ctx, args, c.RepoPath)
	if runErr != nil {
		ve, ok := runErr.(*vcsexec.Error)
		if !ok || ve.ExitCode != 1 {
			return "", nil, runErr
		}
		out = ve.Stdout // conflicted merges still write informational stdout
	}

	parts := strings.Split(string(out), "\x00")
	if len(parts) == 0 || parts[0] == "" {
		return "", nil, fmt.Errorf("merge-tree returned no tree oid")
	}
	tree = parts[0]

	seen := make(map[string]bool)
	for _, entry := range parts[1:] {
		entry = strings.TrimRight(entry, "\n")
		if entry == "" {
			continue
		}
		tab := strings.IndexByte(entry, '\t')
		if tab < 0 {
			continue
		}
		meta := strings.Fields(entry[:tab])
		if len(meta) < 3 {
			continue
		}
		path := entry[tab+1:]
		if !seen[path] {
			seen[path] = true
			conflictPaths = append(conflictPaths, path)
		}
	}
	return tree, conflictPaths, nil
}

func (c *Copier) analyzeConflict(ctx context.Context, sourceParentID, targetID, sourceID, conflictTree string, paths []string) (*conflict.Report, error) {
	analyzer := &conflict.Analyzer{Exec: c.Exec, RepoPath: c.RepoPath}
	return analyzer.Analyze(ctx, conflict.Input{
		ParentOfSource:   sourceParentID,
		Target:           targetID,
		Source:           sourceID,
		ConflictTree:     conflictTree,
		ConflictingPaths: paths,
	})
}

// buildCommit constructs a commit object with tree, the source's
// author identity and author timestamp, and a fresh committer
// timestamp, parented on newParentOID.
func (c *Copier) buildCommit(ctx context.Context, src vbtypes.Commit, tree, newParentOID string) (string, error) {
	message := strippedMessage(src)

	env := []string{
		"GIT_AUTHOR_NAME=" + src.AuthorName,
		"GIT_AUTHOR_EMAIL=" + src.AuthorEmail,
		"GIT_AUTHOR_DATE=" + strconv.FormatInt(src.AuthorTimestamp.Unix(), 10),
		"GIT_COMMITTER_DATE=" + strconv.FormatInt(time.Now().Unix(), 10),
	}

	args := []string{"commit-tree", tree, "-p", newParentOID, "-m", message}
	out, err := c.Exec.RunWithEnv(ctx, args, c.RepoPath, env)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// strippedMessage removes the leading group-prefix (spec §4.2) from
// the subject line of src's full message when one was stripped during
// grouping, and trims trailing whitespace to a single newline.
func strippedMessage(src vbtypes.Commit) string {
	body := src.Message
	if src.StrippedSubject != "" {
		_, rest, found := strings.Cut(body, "\n")
		if found {
			body = src.StrippedSubject + "\n" + rest
		} else {
			body = src.StrippedSubject
		}
	}
	return strings.TrimRight(body, "\n \t") + "\n"
}
