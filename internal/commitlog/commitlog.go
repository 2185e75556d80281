// Package commitlog streams the commits reachable from HEAD but not
// from a baseline reference, parsing each into a vbtypes.Commit.
//
// Grounded on the original Rust implementation's use of
// `git log <baseline>..HEAD --reverse` with a NUL-delimited format
// string (see original_source/crates/git-ops/src/commit_list_test.rs):
// chronological (oldest-first) order, not literal "reverse
// chronological" git-log default order, so that groups end up in
// baseline-to-tip order without the grouper having to reorder.
package commitlog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/untoldecay/vbranch/internal/notes"
	"github.com/untoldecay/vbranch/internal/vbtypes"
	"github.com/untoldecay/vbranch/internal/vcsexec"
)

const recordSep = "\x1f" // field separator within one commit record
const unitSep = "\x1e"   // record separator between commits

var logFormat = strings.Join([]string{
	"%H", "%P", "%T", "%an", "%ae", "%at", "%ct", "%B",
}, recordSep) + unitSep

// Reader streams commits ahead of a baseline and attaches mapping
// notes read from the given notes ref.
type Reader struct {
	Exec     *vcsexec.Executor
	RepoPath string
	NotesRef string
}

// List returns commits reachable from HEAD but not baseline, oldest
// first, with any mapping note already attached.
func (r *Reader) List(ctx context.Context, baseline string) ([]vbtypes.Commit, error) {
	args := []string{"log", "--reverse", baseline + "..HEAD", "--format=" + logFormat}
	out, err := r.Exec.Run(ctx, args, r.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("listing commits ahead of %s: %w", baseline, err)
	}

	commits, err := parseLog(string(out))
	if err != nil {
		return nil, err
	}

	if r.NotesRef != "" && len(commits) > 0 {
		ids := make([]string, len(commits))
		for i, c := range commits {
			ids[i] = c.ID
		}
		notesByID, err := notes.BatchShow(ctx, r.Exec, r.RepoPath, r.NotesRef, ids)
		if err != nil {
			return nil, fmt.Errorf("reading mapping notes: %w", err)
		}
		for i := range commits {
			if n, ok := notesByID[commits[i].ID]; ok {
				commits[i].Note = n
				if mapped, ok := notes.ParseMapping(n); ok {
					commits[i].MappedCommitID = mapped
				}
			}
		}
	}

	return commits, nil
}

func parseLog(out string) ([]vbtypes.Commit, error) {
	var commits []vbtypes.Commit
	for _, rec := range strings.Split(out, unitSep) {
		rec = strings.Trim(rec, "\n")
		if strings.TrimSpace(rec) == "" {
			continue
		}
		fields := strings.SplitN(rec, recordSep, 8)
		if len(fields) < 8 {
			return nil, fmt.Errorf("malformed commit record: %d fields", len(fields))
		}

		authorTS, err := parseUnix(fields[5])
		if err != nil {
			return nil, fmt.Errorf("parsing author timestamp: %w", err)
		}
		committerTS, err := parseUnix(fields[6])
		if err != nil {
			return nil, fmt.Errorf("parsing committer timestamp: %w", err)
		}

		parents := strings.Fields(fields[1])
		parentID := ""
		if len(parents) > 0 {
			parentID = parents[0]
		}

		body := strings.TrimLeft(fields[7], "\n")
		subject, _, _ := strings.Cut(body, "\n")

		commits = append(commits, vbtypes.Commit{
			ID:                 fields[0],
			ParentID:           parentID,
			TreeID:             fields[2],
			AuthorName:         fields[3],
			AuthorEmail:        fields[4],
			AuthorTimestamp:    authorTS,
			CommitterTimestamp: committerTS,
			Subject:            subject,
			Message:            strings.TrimRight(body, "\n"),
		})
	}
	return commits, nil
}

func parseUnix(s string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0).UTC(), nil
}
