// Package archive implements the archive manager (spec §4.5):
// renaming virtual branches that fell out of the current grouping
// into dated archive refs, and garbage-collecting old archives whose
// detected integration status allows it.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/untoldecay/vbranch/internal/vbtypes"
	"github.com/untoldecay/vbranch/internal/vcsexec"
)

// Manager renames and prunes archived branch refs for one repository.
type Manager struct {
	Exec         *vcsexec.Executor
	RepoPath     string
	BranchPrefix string
}

// ArchiveInactive renames every virtual branch whose tag is absent
// from groupedTags to refs/heads/<prefix>/archived/<today>/<tag>[-N],
// appending a numeric suffix on collision. Returns the archived name
// mapped to its tip commit.
func (m *Manager) ArchiveInactive(ctx context.Context, groupedTags map[string]bool, today string) (map[string]string, error) {
	virtualTips, err := m.tipsUnder(ctx, vbtypes.VirtualSegment)
	if err != nil {
		return nil, err
	}
	existingArchived, err := m.tipsUnder(ctx, vbtypes.ArchivedSegment)
	if err != nil {
		return nil, err
	}
	existingNames := make(map[string]bool, len(existingArchived))
	for name := range existingArchived {
		existingNames[name] = true
	}

	archived := make(map[string]string)
	for name, tip := range virtualTips {
		tag, ok := tagOf(name, m.BranchPrefix)
		if !ok || groupedTags[tag] {
			continue
		}

		target := m.BranchPrefix + "/" + vbtypes.ArchivedSegment + "/" + today + "/" + tag
		candidate := target
		for n := 1; existingNames[candidate]; n++ {
			candidate = fmt.Sprintf("%s-%d", target, n)
		}

		if err := m.renameRef(ctx, "refs/heads/"+name, "refs/heads/"+candidate); err != nil {
			return nil, fmt.Errorf("archiving %s: %w", name, err)
		}
		existingNames[candidate] = true
		archived[candidate] = tip
	}
	return archived, nil
}

// CacheLookup answers whether the cached detection status for a given
// branch tip is Integrated, letting CleanupOldArchives decide deletions.
type CacheLookup func(tip string) (integrated bool, ok bool)

// CleanupOldArchives deletes archived refs older than retentionDays
// whose cached detection status is Integrated.
func (m *Manager) CleanupOldArchives(ctx context.Context, retentionDays int, now time.Time, isIntegrated CacheLookup) error {
	tips, err := m.tipsUnder(ctx, vbtypes.ArchivedSegment)
	if err != nil {
		return err
	}
	cutoff := now.AddDate(0, 0, -retentionDays)

	for name, tip := range tips {
		_, date, ok := splitArchivedDate(name, m.BranchPrefix)
		if !ok {
			continue
		}
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			continue
		}
		if !parsed.Before(cutoff) {
			continue
		}
		integrated, known := isIntegrated(tip)
		if !known || !integrated {
			continue
		}
		if err := m.deleteRef(ctx, "refs/heads/"+name); err != nil {
			return fmt.Errorf("deleting archived branch %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) tipsUnder(ctx context.Context, segment string) (map[string]string, error) {
	pattern := "refs/heads/" + m.BranchPrefix + "/" + segment + "/"
	lines, err := m.Exec.RunLines(ctx, []string{"for-each-ref", "--format=%(refname) %(objectname)", pattern}, m.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("listing %s refs: %w", segment, err)
	}
	out := make(map[string]string, len(lines))
	prefixLen := len("refs/heads/")
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		out[fields[0][prefixLen:]] = fields[1]
	}
	return out, nil
}

func (m *Manager) renameRef(ctx context.Context, from, to string) error {
	if _, err := m.Exec.Run(ctx, []string{"update-ref", to, from}, m.RepoPath); err != nil {
		return err
	}
	_, err := m.Exec.Run(ctx, []string{"update-ref", "-d", from}, m.RepoPath)
	return err
}

func (m *Manager) deleteRef(ctx context.Context, ref string) error {
	_, err := m.Exec.Run(ctx, []string{"update-ref", "-d", ref}, m.RepoPath)
	return err
}

func tagOf(name, branchPrefix string) (string, bool) {
	want := branchPrefix + "/" + vbtypes.VirtualSegment + "/"
	tag, ok := strings.CutPrefix(name, want)
	return tag, ok
}

func splitArchivedDate(name, branchPrefix string) (tag, date string, ok bool) {
	want := branchPrefix + "/" + vbtypes.ArchivedSegment + "/"
	rest, found := strings.CutPrefix(name, want)
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[1], parts[0], true
}
