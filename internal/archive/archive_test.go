package archive

import (
	"context"
	"testing"
	"time"
)

func TestArchiveInactive_RenamesUngroupedVirtualBranches(t *testing.T) {
	dir, ex := newTestRepo(t)
	branchRef(t, ex, dir, "vb/virtual/net")
	branchRef(t, ex, dir, "vb/virtual/ui")

	m := &Manager{Exec: ex, RepoPath: dir, BranchPrefix: "vb"}

	// Only "ui" is still grouped; "net" should be archived.
	archived, err := m.ArchiveInactive(context.Background(), map[string]bool{"ui": true}, "2026-07-01")
	if err != nil {
		t.Fatalf("ArchiveInactive() error = %v", err)
	}
	if len(archived) != 1 {
		t.Fatalf("got %d archived, want 1: %+v", len(archived), archived)
	}
	if _, ok := archived["vb/archived/2026-07-01/net"]; !ok {
		t.Errorf("archived map = %+v, want key vb/archived/2026-07-01/net", archived)
	}

	virtualTips, err := m.tipsUnder(context.Background(), "virtual")
	if err != nil {
		t.Fatalf("tipsUnder(virtual) error = %v", err)
	}
	if _, stillThere := virtualTips["vb/virtual/net"]; stillThere {
		t.Error("vb/virtual/net should have been renamed away, not left behind")
	}
	if _, stillThere := virtualTips["vb/virtual/ui"]; !stillThere {
		t.Error("vb/virtual/ui is still grouped and must not be archived")
	}
}

// TestArchiveInactive_CollisionGetsSmallestFreeSuffix covers the
// idempotent-per-day rename invariant: archiving into a name that
// already exists picks the smallest free -N suffix.
func TestArchiveInactive_CollisionGetsSmallestFreeSuffix(t *testing.T) {
	dir, ex := newTestRepo(t)
	branchRef(t, ex, dir, "vb/virtual/net")
	branchRef(t, ex, dir, "vb/archived/2026-07-01/net")

	m := &Manager{Exec: ex, RepoPath: dir, BranchPrefix: "vb"}
	archived, err := m.ArchiveInactive(context.Background(), map[string]bool{}, "2026-07-01")
	if err != nil {
		t.Fatalf("ArchiveInactive() error = %v", err)
	}
	if len(archived) != 1 {
		t.Fatalf("got %d archived, want 1: %+v", len(archived), archived)
	}
	if _, ok := archived["vb/archived/2026-07-01/net-1"]; !ok {
		t.Errorf("archived map = %+v, want key vb/archived/2026-07-01/net-1", archived)
	}
}

// TestCleanupOldArchives_RetentionScenario matches the retention
// walkthrough: an archive dated 10 days ago with cache Integrated is
// deleted, one dated 10 days ago with cache NotIntegrated survives,
// and one dated 2 days ago with cache Integrated survives (too young).
func TestCleanupOldArchives_RetentionScenario(t *testing.T) {
	dir, ex := newTestRepo(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	// Each archive gets its own tip so the tip-keyed lookup below can
	// tell them apart.
	newTip := func(msg string) {
		if _, err := ex.Run(context.Background(), []string{"commit", "--allow-empty", "-m", msg}, dir); err != nil {
			t.Fatalf("commit %q: %v", msg, err)
		}
	}
	branchRef(t, ex, dir, "vb/archived/2026-07-21/old-integrated")
	newTip("second tip")
	branchRef(t, ex, dir, "vb/archived/2026-07-21/old-not-integrated")
	newTip("third tip")
	branchRef(t, ex, dir, "vb/archived/2026-07-29/young-integrated")

	m := &Manager{Exec: ex, RepoPath: dir, BranchPrefix: "vb"}

	tips, err := m.tipsUnder(context.Background(), "archived")
	if err != nil {
		t.Fatalf("tipsUnder(archived) error = %v", err)
	}
	tipOf := func(name string) string {
		tip, ok := tips[name]
		if !ok {
			t.Fatalf("expected tip for %s", name)
		}
		return tip
	}
	oldIntegratedTip := tipOf("vb/archived/2026-07-21/old-integrated")
	oldNotIntegratedTip := tipOf("vb/archived/2026-07-21/old-not-integrated")
	youngIntegratedTip := tipOf("vb/archived/2026-07-29/young-integrated")

	lookup := func(tip string) (bool, bool) {
		switch tip {
		case oldIntegratedTip, youngIntegratedTip:
			return true, true
		case oldNotIntegratedTip:
			return false, true
		}
		return false, false
	}

	if err := m.CleanupOldArchives(context.Background(), 5, now, lookup); err != nil {
		t.Fatalf("CleanupOldArchives() error = %v", err)
	}

	remaining, err := m.tipsUnder(context.Background(), "archived")
	if err != nil {
		t.Fatalf("tipsUnder(archived) error = %v", err)
	}
	if _, ok := remaining["vb/archived/2026-07-21/old-integrated"]; ok {
		t.Error("old-integrated archive should have been deleted")
	}
	if _, ok := remaining["vb/archived/2026-07-21/old-not-integrated"]; !ok {
		t.Error("old-not-integrated archive must survive: retention never deletes a non-Integrated cache status")
	}
	if _, ok := remaining["vb/archived/2026-07-29/young-integrated"]; !ok {
		t.Error("young-integrated archive must survive: it is within the retention window")
	}
}
