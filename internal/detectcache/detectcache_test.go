package detectcache

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/vbranch/internal/vbtypes"
	"github.com/untoldecay/vbranch/internal/vcsexec"
)

func newTestRepo(t *testing.T) (repoPath, gitDir string, ex *vcsexec.Executor) {
	t.Helper()
	repoPath = t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "--initial-branch=main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(repoPath, "f.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatalf("writing f.txt: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "first")

	return repoPath, filepath.Join(repoPath, ".git"), vcsexec.New()
}

func headCommit(t *testing.T, ex *vcsexec.Executor, repoPath string) string {
	t.Helper()
	out, err := ex.Run(context.Background(), []string{"rev-parse", "HEAD"}, repoPath)
	if err != nil {
		t.Fatalf("rev-parse HEAD: %v", err)
	}
	return string(out[:len(out)-1])
}

// TestCacheRoundTrip_Integrated covers the universal invariant:
// writing then reading a BranchIntegrationInfo preserves every field
// at the semantic level.
func TestCacheRoundTrip_Integrated(t *testing.T) {
	repoPath, gitDir, ex := newTestRepo(t)
	tip := headCommit(t, ex, repoPath)
	ref := "refs/notes/vbranch-detect-cache"

	integratedAt := time.Date(2026, 7, 15, 9, 30, 0, 0, time.UTC)
	want := vbtypes.BranchIntegrationInfo{
		Name:    "vb/archived/2026-07-01/net",
		Summary: "net work",
		Status: vbtypes.IntegrationStatus{
			Kind:         vbtypes.KindIntegrated,
			IntegratedAt: &integratedAt,
			Confidence:   vbtypes.ConfidenceHigh,
			CommitCount:  3,
		},
	}

	store := &Store{Exec: ex, RepoPath: repoPath, GitDir: gitDir, Ref: ref}
	if err := store.WriteBatch(context.Background(), map[string]vbtypes.BranchIntegrationInfo{tip: want}); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}

	got, err := store.PrefetchAll(context.Background())
	if err != nil {
		t.Fatalf("PrefetchAll() error = %v", err)
	}
	info, ok := got[tip]
	if !ok {
		t.Fatalf("PrefetchAll() has no entry for tip %s: %+v", tip, got)
	}
	if info.Name != want.Name || info.Summary != want.Summary {
		t.Errorf("Name/Summary = %q/%q, want %q/%q", info.Name, info.Summary, want.Name, want.Summary)
	}
	if info.Status.Kind != vbtypes.KindIntegrated {
		t.Fatalf("Status.Kind = %v, want KindIntegrated", info.Status.Kind)
	}
	if info.Status.Confidence != vbtypes.ConfidenceHigh {
		t.Errorf("Confidence = %v, want High", info.Status.Confidence)
	}
	if info.Status.CommitCount != 3 {
		t.Errorf("CommitCount = %d, want 3", info.Status.CommitCount)
	}
	if info.Status.IntegratedAt == nil || !info.Status.IntegratedAt.Equal(integratedAt) {
		t.Errorf("IntegratedAt = %v, want %v", info.Status.IntegratedAt, integratedAt)
	}
}

func TestCacheRoundTrip_NotIntegrated(t *testing.T) {
	repoPath, gitDir, ex := newTestRepo(t)
	tip := headCommit(t, ex, repoPath)
	ref := "refs/notes/vbranch-detect-cache"

	want := vbtypes.BranchIntegrationInfo{
		Name: "vb/archived/2026-07-01/ui",
		Status: vbtypes.IntegrationStatus{
			Kind:             vbtypes.KindNotIntegrated,
			TotalCommitCount: 4,
			IntegratedCount:  1,
			OrphanedCount:    3,
		},
	}

	store := &Store{Exec: ex, RepoPath: repoPath, GitDir: gitDir, Ref: ref}
	if err := store.WriteBatch(context.Background(), map[string]vbtypes.BranchIntegrationInfo{tip: want}); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}

	got, err := store.PrefetchAll(context.Background())
	if err != nil {
		t.Fatalf("PrefetchAll() error = %v", err)
	}
	info, ok := got[tip]
	if !ok {
		t.Fatalf("PrefetchAll() has no entry for tip %s", tip)
	}
	if info.Status.Kind != vbtypes.KindNotIntegrated {
		t.Fatalf("Status.Kind = %v, want KindNotIntegrated", info.Status.Kind)
	}
	if info.Status.TotalCommitCount != 4 || info.Status.IntegratedCount != 1 || info.Status.OrphanedCount != 3 {
		t.Errorf("counts = %+v, want {4 1 3}", info.Status)
	}
}

func TestPrefetchAll_EmptyWhenNoNotesRef(t *testing.T) {
	repoPath, gitDir, ex := newTestRepo(t)
	store := &Store{Exec: ex, RepoPath: repoPath, GitDir: gitDir, Ref: "refs/notes/does-not-exist"}

	got, err := store.PrefetchAll(context.Background())
	if err != nil {
		t.Fatalf("PrefetchAll() error = %v, want nil for a missing ref", err)
	}
	if len(got) != 0 {
		t.Errorf("got = %+v, want empty", got)
	}
}
