package detect

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/untoldecay/vbranch/internal/detectcache"
	"github.com/untoldecay/vbranch/internal/events"
	"github.com/untoldecay/vbranch/internal/vbtypes"
	"github.com/untoldecay/vbranch/internal/vcsexec"
)

type testRepo struct {
	t   *testing.T
	dir string
	ex  *vcsexec.Executor
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	dir := t.TempDir()
	r := &testRepo{t: t, dir: dir, ex: vcsexec.New()}
	r.run("init", "--initial-branch=main")
	r.run("config", "user.email", "author@example.com")
	r.run("config", "user.name", "Author")
	return r
}

func (r *testRepo) run(args ...string) string {
	r.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func (r *testRepo) writeFile(name, content string) {
	r.t.Helper()
	if err := os.WriteFile(filepath.Join(r.dir, name), []byte(content), 0o644); err != nil {
		r.t.Fatalf("writing %s: %v", name, err)
	}
}

func (r *testRepo) commit(message string) string {
	r.t.Helper()
	r.run("add", ".")
	r.run("commit", "-m", message)
	return r.run("rev-parse", "HEAD")
}

func (r *testRepo) archive(prefix, date, tag, tip string) {
	r.t.Helper()
	r.run("update-ref", vbtypes.ArchivedBranchName("refs/heads/"+prefix, date, tag), tip)
}

func newDetector(t *testing.T, r *testRepo, strategy vbtypes.DetectionStrategy) *Detector {
	t.Helper()
	gitDir := filepath.Join(r.dir, ".git")
	store := &detectcache.Store{Exec: r.ex, RepoPath: r.dir, GitDir: gitDir, Ref: "refs/notes/vbranch-detect-cache"}
	return &Detector{
		Exec:         r.ex,
		RepoPath:     r.dir,
		BranchPrefix: "vb",
		Baseline:     "main",
		Strategy:     strategy,
		Cache:        store,
		Bus:          events.NewBus(),
	}
}

// TestRun_MergePhaseDetectsIntegration covers the merge phase of spec
// §4.6: an archived tip that is the second parent of a real merge
// commit on the baseline is reported Integrated with exact confidence.
func TestRun_MergePhaseDetectsIntegration(t *testing.T) {
	r := newTestRepo(t)
	r.writeFile("f.txt", "orig\n")
	r.commit("init")

	r.run("checkout", "-b", "work")
	r.writeFile("f.txt", "feature change\n")
	tip := r.commit("(net) add x")

	r.run("checkout", "main")
	r.run("merge", "--no-ff", "-m", "merge work", "work")

	r.archive("vb", "2026-07-01", "net", tip)

	d := newDetector(t, r, vbtypes.StrategyAll)
	infos, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("len(infos) = %d, want 1", len(infos))
	}
	got := infos[0].Status
	if got.Kind != vbtypes.KindIntegrated {
		t.Fatalf("Kind = %v, want KindIntegrated", got.Kind)
	}
	if got.Confidence != vbtypes.ConfidenceExact {
		t.Errorf("Confidence = %v, want ConfidenceExact", got.Confidence)
	}
	if got.IntegratedAt == nil {
		t.Error("IntegratedAt should be set for a merge-phase match")
	}
}

// TestRun_RebasePhaseDetectsPatchEquivalence covers the rebase/
// cherry-pick phase: the archived tip's patch was cherry-picked onto
// the baseline under a new commit id, detected via patch-id
// equivalence rather than ancestry.
func TestRun_RebasePhaseDetectsPatchEquivalence(t *testing.T) {
	r := newTestRepo(t)
	r.writeFile("f.txt", "orig\n")
	r.commit("init")

	r.run("checkout", "-b", "work")
	r.writeFile("f.txt", "feature change\n")
	tip := r.commit("feature change")
	r.run("checkout", "main")
	r.run("cherry-pick", tip)

	r.archive("vb", "2026-07-01", "net", tip)

	d := newDetector(t, r, vbtypes.StrategyAll)
	infos, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("len(infos) = %d, want 1", len(infos))
	}
	got := infos[0].Status
	if got.Kind != vbtypes.KindIntegrated {
		t.Fatalf("Kind = %v, want KindIntegrated", got.Kind)
	}
	if got.Confidence != vbtypes.ConfidenceHigh {
		t.Errorf("Confidence = %v, want ConfidenceHigh", got.Confidence)
	}
}

// TestRun_NoMatchIsNotIntegrated covers the negative case: an archived
// tip with no merge, no cherry-picked equivalent, and no squash match
// anywhere on the baseline is reported NotIntegrated.
func TestRun_NoMatchIsNotIntegrated(t *testing.T) {
	r := newTestRepo(t)
	r.writeFile("f.txt", "orig\n")
	r.commit("init")

	r.run("checkout", "-b", "work")
	r.writeFile("f.txt", "untouched elsewhere\n")
	tip := r.commit("orphan change")
	r.run("checkout", "main")

	r.archive("vb", "2026-07-01", "net", tip)

	d := newDetector(t, r, vbtypes.StrategyAll)
	infos, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("len(infos) = %d, want 1", len(infos))
	}
	if infos[0].Status.Kind != vbtypes.KindNotIntegrated {
		t.Fatalf("Kind = %v, want KindNotIntegrated", infos[0].Status.Kind)
	}
}

// TestRun_SquashPhaseFallbackMatchesStrippedSubject covers spec
// §4.6's squash fallback: the baseline carries an unrelated-content
// commit whose stripped subject matches the archived tip's stripped
// subject, and the rebase phase alone would have reported no match.
func TestRun_SquashPhaseFallbackMatchesStrippedSubject(t *testing.T) {
	r := newTestRepo(t)
	r.writeFile("f.txt", "orig\n")
	r.commit("init")

	r.run("checkout", "-b", "work")
	r.writeFile("f.txt", "feature change\n")
	tip := r.commit("(net) combined change")
	r.run("checkout", "main")
	r.writeFile("f.txt", "squashed result\n")
	r.commit("(net) combined change")

	r.archive("vb", "2026-07-01", "net", tip)

	d := newDetector(t, r, vbtypes.StrategyAll)
	infos, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("len(infos) = %d, want 1", len(infos))
	}
	got := infos[0].Status
	if got.Kind != vbtypes.KindIntegrated {
		t.Fatalf("Kind = %v, want KindIntegrated (via squash fallback)", got.Kind)
	}
	if got.Confidence != vbtypes.ConfidenceHigh {
		t.Errorf("Confidence = %v, want ConfidenceHigh", got.Confidence)
	}
}

// TestRun_CacheHitSkipsRedetection covers the cache round trip at the
// detector level: a second Run against an unchanged archived tip
// returns the same info without needing to re-derive it (the
// per-branch task is skipped entirely once the tip is cached).
func TestRun_CacheHitSkipsRedetection(t *testing.T) {
	r := newTestRepo(t)
	r.writeFile("f.txt", "orig\n")
	r.commit("init")

	r.run("checkout", "-b", "work")
	r.writeFile("f.txt", "feature change\n")
	tip := r.commit("(net) add x")
	r.run("checkout", "main")
	r.run("merge", "--no-ff", "-m", "merge work", "work")

	r.archive("vb", "2026-07-01", "net", tip)

	d := newDetector(t, r, vbtypes.StrategyAll)
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	second := newDetector(t, r, vbtypes.StrategyAll)
	infos, err := second.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(infos) != 1 || infos[0].Status.Kind != vbtypes.KindIntegrated {
		t.Fatalf("second Run() infos = %+v, want one cached Integrated entry", infos)
	}
}
