package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/untoldecay/vbranch/internal/copier"
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

// drainEvents collects whatever is already queued on the bus without
// blocking; Run never closes the bus itself (the CLI layer owns that).
func drainEvents(bus *events.Bus) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-bus.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

// TestRun_GroupsCommitsCreatesBranchAndCompletes exercises the full
// eight-step sync run end to end: baseline fallback to "main", commit
// streaming, grouping into one virtual branch, branch creation, and
// the BranchesGrouped/Completed event bookends.
func TestRun_GroupsCommitsCreatesBranchAndCompletes(t *testing.T) {
	r := newTestRepo(t)
	r.writeFile("a.txt", "a-base\n")
	r.writeFile("b.txt", "b-base\n")
	r.commit("base")

	r.run("checkout", "-b", "work")
	r.writeFile("a.txt", "a-changed\n")
	r.commit("(net) edit a")
	r.writeFile("b.txt", "b-changed\n")
	r.commit("(net) edit b")

	o := &Orchestrator{
		Exec:      r.ex,
		RepoPath:  r.dir,
		GitDir:    filepath.Join(r.dir, ".git"),
		Config: vbtypes.Config{
			BranchPrefix:      "vb",
			DetectionStrategy: vbtypes.StrategyAll,
		},
		TreeCache: copier.NewTreeCache(),
		Bus:       events.NewBus(),
	}

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	tip := r.run("rev-parse", "refs/heads/vb/virtual/net")
	if tip == "" {
		t.Fatal("expected refs/heads/vb/virtual/net to exist")
	}
	if got := r.run("show", tip+":a.txt"); got != "a-changed" {
		t.Errorf("a.txt at branch tip = %q, want a-changed", got)
	}
	if got := r.run("show", tip+":b.txt"); got != "b-changed" {
		t.Errorf("b.txt at branch tip = %q, want b-changed", got)
	}

	seen := drainEvents(o.Bus)
	var sawGrouped, sawCompleted bool
	var groupedCount int
	for i, e := range seen {
		switch ev := e.(type) {
		case events.BranchesGrouped:
			sawGrouped = true
			groupedCount = len(ev.Branches)
		case events.Completed:
			sawCompleted = true
			if i != len(seen)-1 {
				t.Error("Completed must be the last event emitted")
			}
		}
	}
	if !sawGrouped {
		t.Error("expected a BranchesGrouped event")
	}
	if groupedCount != 1 {
		t.Errorf("BranchesGrouped.Branches count = %d, want 1", groupedCount)
	}
	if !sawCompleted {
		t.Error("expected a Completed event")
	}
}

// TestRun_EmptyBaselineStillRunsDetectionAndCompletes covers spec
// §4.8 step 4: when there are no commits ahead of the baseline, the
// run still completes (detection still runs over any archived
// branches, here none) without emitting BranchesGrouped.
func TestRun_EmptyBaselineStillRunsDetectionAndCompletes(t *testing.T) {
	r := newTestRepo(t)
	r.writeFile("a.txt", "a-base\n")
	r.commit("base")

	o := &Orchestrator{
		Exec:      r.ex,
		RepoPath:  r.dir,
		GitDir:    filepath.Join(r.dir, ".git"),
		Config: vbtypes.Config{
			BranchPrefix:      "vb",
			DetectionStrategy: vbtypes.StrategyAll,
		},
		TreeCache: copier.NewTreeCache(),
		Bus:       events.NewBus(),
	}

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	seen := drainEvents(o.Bus)
	var sawGrouped, sawCompleted bool
	for _, e := range seen {
		switch e.(type) {
		case events.BranchesGrouped:
			sawGrouped = true
		case events.Completed:
			sawCompleted = true
		}
	}
	if sawGrouped {
		t.Error("did not expect a BranchesGrouped event when there are no commits ahead of baseline")
	}
	if !sawCompleted {
		t.Error("expected a Completed event")
	}
}
