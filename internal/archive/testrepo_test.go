package archive

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/untoldecay/vbranch/internal/vcsexec"
)

// newTestRepo initializes a throwaway git repository with one commit
// on main, in the teacher's integration-test style (real git via
// os/exec inside t.TempDir()).
func newTestRepo(t *testing.T) (dir string, ex *vcsexec.Executor) {
	t.Helper()
	dir = t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "--initial-branch=main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("writing README: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")

	return dir, vcsexec.New()
}

func branchRef(t *testing.T, ex *vcsexec.Executor, dir, name string) {
	t.Helper()
	if _, err := ex.Run(context.Background(), []string{"branch", name}, dir); err != nil {
		t.Fatalf("creating branch %s: %v", name, err)
	}
}
