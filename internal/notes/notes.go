// Package notes implements the note-based commit mapping store
// (spec §4.3, §5): original_commit -> copied_commit pairs persisted
// as git notes under a dedicated ref, with a serialized writer.
//
// The spec requires exactly one writer at a time updating notes under
// the mapping ref. In-process that's a sync.Mutex; across processes
// (a manual `vb sync` racing a `vb watch` daemon) it's a
// github.com/gofrs/flock file lock, mirroring the teacher's
// cmd/bd/sync.go pattern of flock.New(lockPath).TryLock() around its
// own sync critical section.
package notes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/untoldecay/vbranch/internal/vcsexec"
)

const mappingPrefix = "v-commit-v1:"

// flockRetryInterval is how often TryLockContext polls the lock file
// while waiting for a concurrent vb process to finish its write.
const flockRetryInterval = 50 * time.Millisecond

// ParseMapping extracts the copied commit id from a mapping note's
// verbatim text, per the single-line `v-commit-v1:<copied_id>`
// encoding (spec §4.3, §6). Notes that don't match the encoding are
// preserved by callers but ignored here.
func ParseMapping(noteText string) (copiedID string, ok bool) {
	for _, line := range strings.Split(noteText, "\n") {
		line = strings.TrimSpace(line)
		if id, found := strings.CutPrefix(line, mappingPrefix); found && id != "" {
			return id, true
		}
	}
	return "", false
}

// EncodeMapping renders the mapping note text for copiedID.
func EncodeMapping(copiedID string) string {
	return mappingPrefix + copiedID + "\n"
}

// BatchShow reads notes for many commits in one `git notes list` +
// `cat-file --batch` pass rather than one `git notes show` per
// commit, matching the "prefetched snapshot" requirement of spec §5
// ("readers use only prefetched snapshots").
func BatchShow(ctx context.Context, exec *vcsexec.Executor, repoPath, ref string, commitIDs []string) (map[string]string, error) {
	result := make(map[string]string, len(commitIDs))
	if len(commitIDs) == 0 {
		return result, nil
	}

	lines, err := exec.RunLines(ctx, []string{"notes", "--ref=" + ref, "list"}, repoPath)
	if err != nil {
		if isNoNotesRef(err) {
			return result, nil
		}
		return nil, fmt.Errorf("listing notes under %s: %w", ref, err)
	}

	noteObjToCommit := make(map[string]string, len(lines))
	wanted := make(map[string]bool, len(commitIDs))
	for _, id := range commitIDs {
		wanted[id] = true
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		noteObj, commitID := fields[0], fields[1]
		if wanted[commitID] {
			noteObjToCommit[noteObj] = commitID
		}
	}
	if len(noteObjToCommit) == 0 {
		return result, nil
	}

	objs := make([]string, 0, len(noteObjToCommit))
	for obj := range noteObjToCommit {
		objs = append(objs, obj)
	}
	contents, err := batchCatFile(ctx, exec, repoPath, objs)
	if err != nil {
		return nil, err
	}
	for obj, content := range contents {
		result[noteObjToCommit[obj]] = content
	}
	return result, nil
}

func isNoNotesRef(err error) bool {
	ve, ok := err.(*vcsexec.Error)
	return ok && strings.Contains(string(ve.Stderr), "No note")
}

func batchCatFile(ctx context.Context, exec *vcsexec.Executor, repoPath string, oids []string) (map[string]string, error) {
	result := make(map[string]string, len(oids))
	input := strings.Join(oids, "\n") + "\n"
	out, err := exec.RunWithStdin(ctx, []string{"cat-file", "--batch"}, repoPath, []byte(input))
	if err != nil {
		return nil, fmt.Errorf("batch cat-file: %w", err)
	}

	data := string(out)
	for len(data) > 0 {
		nl := strings.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		header := data[:nl]
		data = data[nl+1:]
		fields := strings.Fields(header)
		if len(fields) < 3 {
			continue
		}
		oid := fields[0]
		var size int
		if _, err := fmt.Sscanf(fields[2], "%d", &size); err != nil {
			continue
		}
		if size > len(data) {
			break
		}
		result[oid] = data[:size]
		data = data[size:]
		data = strings.TrimPrefix(data, "\n")
	}
	return result, nil
}

// Writer serializes mapping-note writes both within this process
// (sync.Mutex) and across processes (an flock file lock next to the
// repository's .git directory), so a `vb watch` daemon and a manual
// `vb sync` invocation can never interleave writes to the mapping ref.
type Writer struct {
	Exec     *vcsexec.Executor
	RepoPath string
	GitDir   string // path to the repository's .git directory
	Ref      string

	mu sync.Mutex
}

// Mapping is one original->copied pair to be written.
type Mapping struct {
	OriginalID string
	CopiedID   string
}

// WriteBatch adds mapping notes for every pair under Writer.Ref,
// holding the in-process mutex and the cross-process file lock for
// the duration of the write.
func (w *Writer) WriteBatch(ctx context.Context, mappings []Mapping) error {
	if len(mappings) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	lockPath := filepath.Join(w.GitDir, "vbranch", "notes.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("creating mapping-notes lock directory: %w", err)
	}
	fl := flock.New(lockPath)
	locked, err := fl.TryLockContext(ctx, flockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquiring mapping-notes lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("mapping-notes writer is busy (another vb process is syncing)")
	}
	defer func() { _ = fl.Unlock() }()

	for _, m := range mappings {
		text := EncodeMapping(m.CopiedID)
		args := []string{"notes", "--ref=" + w.Ref, "add", "-f", "-m", text, m.OriginalID}
		if _, err := w.Exec.Run(ctx, args, w.RepoPath); err != nil {
			return fmt.Errorf("writing mapping note for %s: %w", m.OriginalID, err)
		}
	}
	return nil
}
