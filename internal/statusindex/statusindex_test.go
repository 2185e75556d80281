package statusindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/vbranch/internal/events"
	"github.com/untoldecay/vbranch/internal/vbtypes"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "status.db")
	idx, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestApplyGrouped_UpsertsAndLists(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t)

	grouped := events.BranchesGrouped{Branches: []events.GroupedBranch{
		{Name: "feat/virtual/net", LatestCommitTime: 200, Summary: "net work", Commits: []vbtypes.Commit{{ID: "a"}, {ID: "b"}}},
		{Name: "feat/virtual/ui", LatestCommitTime: 100, Summary: "ui work", Commits: []vbtypes.Commit{{ID: "c"}}},
	}}
	if err := idx.ApplyGrouped(ctx, grouped); err != nil {
		t.Fatalf("ApplyGrouped() error = %v", err)
	}

	rows, err := idx.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	// Most recently active first.
	if rows[0].Name != "feat/virtual/net" || rows[0].CommitCount != 2 {
		t.Errorf("rows[0] = %+v, want net first with 2 commits", rows[0])
	}
	if rows[1].Name != "feat/virtual/ui" || rows[1].CommitCount != 1 {
		t.Errorf("rows[1] = %+v, want ui second with 1 commit", rows[1])
	}
}

func TestApplyIntegration_Integrated(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t)

	grouped := events.BranchesGrouped{Branches: []events.GroupedBranch{
		{Name: "feat/archived/2026-07-01/net", LatestCommitTime: 50, Summary: "net work", Commits: []vbtypes.Commit{{ID: "a"}}},
	}}
	if err := idx.ApplyGrouped(ctx, grouped); err != nil {
		t.Fatalf("ApplyGrouped() error = %v", err)
	}

	integratedAt := time.Unix(1000, 0).UTC()
	info := vbtypes.BranchIntegrationInfo{
		Name:    "feat/archived/2026-07-01/net",
		Summary: "net work",
		Status: vbtypes.IntegrationStatus{
			Kind:         vbtypes.KindIntegrated,
			IntegratedAt: &integratedAt,
			Confidence:   vbtypes.ConfidenceExact,
			CommitCount:  1,
		},
	}
	if err := idx.ApplyIntegration(ctx, info); err != nil {
		t.Fatalf("ApplyIntegration() error = %v", err)
	}

	rows, err := idx.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	r := rows[0]
	if r.IntegrationStatus != "Integrated" {
		t.Errorf("IntegrationStatus = %q, want Integrated", r.IntegrationStatus)
	}
	if r.Confidence != "Exact" {
		t.Errorf("Confidence = %q, want Exact", r.Confidence)
	}
	if r.IntegratedAt == nil || !r.IntegratedAt.Equal(integratedAt) {
		t.Errorf("IntegratedAt = %v, want %v", r.IntegratedAt, integratedAt)
	}
	// The commit_count from the structural snapshot survives the
	// integration-only upsert (it is not in the ApplyIntegration SET list).
	if r.CommitCount != 1 {
		t.Errorf("CommitCount = %d, want 1 (preserved from ApplyGrouped)", r.CommitCount)
	}
}

func TestApplyIntegration_NotIntegratedForUnknownBranch(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t)

	info := vbtypes.BranchIntegrationInfo{
		Name: "feat/archived/2026-07-01/orphan",
		Status: vbtypes.IntegrationStatus{
			Kind:             vbtypes.KindNotIntegrated,
			TotalCommitCount: 3,
			IntegratedCount:  1,
			OrphanedCount:    2,
		},
	}
	if err := idx.ApplyIntegration(ctx, info); err != nil {
		t.Fatalf("ApplyIntegration() error = %v", err)
	}

	rows, err := idx.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rows) != 1 || rows[0].IntegrationStatus != "NotIntegrated" {
		t.Fatalf("rows = %+v, want one NotIntegrated row", rows)
	}
}

func TestReset_ClearsBranches(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t)

	grouped := events.BranchesGrouped{Branches: []events.GroupedBranch{{Name: "x", LatestCommitTime: 1}}}
	if err := idx.ApplyGrouped(ctx, grouped); err != nil {
		t.Fatalf("ApplyGrouped() error = %v", err)
	}
	if err := idx.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	rows, err := idx.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("got %d rows after Reset, want 0", len(rows))
	}
}

func TestOpen_ReopenPreservesData(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "status.db")

	idx1, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	grouped := events.BranchesGrouped{Branches: []events.GroupedBranch{{Name: "x", LatestCommitTime: 1}}}
	if err := idx1.ApplyGrouped(ctx, grouped); err != nil {
		t.Fatalf("ApplyGrouped() error = %v", err)
	}
	if err := idx1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	idx2, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	defer func() { _ = idx2.Close() }()

	rows, err := idx2.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "x" {
		t.Errorf("rows = %+v, want [x] to survive reopen", rows)
	}
}
