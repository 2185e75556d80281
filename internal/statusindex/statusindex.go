// Package statusindex maintains a disposable local mirror of branch
// status (spec §4.10) in a SQLite database under
// <repo>/.git/vbranch/status.db. It exists purely to make `vb status`
// answer instantly without replaying git notes; the notes under
// orchestrator.MappingNotesRef and orchestrator.DetectCacheRef remain
// the source of truth, and this index is rebuilt from scratch whenever
// it is missing or its schema version does not match.
//
// Grounded on the teacher's internal/storage/sqlite package: driver
// registration via blank imports of github.com/ncruces/go-sqlite3's
// driver and embed packages (internal/syncbranch/syncbranch.go), and
// an inline `const schema` string applied with CREATE TABLE IF NOT
// EXISTS statements (internal/storage/sqlite/schema.go).
package statusindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/vbranch/internal/events"
	"github.com/untoldecay/vbranch/internal/vbtypes"
)

// schemaVersion bumps whenever the table shapes below change; Open
// wipes and recreates the database on mismatch rather than migrating
// it, since every row here is reconstructible from git notes.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
	name               TEXT PRIMARY KEY,
	latest_commit_time INTEGER NOT NULL,
	summary            TEXT NOT NULL DEFAULT '',
	commit_count       INTEGER NOT NULL DEFAULT 0,
	integration_status TEXT NOT NULL DEFAULT 'unknown',
	integrated_at      INTEGER,
	confidence         TEXT NOT NULL DEFAULT '',
	updated_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_branches_latest_commit_time ON branches(latest_commit_time);
`

// Index is the opened status mirror for one repository.
type Index struct {
	db *sql.DB
}

// Open opens (creating and initializing if absent) the status index at
// dbPath. If the stored schema_version meta row doesn't match
// schemaVersion, the database is dropped and rebuilt empty — callers
// are expected to repopulate it from a fresh orchestrator.Run.
func Open(ctx context.Context, dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening status index: %w", err)
	}
	db.SetMaxOpenConns(1)

	idx := &Index{db: db}
	if err := idx.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) ensureSchema(ctx context.Context) error {
	if _, err := idx.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating status index schema: %w", err)
	}

	var stored string
	err := idx.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		return idx.setSchemaVersion(ctx)
	case err != nil:
		return fmt.Errorf("reading status index schema version: %w", err)
	case stored != fmt.Sprint(schemaVersion):
		if err := idx.Reset(ctx); err != nil {
			return err
		}
		return idx.setSchemaVersion(ctx)
	}
	return nil
}

func (idx *Index) setSchemaVersion(ctx context.Context) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprint(schemaVersion))
	return err
}

// Reset drops every tracked branch row. It is called on a schema
// mismatch only; a sync run does not call it, so rows for branches
// that were since archived or deleted are kept.
func (idx *Index) Reset(ctx context.Context) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM branches`)
	return err
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// ApplyGrouped upserts one row per grouped branch from a
// events.BranchesGrouped payload, the structural snapshot of a sync
// run before integration detection has run.
func (idx *Index) ApplyGrouped(ctx context.Context, grouped events.BranchesGrouped) error {
	now := time.Now().Unix()
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO branches (name, latest_commit_time, summary, commit_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			latest_commit_time = excluded.latest_commit_time,
			summary            = excluded.summary,
			commit_count       = excluded.commit_count,
			updated_at         = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range grouped.Branches {
		if _, err := stmt.ExecContext(ctx, b.Name, b.LatestCommitTime, b.Summary, len(b.Commits), now); err != nil {
			return fmt.Errorf("upserting branch %s: %w", b.Name, err)
		}
	}
	return tx.Commit()
}

// ApplyIntegration updates a branch row's detection result from a
// events.BranchIntegrationDetected payload. Rows for branches this
// index has never seen (e.g. an archived branch dropped out of the
// current grouping) are inserted with zeroed structural fields.
func (idx *Index) ApplyIntegration(ctx context.Context, info vbtypes.BranchIntegrationInfo) error {
	var integratedAt any
	var confidence, status string
	switch info.Status.Kind {
	case vbtypes.KindIntegrated:
		status = "Integrated"
		confidence = info.Status.Confidence.String()
		if info.Status.IntegratedAt != nil {
			integratedAt = info.Status.IntegratedAt.Unix()
		}
	case vbtypes.KindPartial:
		status = "Partial"
	default:
		status = "NotIntegrated"
	}

	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO branches (name, latest_commit_time, summary, integration_status, integrated_at, confidence, updated_at)
		VALUES (?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			summary            = excluded.summary,
			integration_status = excluded.integration_status,
			integrated_at      = excluded.integrated_at,
			confidence         = excluded.confidence,
			updated_at         = excluded.updated_at
	`, info.Name, info.Summary, status, integratedAt, confidence, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upserting integration status for %s: %w", info.Name, err)
	}
	return nil
}

// Row is one branch's mirrored status, as read back by `vb status`.
type Row struct {
	Name              string
	LatestCommitTime  int64
	Summary           string
	CommitCount       int
	IntegrationStatus string
	IntegratedAt      *time.Time
	Confidence        string
}

// List returns every tracked branch, most recently active first.
func (idx *Index) List(ctx context.Context) ([]Row, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT name, latest_commit_time, summary, commit_count, integration_status, integrated_at, confidence
		FROM branches
		ORDER BY latest_commit_time DESC, name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var integratedAt sql.NullInt64
		if err := rows.Scan(&r.Name, &r.LatestCommitTime, &r.Summary, &r.CommitCount, &r.IntegrationStatus, &integratedAt, &r.Confidence); err != nil {
			return nil, err
		}
		if integratedAt.Valid {
			t := time.Unix(integratedAt.Int64, 0).UTC()
			r.IntegratedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Subscribe drains bus until it closes, applying BranchesGrouped and
// BranchIntegrationDetected events as they stream past. Errors are
// swallowed after logging is left to the caller via the returned
// channel, since a status-mirror write failure must never abort a
// sync run — the notes refs remain authoritative regardless.
func (idx *Index) Subscribe(ctx context.Context, bus *events.Bus) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for ev := range bus.Events() {
			var err error
			switch e := ev.(type) {
			case events.BranchesGrouped:
				err = idx.ApplyGrouped(ctx, e)
			case events.BranchIntegrationDetected:
				err = idx.ApplyIntegration(ctx, e.Info)
			}
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()
	return errCh
}
