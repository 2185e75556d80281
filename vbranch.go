// Package vbranch provides a minimal public API for embedding the
// virtual-branch sync core in other Go programs.
//
// Most consumers should just run the `vb` CLI. This package exports
// only the types and constructors needed for Go programs that want to
// drive a sync run programmatically and consume its event stream
// directly, the way `cmd/vb` itself does.
package vbranch

import (
	"context"
	"log/slog"

	"github.com/untoldecay/vbranch/internal/copier"
	"github.com/untoldecay/vbranch/internal/events"
	"github.com/untoldecay/vbranch/internal/orchestrator"
	"github.com/untoldecay/vbranch/internal/vbconfig"
	"github.com/untoldecay/vbranch/internal/vbtypes"
	"github.com/untoldecay/vbranch/internal/vcsexec"
)

// Orchestrator drives one end-to-end sync run against a repository.
type Orchestrator = orchestrator.Orchestrator

// Config holds the layered sync settings (project file, env, defaults).
type Config = vbtypes.Config

// LoadConfig reads .vbranch.toml (walking up from repoPath) layered
// under VBRANCH_*-prefixed environment overrides and built-in defaults.
func LoadConfig(repoPath string) (Config, error) {
	return vbconfig.Load(repoPath)
}

// New builds an Orchestrator for repoPath/gitDir with cfg, ready for
// Run. Callers that want progress or structured output must range
// over the returned Orchestrator's Bus.Events() themselves; New does
// not start consuming the bus.
func New(repoPath, gitDir string, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Exec:      vcsexec.New(),
		RepoPath:  repoPath,
		GitDir:    gitDir,
		Config:    cfg,
		TreeCache: copier.NewTreeCache(),
		Logger:    logger,
		Bus:       events.NewBus(),
	}
}

// Run is a convenience wrapper that runs one sync pass and blocks
// until it and all emitted events have been produced. Callers who
// need to observe events as they stream must instead call
// o.Run(ctx) directly after starting their own goroutine over
// o.Bus.Events().
func Run(ctx context.Context, o *Orchestrator) error {
	return o.Run(ctx)
}

// Event is the common interface satisfied by every value sent on an
// Orchestrator's Bus.
type Event = events.Event

// Re-exported event types, for callers that want to type-switch on
// Orchestrator.Bus.Events() without importing internal/events.
type (
	IssueNavigationConfig     = events.IssueNavigationConfig
	Progress                  = events.Progress
	BranchesGrouped           = events.BranchesGrouped
	ArchivedBranchesFound     = events.ArchivedBranchesFound
	CommitSynced              = events.CommitSynced
	CommitError               = events.CommitError
	CommitsBlocked            = events.CommitsBlocked
	BranchStatusUpdate        = events.BranchStatusUpdate
	BranchIntegrationDetected = events.BranchIntegrationDetected
	UnassignedCommits         = events.UnassignedCommits
	Completed                 = events.Completed
)

// Core data model types, re-exported for convenience.
type (
	Commit                = vbtypes.Commit
	TagGroup               = vbtypes.TagGroup
	BranchStatus           = vbtypes.BranchStatus
	IntegrationStatus      = vbtypes.IntegrationStatus
	BranchIntegrationInfo  = vbtypes.BranchIntegrationInfo
	DetectionStrategy      = vbtypes.DetectionStrategy
)

// BranchStatus constants.
const (
	BranchCreated       = vbtypes.BranchCreated
	BranchUpdated       = vbtypes.BranchUpdated
	BranchUnchanged     = vbtypes.BranchUnchanged
	BranchMergeConflict = vbtypes.BranchMergeConflict
	BranchError         = vbtypes.BranchError
)

// IntegrationKind constants.
const (
	KindIntegrated    = vbtypes.KindIntegrated
	KindNotIntegrated = vbtypes.KindNotIntegrated
	KindPartial       = vbtypes.KindPartial
)
