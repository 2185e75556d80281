// Package events defines the typed event stream the sync core emits
// (spec §6) and a non-blocking bus to carry it. Consumers (a CLI, a
// status index, a future UI) range over Bus.Events(); the core never
// blocks on a slow or absent consumer.
package events

import (
	"github.com/untoldecay/vbranch/internal/vbtypes"
)

// Event is the sum type of everything the core can emit. Concrete
// payload types below each implement it with an unexported marker
// method, the same closed-set-of-kinds shape as vberrors.
type Event interface{ isEvent() }

type IssueNavigationConfig struct {
	Config vbtypes.IssueNavigationConfig
}

type Progress struct {
	Message   string
	TaskIndex int
}

type UnassignedCommits struct {
	Commits []vbtypes.Commit
}

// GroupedBranch is one row of the BranchesGrouped payload.
type GroupedBranch struct {
	Name             string
	LatestCommitTime int64 // unix seconds, committer time of the newest commit
	Summary          string
	Commits          []vbtypes.Commit
}

type BranchesGrouped struct {
	Branches []GroupedBranch
}

type ArchivedBranchesFound struct {
	BranchNames []string
}

type CommitSynced struct {
	Branch       string
	OriginalHash string
	NewHash      string
	Status       vbtypes.CopyStatus
}

type CommitError struct {
	Branch     string
	CommitHash string
	Error      string
}

type CommitsBlocked struct {
	Branch              string
	BlockedCommitHashes []string
}

type BranchStatusUpdate struct {
	Branch string
	Status vbtypes.BranchStatus
	Error  string
}

type BranchIntegrationDetected struct {
	Info vbtypes.BranchIntegrationInfo
}

type Completed struct{}

func (IssueNavigationConfig) isEvent()     {}
func (Progress) isEvent()                  {}
func (UnassignedCommits) isEvent()         {}
func (BranchesGrouped) isEvent()           {}
func (ArchivedBranchesFound) isEvent()     {}
func (CommitSynced) isEvent()              {}
func (CommitError) isEvent()               {}
func (CommitsBlocked) isEvent()            {}
func (BranchStatusUpdate) isEvent()        {}
func (BranchIntegrationDetected) isEvent() {}
func (Completed) isEvent()                 {}

// defaultBuffer sizes the internal ring so that a burst of per-commit
// events from several concurrently-processing branches never forces
// the orchestrator to wait on a slow consumer (spec §5: "channel
// sends to the event bus never block").
const defaultBuffer = 4096

// Bus is a many-producer, single-consumer event pipe: Emit is called from
// many goroutines (one per branch, one for detection); Events yields
// a read-only channel for the single consumer.
type Bus struct {
	ch chan Event
}

func NewBus() *Bus {
	return &Bus{ch: make(chan Event, defaultBuffer)}
}

// Emit sends e without blocking. If the buffer is full (an
// unresponsive or absent consumer), the event is dropped rather than
// stalling sync progress; this is the one permitted exception to the
// "never block" rule, since an infinite buffer isn't available.
func (b *Bus) Emit(e Event) {
	select {
	case b.ch <- e:
	default:
	}
}

// Events returns the channel consumers range over.
func (b *Bus) Events() <-chan Event { return b.ch }

// Close signals no further events will be emitted.
func (b *Bus) Close() { close(b.ch) }
