// Package vberrors defines the small closed set of error kinds the
// sync core surfaces (spec §7): BaselineMissing, VcsInvocation,
// MergeConflict, Generic. Callers distinguish them with a type switch,
// not string matching, the same way the teacher's git plumbing code
// wraps exec failures with fmt.Errorf("...: %w", err) and lets callers
// errors.As into the concrete kind they care about.
package vberrors

import (
	"fmt"

	"github.com/untoldecay/vbranch/internal/vcsexec"
)

// BaselineMissing reports that no suitable baseline reference could be
// resolved for a sync run (spec §4.8 step 2).
type BaselineMissing struct {
	PreferredBranch string
	Remotes         []string
}

func (e *BaselineMissing) Error() string {
	return fmt.Sprintf("no baseline reference found (preferred branch %q, remotes %v)", e.PreferredBranch, e.Remotes)
}

// VcsInvocation wraps a non-zero exit from the VCS binary.
type VcsInvocation struct {
	Cause *vcsexec.Error
}

func (e *VcsInvocation) Error() string { return e.Cause.Error() }
func (e *VcsInvocation) Unwrap() error { return e.Cause }

// NewVcsInvocation wraps a raw error in *VcsInvocation when it is a
// *vcsexec.Error, otherwise returns a Generic.
func NewVcsInvocation(err error) error {
	if err == nil {
		return nil
	}
	if ve, ok := err.(*vcsexec.Error); ok {
		return &VcsInvocation{Cause: ve}
	}
	return &Generic{Message: err.Error(), Cause: err}
}

// MergeConflict is the tagged error returned by the commit copier when
// the plumbing three-way merge reports conflicts (spec §4.3, §4.7).
// Info is left as `any` here (rather than importing internal/conflict)
// so that vberrors stays a leaf dependency with no domain-package
// imports beyond vcsexec; cmd/vb's report command type-asserts Info
// back to *conflict.Report when it needs the structured fields.
type MergeConflict struct {
	Info any
}

func (e *MergeConflict) Error() string { return "merge conflict copying commit" }

// Generic is the catch-all error kind for everything else (spec §7).
type Generic struct {
	Message string
	Cause   error
}

func (e *Generic) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Generic) Unwrap() error { return e.Cause }

// NewGeneric builds a *Generic wrapping err with a message.
func NewGeneric(message string, err error) *Generic {
	return &Generic{Message: message, Cause: err}
}
