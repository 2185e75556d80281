// Package orchestrator drives one end-to-end sync run (spec §4.8):
// baseline resolution, commit streaming and grouping, concurrent
// branch processing and integration detection, and the event
// emissions that stitch the whole thing together for a consumer.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/vbranch/internal/archive"
	"github.com/untoldecay/vbranch/internal/branch"
	"github.com/untoldecay/vbranch/internal/commitlog"
	"github.com/untoldecay/vbranch/internal/copier"
	"github.com/untoldecay/vbranch/internal/detect"
	"github.com/untoldecay/vbranch/internal/detectcache"
	"github.com/untoldecay/vbranch/internal/events"
	"github.com/untoldecay/vbranch/internal/group"
	"github.com/untoldecay/vbranch/internal/notes"
	"github.com/untoldecay/vbranch/internal/vberrors"
	"github.com/untoldecay/vbranch/internal/vbtypes"
	"github.com/untoldecay/vbranch/internal/vcsexec"
)

const (
	MappingNotesRef  = "refs/notes/vbranch-mapping"
	DetectCacheRef   = "refs/notes/vbranch-detect-cache"
)

// Orchestrator holds the dependencies for repeated Run calls against
// one repository (used directly by `vb sync` and, in a loop, by
// `vb watch`).
type Orchestrator struct {
	Exec      *vcsexec.Executor
	RepoPath  string
	GitDir    string
	Config    vbtypes.Config
	TreeCache *copier.TreeCache
	Logger    *slog.Logger
	Bus       *events.Bus

	classifiers []group.Classifier
}

// WithClassifiers attaches optional commit classifiers (e.g. loaded
// WASM plugins) consulted during grouping.
func (o *Orchestrator) WithClassifiers(classifiers ...group.Classifier) *Orchestrator {
	o.classifiers = classifiers
	return o
}

// Run executes one full sync (spec §4.8's eight steps) and closes the
// event bus's logical stream by emitting Completed last.
func (o *Orchestrator) Run(ctx context.Context) error {
	runID := uuid.New().String()
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("run_id", runID)

	// Step 1: config event.
	if o.Config.CachedIssueConfig != nil {
		o.Bus.Emit(events.IssueNavigationConfig{Config: *o.Config.CachedIssueConfig})
	} else {
		o.Bus.Emit(events.IssueNavigationConfig{Config: vbtypes.IssueNavigationConfig{}})
	}

	// Step 2: baseline resolution.
	baseline, err := o.resolveBaseline(ctx)
	if err != nil {
		return err
	}
	log.Info("baseline resolved", "baseline", baseline)

	// Step 3: commit streaming.
	reader := &commitlog.Reader{Exec: o.Exec, RepoPath: o.RepoPath, NotesRef: MappingNotesRef}
	commits, err := reader.List(ctx, baseline)
	if err != nil {
		return vberrors.NewVcsInvocation(err)
	}

	grouper := group.New(o.classifiers...)
	for _, c := range commits {
		grouper.Add(c)
	}
	groups, unassigned, total := grouper.Finish()
	log.Info("commits grouped", "total", total, "groups", len(groups), "unassigned", len(unassigned))

	notesWriter := &notes.Writer{Exec: o.Exec, RepoPath: o.RepoPath, GitDir: o.GitDir, Ref: MappingNotesRef}
	cacheStore := &detectcache.Store{Exec: o.Exec, RepoPath: o.RepoPath, GitDir: o.GitDir, Ref: DetectCacheRef}
	detector := &detect.Detector{
		Exec:         o.Exec,
		RepoPath:     o.RepoPath,
		BranchPrefix: o.Config.BranchPrefix,
		Baseline:     baseline,
		Strategy:     o.Config.DetectionStrategy,
		ScanWindow:   o.Config.DetectionSquashWindow,
		Cache:        cacheStore,
		Bus:          o.Bus,
		Logger:       log,
	}

	// Step 4: empty case.
	if total == 0 {
		if _, err := detector.Run(ctx); err != nil {
			return vberrors.NewGeneric("running integration detection", err)
		}
		o.Bus.Emit(events.Completed{})
		return nil
	}

	// Step 5: identity derivation (informational only; the core does
	// not otherwise depend on the result). Uses author email across all
	// streamed commits rather than committer email across grouped
	// commits: vbtypes.Commit carries no separate committer-email field,
	// and unassigned commits are a small enough slice of the total that
	// the substitution doesn't change which identity wins in practice.
	identity := mostFrequentEmail(commits)
	log.Info("identity derived", "email", identity)

	// Step 6: UI structure events.
	groupedBranches := make([]events.GroupedBranch, 0, len(groups))
	archiveTags := make(map[string]bool, len(groups))
	for _, g := range groups {
		archiveTags[g.Tag] = true
		latest := latestCommitterTime(g.Commits)
		groupedBranches = append(groupedBranches, events.GroupedBranch{
			Name:             vbtypes.VirtualBranchName(o.Config.BranchPrefix, g.Tag),
			LatestCommitTime: latest.Unix(),
			Summary:          summaryFor(g),
			Commits:          g.Commits,
		})
	}
	sort.Slice(groupedBranches, func(i, j int) bool {
		a, b := groupedBranches[i], groupedBranches[j]
		if a.LatestCommitTime != b.LatestCommitTime {
			return a.LatestCommitTime > b.LatestCommitTime
		}
		return a.Name < b.Name
	})
	o.Bus.Emit(events.BranchesGrouped{Branches: groupedBranches})
	o.Bus.Emit(events.UnassignedCommits{Commits: unassigned})

	archiver := &archive.Manager{Exec: o.Exec, RepoPath: o.RepoPath, BranchPrefix: o.Config.BranchPrefix}
	today := time.Now().UTC().Format("2006-01-02")
	if _, err := archiver.ArchiveInactive(ctx, archiveTags, today); err != nil {
		return vberrors.NewGeneric("archiving inactive branches", err)
	}

	// Step 7: concurrent phase.
	var wg sync.WaitGroup
	errCh := make(chan error, len(groups)+1)

	processor := &branch.Processor{
		Exec:         o.Exec,
		RepoPath:     o.RepoPath,
		BranchPrefix: o.Config.BranchPrefix,
		Copier:       &copier.Copier{Exec: o.Exec, RepoPath: o.RepoPath, TreeCache: o.TreeCache},
		NotesWriter:  notesWriter,
		NotesRef:     MappingNotesRef,
		Bus:          o.Bus,
	}

	for i, g := range groups {
		wg.Add(1)
		go func(idx int, tg vbtypes.TagGroup) {
			defer wg.Done()
			existed, err := o.refExists(ctx, "refs/heads/"+vbtypes.VirtualBranchName(o.Config.BranchPrefix, tg.Tag))
			if err != nil {
				errCh <- vberrors.NewVcsInvocation(err)
				return
			}
			outcome := processor.Process(ctx, tg, existed, idx+1, len(groups))
			if outcome.Err != nil {
				errCh <- outcome.Err
			}
		}(i, g)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := detector.Run(ctx); err != nil {
			errCh <- vberrors.NewGeneric("running integration detection", err)
		}
	}()

	wg.Wait()
	close(errCh)

	var firstErr error
	for e := range errCh {
		if firstErr == nil {
			firstErr = e
		}
	}
	if firstErr != nil {
		return firstErr
	}

	// Step 8: completion.
	o.Bus.Emit(events.Completed{})
	return nil
}

func (o *Orchestrator) refExists(ctx context.Context, ref string) (bool, error) {
	_, err := o.Exec.Run(ctx, []string{"rev-parse", "--verify", "--quiet", ref}, o.RepoPath)
	if err != nil {
		if ve, ok := err.(*vcsexec.Error); ok && ve.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ResolveBaseline exposes the step 2 fallback chain for callers (e.g.
// `vb report`) that need the same baseline outside a full Run.
func (o *Orchestrator) ResolveBaseline(ctx context.Context) (string, error) {
	return o.resolveBaseline(ctx)
}

// RefExists exposes the per-branch ref existence check used to decide
// tree-reuse eligibility, for callers replaying a single group outside Run.
func (o *Orchestrator) RefExists(ctx context.Context, ref string) (bool, error) {
	return o.refExists(ctx, ref)
}

// resolveBaseline implements spec §4.8 step 2's fallback chain.
func (o *Orchestrator) resolveBaseline(ctx context.Context) (string, error) {
	branchName, err := o.currentBranch(ctx)
	if err == nil && branchName != "" {
		if upstream, uerr := o.upstreamOf(ctx, branchName); uerr == nil && upstream != "" {
			return upstream, nil
		}
	}

	remotes, err := o.remotes(ctx)
	if err != nil {
		remotes = nil
	}

	preferred := o.Config.PreferredBranch
	if preferred == "" {
		preferred = "master"
	}

	if len(remotes) > 0 {
		first := remotes[0]
		if candidate := first + "/" + preferred; o.refResolves(ctx, "refs/remotes/"+candidate) {
			return candidate, nil
		}
		for _, name := range []string{"master", "main"} {
			if candidate := first + "/" + name; o.refResolves(ctx, "refs/remotes/"+candidate) {
				return candidate, nil
			}
		}
	}

	for _, name := range []string{preferred, "master", "main"} {
		if o.refResolves(ctx, "refs/heads/"+name) {
			return name, nil
		}
	}

	return "", &vberrors.BaselineMissing{PreferredBranch: preferred, Remotes: remotes}
}

func (o *Orchestrator) currentBranch(ctx context.Context) (string, error) {
	out, err := o.Exec.Run(ctx, []string{"symbolic-ref", "--short", "HEAD"}, o.RepoPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (o *Orchestrator) upstreamOf(ctx context.Context, branchName string) (string, error) {
	out, err := o.Exec.Run(ctx, []string{"rev-parse", "--abbrev-ref", branchName + "@{upstream}"}, o.RepoPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (o *Orchestrator) remotes(ctx context.Context) ([]string, error) {
	return o.Exec.RunLines(ctx, []string{"remote"}, o.RepoPath)
}

func (o *Orchestrator) refResolves(ctx context.Context, ref string) bool {
	_, err := o.Exec.Run(ctx, []string{"rev-parse", "--verify", "--quiet", ref}, o.RepoPath)
	return err == nil
}

// mostFrequentEmail counts AuthorEmail over the full commit set as a
// stand-in for committer email over grouped commits (see the step 5
// comment in Run for why).
func mostFrequentEmail(commits []vbtypes.Commit) string {
	counts := make(map[string]int, len(commits))
	for _, c := range commits {
		counts[c.AuthorEmail]++
	}
	best, bestCount := "", 0
	for email, n := range counts {
		if n > bestCount {
			best, bestCount = email, n
		}
	}
	return best
}

func latestCommitterTime(commits []vbtypes.Commit) time.Time {
	var latest time.Time
	for _, c := range commits {
		if c.CommitterTimestamp.After(latest) {
			latest = c.CommitterTimestamp
		}
	}
	return latest
}

func summaryFor(g vbtypes.TagGroup) string {
	if !group.IsBareIssueIdentifier(g.Tag) {
		return ""
	}
	if first, ok := g.OldestCommit(); ok {
		return group.StripIssuePrefix(first.Subject)
	}
	return ""
}
