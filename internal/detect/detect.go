// Package detect implements the three-phase integration detector
// (spec §4.6): merge-commit lookup, rebase/cherry-pick patch-id
// equivalence via `git cherry`, and a squash fallback matching
// stripped subjects. Per-branch tasks run concurrently and each
// emits its result as soon as it completes, independent of
// submission order.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/untoldecay/vbranch/internal/detectcache"
	"github.com/untoldecay/vbranch/internal/events"
	"github.com/untoldecay/vbranch/internal/group"
	"github.com/untoldecay/vbranch/internal/vbtypes"
	"github.com/untoldecay/vbranch/internal/vcsexec"
)

type mergeCommit struct {
	ID            string
	SecondParent  string
	CommitterTime time.Time
}

type baselineEntry struct {
	ID              string
	StrippedSubject string
	CommitterTime   time.Time
}

// Prefetch is the one-batch snapshot the per-branch pipeline works
// from, so individual branch tasks never re-query shared state.
type Prefetch struct {
	VirtualTips   map[string]string
	ArchivedTips  map[string]string
	ArchivedToday map[string]bool
	Cache         map[string]vbtypes.BranchIntegrationInfo // keyed by tip commit id
	MergeCommits  []mergeCommit
	BaselineWindow []baselineEntry
	PatchIndex    map[string]time.Time // patch-id -> committer time, baseline window only
}

// Detector runs integration detection for one repository.
type Detector struct {
	Exec         *vcsexec.Executor
	RepoPath     string
	BranchPrefix string
	Baseline     string
	Strategy     vbtypes.DetectionStrategy
	ScanWindow   int
	Cache        *detectcache.Store
	Bus          *events.Bus
	Logger       *slog.Logger
}

// Run executes the full prefetch + per-branch pipeline + cache write
// sequence and returns every BranchIntegrationInfo produced.
func (d *Detector) Run(ctx context.Context) ([]vbtypes.BranchIntegrationInfo, error) {
	pre, err := d.prefetch(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(pre.ArchivedTips))
	for name := range pre.ArchivedTips {
		names = append(names, name)
	}
	d.Bus.Emit(events.ArchivedBranchesFound{BranchNames: names})

	type taskResult struct {
		info     vbtypes.BranchIntegrationInfo
		tip      string
		fromTask bool
	}
	results := make(chan taskResult, len(names))
	var wg sync.WaitGroup

	for _, name := range names {
		tip, ok := pre.ArchivedTips[name]
		if !ok || tip == "" {
			continue
		}
		if cached, ok := pre.Cache[tip]; ok {
			cached.Name = name
			results <- taskResult{info: cached, tip: tip}
			continue
		}
		wg.Add(1)
		go func(name, tip string) {
			defer wg.Done()
			info := d.detect(ctx, name, tip, pre)
			results <- taskResult{info: info, tip: tip, fromTask: true}
		}(name, tip)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var all []vbtypes.BranchIntegrationInfo
	fresh := make(map[string]vbtypes.BranchIntegrationInfo)
	for r := range results {
		d.Bus.Emit(events.BranchIntegrationDetected{Info: r.info})
		all = append(all, r.info)
		if r.fromTask {
			fresh[r.tip] = r.info
		}
	}

	// Cache-write failures are logged and swallowed, not returned: the
	// detection results in all were already emitted on the bus, and a
	// stale/missing cache entry just means the next run re-derives it.
	if err := d.Cache.WriteBatch(ctx, fresh); err != nil {
		d.logger().Warn("writing detection cache failed", "error", err)
	}
	return all, nil
}

func (d *Detector) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Detector) prefetch(ctx context.Context) (*Prefetch, error) {
	virtualTips, err := d.tipsUnder(ctx, vbtypes.VirtualSegment)
	if err != nil {
		return nil, err
	}
	archivedTips, err := d.tipsUnder(ctx, vbtypes.ArchivedSegment)
	if err != nil {
		return nil, err
	}

	today := time.Now().UTC().Format("2006-01-02")
	archivedToday := make(map[string]bool)
	for name := range archivedTips {
		if tag, date, ok := parseArchivedName(name, d.BranchPrefix); ok && date == today {
			archivedToday[tag] = true
		}
	}

	cache, err := d.Cache.PrefetchAll(ctx)
	if err != nil {
		return nil, err
	}

	merges, err := d.mergeCommits(ctx)
	if err != nil {
		return nil, err
	}

	window, err := d.baselineWindow(ctx)
	if err != nil {
		return nil, err
	}

	patchIndex, err := d.buildPatchIndex(ctx, window)
	if err != nil {
		return nil, err
	}

	return &Prefetch{
		VirtualTips:    virtualTips,
		ArchivedTips:   archivedTips,
		ArchivedToday:  archivedToday,
		Cache:          cache,
		MergeCommits:   merges,
		BaselineWindow: window,
		PatchIndex:     patchIndex,
	}, nil
}

func (d *Detector) tipsUnder(ctx context.Context, segment string) (map[string]string, error) {
	pattern := "refs/heads/" + d.BranchPrefix + "/" + segment + "/"
	lines, err := d.Exec.RunLines(ctx, []string{"for-each-ref", "--format=%(refname) %(objectname)", pattern}, d.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("listing %s refs: %w", segment, err)
	}
	out := make(map[string]string, len(lines))
	prefixLen := len("refs/heads/")
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		out[fields[0][prefixLen:]] = fields[1]
	}
	return out, nil
}

func parseArchivedName(name, branchPrefix string) (tag, date string, ok bool) {
	want := branchPrefix + "/" + vbtypes.ArchivedSegment + "/"
	rest, found := strings.CutPrefix(name, want)
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[1], parts[0], true
}

func (d *Detector) mergeCommits(ctx context.Context) ([]mergeCommit, error) {
	out, err := d.Exec.Run(ctx, []string{"log", "--merges", "--format=%H\x1f%P\x1f%ct", d.Baseline}, d.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("listing merge commits on baseline: %w", err)
	}
	var merges []mergeCommit
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\x1f", 3)
		if len(fields) != 3 {
			continue
		}
		parents := strings.Fields(fields[1])
		if len(parents) < 2 {
			continue
		}
		ts, _ := strconv.ParseInt(fields[2], 10, 64)
		merges = append(merges, mergeCommit{ID: fields[0], SecondParent: parents[1], CommitterTime: time.Unix(ts, 0).UTC()})
	}
	return merges, nil
}

func (d *Detector) baselineWindow(ctx context.Context) ([]baselineEntry, error) {
	window := d.ScanWindow
	if window <= 0 {
		window = 500
	}
	out, err := d.Exec.Run(ctx, []string{"log", "-n", strconv.Itoa(window), "--format=%H\x1f%ct\x1f%s", d.Baseline}, d.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("scanning baseline window: %w", err)
	}
	var entries []baselineEntry
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\x1f", 3)
		if len(fields) != 3 {
			continue
		}
		ts, _ := strconv.ParseInt(fields[1], 10, 64)
		_, stripped, _ := group.Classify(fields[2], nil)
		entries = append(entries, baselineEntry{ID: fields[0], StrippedSubject: strings.TrimSpace(stripped), CommitterTime: time.Unix(ts, 0).UTC()})
	}
	return entries, nil
}

func (d *Detector) buildPatchIndex(ctx context.Context, window []baselineEntry) (map[string]time.Time, error) {
	index := make(map[string]time.Time, len(window))
	for _, e := range window {
		id, err := d.patchID(ctx, e.ID)
		if err != nil {
			continue // a single unreadable commit doesn't abort the whole scan
		}
		if id == "" {
			continue
		}
		if existing, ok := index[id]; !ok || e.CommitterTime.After(existing) {
			index[id] = e.CommitterTime
		}
	}
	return index, nil
}

func (d *Detector) patchID(ctx context.Context, commitID string) (string, error) {
	diff, err := d.Exec.Run(ctx, []string{"show", "--format=", "-p", commitID}, d.RepoPath)
	if err != nil {
		return "", err
	}
	out, err := d.Exec.RunWithStdin(ctx, []string{"patch-id", "--stable"}, d.RepoPath, diff)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

// detect runs the merge/rebase/squash pipeline for one archived
// branch and always returns a result. With an empty right side the
// rebase phase yields NotIntegrated with zero counts; the merge phase
// before it, or the squash phase after it, can still report Integrated.
func (d *Detector) detect(ctx context.Context, name, tip string, pre *Prefetch) vbtypes.BranchIntegrationInfo {
	info := vbtypes.BranchIntegrationInfo{Name: name, Summary: d.summaryFor(ctx, name, tip)}

	if status, ok := d.mergePhase(ctx, tip, pre); ok {
		info.Status = status
		return info
	}

	status, integratedCount := d.rebasePhase(ctx, tip, pre)
	if status.Kind == vbtypes.KindIntegrated {
		info.Status = status
		return info
	}

	if d.Strategy == vbtypes.StrategySquash || d.Strategy == vbtypes.StrategyAll {
		if integratedCount == 0 {
			if squashStatus, ok := d.squashPhase(ctx, tip, status.TotalCommitCount, pre); ok {
				info.Status = squashStatus
				return info
			}
		}
	}

	info.Status = status
	return info
}

func (d *Detector) summaryFor(ctx context.Context, name, tip string) string {
	tag := name
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		tag = name[idx+1:]
	}
	if !group.IsBareIssueIdentifier(tag) {
		return ""
	}
	subject, err := d.Exec.Run(ctx, []string{"show", "--no-patch", "--format=%s", tip}, d.RepoPath)
	if err != nil {
		return ""
	}
	return group.StripIssuePrefix(strings.TrimSpace(string(subject)))
}

func (d *Detector) mergePhase(ctx context.Context, tip string, pre *Prefetch) (vbtypes.IntegrationStatus, bool) {
	if d.Strategy != vbtypes.StrategyMerge && d.Strategy != vbtypes.StrategyAll {
		return vbtypes.IntegrationStatus{}, false
	}
	for _, m := range pre.MergeCommits {
		if m.SecondParent != tip {
			out, err := d.Exec.Run(ctx, []string{"merge-base", "--is-ancestor", m.SecondParent, tip}, d.RepoPath)
			_ = out
			if err != nil {
				continue
			}
		}
		forkPoint, err := d.mergeBase(ctx, tip, d.Baseline)
		commitCount := 0
		if err == nil && forkPoint != "" {
			if n, cerr := d.countCommits(ctx, forkPoint, tip); cerr == nil {
				commitCount = n
			}
		}
		at := m.CommitterTime
		return vbtypes.IntegrationStatus{
			Kind:         vbtypes.KindIntegrated,
			IntegratedAt: &at,
			Confidence:   vbtypes.ConfidenceExact,
			CommitCount:  commitCount,
		}, true
	}
	return vbtypes.IntegrationStatus{}, false
}

func (d *Detector) mergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := d.Exec.Run(ctx, []string{"merge-base", a, b}, d.RepoPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (d *Detector) countCommits(ctx context.Context, from, to string) (int, error) {
	out, err := d.Exec.Run(ctx, []string{"rev-list", "--count", from + ".." + to}, d.RepoPath)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(out)))
}

// rebasePhase runs `git cherry` to classify each commit on the
// archived branch's exclusive side as integrated or orphaned, and
// returns the integrated-count alongside the status so the caller can
// decide whether the squash fallback applies.
func (d *Detector) rebasePhase(ctx context.Context, tip string, pre *Prefetch) (vbtypes.IntegrationStatus, int) {
	lines, err := d.Exec.RunLines(ctx, []string{"cherry", d.Baseline, tip}, d.RepoPath)
	if err != nil {
		return vbtypes.IntegrationStatus{Kind: vbtypes.KindNotIntegrated}, 0
	}

	var integratedIDs []string
	integrated, orphaned := 0, 0
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case "-":
			integrated++
			integratedIDs = append(integratedIDs, fields[1])
		case "+":
			orphaned++
		}
	}
	total := integrated + orphaned

	if total > 0 && orphaned == 0 {
		at := d.latestIntegratedAt(ctx, integratedIDs, pre)
		status := vbtypes.IntegrationStatus{
			Kind:        vbtypes.KindIntegrated,
			Confidence:  vbtypes.ConfidenceHigh,
			CommitCount: total,
		}
		if !at.IsZero() {
			status.IntegratedAt = &at
		}
		return status, integrated
	}

	return vbtypes.IntegrationStatus{
		Kind:             vbtypes.KindNotIntegrated,
		TotalCommitCount: total,
		IntegratedCount:  integrated,
		OrphanedCount:    orphaned,
	}, integrated
}

// latestIntegratedAt looks each integrated branch-side commit's
// patch-id up in the baseline-window patch index built during
// prefetch, and returns the most recent committer time among matches.
// Counterparts whose baseline commit fell outside the scan window
// simply don't contribute, leaving the zero time if none match.
func (d *Detector) latestIntegratedAt(ctx context.Context, branchSideIDs []string, pre *Prefetch) time.Time {
	var latest time.Time
	for _, id := range branchSideIDs {
		pid, err := d.patchID(ctx, id)
		if err != nil || pid == "" {
			continue
		}
		if at, ok := pre.PatchIndex[pid]; ok && at.After(latest) {
			latest = at
		}
	}
	return latest
}

func (d *Detector) squashPhase(ctx context.Context, tip string, total int, pre *Prefetch) (vbtypes.IntegrationStatus, bool) {
	tipSubject, err := d.Exec.Run(ctx, []string{"show", "--no-patch", "--format=%s", tip}, d.RepoPath)
	if err != nil {
		return vbtypes.IntegrationStatus{}, false
	}
	_, strippedTip, _ := group.Classify(strings.TrimSpace(string(tipSubject)), nil)
	strippedTip = strings.TrimSpace(strippedTip)
	if strippedTip == "" {
		return vbtypes.IntegrationStatus{}, false
	}
	for _, entry := range pre.BaselineWindow {
		if entry.StrippedSubject == strippedTip {
			at := entry.CommitterTime
			return vbtypes.IntegrationStatus{
				Kind:         vbtypes.KindIntegrated,
				IntegratedAt: &at,
				Confidence:   vbtypes.ConfidenceHigh,
				CommitCount:  total,
			}, true
		}
	}
	return vbtypes.IntegrationStatus{}, false
}
