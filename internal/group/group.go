// Package group classifies streamed commits into tag groups (spec §4.2).
//
// The rules mirror the teacher's own validation style in
// syncbranch.ValidateBranchName (a git-check-ref-format-derived regex
// applied to a candidate name) but here sanitize rather than reject:
// a tag always resolves to either a clean group key or "unassigned".
package group

import (
	"regexp"
	"strings"

	"github.com/untoldecay/vbranch/internal/vbtypes"
)

var (
	autosquashRe  = regexp.MustCompile(`^(fixup!|squash!|amend!)\s*`)
	parenPrefixRe = regexp.MustCompile(`^\s*\(([^)\n]+)\)`)
	issueIDRe     = regexp.MustCompile(`[A-Za-z][A-Za-z0-9]*-\d+`)
	// forbiddenRefChars mirrors git-check-ref-format's disallowed set,
	// replaced rather than rejected.
	forbiddenRefChars = regexp.MustCompile("[~^:?*\\[\\\\\x00-\x1f\\s]+")
	dashCollapseRe    = regexp.MustCompile(`-{2,}`)
)

// Classifier is an optional pluggable hook (e.g. a wazero-hosted WASM
// module, see internal/group/plugin.go) consulted between rule (2)
// and rule (3). An empty return means "no opinion".
type Classifier interface {
	Classify(subject string) (tag string, ok bool)
}

// Grouper accumulates streamed commits into ordered tag groups,
// preserving first-seen group order and in-group insertion order.
type Grouper struct {
	order       []string
	groups      map[string][]vbtypes.Commit
	unassigned  []vbtypes.Commit
	commitCount int
	oldest      *vbtypes.Commit
	classifiers []Classifier
}

func New(classifiers ...Classifier) *Grouper {
	return &Grouper{
		groups:      make(map[string][]vbtypes.Commit),
		classifiers: classifiers,
	}
}

// Add classifies one commit and appends it to the resolved bucket in
// the order it was added. Callers must feed commits in baseline-to-tip
// (chronological) order: Grouper does not reorder.
func (g *Grouper) Add(c vbtypes.Commit) {
	g.commitCount++
	if g.oldest == nil {
		first := c
		g.oldest = &first
	}

	key, stripped, ok := Classify(c.Subject, g.classifiers)
	if !ok {
		g.unassigned = append(g.unassigned, c)
		return
	}
	c.StrippedSubject = stripped
	if _, exists := g.groups[key]; !exists {
		g.order = append(g.order, key)
	}
	g.groups[key] = append(g.groups[key], c)
}

// Finish returns the accumulated groups in first-seen order, the
// unassigned bucket, and total commit count.
func (g *Grouper) Finish() (ordered []vbtypes.TagGroup, unassigned []vbtypes.Commit, total int) {
	ordered = make([]vbtypes.TagGroup, 0, len(g.order))
	for _, key := range g.order {
		commits := g.groups[key]
		tg := vbtypes.TagGroup{Tag: key, Commits: commits}
		if first, ok := tg.OldestCommit(); ok {
			tg.OldestParent = first.ParentID
		}
		ordered = append(ordered, tg)
	}
	return ordered, g.unassigned, g.commitCount
}

func (g *Grouper) CommitCount() int { return g.commitCount }

// OldestCommit is the first commit ever added (baseline-adjacent,
// since callers stream oldest-first).
func (g *Grouper) OldestCommit() (vbtypes.Commit, bool) {
	if g.oldest == nil {
		return vbtypes.Commit{}, false
	}
	return *g.oldest, true
}

// Classify applies the three grouping rules (spec §4.2) to subject,
// consulting classifiers between rules (2) and (3). It returns the
// sanitized group key, the stripped subject, and whether a key was
// found at all.
func Classify(subject string, classifiers []Classifier) (key, stripped string, ok bool) {
	rest := subject
	if m := autosquashRe.FindString(subject); m != "" {
		rest = subject[len(m):]
	}

	if m := parenPrefixRe.FindStringSubmatchIndex(rest); m != nil {
		tag := rest[m[2]:m[3]]
		if strings.TrimSpace(tag) != "" {
			afterParen := strings.TrimLeft(rest[m[1]:], " \t")
			return sanitize(tag), afterParen, sanitize(tag) != ""
		}
	}

	for _, c := range classifiers {
		if tag, matched := c.Classify(rest); matched && strings.TrimSpace(tag) != "" {
			return sanitize(tag), rest, sanitize(tag) != ""
		}
	}

	if loc := issueIDRe.FindStringIndex(rest); loc != nil {
		id := rest[loc[0]:loc[1]]
		after := rest[loc[1]:]
		after = strings.TrimPrefix(after, ":")
		after = strings.TrimLeft(after, " \t")
		before := strings.TrimRight(rest[:loc[0]], " \t")
		strippedSubject := strings.TrimSpace(before + " " + after)
		return sanitize(id), strippedSubject, sanitize(id) != ""
	}

	return "", subject, false
}

// IsBareIssueIdentifier reports whether tag is exactly an issue
// identifier with nothing else around it (spec §4.6's summary rule:
// "if the tag is a bare issue identifier").
func IsBareIssueIdentifier(tag string) bool {
	loc := issueIDRe.FindStringIndex(tag)
	return loc != nil && loc[0] == 0 && loc[1] == len(tag)
}

// StripIssuePrefix removes a leading issue identifier and a following
// ":" or whitespace from subject, used to build the detector's
// integration summary (spec §4.6).
func StripIssuePrefix(subject string) string {
	loc := issueIDRe.FindStringIndex(subject)
	if loc == nil || loc[0] != 0 {
		return subject
	}
	rest := subject[loc[1]:]
	rest = strings.TrimPrefix(rest, ":")
	return strings.TrimLeft(rest, " \t")
}

// sanitize enforces reference-name safety: forbidden characters and
// whitespace become "-", runs of "-" collapse, and leading/trailing
// "." or "-" are stripped. An all-forbidden input sanitizes to "".
func sanitize(s string) string {
	s = forbiddenRefChars.ReplaceAllString(s, "-")
	s = dashCollapseRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	return s
}
