// Package watch implements continuous sync (SPEC_FULL §4.9): rerunning
// the orchestrator whenever the repository's refs change instead of
// requiring a manual invocation after every commit.
//
// Grounded on the teacher's cmd/bd/daemon_watcher.go FileWatcher: a
// fsnotify.Watcher on the directories that matter, a debounce timer
// coalescing bursts of events into one trigger, and a polling fallback
// (gated by an env var) for filesystems where fsnotify setup fails.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/untoldecay/vbranch/internal/events"
	"github.com/untoldecay/vbranch/internal/orchestrator"
)

// fallbackEnvVar disables the polling fallback when set to "false" or
// "0", mirroring the teacher's BEADS_WATCHER_FALLBACK switch.
const fallbackEnvVar = "VBRANCH_WATCHER_FALLBACK"

const debounceDelay = 500 * time.Millisecond

const pollInterval = 5 * time.Second

// debouncer coalesces a burst of triggers into a single call to fn,
// fired debounceDelay after the last Trigger.
type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
	fn    func()
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Watcher reruns one Orchestrator's Run whenever refs/heads or HEAD
// change under the repository's git directory. In polling mode only
// HEAD's modification time is checked.
type Watcher struct {
	Orchestrator *orchestrator.Orchestrator
	GitDir       string
	Logger       *slog.Logger

	fsw         *fsnotify.Watcher
	pollingMode bool
	refsPath    string
	headPath    string
	lastHeadMod time.Time
	debounce    *debouncer
	wg          sync.WaitGroup
}

// New builds a Watcher, setting up fsnotify or falling back to polling
// if fsnotify initialization fails and the fallback isn't disabled.
func New(o *orchestrator.Orchestrator, gitDir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		Orchestrator: o,
		GitDir:       gitDir,
		Logger:       logger,
		refsPath:     filepath.Join(gitDir, "refs", "heads"),
		headPath:     filepath.Join(gitDir, "HEAD"),
	}
	w.debounce = newDebouncer(debounceDelay, w.runOnce)

	if stat, err := os.Stat(w.headPath); err == nil {
		w.lastHeadMod = stat.ModTime()
	}

	fallbackDisabled := func() bool {
		v := os.Getenv(fallbackEnvVar)
		return v == "false" || v == "0"
	}()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		if fallbackDisabled {
			return nil, fmt.Errorf("fsnotify unavailable and %s disables the polling fallback: %w", fallbackEnvVar, err)
		}
		w.Logger.Warn("fsnotify unavailable, falling back to polling", "error", err, "interval", pollInterval)
		w.pollingMode = true
		return w, nil
	}

	if err := fsw.Add(w.refsPath); err != nil {
		w.Logger.Warn("failed to watch refs/heads", "path", w.refsPath, "error", err)
	}
	if err := fsw.Add(filepath.Dir(w.headPath)); err != nil {
		w.Logger.Warn("failed to watch git directory for HEAD changes", "path", filepath.Dir(w.headPath), "error", err)
	}
	w.fsw = fsw
	return w, nil
}

// Run blocks, rerunning the orchestrator on every detected change
// until ctx is canceled. It runs once immediately before watching.
func (w *Watcher) Run(ctx context.Context) error {
	w.runOnce()

	if w.pollingMode {
		return w.runPolling(ctx)
	}
	return w.runNotify(ctx)
}

func (w *Watcher) runNotify(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Name == w.headPath && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.debounce.Trigger()
				continue
			}
			if strings.HasPrefix(ev.Name, w.refsPath) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.debounce.Trigger()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("watcher error", "error", err)
		case <-ctx.Done():
			w.debounce.Cancel()
			return ctx.Err()
		}
	}
}

func (w *Watcher) runPolling(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.headPath)
			if err != nil {
				continue
			}
			if !stat.ModTime().Equal(w.lastHeadMod) {
				w.lastHeadMod = stat.ModTime()
				w.debounce.Trigger()
			}
		case <-ctx.Done():
			w.debounce.Cancel()
			return ctx.Err()
		}
	}
}

func (w *Watcher) runOnce() {
	w.wg.Add(1)
	defer w.wg.Done()
	ctx := context.Background()
	if err := w.Orchestrator.Run(ctx); err != nil {
		w.Orchestrator.Bus.Emit(events.CommitError{Error: err.Error()})
		w.Logger.Error("sync run failed", "error", err)
	}
}

// Wait blocks until any in-flight runOnce triggered by a debounced
// event has finished, used by callers shutting down after ctx cancels.
func (w *Watcher) Wait() {
	w.wg.Wait()
}
