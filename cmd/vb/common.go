package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/untoldecay/vbranch/internal/copier"
	"github.com/untoldecay/vbranch/internal/events"
	"github.com/untoldecay/vbranch/internal/group"
	"github.com/untoldecay/vbranch/internal/orchestrator"
	"github.com/untoldecay/vbranch/internal/statusindex"
	"github.com/untoldecay/vbranch/internal/vbconfig"
	"github.com/untoldecay/vbranch/internal/vcsexec"
	"github.com/untoldecay/vbranch/internal/vlog"
)

// buildOrchestrator resolves the repository's git directory, loads
// layered config (internal/vbconfig), and wires an
// orchestrator.Orchestrator ready for Run. Shared by `vb sync`,
// `vb watch`, and anything else that needs one full sync pass.
func buildOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	exec := vcsexec.New()

	absRepo, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving --repo path: %w", err)
	}

	gitDirOut, err := exec.Run(ctx, []string{"rev-parse", "--git-dir"}, absRepo)
	if err != nil {
		return nil, fmt.Errorf("%s is not a git repository: %w", absRepo, err)
	}
	gitDir := strings.TrimSpace(string(gitDirOut))
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(absRepo, gitDir)
	}

	cfg, err := vbconfig.Load(absRepo)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(gitDir, "vbranch"), 0o755); err != nil {
		return nil, fmt.Errorf("creating vbranch state directory: %w", err)
	}

	logger := vlog.New(vlog.Options{FilePath: logFile})

	var classifiers []group.Classifier
	for _, path := range cfg.ClassifierPlugins {
		c, err := group.LoadWasmClassifierFromManifest(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("loading classifier plugin %s: %w", path, err)
		}
		classifiers = append(classifiers, c)
	}

	o := &orchestrator.Orchestrator{
		Exec:      exec,
		RepoPath:  absRepo,
		GitDir:    gitDir,
		Config:    cfg,
		TreeCache: copier.NewTreeCache(),
		Logger:    logger,
		Bus:       events.NewBus(),
	}
	o.WithClassifiers(classifiers...)
	return o, nil
}

// openStatusIndex opens the local status mirror for o, returning nil
// (not an error) when the config has disabled it — callers treat a
// nil *statusindex.Index as "don't mirror".
func openStatusIndex(ctx context.Context, o *orchestrator.Orchestrator) (*statusindex.Index, error) {
	if !o.Config.StatusIndexEnabled {
		return nil, nil
	}
	return statusindex.Open(ctx, filepath.Join(o.GitDir, "vbranch", "status.db"))
}

// consumeEvents drains o.Bus, rendering each event to the terminal
// and, if idx is non-nil, mirroring the structural ones into the
// local status index. It returns a channel closed once the bus is
// closed and every event has been processed.
func consumeEvents(ctx context.Context, o *orchestrator.Orchestrator, idx *statusindex.Index) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range o.Bus.Events() {
			renderEvent(ev)
			if idx == nil {
				continue
			}
			switch e := ev.(type) {
			case events.BranchesGrouped:
				if err := idx.ApplyGrouped(ctx, e); err != nil {
					o.Logger.Warn("status index: applying grouped branches failed", "error", err)
				}
			case events.BranchIntegrationDetected:
				if err := idx.ApplyIntegration(ctx, e.Info); err != nil {
					o.Logger.Warn("status index: applying integration result failed", "error", err)
				}
			}
		}
	}()
	return done
}
