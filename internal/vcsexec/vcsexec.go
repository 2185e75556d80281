// Package vcsexec is a thin, uniformly-argued invoker of the local git
// binary. It is the sole place in the module that shells out to a VCS
// process; every other package talks to a *vcsexec.Executor, never to
// os/exec directly, mirroring the teacher's direct-but-narrow
// exec.CommandContext usage in its git worktree and sync-integrity code.
package vcsexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Error wraps a non-zero exit from the VCS binary, carrying both
// captured streams so callers can build structured diagnostics
// instead of reparsing a single combined blob.
type Error struct {
	Args     []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(string(e.Stderr)))
}

// Executor runs the configured VCS binary (git) against a working
// directory. The zero value uses "git" on PATH and the process
// environment.
type Executor struct {
	Bin string // defaults to "git"
	Env []string // additional KEY=VALUE pairs appended to every invocation
}

func New() *Executor { return &Executor{Bin: "git"} }

func (e *Executor) bin() string {
	if e.Bin == "" {
		return "git"
	}
	return e.Bin
}

// supportsNoPager is a conservative allowlist of subcommands that
// accept --no-pager as a leading global flag (all of git does, but we
// only ever invoke plumbing commands here, so this is effectively
// always true; kept explicit per spec §4.1's "when the underlying
// command supports it").
func supportsNoPager(args []string) bool {
	return len(args) > 0
}

func (e *Executor) build(ctx context.Context, args []string, cwd string) *exec.Cmd {
	full := args
	if supportsNoPager(args) {
		full = append([]string{"--no-pager"}, args...)
	}
	cmd := exec.CommandContext(ctx, e.bin(), full...) // #nosec G204 - args are built from validated internal callers, not raw user input
	cmd.Dir = cwd
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	return cmd
}

// Run executes args in cwd and returns captured stdout as bytes.
// Callers decide UTF-8 handling; stderr is only surfaced on error.
func (e *Executor) Run(ctx context.Context, args []string, cwd string) ([]byte, error) {
	return e.RunWithEnv(ctx, args, cwd, nil)
}

// RunWithEnv is Run with extra environment variables injected, used
// for author/committer timestamp overrides during commit construction.
func (e *Executor) RunWithEnv(ctx context.Context, args []string, cwd string, env []string) ([]byte, error) {
	cmd := e.build(ctx, args, cwd)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), toError(args, stdout.Bytes(), stderr.Bytes(), err)
	}
	return stdout.Bytes(), nil
}

// RunWithStdin streams stdinBytes to the process and returns stdout.
func (e *Executor) RunWithStdin(ctx context.Context, args []string, cwd string, stdinBytes []byte) ([]byte, error) {
	cmd := e.build(ctx, args, cwd)
	cmd.Stdin = bytes.NewReader(stdinBytes)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), toError(args, stdout.Bytes(), stderr.Bytes(), err)
	}
	return stdout.Bytes(), nil
}

// RunLines runs args and splits stdout into non-empty trimmed lines.
func (e *Executor) RunLines(ctx context.Context, args []string, cwd string) ([]string, error) {
	out, err := e.Run(ctx, args, cwd)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(out), "\n") {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func toError(args []string, stdout, stderr []byte, err error) error {
	exitCode := -1
	if ee, ok := err.(*exec.ExitError); ok {
		exitCode = ee.ExitCode()
	}
	return &Error{Args: args, Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
}
