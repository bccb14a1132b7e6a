// Package runner executes backend command lines through the shell and
// reports exit codes as data. An error from this package always means the
// command could not be run or reaped at all, never that it exited non-zero.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// stopGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
const stopGracePeriod = 5 * time.Second

// Result holds the outcome of one completed command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes command lines via the shell.
type Runner interface {
	// Run executes the command and blocks until it exits. A non-zero exit
	// code is data in the Result, not an error.
	Run(ctx context.Context, command, dir string) (Result, error)

	// Start launches the command and returns a handle to wait on or stop.
	Start(ctx context.Context, command, dir string) (Proc, error)
}

// Proc is a started process. Wait must be called exactly once; Stop may be
// called concurrently with Wait.
type Proc interface {
	Pid() int
	Wait() (Result, error)
	Stop(ctx context.Context) error
}

// LaunchError reports a command that could not be run at all, as opposed to
// one that ran and exited non-zero.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ShellRunner runs command lines through `sh -c`.
type ShellRunner struct{}

// NewShellRunner creates a shell-backed runner.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{}
}

var _ Runner = (*ShellRunner)(nil)

// Run executes the command line and captures stdout and stderr separately.
func (r *ShellRunner) Run(ctx context.Context, command, dir string) (Result, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, &LaunchError{Command: command, Err: err}
	}
	return res, nil
}

// Start launches the command line and returns a handle for it. The process
// is deliberately not bound to ctx: its lifetime is managed through Stop.
func (r *ShellRunner) Start(ctx context.Context, command, dir string) (Proc, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Command: command, Err: err}
	}
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	p := &proc{cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Command: command, Err: err}
	}
	return p, nil
}

type proc struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan struct{}
}

// Pid returns the operating system process id.
func (p *proc) Pid() int {
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits and returns its result. Non-zero exit
// is a result, not an error.
func (p *proc) Wait() (Result, error) {
	err := p.cmd.Wait()
	close(p.done)

	res := Result{Stdout: p.stdout.String(), Stderr: p.stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("waiting on process: %w", err)
	}
	return res, nil
}

// Stop terminates the process: SIGTERM first, SIGKILL once the grace period
// or ctx expires. A process that already exited is not an error.
func (p *proc) Stop(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(stopGracePeriod):
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("sending SIGKILL: %w", err)
	}
	return nil
}
