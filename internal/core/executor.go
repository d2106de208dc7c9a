package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// CommandRunner is an interface for running commands, allowing for testing with mocks
type CommandRunner interface {
	CommandContext(ctx context.Context, name string, arg ...string) Command
}

// Command is an interface for exec.Cmd, allowing for testing with mocks
type Command interface {
	SetStdin(io.Reader)
	SetStdout(io.Writer)
	SetStderr(io.Writer)
	SetEnv([]string)
	SetDir(string)
	Start() error
	Wait() error
}

// execCommand wraps exec.Cmd to implement Command interface
type execCommand struct {
	*exec.Cmd
}

func (e *execCommand) SetStdin(r io.Reader) {
	e.Stdin = r
}

func (e *execCommand) SetStdout(w io.Writer) {
	e.Stdout = w
}

func (e *execCommand) SetStderr(w io.Writer) {
	e.Stderr = w
}

func (e *execCommand) SetEnv(env []string) {
	e.Env = env
}

func (e *execCommand) SetDir(dir string) {
	e.Dir = dir
}

func (e *execCommand) Start() error {
	return e.Cmd.Start()
}

func (e *execCommand) Wait() error {
	return e.Cmd.Wait()
}

// Interface guard for execCommand
var _ Command = &execCommand{}

// execCommandRunner wraps exec.CommandContext to implement CommandRunner
type execCommandRunner struct{}

func (e *execCommandRunner) CommandContext(ctx context.Context, name string, arg ...string) Command {
	return &execCommand{Cmd: exec.CommandContext(ctx, name, arg...)}
}

// Interface guard for execCommandRunner
var _ CommandRunner = &execCommandRunner{}

// ProcessSpec describes a child process to run.
type ProcessSpec struct {
	Name   string
	Args   []string
	Env    []string // full environment; nil inherits the parent's
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ProcessExecutor runs child processes to completion, streaming their output.
type ProcessExecutor struct {
	timeout       time.Duration
	clock         clockwork.Clock
	commandRunner CommandRunner
}

// NewProcessExecutor creates a new process executor with a real clock.
// A zero timeout means the process may run until the context is done.
func NewProcessExecutor(timeout time.Duration) *ProcessExecutor {
	return NewProcessExecutorWithClockAndRunner(timeout, clockwork.NewRealClock(), &execCommandRunner{})
}

// NewProcessExecutorWithClockAndRunner creates a new process executor with a custom clock and command runner
// This is useful for testing with a fake clock and mocked command execution
func NewProcessExecutorWithClockAndRunner(timeout time.Duration, clock clockwork.Clock, runner CommandRunner) *ProcessExecutor {
	return &ProcessExecutor{
		timeout:       timeout,
		clock:         clock,
		commandRunner: runner,
	}
}

// exitCoder matches *exec.ExitError and test doubles.
type exitCoder interface {
	ExitCode() int
}

// Run starts the process described by spec and waits for it. A process that
// ran and exited non-zero is not an error: its exit code is returned with a nil error.
func (e *ProcessExecutor) Run(ctx context.Context, spec ProcessSpec) (int, error) {
	execCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = clockwork.WithTimeout(ctx, e.clock, e.timeout)
		defer cancel()
	}

	cmd := e.commandRunner.CommandContext(execCtx, spec.Name, spec.Args...)
	if spec.Stdin != nil {
		cmd.SetStdin(spec.Stdin)
	}
	if spec.Stdout != nil {
		cmd.SetStdout(spec.Stdout)
	}
	if spec.Stderr != nil {
		cmd.SetStderr(spec.Stderr)
	}
	if spec.Env != nil {
		cmd.SetEnv(spec.Env)
	}
	if spec.Dir != "" {
		cmd.SetDir(spec.Dir)
	}

	zap.L().Debug("Starting process", zap.String("name", spec.Name), zap.Strings("args", spec.Args))

	if err := cmd.Start(); err != nil {
		return ExitFailure, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	err := cmd.Wait()

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return ExitFailure, fmt.Errorf("%s timed out after %v", spec.Name, e.timeout)
	}
	if ctx.Err() != nil {
		return ExitFailure, ctx.Err()
	}

	if err != nil {
		var exitErr exitCoder
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return ExitFailure, fmt.Errorf("failed to run %s: %w", spec.Name, err)
	}

	return ExitOK, nil
}
