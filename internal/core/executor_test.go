package core

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const windowsOS = "windows"

type fakeExitError struct {
	code int
}

func (f fakeExitError) Error() string { return "exit status" }
func (f fakeExitError) ExitCode() int { return f.code }

type fakeCommand struct {
	ctx      context.Context
	name     string
	args     []string
	env      []string
	dir      string
	stdout   io.Writer
	block    bool
	exitCode int
	startErr error
}

func (f *fakeCommand) SetStdin(io.Reader)    {}
func (f *fakeCommand) SetStdout(w io.Writer) { f.stdout = w }
func (f *fakeCommand) SetStderr(io.Writer)   {}
func (f *fakeCommand) SetEnv(env []string)   { f.env = env }
func (f *fakeCommand) SetDir(dir string)     { f.dir = dir }
func (f *fakeCommand) Start() error          { return f.startErr }

func (f *fakeCommand) Wait() error {
	if f.block {
		<-f.ctx.Done()
		return f.ctx.Err()
	}
	if f.stdout != nil {
		_, _ = io.WriteString(f.stdout, "ran "+f.name)
	}
	if f.exitCode != 0 {
		return fakeExitError{code: f.exitCode}
	}
	return nil
}

type fakeRunner struct {
	template fakeCommand
	last     *fakeCommand
}

func (r *fakeRunner) CommandContext(ctx context.Context, name string, arg ...string) Command {
	cmd := r.template
	cmd.ctx = ctx
	cmd.name = name
	cmd.args = arg
	r.last = &cmd
	return &cmd
}

// TestNewProcessExecutor tests the creation of a new process executor
func TestNewProcessExecutor(t *testing.T) {
	executor := NewProcessExecutor(30 * time.Second)
	require.NotNil(t, executor)
	assert.Equal(t, 30*time.Second, executor.timeout)
	assert.NotNil(t, executor.clock)
}

// TestRun_PassesSpecToCommand tests that env, dir and args reach the command
func TestRun_PassesSpecToCommand(t *testing.T) {
	runner := &fakeRunner{}
	executor := NewProcessExecutorWithClockAndRunner(0, clockwork.NewFakeClock(), runner)

	var out bytes.Buffer
	code, err := executor.Run(context.Background(), ProcessSpec{
		Name:   "go",
		Args:   []string{"test", "./..."},
		Env:    []string{"A=1"},
		Dir:    "/tmp",
		Stdout: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, []string{"test", "./..."}, runner.last.args)
	assert.Equal(t, []string{"A=1"}, runner.last.env)
	assert.Equal(t, "/tmp", runner.last.dir)
	assert.Equal(t, "ran go", out.String())
}

// TestRun_PropagatesExitCode tests that a non-zero exit is reported as a code, not an error
func TestRun_PropagatesExitCode(t *testing.T) {
	runner := &fakeRunner{template: fakeCommand{exitCode: 3}}
	executor := NewProcessExecutorWithClockAndRunner(0, clockwork.NewFakeClock(), runner)

	code, err := executor.Run(context.Background(), ProcessSpec{Name: "pytest"})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

// TestRun_StartError tests that a start failure is an error
func TestRun_StartError(t *testing.T) {
	runner := &fakeRunner{template: fakeCommand{startErr: os.ErrNotExist}}
	executor := NewProcessExecutorWithClockAndRunner(0, clockwork.NewFakeClock(), runner)

	code, err := executor.Run(context.Background(), ProcessSpec{Name: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, ExitFailure, code)
}

// TestRun_Timeout tests that the fake clock drives the process timeout
func TestRun_Timeout(t *testing.T) {
	fakeClock := clockwork.NewFakeClock()
	runner := &fakeRunner{template: fakeCommand{block: true}}
	executor := NewProcessExecutorWithClockAndRunner(10*time.Second, fakeClock, runner)

	done := make(chan error, 1)
	go func() {
		_, err := executor.Run(context.Background(), ProcessSpec{Name: "sleep"})
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fakeClock.BlockUntilContext(ctx, 1))
	fakeClock.Advance(11 * time.Second)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	case <-ctx.Done():
		t.Fatal("process did not time out")
	}
}

// TestRun_ParentCancel tests that cancelling the caller's context is reported as such
func TestRun_ParentCancel(t *testing.T) {
	runner := &fakeRunner{template: fakeCommand{block: true}}
	executor := NewProcessExecutorWithClockAndRunner(0, clockwork.NewFakeClock(), runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := executor.Run(ctx, ProcessSpec{Name: "sleep"})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestRun_RealProcessExitCode tests exit code propagation with a real shell
func TestRun_RealProcessExitCode(t *testing.T) {
	if runtime.GOOS == windowsOS {
		t.Skip("Skipping shell test on Windows")
	}

	tmpDir := t.TempDir()
	scriptPath := filepath.Join(tmpDir, "exit.sh")
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(scriptPath, []byte("echo \"$GREETING\"\nexit 7\n"), 0755))

	var out bytes.Buffer
	code, err := NewProcessExecutor(10*time.Second).Run(context.Background(), ProcessSpec{
		Name:   "/bin/sh",
		Args:   []string{scriptPath},
		Env:    []string{"GREETING=hello"},
		Stdout: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Equal(t, "hello\n", out.String())
}
