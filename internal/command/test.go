package command

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dorcha-inc/burrow/internal/config"
	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/runtime"
)

const (
	DefaultTestRunner = "go test"
	DefaultTestPath   = "./..."
)

// TestCommand runs the project's test runner with the runtime's environment
// overlay and reports the runner's exit code as its own.
type TestCommand struct {
	output
	runner   string
	executor *core.ProcessExecutor
}

// NewTestCommand creates the test command. A nil executor runs real processes.
func NewTestCommand(executor *core.ProcessExecutor) *TestCommand {
	if executor == nil {
		executor = core.NewProcessExecutor(0)
	}
	return &TestCommand{runner: DefaultTestRunner, executor: executor}
}

func (c *TestCommand) Name() string  { return "test" }
func (c *TestCommand) Short() string { return "Run the test suite with the runtime environment" }
func (c *TestCommand) Usage() string { return "test [path...]" }

func (c *TestCommand) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.runner, "runner", c.runner, "Test runner command line")
}

func (c *TestCommand) Validate(config.RuntimeConfig) error {
	fields := strings.Fields(c.runner)
	if len(fields) == 0 {
		return usageError(c, "--runner must not be empty")
	}
	if _, err := core.ResolveExecutable(fields[0]); err != nil {
		return core.NewConfigError("test runner: %v", err)
	}
	return nil
}

// ValidateArgs accepts anything; arguments are passed to the runner.
func (c *TestCommand) ValidateArgs([]string) error { return nil }

func (c *TestCommand) Run(ctx context.Context, rt *runtime.Runtime, args []string) (int, error) {
	fields := strings.Fields(c.runner)
	if len(fields) == 0 {
		return core.ExitConfig, usageError(c, "--runner must not be empty")
	}

	paths := args
	if len(paths) == 0 {
		paths = []string{DefaultTestPath}
	}

	overrides := rt.Config().Env()
	overrides[core.EnvPrefix+"_APP_DIR"] = rt.Settings().AppDir

	spec := core.ProcessSpec{
		Name:   fields[0],
		Args:   append(fields[1:], paths...),
		Env:    core.MergeEnv(os.Environ(), overrides),
		Stdout: c.UI().Stdout(),
		Stderr: c.UI().Stderr(),
	}

	zap.L().Info("Running tests", zap.String("runner", c.runner), zap.Strings("paths", paths))

	code := core.ExitFailure
	err := rt.Blocking(ctx, func(ctx context.Context) error {
		var runErr error
		code, runErr = c.executor.Run(ctx, spec)
		return runErr
	})
	if err != nil {
		return core.ExitFailure, err
	}

	zap.L().Info("Tests finished", zap.Int("exit_code", code))
	return code, nil
}
