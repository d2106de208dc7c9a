// Package program turns a runtime configuration and a set of commands into a
// process: it parses the command line, validates everything before any
// resource is provisioned, builds the runtime, runs exactly one command under
// a signal-aware context, tears the runtime down and reports an exit code.
package program

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dorcha-inc/burrow/internal/command"
	"github.com/dorcha-inc/burrow/internal/config"
	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/runtime"
	"github.com/dorcha-inc/burrow/internal/tui"
)

// Program is assembled once by the composition code and run once.
type Program struct {
	name     string
	about    string
	version  string
	builder  config.Builder
	commands []command.Command

	stdout io.Writer
	stderr io.Writer

	runtimeOpts []runtime.Option
	initLogger  func(pretty bool, level string) error
}

// flags holds the options every command accepts.
type flags struct {
	configPath  string
	pretty      bool
	logLevel    string
	printConfig bool
}

// selection is what the command line resolved to.
type selection struct {
	cmd  command.Command
	args []string
}

// New creates a program called name with default settings and no commands.
func New(name string) *Program {
	return &Program{
		name:       name,
		version:    "dev",
		builder:    config.NewBuilder(),
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		initLogger: core.Init,
	}
}

func (p *Program) About(text string) *Program {
	p.about = text
	return p
}

func (p *Program) Version(v string) *Program {
	p.version = v
	return p
}

// RuntimeConfig sets the configuration the file and environment overlay
// is applied to.
func (p *Program) RuntimeConfig(b config.Builder) *Program {
	p.builder = b
	return p
}

// Command offers cmd on the command line.
func (p *Program) Command(cmd command.Command) *Program {
	p.commands = append(p.commands, cmd)
	return p
}

// Output redirects everything the program and its commands print.
func (p *Program) Output(stdout, stderr io.Writer) *Program {
	p.stdout = stdout
	p.stderr = stderr
	return p
}

// RuntimeOptions are passed to runtime.New.
func (p *Program) RuntimeOptions(opts ...runtime.Option) *Program {
	p.runtimeOpts = append(p.runtimeOpts, opts...)
	return p
}

// Run runs the program on the process arguments and returns the exit code.
func (p *Program) Run() int {
	return p.RunContext(context.Background(), os.Args[1:])
}

// RunContext runs the program on args. SIGINT and SIGTERM cancel the
// command's context.
func (p *Program) RunContext(ctx context.Context, args []string) int {
	ui := p.ui()

	registry, err := command.NewRegistry(p.commands...)
	if err != nil {
		ui.Error(err)
		return core.ExitCodeFor(err)
	}
	for _, cmd := range registry.Commands() {
		if o, ok := cmd.(interface{ SetUI(*tui.UI) }); ok {
			o.SetUI(ui)
		}
	}

	var f flags
	sel, err := p.parse(registry, &f, args)
	if err != nil {
		ui.Error(err)
		return core.ExitConfig
	}

	if sel == nil && !f.printConfig {
		// cobra already printed help or the version
		return core.ExitOK
	}

	cfg, err := p.resolveConfig(f)
	if err != nil {
		ui.Error(err)
		return core.ExitCodeFor(err)
	}

	if f.printConfig {
		data, err := cfg.YAML()
		if err != nil {
			ui.Error(err)
			return core.ExitFailure
		}
		ui.Print("%s", data)
		return core.ExitOK
	}

	if err := sel.cmd.ValidateArgs(sel.args); err != nil {
		ui.Error(err)
		return core.ExitCodeFor(err)
	}
	if err := sel.cmd.Validate(cfg); err != nil {
		ui.Error(err)
		return core.ExitCodeFor(err)
	}

	s := cfg.Settings()
	if err := p.initLogger(s.LogFormat == config.LogFormatPretty, string(s.LogLevel)); err != nil {
		ui.Error(core.WrapError(core.KindConfig, "logger", err))
		return core.ExitConfig
	}

	return p.execute(ctx, cfg, sel, ui)
}

func (p *Program) ui() *tui.UI {
	if p.stdout == os.Stdout && p.stderr == os.Stderr {
		return tui.Default()
	}
	return tui.NewWithWriters(p.stdout, p.stderr)
}

// parse resolves args to one command. A nil selection with a nil error means
// cobra already answered (help, version) or only --print-config was asked for.
func (p *Program) parse(registry *command.Registry, f *flags, args []string) (*selection, error) {
	var sel *selection

	root := &cobra.Command{
		Use:           p.name + " <command>",
		Short:         p.about,
		Version:       p.version,
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(c *cobra.Command, args []string) error {
			if len(args) == 0 && f.printConfig {
				return nil
			}
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			_, err := registry.Select(name)
			return err
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetArgs(args)
	root.SetOut(p.stdout)
	root.SetErr(p.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "Path to a burrow.yaml config file")
	pf.BoolVar(&f.pretty, "pretty", false, "Use pretty-printed logs instead of JSON")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error, fatal)")
	pf.BoolVar(&f.printConfig, "print-config", false, "Print the resolved configuration and exit")

	for _, cmd := range registry.Commands() {
		sub := &cobra.Command{
			Use:   cmd.Usage(),
			Short: cmd.Short(),
			Args:  cobra.ArbitraryArgs,
			RunE: func(c *cobra.Command, args []string) error {
				sel = &selection{cmd: cmd, args: args}
				return nil
			},
		}
		// everything after the first positional argument belongs to the command
		sub.Flags().SetInterspersed(false)
		cmd.Flags(sub.Flags())
		root.AddCommand(sub)
	}

	if err := root.Execute(); err != nil {
		if core.KindOf(err) == core.KindUnknown {
			return nil, core.WrapError(core.KindConfig, "parse", err)
		}
		return nil, err
	}
	return sel, nil
}

// resolveConfig applies the file and environment overlay, then the command
// line, and validates the result.
func (p *Program) resolveConfig(f flags) (config.RuntimeConfig, error) {
	b, err := config.Load(p.builder, f.configPath)
	if err != nil {
		return config.RuntimeConfig{}, err
	}
	if f.pretty {
		b = b.SetLogFormat(config.LogFormatPretty)
	}
	if f.logLevel != "" {
		b = b.SetLogLevel(config.LogLevel(f.logLevel))
	}

	cfg := b.Build()
	if err := cfg.Validate(); err != nil {
		return config.RuntimeConfig{}, err
	}
	return cfg, nil
}

// execute owns the runtime for the lifetime of one command.
func (p *Program) execute(parent context.Context, cfg config.RuntimeConfig, sel *selection, ui *tui.UI) (code int) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := sel.cmd.Name()
	rt, err := runtime.New(ctx, cfg, p.runtimeOpts...)
	if err != nil {
		zap.L().Error("Runtime failed to start",
			zap.String("command", name),
			zap.String("kind", string(core.KindOf(err))),
			zap.Error(err))
		ui.Error(err)
		return core.ExitFailure
	}

	defer func() {
		closeCtx, cancel := clockwork.WithTimeout(context.Background(), rt.Clock(), cfg.Settings().ShutdownGrace)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			zap.L().Error("Runtime teardown failed", zap.Error(err))
			if code == core.ExitOK {
				code = core.ExitFailure
			}
		}
	}()

	defer func() {
		if rec := recover(); rec != nil {
			core.LogPanicRecovery("command "+name, rec)
			ui.Error(core.NewError(core.KindUnknown, name, "command panicked: %v%s", rec, core.BugReportMessage()))
			code = core.ExitFailure
		}
	}()

	zap.L().Info("Running command", zap.String("command", name), zap.Strings("args", sel.args))
	code, err = sel.cmd.Run(ctx, rt, sel.args)
	if err != nil {
		if !errors.Is(err, context.Canceled) || ctx.Err() == nil {
			zap.L().Error("Command failed",
				zap.String("command", name),
				zap.String("kind", string(core.KindOf(err))),
				zap.Error(err))
			ui.Error(err)
		}
		if code == core.ExitOK {
			code = core.ExitCodeFor(err)
		}
	}

	zap.L().Info("Command finished", zap.String("command", name), zap.Int("exit_code", code))
	return code
}

