// Package command defines the closed set of commands a burrow program can run
// and the registry that selects one of them by name.
package command

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/pflag"

	"github.com/dorcha-inc/burrow/internal/config"
	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/runtime"
	"github.com/dorcha-inc/burrow/internal/tui"
)

// Command is one thing a burrow program can do. The set is closed: the only
// implementations are TestCommand, ManageCommand and ServeCommand.
type Command interface {
	// Name is the word that selects the command on the command line.
	Name() string
	Short() string
	// Usage is the one-line synopsis, starting with Name.
	Usage() string
	// Flags registers the command's flags.
	Flags(fs *pflag.FlagSet)
	// Validate checks the command's requirements against the configuration
	// before anything is provisioned.
	Validate(cfg config.RuntimeConfig) error
	// ValidateArgs checks the positional arguments before anything is
	// provisioned.
	ValidateArgs(args []string) error
	// Run executes the command and returns the process exit code.
	Run(ctx context.Context, rt *runtime.Runtime, args []string) (int, error)

	sealed()
}

// output routes a command's user-facing output.
type output struct {
	ui *tui.UI
}

func (output) sealed() {}

// SetUI directs the command's output to ui instead of the default UI.
func (o *output) SetUI(ui *tui.UI) {
	o.ui = ui
}

func (o *output) UI() *tui.UI {
	if o.ui == nil {
		return tui.Default()
	}
	return o.ui
}

// Registry is the set of commands a program offers.
type Registry struct {
	commands []Command
}

// NewRegistry builds a registry. Names must be unique and non-empty.
func NewRegistry(cmds ...Command) (*Registry, error) {
	r := &Registry{}
	for _, cmd := range cmds {
		if err := r.add(cmd); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(cmd Command) error {
	if cmd == nil {
		return core.NewConfigError("command must not be nil")
	}
	name := cmd.Name()
	if name == "" {
		return core.NewConfigError("command name must not be empty")
	}
	if slices.Contains(r.Names(), name) {
		return core.NewConfigError("command %q is registered more than once", name)
	}
	r.commands = append(r.commands, cmd)
	return nil
}

// Names lists command names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for _, cmd := range r.commands {
		names = append(names, cmd.Name())
	}
	return names
}

// Commands lists the commands in registration order.
func (r *Registry) Commands() []Command {
	return slices.Clone(r.commands)
}

// Select returns the command called name.
func (r *Registry) Select(name string) (Command, error) {
	if name == "" {
		return nil, core.NewConfigError("no command given, expected one of %v", r.Names())
	}
	for _, cmd := range r.commands {
		if cmd.Name() == name {
			return cmd, nil
		}
	}
	return nil, core.NewConfigError("unknown command %q%s", name, core.DidYouMean(name, r.Names()))
}

func usageError(cmd Command, format string, args ...any) error {
	return core.NewConfigError("%s (usage: %s)", fmt.Sprintf(format, args...), cmd.Usage())
}
