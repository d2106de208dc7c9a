package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dorcha-inc/burrow/internal/config"
	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/runtime"
)

// DefaultManageModule is the module that unqualified task names are looked up in.
const DefaultManageModule = "manage"

// ManageCommand calls a management task exported by the guest and prints its
// result.
type ManageCommand struct {
	output
	module string
}

func NewManageCommand() *ManageCommand {
	return &ManageCommand{module: DefaultManageModule}
}

func (c *ManageCommand) Name() string  { return "manage" }
func (c *ManageCommand) Short() string { return "Run a management task from the application" }
func (c *ManageCommand) Usage() string { return "manage <task> [args...]" }

func (c *ManageCommand) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.module, "module", c.module, "Module that unqualified task names are looked up in")
}

func (c *ManageCommand) Validate(config.RuntimeConfig) error {
	if c.module == "" {
		return usageError(c, "--module must not be empty")
	}
	return nil
}

func (c *ManageCommand) ValidateArgs(args []string) error {
	if len(args) == 0 {
		return usageError(c, "a task is required")
	}
	return nil
}

// Entry returns the entry point identifier for task.
func (c *ManageCommand) Entry(task string) string {
	if strings.Contains(task, ".") {
		return task
	}
	return c.module + "." + task
}

func (c *ManageCommand) Run(ctx context.Context, rt *runtime.Runtime, args []string) (int, error) {
	if err := c.ValidateArgs(args); err != nil {
		return core.ExitConfig, err
	}

	entry := c.Entry(args[0])
	if err := rt.Bridge().Resolve(ctx, entry); err != nil {
		return core.ExitFailure, err
	}

	argv := args[1:]
	if argv == nil {
		argv = []string{}
	}
	zap.L().Info("Running management task", zap.String("entry", entry), zap.Strings("argv", argv))

	result, err := rt.Call(ctx, entry, map[string]any{"argv": argv})
	if err != nil {
		return core.ExitFailure, err
	}

	switch v := result.(type) {
	case nil:
	case string:
		c.UI().Print("%s\n", v)
	default:
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return core.ExitFailure, fmt.Errorf("failed to encode result of %s: %w", entry, err)
		}
		c.UI().Print("%s\n", out)
	}
	return core.ExitOK, nil
}
