package command

import (
	"context"
	"net"

	"github.com/spf13/pflag"

	"github.com/dorcha-inc/burrow/internal/config"
	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/graphql"
	"github.com/dorcha-inc/burrow/internal/interp"
	"github.com/dorcha-inc/burrow/internal/runtime"
	"github.com/dorcha-inc/burrow/internal/server"
)

// ServeCommand serves a route table over HTTP until the program is asked to
// stop, then drains in-flight requests within the shutdown grace.
type ServeCommand struct {
	output
	addr     string
	router   *server.Router
	appEntry string
	graphql  bool
	listener net.Listener
}

// ServeOption customizes the serve command.
type ServeOption func(*ServeCommand)

// WithAppEntry answers requests no route matches with the given entry point.
func WithAppEntry(entry string) ServeOption {
	return func(c *ServeCommand) { c.appEntry = entry }
}

// WithGraphQL mounts the GraphQL endpoints, subscriptions and playground.
func WithGraphQL() ServeOption {
	return func(c *ServeCommand) { c.graphql = true }
}

// WithListener serves on ln instead of listening on the configured address.
func WithListener(ln net.Listener) ServeOption {
	return func(c *ServeCommand) { c.listener = ln }
}

// NewServeCommand creates the serve command for router. A nil router serves
// only what the options add.
func NewServeCommand(router *server.Router, opts ...ServeOption) *ServeCommand {
	if router == nil {
		router = server.NewRouter()
	}
	c := &ServeCommand{router: router}
	for _, opt := range opts {
		opt(c)
	}
	if c.graphql {
		graphql.Mount(c.router)
	}
	return c
}

func (c *ServeCommand) Name() string  { return "serve" }
func (c *ServeCommand) Short() string { return "Serve the application over HTTP" }
func (c *ServeCommand) Usage() string { return "serve [--addr host:port]" }

func (c *ServeCommand) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.addr, "addr", c.addr, "Address to listen on (overrides the configured addr)")
}

func (c *ServeCommand) Validate(cfg config.RuntimeConfig) error {
	s := cfg.Settings()

	var reserved []string
	if s.Metrics {
		reserved = append(reserved, server.MetricsPath)
	}
	if err := c.router.Validate(reserved...); err != nil {
		return err
	}

	if c.graphql && s.GQLSchemaClass == "" {
		return core.NewConfigError("serving GraphQL requires gql_schema_class to be set")
	}
	if c.appEntry != "" {
		if _, err := interp.ParseEntryPoint(c.appEntry); err != nil {
			return core.NewConfigError("invalid application entry point: %v", err)
		}
	}
	if c.listener == nil && c.address(s) == "" {
		return usageError(c, "an address is required")
	}
	return nil
}

func (c *ServeCommand) address(s config.Settings) string {
	if c.addr != "" {
		return c.addr
	}
	return s.Addr
}

func (c *ServeCommand) ValidateArgs(args []string) error {
	if len(args) > 0 {
		return usageError(c, "unexpected arguments %v", args)
	}
	return nil
}

func (c *ServeCommand) Run(ctx context.Context, rt *runtime.Runtime, args []string) (int, error) {
	if err := c.ValidateArgs(args); err != nil {
		return core.ExitConfig, err
	}

	if c.appEntry != "" {
		if err := rt.Bridge().Resolve(ctx, c.appEntry); err != nil {
			return core.ExitFailure, err
		}
	}

	srv, err := server.New(rt, c.router, server.Options{AppEntry: c.appEntry})
	if err != nil {
		return core.ExitConfig, err
	}

	if q := rt.TaskQueue(); q != nil {
		if err := rt.Go("taskqueue", q.Run); err != nil {
			return core.ExitFailure, err
		}
	}

	if c.listener != nil {
		err = srv.Serve(ctx, c.listener)
	} else {
		err = srv.ListenAndServe(ctx, c.address(rt.Settings()))
	}
	if err != nil {
		return core.ExitFailure, err
	}
	return core.ExitOK, nil
}
