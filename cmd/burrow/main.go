package main

import (
	"fmt"
	"os"

	"github.com/dorcha-inc/burrow/internal/command"
	"github.com/dorcha-inc/burrow/internal/config"
	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/program"
	"github.com/dorcha-inc/burrow/internal/server"
)

var (
	version = "dev"
	// build time date
	buildDate = "unknown"
)

const (
	appSettings = "hello_world_app.settings"
	schemaClass = "hello_world_app.Schema"
	appEntry    = "hello_world_app.wsgi.Application"
)

func newProgram() *program.Program {
	rc := config.NewBuilder().
		AddEnv("APP_SETTINGS_MODULE", appSettings).
		SetDatabasePoolSize(20).
		SetRedis(true).
		SetPubSub(true).
		SetGQLSchemaClass(schemaClass)

	return program.New(core.AppName).
		About("Runtime and command dispatcher for WebAssembly applications").
		Version(fmt.Sprintf("%s (built: %s)", version, buildDate)).
		RuntimeConfig(rc).
		Command(command.NewManageCommand()).
		Command(command.NewServeCommand(server.NewRouter(), command.WithGraphQL(), command.WithAppEntry(appEntry))).
		Command(command.NewTestCommand(nil))
}

func main() {
	os.Exit(newProgram().Run())
}
