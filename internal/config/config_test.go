package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dorcha-inc/burrow/internal/core"
)

const invalidValue = "invalid"

// TestBuilder_Defaults tests that a fresh builder validates
func TestBuilder_Defaults(t *testing.T) {
	cfg := NewBuilder().Build()
	require.NoError(t, cfg.Validate())

	s := cfg.Settings()
	assert.Equal(t, DefaultAppDir, s.AppDir)
	assert.Equal(t, DefaultPoolWaitTimeout, s.PoolWaitTimeout)
	assert.Equal(t, DefaultShutdownGrace, s.ShutdownGrace)
	assert.False(t, s.Database)
	assert.False(t, s.Redis)
	assert.Empty(t, cfg.Env())
}

// TestBuilder_AddEnvLastWriteWins tests that the last value for a key wins
func TestBuilder_AddEnvLastWriteWins(t *testing.T) {
	cfg := NewBuilder().
		AddEnv("SETTINGS_MODULE", "hello.settings").
		AddEnv("DEBUG", "1").
		AddEnv("SETTINGS_MODULE", "hello.production").
		Build()

	assert.Equal(t, map[string]string{
		"SETTINGS_MODULE": "hello.production",
		"DEBUG":           "1",
	}, cfg.Env())
	assert.Equal(t, []string{"DEBUG=1", "SETTINGS_MODULE=hello.production"}, cfg.EnvList())
}

// TestBuilder_FunctionalUpdate tests that builder methods never mutate their receiver
func TestBuilder_FunctionalUpdate(t *testing.T) {
	base := NewBuilder().AddEnv("A", "1")
	derived := base.AddEnv("A", "2").SetDatabasePoolSize(20)

	assert.Equal(t, "1", base.Build().Env()["A"])
	assert.False(t, base.Settings().Database)
	assert.Equal(t, "2", derived.Build().Env()["A"])
	assert.True(t, derived.Settings().Database)
	assert.Equal(t, 20, derived.Settings().DatabasePoolSize)
}

// TestRuntimeConfig_Immutable tests that callers cannot mutate a built config through accessors
func TestRuntimeConfig_Immutable(t *testing.T) {
	cfg := NewBuilder().AddEnv("A", "1").Build()

	env := cfg.Env()
	env["A"] = "mutated"
	s := cfg.Settings()
	s.Env["B"] = "added"
	s.DatabasePoolSize = 99

	assert.Equal(t, map[string]string{"A": "1"}, cfg.Env())
	assert.Equal(t, DefaultDatabasePoolSize, cfg.Settings().DatabasePoolSize)
}

// TestBuilder_PoolSizeEnablesResource tests that sizing a pool turns it on
func TestBuilder_PoolSizeEnablesResource(t *testing.T) {
	s := NewBuilder().SetDatabasePoolSize(20).SetRedisPoolSize(5).Settings()
	assert.True(t, s.Database)
	assert.True(t, s.Redis)
	assert.Equal(t, 20, s.DatabasePoolSize)
	assert.Equal(t, 5, s.RedisPoolSize)

	s = NewBuilder().SetDatabasePoolSize(20).SetDatabase(false).Settings()
	assert.False(t, s.Database)
}

// TestValidate_DeferredUntilAsked tests that bad values are accepted by the builder and rejected by Validate
func TestValidate_DeferredUntilAsked(t *testing.T) {
	cfg := NewBuilder().SetDatabasePoolSize(0).Build()

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfig)
	assert.Contains(t, err.Error(), "database_pool_size must be greater than 0, got 0")
}

// TestValidate_CollectsAllProblems tests that every violation is reported
func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := NewBuilder().
		SetInterpreterWorkers(0).
		SetPoolWaitTimeout(0).
		SetDatabaseDriver(invalidValue).
		SetLogLevel(invalidValue).
		AddEnv("", "x").
		Build()

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "interpreter_workers must be greater than 0")
	assert.Contains(t, msg, "pool_wait_timeout must be greater than 0")
	assert.Contains(t, msg, "database_driver must be one of: pgx, sqlite")
	assert.Contains(t, msg, "log_level must be one of: debug, error, fatal, info, warn")
	assert.Contains(t, msg, `env: invalid variable name ""`)
}

// TestValidate_RedisURLRequiredForPubSub tests the cross-field redis check
func TestValidate_RedisURLRequiredForPubSub(t *testing.T) {
	err := NewBuilder().SetPubSub(true).SetRedisURL("").Build().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis_url: required")

	require.NoError(t, NewBuilder().SetPubSub(false).SetRedisURL("").Build().Validate())
}

// TestRuntimeConfig_YAML tests the resolved settings dump
func TestRuntimeConfig_YAML(t *testing.T) {
	cfg := NewBuilder().
		SetGQLSchemaClass("hello.schema.Schema").
		SetShutdownGrace(10 * time.Second).
		AddEnv("SETTINGS_MODULE", "hello.settings").
		Build()

	data, err := cfg.YAML()
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, yaml.Unmarshal(data, &out))
	assert.Equal(t, "hello.schema.Schema", out["gql_schema_class"])
	assert.Equal(t, "10s", out["shutdown_grace"])
	assert.Equal(t, map[string]any{"SETTINGS_MODULE": "hello.settings"}, out["env"])
}

// TestYAMLKey tests Go field name to yaml key conversion
func TestYAMLKey(t *testing.T) {
	assert.Equal(t, "database_pool_size", yamlKey("DatabasePoolSize"))
	assert.Equal(t, "gql_schema_class", yamlKey("GQLSchemaClass"))
	assert.Equal(t, "app_dir", yamlKey("AppDir"))
}

// TestLoad_NoFile tests that Load without a file keeps the base values
func TestLoad_NoFile(t *testing.T) {
	t.Chdir(t.TempDir())

	base := NewBuilder().SetDatabasePoolSize(20).AddEnv("MixedCase", "v")
	loaded, err := Load(base, "")
	require.NoError(t, err)

	assert.Equal(t, base.Settings(), loaded.Settings())
}

// TestLoad_FileOverridesBase tests that file values override builder values
func TestLoad_FileOverridesBase(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom.yaml")
	configContent := "database_pool_size: 7\nshutdown_grace: 2s\nenv:\n  SETTINGS_MODULE: file.settings\n"
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	base := NewBuilder().SetDatabasePoolSize(20).AddEnv("SETTINGS_MODULE", "hello.settings").AddEnv("KEEP", "1")
	loaded, err := Load(base, configPath)
	require.NoError(t, err)

	s := loaded.Settings()
	assert.Equal(t, 7, s.DatabasePoolSize)
	assert.True(t, s.Database)
	assert.Equal(t, 2*time.Second, s.ShutdownGrace)
	assert.Equal(t, map[string]string{"SETTINGS_MODULE": "file.settings", "KEEP": "1"}, s.Env)
}

// TestLoad_EnvironmentOverridesFile tests BURROW_ environment variable precedence
func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(ProjectConfigFile, []byte("redis_pool_size: 3\naddr: \":9000\"\n"), 0644))
	t.Setenv("BURROW_REDIS_POOL_SIZE", "12")
	t.Setenv("BURROW_POOL_WAIT_TIMEOUT", "250ms")

	loaded, err := Load(NewBuilder(), "")
	require.NoError(t, err)

	s := loaded.Settings()
	assert.Equal(t, 12, s.RedisPoolSize)
	assert.Equal(t, ":9000", s.Addr)
	assert.Equal(t, 250*time.Millisecond, s.PoolWaitTimeout)
}

// TestLoad_MissingFile tests that an explicit missing path is a config error
func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(NewBuilder(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfig)
}

// TestLoad_MalformedFile tests that a parse failure is a config error
func TestLoad_MalformedFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(configPath, []byte("database_pool_size: [\n"), 0644))

	_, err := Load(NewBuilder(), configPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfig)
}
