package config

import (
	"time"
)

// Builder describes a runtime. Every method returns an updated copy and leaves
// the receiver untouched, so a partially built Builder can be shared and
// extended safely. Nothing is validated or connected until a Runtime is
// constructed from the built RuntimeConfig.
type Builder struct {
	settings Settings
}

// NewBuilder returns a builder seeded with DefaultSettings.
func NewBuilder() Builder {
	return Builder{settings: DefaultSettings()}
}

// FromSettings returns a builder seeded with a copy of s.
func FromSettings(s Settings) Builder {
	return Builder{settings: s.clone()}
}

func (b Builder) with(fn func(s *Settings)) Builder {
	s := b.settings.clone()
	fn(&s)
	return Builder{settings: s}
}

// Build produces the immutable RuntimeConfig.
func (b Builder) Build() RuntimeConfig {
	return RuntimeConfig{settings: b.settings.clone()}
}

// Settings returns a copy of the settings accumulated so far.
func (b Builder) Settings() Settings {
	return b.settings.clone()
}

// AddEnv records an environment override for the interpreter. The last value
// recorded for a key wins.
func (b Builder) AddEnv(key, value string) Builder {
	return b.with(func(s *Settings) { s.Env[key] = value })
}

// SetAppDir sets the directory holding the application's modules.
func (b Builder) SetAppDir(dir string) Builder {
	return b.with(func(s *Settings) { s.AppDir = dir })
}

// SetGQLSchemaClass sets the dotted identifier of the GraphQL schema entry point.
func (b Builder) SetGQLSchemaClass(identifier string) Builder {
	return b.with(func(s *Settings) { s.GQLSchemaClass = identifier })
}

func (b Builder) SetInterpreterWorkers(n int) Builder {
	return b.with(func(s *Settings) { s.InterpreterWorkers = n })
}

func (b Builder) SetCallTimeout(d time.Duration) Builder {
	return b.with(func(s *Settings) { s.CallTimeout = d })
}

func (b Builder) SetBlockingWorkers(n int) Builder {
	return b.with(func(s *Settings) { s.BlockingWorkers = n })
}

// SetDatabase toggles the relational database pool.
func (b Builder) SetDatabase(enabled bool) Builder {
	return b.with(func(s *Settings) { s.Database = enabled })
}

// SetDatabasePoolSize sets the database pool capacity and enables the pool.
func (b Builder) SetDatabasePoolSize(n int) Builder {
	return b.with(func(s *Settings) {
		s.DatabasePoolSize = n
		s.Database = true
	})
}

func (b Builder) SetDatabaseDriver(driver DatabaseDriver) Builder {
	return b.with(func(s *Settings) { s.DatabaseDriver = driver })
}

func (b Builder) SetDatabaseURL(url string) Builder {
	return b.with(func(s *Settings) { s.DatabaseURL = url })
}

// SetRedis toggles the Redis connection pool.
func (b Builder) SetRedis(enabled bool) Builder {
	return b.with(func(s *Settings) { s.Redis = enabled })
}

// SetRedisPoolSize sets the Redis pool capacity and enables the pool.
func (b Builder) SetRedisPoolSize(n int) Builder {
	return b.with(func(s *Settings) {
		s.RedisPoolSize = n
		s.Redis = true
	})
}

func (b Builder) SetRedisURL(url string) Builder {
	return b.with(func(s *Settings) { s.RedisURL = url })
}

// SetPubSub toggles the pub/sub client.
func (b Builder) SetPubSub(enabled bool) Builder {
	return b.with(func(s *Settings) { s.PubSub = enabled })
}

// SetTaskQueue toggles the background task queue and its workers.
func (b Builder) SetTaskQueue(enabled bool) Builder {
	return b.with(func(s *Settings) { s.TaskQueue = enabled })
}

func (b Builder) SetTaskQueueWorkers(n int) Builder {
	return b.with(func(s *Settings) { s.TaskQueueWorkers = n })
}

func (b Builder) SetTaskQueuePollInterval(d time.Duration) Builder {
	return b.with(func(s *Settings) { s.TaskQueuePollInterval = d })
}

// SetPoolWaitTimeout bounds how long an acquire waits on an exhausted pool.
func (b Builder) SetPoolWaitTimeout(d time.Duration) Builder {
	return b.with(func(s *Settings) { s.PoolWaitTimeout = d })
}

// SetShutdownGrace bounds how long serving drains in-flight requests.
func (b Builder) SetShutdownGrace(d time.Duration) Builder {
	return b.with(func(s *Settings) { s.ShutdownGrace = d })
}

func (b Builder) SetAddr(addr string) Builder {
	return b.with(func(s *Settings) { s.Addr = addr })
}

func (b Builder) SetMetrics(enabled bool) Builder {
	return b.with(func(s *Settings) { s.Metrics = enabled })
}

func (b Builder) SetExposeTracebacks(enabled bool) Builder {
	return b.with(func(s *Settings) { s.ExposeTracebacks = enabled })
}

func (b Builder) SetLogFormat(format LogFormat) Builder {
	return b.with(func(s *Settings) { s.LogFormat = format })
}

func (b Builder) SetLogLevel(level LogLevel) Builder {
	return b.with(func(s *Settings) { s.LogLevel = level })
}
