// Package runtime provides the process-wide execution substrate shared by every
// command: the interpreter bridge, the resource pools enabled by configuration,
// a bounded pool for blocking work and tracked background tasks.
//
// A Runtime is an explicitly owned value. Program creates exactly one, passes
// it to the selected command and closes it when the command returns.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dorcha-inc/burrow/internal/config"
	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/interp"
	"github.com/dorcha-inc/burrow/internal/resource"
	"github.com/dorcha-inc/burrow/internal/taskqueue"
)

// State is the lifecycle state of a Runtime.
type State string

const (
	StateRunning State = "RUNNING"
	StateClosing State = "CLOSING"
	StateClosed  State = "CLOSED"
)

// Resource names, in acquisition order.
const (
	ResourceBridge   = "bridge"
	ResourceDatabase = "database"
	ResourceRedis    = "redis"
)

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Runtime owns everything provisioned from one RuntimeConfig.
type Runtime struct {
	cfg      config.RuntimeConfig
	settings config.Settings
	clock    clockwork.Clock

	blocking *semaphore.Weighted

	tasksCtx    context.Context
	cancelTasks context.CancelFunc
	tasks       sync.WaitGroup

	bridge *interp.Bridge
	db     *resource.Database
	redis  *resource.Redis
	pubsub *resource.PubSub
	queue  *taskqueue.Queue

	closers []closer

	state   State
	stateMu sync.RWMutex
}

// Option customizes runtime construction.
type Option func(*Runtime)

// WithClock sets the clock used for every timeout the runtime computes.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Runtime) { r.clock = clock }
}

// New validates cfg and provisions what it describes: the interpreter bridge
// first, then the database pool, the Redis pool and client, and the task
// queue. If anything fails, whatever was already provisioned is torn down
// before the error is returned; a configuration or entry point error leaves
// nothing provisioned.
func New(ctx context.Context, cfg config.RuntimeConfig, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := cfg.Settings()
	r := &Runtime{
		cfg:      cfg,
		settings: s,
		clock:    clockwork.NewRealClock(),
		blocking: semaphore.NewWeighted(int64(s.BlockingWorkers)),
		state:    StateRunning,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.tasksCtx, r.cancelTasks = context.WithCancel(context.WithoutCancel(ctx))

	if err := r.provision(ctx); err != nil {
		if closeErr := r.Close(context.WithoutCancel(ctx)); closeErr != nil {
			zap.L().Warn("Errors while releasing a partially built runtime", zap.Error(closeErr))
		}
		return nil, err
	}

	zap.L().Info("Runtime started",
		zap.Strings("resources", r.Resources()),
		zap.Int("interpreter_workers", s.InterpreterWorkers),
		zap.Int("blocking_workers", s.BlockingWorkers))

	return r, nil
}

func (r *Runtime) provision(ctx context.Context) error {
	s := r.settings

	bridge, err := interp.New(ctx, interp.Options{
		AppDir:      s.AppDir,
		Workers:     s.InterpreterWorkers,
		Env:         r.cfg.Env(),
		SchemaClass: s.GQLSchemaClass,
		CallTimeout: s.CallTimeout,
		Clock:       r.clock,
	})
	if err != nil {
		return err
	}
	r.bridge = bridge
	r.push(ResourceBridge, bridge.Close)

	if s.Database {
		db, err := resource.OpenDatabase(ctx, s, r.clock)
		if err != nil {
			return err
		}
		r.db = db
		r.push(ResourceDatabase, func(context.Context) error { return db.Close() })
	}

	if s.RedisRequired() {
		rc, err := resource.OpenRedis(ctx, s, r.clock)
		if err != nil {
			return err
		}
		r.redis = rc
		r.push(ResourceRedis, func(context.Context) error { return rc.Close() })

		if s.PubSub {
			r.pubsub = resource.NewPubSub(rc.Client())
		}
	}

	if s.TaskQueue {
		q, err := taskqueue.New(r.redis.Client(), r, taskqueue.Options{
			Workers:      s.TaskQueueWorkers,
			PollInterval: s.TaskQueuePollInterval,
			Clock:        r.clock,
		})
		if err != nil {
			return err
		}
		r.queue = q
	}

	services := interp.Services{Database: r.db, PubSub: r.pubsub, Queue: r.queue}
	if s.Redis {
		services.Cache = r.redis
	}
	bridge.SetServices(services)
	return nil
}

func (r *Runtime) push(name string, fn func(ctx context.Context) error) {
	r.closers = append(r.closers, closer{name: name, fn: fn})
}

// Resources lists provisioned resources in acquisition order.
func (r *Runtime) Resources() []string {
	names := make([]string, 0, len(r.closers))
	for _, c := range r.closers {
		names = append(names, c.name)
	}
	return names
}

// Config returns the configuration the runtime was built from.
func (r *Runtime) Config() config.RuntimeConfig {
	return r.cfg
}

// Settings returns a copy of the runtime's settings.
func (r *Runtime) Settings() config.Settings {
	return r.cfg.Settings()
}

func (r *Runtime) Clock() clockwork.Clock {
	return r.clock
}

func (r *Runtime) Bridge() *interp.Bridge {
	return r.bridge
}

// Database returns the database pool, or nil when it is disabled.
func (r *Runtime) Database() *resource.Database {
	return r.db
}

// Redis returns the Redis pool and client, or nil when it is disabled.
func (r *Runtime) Redis() *resource.Redis {
	return r.redis
}

// PubSub returns the pub/sub client, or nil when it is disabled.
func (r *Runtime) PubSub() *resource.PubSub {
	return r.pubsub
}

// TaskQueue returns the task queue, or nil when it is disabled.
func (r *Runtime) TaskQueue() *taskqueue.Queue {
	return r.queue
}

// State returns the lifecycle state.
func (r *Runtime) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

// setStateLocked sets the state (assumes lock IS held)
func (r *Runtime) setStateLocked(newState State) {
	oldState := r.state
	r.state = newState
	if oldState != newState {
		zap.L().Debug("Runtime state changed",
			zap.String("old_state", string(oldState)),
			zap.String("new_state", string(newState)))
	}
}

// Blocking runs fn on the bounded blocking-work pool, waiting for a slot.
func (r *Runtime) Blocking(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.blocking.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.blocking.Release(1)
	return fn(ctx)
}

// Call invokes a guest entry point on the blocking pool.
func (r *Runtime) Call(ctx context.Context, identifier string, args any) (any, error) {
	var result any
	err := r.Blocking(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.bridge.Call(ctx, identifier, args)
		return err
	})
	return result, err
}

// Go runs fn as a tracked background task. Its context is cancelled when the
// runtime closes, and Close waits for it to return. Panics are recovered and
// logged.
func (r *Runtime) Go(name string, fn func(ctx context.Context) error) error {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	if r.state != StateRunning {
		return fmt.Errorf("cannot start task %s: runtime is %s", name, r.state)
	}

	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		defer func() {
			if rec := recover(); rec != nil {
				core.LogPanicRecovery("task "+name, rec)
			}
		}()

		if err := fn(r.tasksCtx); err != nil && !errors.Is(err, context.Canceled) {
			zap.L().Error("Background task failed", zap.String("task", name), zap.Error(err))
			return
		}
		zap.L().Debug("Background task finished", zap.String("task", name))
	}()
	return nil
}

// Close cancels background tasks, waits for them until ctx is done, then
// releases resources in reverse acquisition order. It is safe to call more
// than once and on a partially constructed runtime.
func (r *Runtime) Close(ctx context.Context) error {
	r.stateMu.Lock()
	if r.state != StateRunning {
		r.stateMu.Unlock()
		return nil
	}
	r.setStateLocked(StateClosing)
	r.stateMu.Unlock()

	r.cancelTasks()
	waited := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		zap.L().Warn("Background tasks did not finish before shutdown", zap.Error(ctx.Err()))
	}

	var errs []error
	for _, c := range slices.Backward(r.closers) {
		if err := c.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", c.name, err))
			continue
		}
		zap.L().Debug("Runtime resource closed", zap.String("resource", c.name))
	}

	r.stateMu.Lock()
	r.setStateLocked(StateClosed)
	r.stateMu.Unlock()

	return errors.Join(errs...)
}
