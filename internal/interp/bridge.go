// Package interp embeds the WebAssembly interpreter that runs guest
// application code. A Bridge owns a fixed set of interpreter instances and
// hands each call to a free one, queuing callers while all are busy.
//
// Guest modules live under the app dir as <dotted/module/path>.wasm. They
// export memory, alloc(size) -> ptr and entry points of type
// (ptr, len) -> packed(ptr, len) exchanging JSON.
package interp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/metrics"
)

// Options configures a Bridge.
type Options struct {
	AppDir      string
	Workers     int
	Env         map[string]string
	SchemaClass string // resolved by every instance at construction when set
	CallTimeout time.Duration
	Clock       clockwork.Clock
}

// Stats is a snapshot of bridge usage.
type Stats struct {
	Instances int
	Idle      int
	Calls     int64
	// MaxInFlight is the highest number of simultaneous calls ever seen on
	// any single instance.
	MaxInFlight int
}

// Bridge is the call boundary into guest code.
type Bridge struct {
	opts    Options
	clock   clockwork.Clock
	runtime wazero.Runtime
	env     [][2]string

	compiled *xsync.MapOf[string, wazero.CompiledModule]

	instances []*instance
	free      chan *instance
	done      chan struct{}

	svc atomic.Pointer[Services]

	closeOnce sync.Once
	closeErr  error
}

// New starts Workers interpreter instances. When SchemaClass is set, every
// instance resolves it before New returns, and an unresolvable class fails
// with an EntryPointResolutionError.
func New(ctx context.Context, opts Options) (*Bridge, error) {
	if opts.Workers <= 0 {
		return nil, core.NewConfigError("interpreter workers must be greater than 0, got %d", opts.Workers)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	b := &Bridge{
		opts:     opts,
		clock:    opts.Clock,
		runtime:  rt,
		env:      sortedEnv(opts.Env),
		compiled: xsync.NewMapOf[string, wazero.CompiledModule](),
		free:     make(chan *instance, opts.Workers),
		done:     make(chan struct{}),
	}
	b.svc.Store(&Services{})

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if err := b.instantiateHost(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	var schema EntryPoint
	if opts.SchemaClass != "" {
		var err error
		if schema, err = ParseEntryPoint(opts.SchemaClass); err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
	}

	for id := range opts.Workers {
		inst := newInstance(id)
		if opts.SchemaClass != "" {
			if _, _, err := inst.resolve(ctx, b, schema); err != nil {
				_ = rt.Close(ctx)
				return nil, err
			}
		}
		b.instances = append(b.instances, inst)
		b.free <- inst
	}

	zap.L().Info("Interpreter bridge started",
		zap.Int("instances", opts.Workers),
		zap.String("app_dir", opts.AppDir),
		zap.String("schema_class", opts.SchemaClass))

	return b, nil
}

func sortedEnv(env map[string]string) [][2]string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, env[k]})
	}
	return out
}

// SetServices makes resources available to host functions. Resources are
// provisioned after the bridge, so they are attached once they exist.
func (b *Bridge) SetServices(s Services) {
	b.svc.Store(&s)
}

func (b *Bridge) services() *Services {
	return b.svc.Load()
}

// Size returns the number of interpreter instances.
func (b *Bridge) Size() int {
	return len(b.instances)
}

// Stats returns a snapshot of bridge usage.
func (b *Bridge) Stats() Stats {
	s := Stats{Instances: len(b.instances), Idle: len(b.free)}
	for _, inst := range b.instances {
		s.Calls += inst.calls.Load()
		if peak := int(inst.maxInFlight.Load()); peak > s.MaxInFlight {
			s.MaxInFlight = peak
		}
	}
	return s
}

// compile loads and compiles the module backing ep once per bridge.
func (b *Bridge) compile(ctx context.Context, ep EntryPoint) (wazero.CompiledModule, error) {
	path := ep.Path(b.opts.AppDir)
	var compileErr error
	compiled, _ := b.compiled.LoadOrTryCompute(path, func() (wazero.CompiledModule, bool) {
		data, err := os.ReadFile(path) // #nosec G304 -- path is derived from a configured entry point
		if err != nil {
			compileErr = core.NewError(core.KindEntryPointResolution, "resolve",
				"module %q not found at %s", ep.Module, path)
			return nil, true
		}
		cm, err := b.runtime.CompileModule(ctx, data)
		if err != nil {
			compileErr = core.WrapError(core.KindEntryPointResolution, fmt.Sprintf("compile %s", ep.Module), err)
			return nil, true
		}
		zap.L().Debug("Compiled guest module", zap.String("module", ep.Module), zap.String("path", path))
		return cm, false
	})
	if compileErr != nil {
		return nil, compileErr
	}
	return compiled, nil
}

// acquire waits for a free instance.
func (b *Bridge) acquire(ctx context.Context) (*instance, error) {
	select {
	case <-b.done:
		return nil, b.closedError()
	default:
	}

	select {
	case inst := <-b.free:
		return inst, nil
	default:
	}

	metrics.AddInterpreterQueued(1)
	defer metrics.AddInterpreterQueued(-1)

	select {
	case inst := <-b.free:
		return inst, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, b.closedError()
	}
}

func (b *Bridge) release(inst *instance) {
	b.free <- inst
}

func (b *Bridge) closedError() error {
	return core.NewError(core.KindPoolClosed, "call", "interpreter bridge is closed")
}

// Resolve checks that identifier names a callable entry point.
func (b *Bridge) Resolve(ctx context.Context, identifier string) error {
	ep, err := ParseEntryPoint(identifier)
	if err != nil {
		return err
	}
	inst, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer b.release(inst)

	_, _, err = inst.resolve(ctx, b, ep)
	return err
}

// Call invokes identifier with args encoded as JSON and returns the decoded
// result. Guest failures are returned as *InterpreterError.
func (b *Bridge) Call(ctx context.Context, identifier string, args any) (any, error) {
	ep, err := ParseEntryPoint(identifier)
	if err != nil {
		return nil, err
	}
	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments for %s: %w", identifier, err)
	}

	inst, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer b.release(inst)

	callCtx := ctx
	if b.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = clockwork.WithTimeout(ctx, b.clock, b.opts.CallTimeout)
		defer cancel()
	}

	start := b.clock.Now()
	out, err := inst.call(callCtx, b, ep, input)
	var result any
	if err == nil {
		result, err = decodeResult(identifier, out)
	} else {
		err = b.callError(ctx, callCtx, identifier, err)
	}
	duration := b.clock.Since(start)

	metrics.RecordInterpreterCall(identifier, duration, err == nil)
	core.LogCall(identifier, inst.id, duration.Seconds(), err)

	return result, err
}

// callError classifies a failed call: the caller's own cancellation, a
// timeout, a resolution failure, or a guest trap.
func (b *Bridge) callError(ctx, callCtx context.Context, identifier string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &InterpreterError{
			Entry:   identifier,
			Message: fmt.Sprintf("call timed out after %s", b.opts.CallTimeout),
		}
	}
	if core.KindOf(err) != core.KindUnknown {
		return err
	}
	return trapError(identifier, err)
}

// Close stops accepting calls and releases every instance. Calls still
// running are terminated.
func (b *Bridge) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		close(b.done)
		var errs []error
		for range b.instances {
			// Modules of busy instances are closed with the runtime below.
			select {
			case held := <-b.free:
				errs = append(errs, held.close(ctx))
			default:
			}
		}
		errs = append(errs, b.runtime.Close(ctx))
		b.closeErr = errors.Join(errs...)
		zap.L().Debug("Interpreter bridge closed", zap.Int("instances", len(b.instances)))
	})
	return b.closeErr
}
