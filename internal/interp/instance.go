package interp

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/dorcha-inc/burrow/internal/core"
)

// instance is one interpreter: its own instantiation of every guest module
// it has touched. Only the goroutine holding the instance may use it.
type instance struct {
	id      int
	modules map[string]api.Module

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int64
}

func newInstance(id int) *instance {
	return &instance{id: id, modules: map[string]api.Module{}}
}

// enter and leave bracket a call so overlapping use would be observable.
func (i *instance) enter() {
	n := i.inFlight.Add(1)
	for {
		peak := i.maxInFlight.Load()
		if n <= peak || i.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	i.calls.Add(1)
}

func (i *instance) leave() {
	i.inFlight.Add(-1)
}

// module returns this instance's instantiation of the module at path,
// instantiating it on first use or after it was closed by a cancelled call.
func (i *instance) module(ctx context.Context, b *Bridge, ep EntryPoint) (api.Module, error) {
	path := ep.Path(b.opts.AppDir)
	if mod, ok := i.modules[path]; ok {
		if !mod.IsClosed() {
			return mod, nil
		}
		zap.L().Debug("Re-instantiating closed module",
			zap.String("module", ep.Module),
			zap.Int("instance", i.id))
		delete(i.modules, path)
	}

	compiled, err := b.compile(ctx, ep)
	if err != nil {
		return nil, err
	}

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")
	for _, kv := range b.env {
		cfg = cfg.WithEnv(kv[0], kv[1])
	}

	mod, err := b.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, core.WrapError(core.KindEntryPointResolution,
			fmt.Sprintf("instantiate %s", ep.Module), err)
	}
	i.modules[path] = mod
	return mod, nil
}

// resolve checks that ep names a callable entry point in this instance.
func (i *instance) resolve(ctx context.Context, b *Bridge, ep EntryPoint) (api.Module, api.Function, error) {
	mod, err := i.module(ctx, b, ep)
	if err != nil {
		return nil, nil, err
	}
	fn := mod.ExportedFunction(ep.Export)
	if fn == nil {
		return nil, nil, core.NewError(core.KindEntryPointResolution, "resolve",
			"module %q has no export %q%s", ep.Module, ep.Export,
			core.DidYouMean(ep.Export, entryExports(mod)))
	}
	if !hasEntrySignature(fn.Definition()) {
		return nil, nil, core.NewError(core.KindEntryPointResolution, "resolve",
			"export %q of module %q must have signature (i32, i32) -> i64", ep.Export, ep.Module)
	}
	return mod, fn, nil
}

func entryExports(mod api.Module) []string {
	var names []string
	for name, def := range mod.ExportedFunctionDefinitions() {
		if hasEntrySignature(def) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// call runs ep with input and returns the raw guest output.
func (i *instance) call(ctx context.Context, b *Bridge, ep EntryPoint, input []byte) ([]byte, error) {
	mod, fn, err := i.resolve(ctx, b, ep)
	if err != nil {
		return nil, err
	}

	i.enter()
	defer i.leave()

	ptr, err := writeGuest(ctx, mod, input)
	if err != nil {
		return nil, trapError(ep.String(), err)
	}
	res, err := fn.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, err
	}
	out, err := readGuest(mod, res[0])
	if err != nil {
		return nil, trapError(ep.String(), err)
	}
	return out, nil
}

// close closes every module instantiated by this instance.
func (i *instance) close(ctx context.Context) error {
	var firstErr error
	for path, mod := range i.modules {
		if err := mod.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(i.modules, path)
	}
	return firstErr
}
