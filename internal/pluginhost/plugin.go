package pluginhost

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Plugin is one loaded WASM component: its module instance, its own timer
// table, and the per-call context slot host functions read through (spec
// §4.6, §9 "Cyclic structures" — a plugin cannot hold the context across
// calls because `current` is nil everywhere except during the one export
// call it was bound for).
type Plugin struct {
	path       string
	moduleName string
	modifiedAt time.Time

	compiled wazero.CompiledModule
	mod      api.Module
	timers   *TimerManager
	mask     EventKind

	current *ScriptContext
}

// loadPlugin compiles and instantiates the module at path under a unique
// module name (so several plugins can share one runtime and one host
// module import), then runs on-load once with a fresh context.
func loadPlugin(ctx context.Context, runtime wazero.Runtime, path string, modifiedAt time.Time, moduleName string, newCtx func(p *Plugin, now time.Time) *ScriptContext) (*Plugin, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pluginhost: reading %s: %w", path, err)
	}

	compiled, err := runtime.CompileModule(ctx, bytes)
	if err != nil {
		return nil, fmt.Errorf("pluginhost: compiling %s: %w", path, err)
	}

	mod, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(moduleName))
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("pluginhost: instantiating %s: %w", path, err)
	}

	p := &Plugin{
		path:       path,
		moduleName: moduleName,
		modifiedAt: modifiedAt,
		compiled:   compiled,
		mod:        mod,
		timers:     NewTimerManager(),
	}

	p.mask = p.querySubscriptionMask(ctx)

	p.withContext(newCtx(p, time.Now()), func() error {
		return p.callLifecycle(ctx, "on-load")
	})

	return p, nil
}

// querySubscriptionMask calls the plugin's exported `subscription-mask`
// function, if present, to learn which event kinds it wants dispatched to
// it. A plugin that doesn't export it receives nothing.
func (p *Plugin) querySubscriptionMask(ctx context.Context) EventKind {
	fn := p.mod.ExportedFunction("subscription-mask")
	if fn == nil {
		return 0
	}
	results, err := fn.Call(ctx)
	if err != nil || len(results) == 0 {
		return 0
	}
	return EventKind(results[0])
}

// withContext binds sc as the plugin's current per-call context for the
// duration of fn, then clears it, so a plugin can never retain host state
// across calls.
func (p *Plugin) withContext(sc *ScriptContext, fn func() error) error {
	p.current = sc
	defer func() { p.current = nil }()
	return fn()
}

func (p *Plugin) callLifecycle(ctx context.Context, export string) error {
	fn := p.mod.ExportedFunction(export)
	if fn == nil {
		return nil
	}
	_, err := fn.Call(ctx)
	return err
}

// OnEvent dispatches one envelope if mask matches, wrapped in a panic
// boundary.
func (p *Plugin) OnEvent(ctx context.Context, sc *ScriptContext, kind EventKind, payload []byte) (err error) {
	if p.mask&kind == 0 {
		return nil
	}
	fn := p.mod.ExportedFunction("on-event")
	if fn == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pluginhost: plugin %s panicked in on-event: %v", p.moduleName, r)
		}
	}()

	return p.withContext(sc, func() error {
		ptr, length, werr := writeToGuest(ctx, p.mod, payload)
		if werr != nil {
			return werr
		}
		_, cerr := fn.Call(ctx, uint64(ptr), uint64(length))
		return cerr
	})
}

// OnTick calls on-tick with the elapsed time since the previous tick, in
// milliseconds.
func (p *Plugin) OnTick(ctx context.Context, sc *ScriptContext, delta time.Duration) (err error) {
	fn := p.mod.ExportedFunction("on-tick")
	if fn == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pluginhost: plugin %s panicked in on-tick: %v", p.moduleName, r)
		}
	}()

	return p.withContext(sc, func() error {
		_, cerr := fn.Call(ctx, uint64(delta.Milliseconds()))
		return cerr
	})
}

// Unload calls on-unload once and closes the module instance and its
// compiled code.
func (p *Plugin) Unload(ctx context.Context, sc *ScriptContext) error {
	err := p.withContext(sc, func() error {
		return p.callLifecycle(ctx, "on-unload")
	})
	if cerr := p.mod.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := p.compiled.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
