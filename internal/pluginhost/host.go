// Package pluginhost implements the sandboxed WASM plugin runtime:
// load/unload lifecycle, event dispatch with a panic boundary, a
// fixed-rate tick loop with per-plugin timers, and a directory scanner
// that drives hot reload.
package pluginhost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/amoeba/gromnie/internal/eventbus"
	"github.com/amoeba/gromnie/internal/session"
)

// DefaultTickInterval is the plugin tick rate, 50 ms = 20 Hz.
const DefaultTickInterval = 50 * time.Millisecond

// RescanRequested is published on the bus to ask the host to scan the
// plugin directory immediately rather than
// waiting for the next scan-interval tick. It is consumed by the host
// itself, never dispatched to a plugin's on-event.
type RescanRequested struct{}

// Options configures a Host. ScriptDir empty disables the scanner, and with
// it hot reload and LoadAll's initial load, so no plugin is loaded.
// DisableHotReload keeps the scanner around for LoadAll's initial load but
// skips the periodic rescan.
type Options struct {
	ScriptDir        string
	TickInterval     time.Duration
	ScanInterval     time.Duration
	DisableHotReload bool
}

// Host owns the plugin registry, the scanner, and the tick loop as a
// single task: everything here runs on the goroutine that calls Run, so
// no locking is needed around plugins, timers, or the scanner.
type Host struct {
	log         *slog.Logger
	runtime     wazero.Runtime
	hostModule  api.Module
	actions     chan<- session.Action
	clientState ClientStateProvider

	plugins   map[string]*Plugin // keyed by file path
	byName    map[string]*Plugin // keyed by moduleName, for host-function lookups
	moduleSeq uint64
	scanner   *Scanner

	tickInterval     time.Duration
	scanInterval     time.Duration
	disableHotReload bool
}

// NewHost creates a Host and links its host-function module. Callers must
// call Close when done to release the wazero runtime.
func NewHost(ctx context.Context, log *slog.Logger, actions chan<- session.Action, clientState ClientStateProvider, opts Options) (*Host, error) {
	if log == nil {
		log = slog.Default()
	}

	h := &Host{
		log:              log,
		runtime:          wazero.NewRuntime(ctx),
		actions:          actions,
		clientState:      clientState,
		plugins:          make(map[string]*Plugin),
		byName:           make(map[string]*Plugin),
		tickInterval:     opts.TickInterval,
		scanInterval:     opts.ScanInterval,
		disableHotReload: opts.DisableHotReload,
	}
	if h.tickInterval <= 0 {
		h.tickInterval = DefaultTickInterval
	}
	if h.scanInterval <= 0 {
		h.scanInterval = DefaultScanInterval
	}

	if err := h.buildHostModule(ctx); err != nil {
		h.runtime.Close(ctx)
		return nil, err
	}

	if opts.ScriptDir != "" {
		h.scanner = NewScanner(log, opts.ScriptDir, h.scanInterval)
	}

	return h, nil
}

// Close unloads every plugin and tears down the wazero runtime.
func (h *Host) Close(ctx context.Context) error {
	for path := range h.plugins {
		h.unloadPath(ctx, path)
	}
	return h.runtime.Close(ctx)
}

func (h *Host) newContext(p *Plugin, now time.Time) *ScriptContext {
	return &ScriptContext{
		log:         h.log,
		pluginID:    p.moduleName,
		actions:     h.actions,
		clientState: h.clientState,
		timers:      p.timers,
		eventTime:   now,
	}
}

// buildHostModule links the host-function surface
// (`send-chat`, `login-character`, `log`, `schedule-timer`,
// `schedule-recurring`, `cancel-timer`, `check-timer`, `get-client-state`,
// `get-event-time-millis`) into a module every plugin instance imports
// from. Each function resolves the calling plugin from the api.Module wazero
// hands it and reads its currently-bound ScriptContext off Plugin.current.
func (h *Host) buildHostModule(ctx context.Context) error {
	builder := h.runtime.NewHostModuleBuilder("host")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
		sc := h.contextFor(mod)
		if sc == nil {
			return
		}
		s, ok := readFromGuest(mod, ptr, length)
		if !ok {
			return
		}
		sc.SendChat(s)
	}).Export("send-chat")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, acctPtr, acctLen uint32, characterID uint32, namePtr, nameLen uint32) {
		sc := h.contextFor(mod)
		if sc == nil {
			return
		}
		account, ok1 := readFromGuest(mod, acctPtr, acctLen)
		name, ok2 := readFromGuest(mod, namePtr, nameLen)
		if !ok1 || !ok2 {
			return
		}
		sc.LoginCharacter(account, characterID, name)
	}).Export("login-character")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
		sc := h.contextFor(mod)
		if sc == nil {
			return
		}
		s, ok := readFromGuest(mod, ptr, length)
		if !ok {
			return
		}
		sc.Log(s)
	}).Export("log")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, delaySecs uint64, namePtr, nameLen uint32) uint64 {
		sc := h.contextFor(mod)
		if sc == nil {
			return 0
		}
		name, _ := readFromGuest(mod, namePtr, nameLen)
		return sc.ScheduleTimer(delaySecs, name)
	}).Export("schedule-timer")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, intervalSecs uint64, namePtr, nameLen uint32) uint64 {
		sc := h.contextFor(mod)
		if sc == nil {
			return 0
		}
		name, _ := readFromGuest(mod, namePtr, nameLen)
		return sc.ScheduleRecurring(intervalSecs, name)
	}).Export("schedule-recurring")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, id uint64) uint32 {
		sc := h.contextFor(mod)
		if sc == nil {
			return 0
		}
		return boolToU32(sc.CancelTimer(id))
	}).Export("cancel-timer")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, id uint64) uint32 {
		sc := h.contextFor(mod)
		if sc == nil {
			return 0
		}
		return boolToU32(sc.CheckTimer(id))
	}).Export("check-timer")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module) (uint32, uint32) {
		sc := h.contextFor(mod)
		if sc == nil {
			return 0, 0
		}
		data := encodeClientState(sc.GetClientState())
		ptr, length, err := writeToGuest(ctx, mod, data)
		if err != nil {
			h.log.Error("get-client-state: writing to guest", "err", err)
			return 0, 0
		}
		return ptr, length
	}).Export("get-client-state")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module) uint64 {
		sc := h.contextFor(mod)
		if sc == nil {
			return 0
		}
		return sc.GetEventTimeMillis()
	}).Export("get-event-time-millis")

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("pluginhost: linking host module: %w", err)
	}
	h.hostModule = mod
	return nil
}

func (h *Host) contextFor(mod api.Module) *ScriptContext {
	p, ok := h.byName[mod.Name()]
	if !ok || p.current == nil {
		h.log.Error("pluginhost: host function called with no bound context", "module", mod.Name())
		return nil
	}
	return p.current
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// LoadAll loads every `.wasm` file currently in the scanner's directory.
// Called once at startup, before Run, so the first Run loop never reports
// these as "added".
func (h *Host) LoadAll(ctx context.Context) {
	if h.scanner == nil {
		return
	}
	for path := range h.scanner.cached {
		h.loadPath(ctx, path, time.Now())
	}
}

func (h *Host) loadPath(ctx context.Context, path string, modifiedAt time.Time) {
	h.moduleSeq++
	name := fmt.Sprintf("plugin-%d", h.moduleSeq)

	p, err := loadPlugin(ctx, h.runtime, path, modifiedAt, name, h.newContext)
	if err != nil {
		h.log.Error("loading plugin", "path", path, "err", err)
		return
	}

	h.plugins[path] = p
	h.byName[name] = p
	h.log.Info("plugin loaded", "path", path, "module", name)
}

func (h *Host) unloadPath(ctx context.Context, path string) {
	p, ok := h.plugins[path]
	if !ok {
		return
	}
	delete(h.plugins, path)
	delete(h.byName, p.moduleName)

	if err := p.Unload(ctx, h.newContext(p, time.Now())); err != nil {
		h.log.Error("unloading plugin", "path", path, "err", err)
	} else {
		h.log.Info("plugin unloaded", "path", path)
	}
}

func (h *Host) rescan(ctx context.Context, now time.Time) {
	if h.scanner == nil {
		return
	}
	result := h.scanner.Scan(now)
	if !result.HasChanges() {
		return
	}
	for _, path := range result.Removed {
		h.unloadPath(ctx, path)
	}
	for _, path := range result.Changed {
		h.unloadPath(ctx, path)
		h.loadPath(ctx, path, now)
	}
	for _, path := range result.Added {
		h.loadPath(ctx, path, now)
	}
}

func (h *Host) dispatchEvent(ctx context.Context, env eventbus.Envelope) {
	if _, ok := env.Event.(RescanRequested); ok {
		h.rescan(ctx, time.Now())
		return
	}

	kind, ok := kindOf(env.Event)
	if !ok {
		return
	}
	payload := encodeEnvelope(env, kind)
	now := time.Now()
	for _, p := range h.plugins {
		sc := h.newContext(p, now)
		if err := p.OnEvent(ctx, sc, kind, payload); err != nil {
			h.log.Error("plugin event dispatch failed", "module", p.moduleName, "err", err)
		}
	}
}

func (h *Host) tickAll(ctx context.Context, now time.Time, delta time.Duration) {
	for _, p := range h.plugins {
		p.timers.Advance(now)
		sc := h.newContext(p, now)
		if err := p.OnTick(ctx, sc, delta); err != nil {
			h.log.Error("plugin tick failed", "module", p.moduleName, "err", err)
		}
	}
}

// Run is the host's single task: it owns the registry, the
// scanner, and the tick loop, consuming from receiver until ctx is
// cancelled. Bus receives are bridged off Receiver's blocking Recv onto a
// channel so they can be selected alongside the tick and scan timers.
func (h *Host) Run(ctx context.Context, receiver *eventbus.Receiver) error {
	envelopes := make(chan any, 64)
	go func() {
		defer close(envelopes)
		for {
			v, ok := receiver.Recv()
			if !ok {
				return
			}
			select {
			case envelopes <- v:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()

	// A nil channel blocks forever in a select, which is how
	// scripting.hot_reload=false disables periodic rescans while LoadAll's
	// initial load keeps working.
	var scanC <-chan time.Time
	if !h.disableHotReload {
		scanTicker := time.NewTicker(h.scanInterval)
		defer scanTicker.Stop()
		scanC = scanTicker.C
	}

	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			receiver.Unsubscribe()
			return nil

		case v, ok := <-envelopes:
			if !ok {
				return nil
			}
			switch e := v.(type) {
			case eventbus.Envelope:
				h.dispatchEvent(ctx, e)
			case eventbus.Lagged:
				h.log.Warn("plugin host lagging on event bus", "dropped", e.N)
			}

		case now := <-ticker.C:
			h.tickAll(ctx, now, now.Sub(lastTick))
			lastTick = now

		case now := <-scanC:
			h.rescan(ctx, now)
		}
	}
}
