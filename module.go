package cage

import (
	"fmt"

	"github.com/faradaycage/cage/internal/engine"
	"github.com/faradaycage/cage/internal/marshal"
	"go.uber.org/zap"
)

// CageModule is the unit of guest-visible capability. Each capability
// package (modules/console, modules/fetch, ...) implements one.
type CageModule interface {
	// Name identifies the module in error messages and hook ordering.
	Name() string
	// Def installs the module's bindings into the guest. Returning an
	// error aborts the run with ErrModuleRegistration.
	Def(mc *ModuleContext) error
}

// AfterScriptHook runs once the top-level script has finished
// evaluating (but before the keep-alive pump loop), in module
// registration order, then within-module registration order. A module
// uses this for anything that must see the fully-evaluated script
// globals, e.g. reading an exported default handler.
type AfterScriptHook func(mc *ModuleContext) error

// ModuleContext is the authoring surface passed to CageModule.Def and
// to every AfterScriptHook. It wraps the engine Context for the
// current runCode call plus bookkeeping shared by every module.
type ModuleContext struct {
	ctx    engine.Context
	scope  *Scope
	logger *zap.Logger

	moduleName string

	afterHooks []namedHook
	keepAlive  []*keepAliveEntry
	tickHooks  []namedHook
}

// keepAliveEntry tracks whether a registered promise has settled. The
// pump loop polls entry.done rather than asking the engine to
// introspect the promise directly, since QuickJS's Go wrapper exposes
// no JS_PromiseState equivalent — completion is instead observed by
// attaching a then/catch pair that flips done, the same "resolve via
// callback" idiom the teacher's fetch/timers modules use for bridging
// goroutine results back into the guest.
type keepAliveEntry struct {
	done bool
}

type namedHook struct {
	module string
	hook   AfterScriptHook
}

func newModuleContext(ctx engine.Context, scope *Scope, logger *zap.Logger) *ModuleContext {
	return &ModuleContext{ctx: ctx, scope: scope, logger: logger}
}

// forModule returns a shallow copy scoped to a module name, so hooks
// and errors can be attributed without every module thread its own
// name through every call.
func (mc *ModuleContext) forModule(name string) *ModuleContext {
	clone := *mc
	clone.moduleName = name
	return &clone
}

// Engine exposes the raw engine.Context for modules that need
// operations beyond the Define* helpers (e.g. modules/esm installing a
// module loader).
func (mc *ModuleContext) Engine() engine.Context { return mc.ctx }

// Scope returns the Scope bindings created during Def should be
// tracked in, so they're disposed with the rest of the run.
func (mc *ModuleContext) Scope() *Scope { return mc.scope }

// Logger returns the Cage's diagnostic logger.
func (mc *ModuleContext) Logger() *zap.Logger { return mc.logger }

// Global returns globalThis, tracked in the context's scope.
func (mc *ModuleContext) Global() engine.Handle {
	return mc.scope.Track(mc.ctx.Global())
}

// DefineSandboxFunctionRaw installs fn as a global function, operating
// directly on engine Handles. Most modules want DefineSandboxFn
// instead; this exists for modules that need zero-copy access to
// guest values (e.g. modules/fetch inspecting a Request's body
// without round-tripping it through Go values).
func (mc *ModuleContext) DefineSandboxFunctionRaw(name string, fn engine.GoFunc) error {
	h, err := mc.ctx.NewFunction(name, fn)
	if err != nil {
		return fmt.Errorf("defining function %q: %w", name, err)
	}
	defer h.Dispose()
	return mc.ctx.SetProp(mc.Global(), name, h)
}

// DefineSandboxFn installs fn as a global function whose arguments and
// return value are automatically marshalled between Go and guest
// values via the Marshaller. Returning a Go error causes the call to
// throw in the guest.
func (mc *ModuleContext) DefineSandboxFn(name string, fn func(args []any) (any, error)) error {
	return mc.DefineSandboxFunctionRaw(name, func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		hostArgs := make([]any, len(args))
		for i, a := range args {
			v, err := marshal.ToHost(mc.ctx, a)
			if err != nil {
				return nil, fmt.Errorf("%s: marshalling argument %d: %w", name, i, err)
			}
			hostArgs[i] = v
		}
		result, err := fn(hostArgs)
		if err != nil {
			return nil, err
		}
		h, err := marshal.ToGuest(mc.ctx, result)
		if err != nil {
			return nil, fmt.Errorf("%s: marshalling result: %w", name, err)
		}
		return h, nil
	})
}

// DefineSandboxObject creates (or reopens) a global namespace object
// and returns a SandboxObject builder scoped to it, so a module can
// group related functions under e.g. `crypto.subtle`.
func (mc *ModuleContext) DefineSandboxObject(name string) (*SandboxObject, error) {
	existing, err := mc.ctx.GetProp(mc.Global(), name)
	if err == nil && mc.ctx.TypeOf(existing) == "object" {
		return &SandboxObject{mc: mc, handle: mc.scope.Track(existing)}, nil
	}
	if existing != nil {
		existing.Dispose()
	}
	obj, err := mc.ctx.NewObject()
	if err != nil {
		return nil, fmt.Errorf("creating object %q: %w", name, err)
	}
	mc.scope.Track(obj)
	if err := mc.ctx.SetProp(mc.Global(), name, obj); err != nil {
		return nil, fmt.Errorf("installing object %q: %w", name, err)
	}
	return &SandboxObject{mc: mc, handle: obj, path: name}, nil
}

// SandboxObject is a namespace object under construction, e.g.
// globalThis.crypto or globalThis.crypto.subtle.
type SandboxObject struct {
	mc     *ModuleContext
	handle engine.Handle
	path   string
}

// Handle returns the underlying object handle.
func (s *SandboxObject) Handle() engine.Handle { return s.handle }

// DefineFn installs a Go-backed, auto-marshalled method on the object.
func (s *SandboxObject) DefineFn(name string, fn func(args []any) (any, error)) error {
	h, err := s.mc.ctx.NewFunction(s.path+"."+name, func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		hostArgs := make([]any, len(args))
		for i, a := range args {
			v, err := marshal.ToHost(s.mc.ctx, a)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: marshalling argument %d: %w", s.path, name, i, err)
			}
			hostArgs[i] = v
		}
		result, err := fn(hostArgs)
		if err != nil {
			return nil, err
		}
		return marshal.ToGuest(s.mc.ctx, result)
	})
	if err != nil {
		return fmt.Errorf("defining %s.%s: %w", s.path, name, err)
	}
	defer h.Dispose()
	return s.mc.ctx.SetProp(s.handle, name, h)
}

// Object creates a nested namespace object (e.g. subtle under crypto).
func (s *SandboxObject) Object(name string) (*SandboxObject, error) {
	obj, err := s.mc.ctx.NewObject()
	if err != nil {
		return nil, fmt.Errorf("creating object %s.%s: %w", s.path, name, err)
	}
	s.mc.scope.Track(obj)
	if err := s.mc.ctx.SetProp(s.handle, name, obj); err != nil {
		return nil, fmt.Errorf("installing object %s.%s: %w", s.path, name, err)
	}
	return &SandboxObject{mc: s.mc, handle: obj, path: s.path + "." + name}, nil
}

// AfterScript registers a hook to run once the script body has
// finished evaluating, in module registration order.
func (mc *ModuleContext) AfterScript(hook AfterScriptHook) {
	mc.afterHooks = append(mc.afterHooks, namedHook{module: mc.moduleName, hook: hook})
}

// OnTick registers a hook the pump loop runs once per iteration, after
// draining the microtask queue, before checking whether keep-alives
// have settled. Modules whose async work fires on a schedule the guest
// can't drive itself (timers; fetch polling a result channel) use this
// to do that host-thread work and hand results back into the guest —
// the same role the teacher's eventLoop.drain plays, generalized to
// any module rather than hardcoded into the runtime.
func (mc *ModuleContext) OnTick(hook AfterScriptHook) {
	mc.tickHooks = append(mc.tickHooks, namedHook{module: mc.moduleName, hook: hook})
}

// guestPromiseRegistrySetup idempotently installs the shared
// globalThis-keyed map of {resolve, reject} pairs that NewGuestPromise
// and SettleGuestPromise use to bridge host-side async completion back
// into a native guest Promise — the same "stash the resolver where the
// other side of the boundary can reach it" idiom the teacher's fetch
// and timer event-loop code uses, lifted into one shared helper instead
// of every module hand-rolling its own resolver map.
const guestPromiseRegistrySetup = `globalThis.__cagePromises = globalThis.__cagePromises || {};`

func (mc *ModuleContext) ensurePromiseRegistry() error {
	if _, err := mc.ctx.EvalModule(guestPromiseRegistrySetup, "cage:promise-registry"); err != nil {
		return fmt.Errorf("installing promise registry: %w", err)
	}
	return nil
}

// NewGuestPromise creates a native Promise in the guest and stashes its
// resolve/reject pair in the shared registry under id, for later
// settlement via SettleGuestPromise. Callers typically use their own
// request/timer ID as id.
func (mc *ModuleContext) NewGuestPromise(id string) (engine.Handle, error) {
	if err := mc.ensurePromiseRegistry(); err != nil {
		return nil, err
	}
	src := fmt.Sprintf(`globalThis.__cagePromiseTmp = new Promise(function(resolve, reject) {
	globalThis.__cagePromises[%q] = { resolve: resolve, reject: reject };
});`, id)
	if _, err := mc.ctx.EvalModule(src, "cage:promise-"+id); err != nil {
		return nil, fmt.Errorf("creating guest promise %q: %w", id, err)
	}
	global := mc.ctx.Global()
	defer global.Dispose()
	p, err := mc.ctx.GetProp(global, "__cagePromiseTmp")
	if err != nil {
		return nil, fmt.Errorf("reading guest promise %q: %w", id, err)
	}
	if derr := mc.ctx.DeleteProp(global, "__cagePromiseTmp"); derr != nil {
		p.Dispose()
		return nil, fmt.Errorf("cleaning up guest promise %q: %w", id, derr)
	}
	return p, nil
}

// SettleGuestPromise resolves (ok == true) or rejects (ok == false) the
// promise created by NewGuestPromise under id, marshalling value
// through the same precedence ToGuest uses elsewhere, then removes id
// from the registry.
func (mc *ModuleContext) SettleGuestPromise(id string, ok bool, value any) error {
	global := mc.ctx.Global()
	defer global.Dispose()
	registry, err := mc.ctx.GetProp(global, "__cagePromises")
	if err != nil {
		return fmt.Errorf("settling guest promise %q: registry missing: %w", id, err)
	}
	defer registry.Dispose()
	entry, err := mc.ctx.GetProp(registry, id)
	if err != nil {
		return fmt.Errorf("settling guest promise %q: not found: %w", id, err)
	}
	defer entry.Dispose()

	key := "resolve"
	if !ok {
		key = "reject"
	}
	fn, err := mc.ctx.GetProp(entry, key)
	if err != nil {
		return fmt.Errorf("settling guest promise %q: %w", id, err)
	}
	defer fn.Dispose()

	h, err := marshal.ToGuest(mc.ctx, value)
	if err != nil {
		return fmt.Errorf("settling guest promise %q: marshalling value: %w", id, err)
	}
	defer h.Dispose()

	res, err := mc.ctx.CallFunction(fn, entry, []engine.Handle{h})
	if err != nil {
		return fmt.Errorf("settling guest promise %q: %w", id, err)
	}
	res.Dispose()
	return mc.ctx.DeleteProp(registry, id)
}

// KeepAlive registers a promise the pump loop must wait on before
// runCode can complete, even if the top-level script has already
// returned (e.g. a pending setTimeout or in-flight fetch). It attaches
// a then/catch pair to observe settlement rather than relying on
// engine-level promise introspection, which QuickJS does not expose.
func (mc *ModuleContext) KeepAlive(promise engine.Handle) error {
	entry := &keepAliveEntry{}
	mc.keepAlive = append(mc.keepAlive, entry)

	onSettled, err := mc.ctx.NewFunction("__cage_keepalive", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		entry.done = true
		return mc.ctx.NewUndefined(), nil
	})
	if err != nil {
		return fmt.Errorf("keepalive: creating settlement callback: %w", err)
	}
	defer onSettled.Dispose()

	thenProp, err := mc.ctx.GetProp(promise, "then")
	if err != nil {
		return fmt.Errorf("keepalive: value has no .then: %w", err)
	}
	defer thenProp.Dispose()

	result, err := mc.ctx.CallFunction(thenProp, promise, []engine.Handle{onSettled, onSettled})
	if err != nil {
		return fmt.Errorf("keepalive: attaching then/catch: %w", err)
	}
	result.Dispose()
	return nil
}
