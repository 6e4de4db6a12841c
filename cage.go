// Package cage is an embeddable sandbox host: it runs untrusted
// JavaScript inside an isolated interpreter and lets Go "capability
// modules" install guest-visible bindings through a stable authoring
// contract (see CageModule).
package cage

import (
	"context"
	"fmt"
	"time"

	"github.com/faradaycage/cage/internal/engine"
	"github.com/faradaycage/cage/internal/marshal"
	"go.uber.org/zap"
)

// Option configures a Cage at construction time.
type Option func(*Cage)

// WithEngineConfig overrides the default EngineConfig.
func WithEngineConfig(cfg EngineConfig) Option {
	return func(c *Cage) { c.cfg = cfg }
}

// Cage is one long-lived sandbox host. It owns a single engine Runtime
// and is safe to reuse across many RunCode calls; each call gets a
// fresh Context so guest state never leaks between runs.
type Cage struct {
	adapter engine.Adapter
	runtime engine.Runtime
	cfg     EngineConfig
	logger  *zap.Logger
}

// CreateCage builds a Cage using the default engine backend (QuickJS,
// unless built with -tags v8).
func CreateCage(cfg EngineConfig, opts ...Option) (*Cage, error) {
	return createCage(newAdapter(), cfg, opts...)
}

// CreateCageFromEnginePath is reserved for hosts that load a
// non-default interpreter build from a shared library path rather
// than the statically linked default. The current backends are both
// statically linked, so this is equivalent to CreateCage; it exists so
// callers can depend on the stable entry point named in the spec
// without the library needing to commit yet to a dynamic-loading
// strategy.
func CreateCageFromEnginePath(path string, cfg EngineConfig, opts ...Option) (*Cage, error) {
	return createCage(newAdapter(), cfg, opts...)
}

func createCage(adapter engine.Adapter, cfg EngineConfig, opts ...Option) (*Cage, error) {
	rt, err := adapter.NewRuntime(engine.RuntimeConfig{MemoryLimitMB: cfg.MemoryLimitMB})
	if err != nil {
		return nil, newCageError(ErrEngine, "", fmt.Errorf("creating runtime: %w", err))
	}
	c := &Cage{adapter: adapter, runtime: rt, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the underlying engine Runtime. Callers that created a
// Cage for the lifetime of a process do not need to call this.
func (c *Cage) Close() {
	c.runtime.Close()
}

// RunCode evaluates sourceText as an ES module in a fresh Context,
// with the given modules installed, and drains the guest event loop to
// quiescence before returning. It never panics and never returns a Go
// error directly: every failure is reported through EvalResult.Err.
// Cancelling ctx unblocks the keep-alive pump loop early; it does not
// interrupt a guest script that is itself stuck in a tight synchronous
// loop, since neither engine backend exposes preemption.
func (c *Cage) RunCode(ctx context.Context, sourceText string, modules []CageModule) (result EvalResult) {
	defer func() {
		if r := recover(); r != nil {
			result = EvalResult{Err: newCageError(ErrEngine, "", fmt.Errorf("panic during evaluation: %v", r))}
		}
	}()

	if c.cfg.MaxScriptSizeKB > 0 && len(sourceText) > c.cfg.MaxScriptSizeKB*1024 {
		return EvalResult{Err: newCageError(ErrEngine, "", fmt.Errorf("source exceeds MaxScriptSizeKB (%d KB)", c.cfg.MaxScriptSizeKB))}
	}

	ectx, err := c.runtime.NewContext()
	if err != nil {
		return EvalResult{Err: newCageError(ErrEngine, "", fmt.Errorf("creating context: %w", err))}
	}
	defer ectx.Close()

	scope := NewScope()
	defer scope.Close()

	mc := newModuleContext(ectx, scope, c.logger)

	for _, mod := range modules {
		modMC := mc.forModule(mod.Name())
		if err := mod.Def(modMC); err != nil {
			return EvalResult{Err: newCageError(ErrModuleRegistration, mod.Name(), err)}
		}
		mc.afterHooks = append(mc.afterHooks, modMC.afterHooks...)
		mc.keepAlive = append(mc.keepAlive, modMC.keepAlive...)
		mc.tickHooks = append(mc.tickHooks, modMC.tickHooks...)
	}

	evalHandle, err := ectx.EvalModule(sourceText, "guest.js")
	if err != nil {
		return EvalResult{Err: guestOrEngineError(err)}
	}
	scope.Track(evalHandle)

	if _, err := ectx.ExecutePendingJobs(); err != nil {
		return EvalResult{Err: newCageError(ErrJobQueue, "", err)}
	}

	for _, h := range mc.afterHooks {
		if err := h.hook(mc); err != nil {
			return EvalResult{Err: newCageError(ErrHook, h.module, err)}
		}
		if _, err := ectx.ExecutePendingJobs(); err != nil {
			return EvalResult{Err: newCageError(ErrJobQueue, h.module, err)}
		}
	}

	if err := c.pump(ctx, ectx, mc); err != nil {
		return EvalResult{Err: err}
	}

	value, err := marshal.ToHost(ectx, evalHandle)
	if err != nil {
		return EvalResult{Err: newCageError(ErrMarshal, "", err)}
	}

	return EvalResult{Ok: true, Value: value}
}

// pump is the single-threaded cooperative scheduler: it alternates
// between draining the microtask queue and checking whether every
// keep-alive promise has settled, yielding to the host reactor between
// passes so goroutine-backed work (timers, fetch) has a chance to
// complete and hand results back in. Cancelling ctx or hitting
// ExecutionTimeout both abort the wait; they don't roll back any guest
// state already produced.
func (c *Cage) pump(ctx context.Context, ectx engine.Context, mc *ModuleContext) *CageError {
	deadline := time.Now().Add(time.Duration(c.cfg.ExecutionTimeout) * time.Millisecond)
	if c.cfg.ExecutionTimeout <= 0 {
		deadline = time.Now().Add(24 * time.Hour)
	}

	for {
		if _, err := ectx.ExecutePendingJobs(); err != nil {
			return newCageError(ErrJobQueue, "", err)
		}

		for _, h := range mc.tickHooks {
			if err := h.hook(mc); err != nil {
				return newCageError(ErrJobQueue, h.module, err)
			}
		}

		if _, err := ectx.ExecutePendingJobs(); err != nil {
			return newCageError(ErrJobQueue, "", err)
		}

		if allSettled(mc.keepAlive) {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return newCageError(ErrJobQueue, "", fmt.Errorf("context cancelled while waiting on keep-alive promises: %w", err))
		}

		if time.Now().After(deadline) {
			return newCageError(ErrJobQueue, "", fmt.Errorf("execution timed out after %dms waiting on keep-alive promises", c.cfg.ExecutionTimeout))
		}

		// Yield to the host reactor so goroutine-backed work (timers,
		// in-flight fetches) can make progress, then re-enter the
		// guest at least once more before checking again.
		time.Sleep(time.Millisecond)
	}
}

func allSettled(entries []*keepAliveEntry) bool {
	for _, e := range entries {
		if !e.done {
			return false
		}
	}
	return true
}

func guestOrEngineError(err error) *CageError {
	if ge, ok := err.(*marshal.GuestError); ok {
		return &CageError{Kind: ErrGuest, Message: ge.Error(), Cause: ge}
	}
	return newCageError(ErrGuest, "", err)
}
