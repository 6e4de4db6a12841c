// Package timers installs setTimeout/setInterval/clearTimeout/
// clearInterval, backed by Go-tracked deadlines rather than JS-side
// callbacks — grounded on the teacher's timers.go/eventloop.go, adapted
// from a request-scoped eventLoop.drain to the Cage Runtime's generic
// OnTick hook, and from callbacks stored in a JS-side map to callbacks
// invoked directly through CallFunction.
package timers

import (
	"fmt"
	"sync"
	"time"

	cage "github.com/faradaycage/cage"
	"github.com/faradaycage/cage/internal/engine"
)

const minInterval = 10 * time.Millisecond

type timerEntry struct {
	id       int
	deadline time.Time
	interval time.Duration // 0 for setTimeout
	cleared  bool
	fn       engine.Handle
	args     []engine.Handle
}

// Module installs the four global timer functions. Each instance is
// scoped to a single Def/runCode invocation's ModuleContext; do not
// share a Module across concurrent RunCode calls.
type Module struct {
	mu      sync.Mutex
	timers  map[int]*timerEntry
	nextID  int
	settled bool
}

// New returns an unstarted timers Module, one per RunCode invocation.
func New() *Module {
	return &Module{timers: make(map[int]*timerEntry)}
}

func (m *Module) Name() string { return "timers" }

func (m *Module) Def(mc *cage.ModuleContext) error {
	ctx := mc.Engine()

	register := func(fn engine.Handle, rest []engine.Handle, delayMs float64, isInterval bool) int {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.nextID++
		id := m.nextID
		delay := time.Duration(delayMs) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		entry := &timerEntry{id: id, deadline: time.Now().Add(delay), fn: fn.Dup()}
		for _, a := range rest {
			entry.args = append(entry.args, a.Dup())
		}
		if isInterval {
			if delay < minInterval {
				delay = minInterval
			}
			entry.interval = delay
		}
		m.timers[id] = entry
		return id
	}

	makeScheduler := func(isInterval bool) engine.GoFunc {
		return func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
			if len(args) == 0 || !ctx.IsFunction(args[0]) {
				return ctx.NewNumber(0), nil
			}
			delay := 0.0
			if len(args) > 1 {
				delay, _ = ctx.ToFloat64(args[1])
			}
			var rest []engine.Handle
			if len(args) > 2 {
				rest = args[2:]
			}
			id := register(args[0], rest, delay, isInterval)
			return ctx.NewNumber(float64(id)), nil
		}
	}

	clear := func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		if len(args) == 0 {
			return ctx.NewUndefined(), nil
		}
		f, ok := ctx.ToFloat64(args[0])
		if !ok {
			return ctx.NewUndefined(), nil
		}
		m.clearTimer(int(f))
		return ctx.NewUndefined(), nil
	}

	if err := mc.DefineSandboxFunctionRaw("setTimeout", makeScheduler(false)); err != nil {
		return fmt.Errorf("timers: %w", err)
	}
	if err := mc.DefineSandboxFunctionRaw("setInterval", makeScheduler(true)); err != nil {
		return fmt.Errorf("timers: %w", err)
	}
	if err := mc.DefineSandboxFunctionRaw("clearTimeout", clear); err != nil {
		return fmt.Errorf("timers: %w", err)
	}
	if err := mc.DefineSandboxFunctionRaw("clearInterval", clear); err != nil {
		return fmt.Errorf("timers: %w", err)
	}

	// One shared keep-alive ("timers-root") for the whole module,
	// settled on the first pump-loop tick that finds no live timers, so
	// the pump loop doesn't return before an outstanding setTimeout has
	// fired — per the spec's worked example, runCode must not resolve
	// until a scheduled callback has actually run. Timers scheduled
	// after it has settled do not hold the run open. A live setInterval keeps the
	// run alive until clearInterval cancels it or ExecutionTimeout
	// expires; that mirrors the teacher's eventLoop.hasPending check,
	// which blocks request completion on any non-empty timer set.
	promise, err := mc.NewGuestPromise("timers-root")
	if err != nil {
		return fmt.Errorf("timers: %w", err)
	}
	if err := mc.KeepAlive(promise); err != nil {
		promise.Dispose()
		return fmt.Errorf("timers: %w", err)
	}
	promise.Dispose()

	mc.OnTick(func(mc *cage.ModuleContext) error {
		m.fireDue(ctx)
		m.mu.Lock()
		pending := len(m.timers) > 0
		alreadySettled := m.settled
		if !pending && !alreadySettled {
			m.settled = true
		}
		m.mu.Unlock()
		if !pending && !alreadySettled {
			return mc.SettleGuestPromise("timers-root", true, nil)
		}
		return nil
	})

	return nil
}

// fireDue invokes every timer whose deadline has passed, rescheduling
// intervals and removing one-shots, then returns how many fired.
func (m *Module) fireDue(ctx engine.Context) int {
	now := time.Now()
	m.mu.Lock()
	var due []*timerEntry
	for _, t := range m.timers {
		if !t.cleared && !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	for _, t := range due {
		if t.interval > 0 {
			t.deadline = now.Add(t.interval)
		} else {
			delete(m.timers, t.id)
		}
	}
	m.mu.Unlock()

	for _, t := range due {
		undef := ctx.NewUndefined()
		res, err := ctx.CallFunction(t.fn, undef, t.args)
		undef.Dispose()
		if err == nil {
			res.Dispose()
		}
		if t.interval == 0 {
			t.fn.Dispose()
			for _, a := range t.args {
				a.Dispose()
			}
		}
	}
	return len(due)
}

func (m *Module) clearTimer(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.cleared = true
		t.fn.Dispose()
		for _, a := range t.args {
			a.Dispose()
		}
		delete(m.timers, id)
	}
}
