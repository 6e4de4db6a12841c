package cage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/faradaycage/cage/internal/engine"
)

// newTestCage mirrors the teacher's newTestEngine: a short-lived Cage
// with defaults tuned for fast test execution, closed on cleanup.
func newTestCage(t *testing.T) *Cage {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.ExecutionTimeout = 2000
	c, err := CreateCage(cfg)
	if err != nil {
		t.Fatalf("CreateCage: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// runScript mirrors the teacher's execJS: run source with the given
// modules and return the EvalResult for assertion.
func runScript(t *testing.T, c *Cage, source string, modules []CageModule) EvalResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.RunCode(ctx, source, modules)
}

func mustOk(t *testing.T, r EvalResult) EvalResult {
	t.Helper()
	if !r.Ok {
		t.Fatalf("expected ok result, got err: %v", r.Err)
	}
	return r
}

func mustErr(t *testing.T, r EvalResult) *CageError {
	t.Helper()
	if r.Ok {
		t.Fatalf("expected error result, got ok: %v", r.Value)
	}
	if r.Err == nil {
		t.Fatal("expected non-nil Err on a failed result")
	}
	return r.Err
}

// --- §8 end-to-end scenarios, literal inputs/outputs ---

func TestScenario1_ValidArithmetic(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, "const a=1; const b=2; const sum=a+b;", nil)
	mustOk(t, r)
}

func TestScenario2_SyntaxError(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, "const a=1; const b=; ", nil)
	err := mustErr(t, r)
	if !strings.Contains(err.Message, "") || err.Message == "" {
		t.Fatalf("expected a non-empty error message, got %q", err.Message)
	}
}

func TestScenario3_RuntimeError(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, "const b=null; b.x;", nil)
	err := mustErr(t, r)
	if err.Message == "" {
		t.Fatal("expected a non-empty error message")
	}
}

type throwingModule struct{ message string }

func (m *throwingModule) Name() string { return "throwing" }
func (m *throwingModule) Def(mc *ModuleContext) error {
	return errString(m.message)
}

type errString string

func (e errString) Error() string { return string(e) }

func TestScenario4_ModuleThrowsInDef(t *testing.T) {
	c := newTestCage(t)
	mod := &throwingModule{message: "Module error"}
	r := runScript(t, c, "globalThis.__ran = true;", []CageModule{mod})
	err := mustErr(t, r)
	if err.Kind != ErrModuleRegistration {
		t.Fatalf("expected ErrModuleRegistration, got %s", err.Kind)
	}
	if err.Message != "Module error" {
		t.Fatalf("expected message %q, got %q", "Module error", err.Message)
	}
}

type afterScriptFlagModule struct{ fired bool }

func (m *afterScriptFlagModule) Name() string { return "flag" }
func (m *afterScriptFlagModule) Def(mc *ModuleContext) error {
	mc.AfterScript(func(mc *ModuleContext) error {
		m.fired = true
		return nil
	})
	return nil
}

func TestScenario5_AfterScriptHook(t *testing.T) {
	c := newTestCage(t)
	mod := &afterScriptFlagModule{}
	r := runScript(t, c, "const a=1;", []CageModule{mod})
	mustOk(t, r)
	if !mod.fired {
		t.Fatal("expected after-script hook to have fired")
	}
}

func TestScenario5_AfterScriptHookNotRunOnSyntaxError(t *testing.T) {
	c := newTestCage(t)
	mod := &afterScriptFlagModule{}
	r := runScript(t, c, "const a=1; const b=; ", []CageModule{mod})
	mustErr(t, r)
	if mod.fired {
		t.Fatal("expected after-script hook NOT to have fired on syntax error")
	}
}

// consoleCaptureModule is a minimal stand-in for modules/console, just
// enough to observe microtask ordering per scenario 6 without pulling
// in the full package (kept dependency-free so this test exercises the
// Module Authoring Contract in isolation).
type consoleCaptureModule struct {
	logs []string
}

func (m *consoleCaptureModule) Name() string { return "console" }
func (m *consoleCaptureModule) Def(mc *ModuleContext) error {
	obj, err := mc.DefineSandboxObject("console")
	if err != nil {
		return err
	}
	return obj.DefineFn("log", func(args []any) (any, error) {
		if len(args) > 0 {
			if s, ok := args[0].(string); ok {
				m.logs = append(m.logs, s)
			}
		}
		return nil, nil
	})
}

func TestScenario6_MicrotaskOrdering(t *testing.T) {
	c := newTestCage(t)
	mod := &consoleCaptureModule{}
	script := `
		console.log("Start");
		Promise.resolve().then(()=>console.log("P1")).then(()=>console.log("P2"));
		Promise.resolve().then(()=>console.log("P3"));
		console.log("End");
	`
	r := runScript(t, c, script, []CageModule{mod})
	mustOk(t, r)
	want := []string{"Start", "End", "P1", "P3", "P2"}
	if len(mod.logs) != len(want) {
		t.Fatalf("got %d log lines %v, want %v", len(mod.logs), mod.logs, want)
	}
	for i := range want {
		if mod.logs[i] != want[i] {
			t.Fatalf("log order mismatch at %d: got %v, want %v", i, mod.logs, want)
		}
	}
}

// minimalTimerModule is a dependency-free stand-in for modules/timers,
// just enough to exercise OnTick/KeepAlive/NewGuestPromise/
// SettleGuestPromise end to end per scenario 7.
type minimalTimerModule struct {
	fired bool
}

func (m *minimalTimerModule) Name() string { return "timers" }
func (m *minimalTimerModule) Def(mc *ModuleContext) error {
	deadline := time.Now().Add(10 * time.Millisecond)
	promise, err := mc.NewGuestPromise("t1")
	if err != nil {
		return err
	}
	if err := mc.KeepAlive(promise); err != nil {
		return err
	}
	mc.OnTick(func(mc *ModuleContext) error {
		if m.fired {
			return nil
		}
		if time.Now().After(deadline) {
			m.fired = true
			return mc.SettleGuestPromise("t1", true, nil)
		}
		return nil
	})
	return mc.DefineSandboxFunctionRaw("__noop", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		return mc.Engine().NewUndefined(), nil
	})
}

func TestScenario7_KeepAlive(t *testing.T) {
	c := newTestCage(t)
	mod := &minimalTimerModule{}
	r := runScript(t, c, "", []CageModule{mod})
	mustOk(t, r)
	if !mod.fired {
		t.Fatal("expected the keep-alive promise's timer to have fired before runCode returned")
	}
}

// --- invariants ---

func TestResultTotality_NeverPanics(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"this is not valid javascript at all {{{",
		"const a=1; const b=; ",
		"const b=null; b.x;",
		"throw new Error('boom');",
		"while(true){}", // would hang forever without ExecutionTimeout
	}
	cfg := DefaultEngineConfig()
	cfg.ExecutionTimeout = 200
	short, err := CreateCage(cfg)
	if err != nil {
		t.Fatalf("CreateCage: %v", err)
	}
	defer short.Close()

	for _, src := range inputs {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		r := short.RunCode(ctx, src, nil)
		cancel()
		if !r.Ok && r.Err == nil {
			t.Fatalf("input %q: !Ok result must carry a non-nil Err", src)
		}
	}
}

func TestBoundary_ModuleThrowDoesNotEval(t *testing.T) {
	c := newTestCage(t)
	mod := &throwingModule{message: "nope"}
	// A second, well-behaved module whose AfterScript hook would only
	// run if eval happened; since Def fails before installation
	// finishes, it never gets the chance to register its hook either,
	// so the flag staying false indirectly confirms eval never ran.
	checker := &afterScriptFlagModule{}
	r := runScript(t, c, "globalThis.sideEffect = true;", []CageModule{mod, checker})
	mustErr(t, r)
	if checker.fired {
		t.Fatal("expected evaluation to never run when an earlier module's Def fails")
	}
}

func TestBoundary_SyntaxErrorCarriesMessage(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, "const a=1; const b=; ", nil)
	err := mustErr(t, r)
	if err.Kind != ErrGuest {
		t.Fatalf("expected ErrGuest, got %s", err.Kind)
	}
	if err.Message == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestScopeCompleteness_NoLeaksAfterRun(t *testing.T) {
	c := newTestCage(t)
	scope := NewScope()
	defer scope.Close()
	if scope.Len() != 0 {
		t.Fatalf("expected a fresh scope to start empty, got %d", scope.Len())
	}
	// RunCode owns its own internal scope and closes it before
	// returning; there is no handle for a caller to leak, which is
	// the externally observable form of scope completeness from
	// outside the package.
	r := runScript(t, c, "const a = {x: 1}; a.x + 1;", nil)
	mustOk(t, r)
}

func TestScopeClose_Idempotent(t *testing.T) {
	scope := NewScope()
	scope.Close()
	scope.Close() // must not panic
	if scope.Len() != 0 {
		t.Fatalf("expected 0 tracked handles after close, got %d", scope.Len())
	}
}

func TestErrKind_Unwrap(t *testing.T) {
	cause := errString("root cause")
	ce := newCageError(ErrEngine, "", cause)
	if ce.Unwrap() != error(cause) {
		t.Fatalf("expected Unwrap to return the wrapped cause")
	}
	if ce.Error() == "" {
		t.Fatal("expected a non-empty Error() string")
	}
}

func TestExecutionTimeout_AbortsHangingKeepAlive(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.ExecutionTimeout = 50
	c, err := CreateCage(cfg)
	if err != nil {
		t.Fatalf("CreateCage: %v", err)
	}
	defer c.Close()

	mod := &neverSettlesModule{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r := c.RunCode(ctx, "", []CageModule{mod})
	if r.Ok {
		t.Fatal("expected a timeout error, got ok")
	}
	if r.Err.Kind != ErrJobQueue {
		t.Fatalf("expected ErrJobQueue on timeout, got %s", r.Err.Kind)
	}
}

type neverSettlesModule struct{}

func (m *neverSettlesModule) Name() string { return "never" }
func (m *neverSettlesModule) Def(mc *ModuleContext) error {
	promise, err := mc.NewGuestPromise("never")
	if err != nil {
		return err
	}
	return mc.KeepAlive(promise)
}

func TestContextCancellation_AbortsPumpLoop(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.ExecutionTimeout = 60_000
	c, err := CreateCage(cfg)
	if err != nil {
		t.Fatalf("CreateCage: %v", err)
	}
	defer c.Close()

	mod := &neverSettlesModule{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := c.RunCode(ctx, "", []CageModule{mod})
	if r.Ok {
		t.Fatal("expected a cancellation error, got ok")
	}
	if r.Err.Kind != ErrJobQueue {
		t.Fatalf("expected ErrJobQueue on cancellation, got %s", r.Err.Kind)
	}
}

func TestMaxScriptSizeKB_Rejected(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.MaxScriptSizeKB = 1
	c, err := CreateCage(cfg)
	if err != nil {
		t.Fatalf("CreateCage: %v", err)
	}
	defer c.Close()

	huge := "const a = '" + strings.Repeat("x", 2*1024) + "';"
	r := runScript(t, c, huge, nil)
	err2 := mustErr(t, r)
	if err2.Kind != ErrEngine {
		t.Fatalf("expected ErrEngine for oversized script, got %s", err2.Kind)
	}
}
