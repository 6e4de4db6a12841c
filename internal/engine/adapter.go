// Package engine defines the host's abstraction over a JavaScript
// interpreter, letting the rest of the module drive QuickJS or V8
// through one contract.
package engine

import "errors"

// ErrUnsupported is returned by adapter operations a backend does not
// implement (e.g. a capability only one engine exposes).
var ErrUnsupported = errors.New("engine: operation not supported by this backend")

// Kind identifies which concrete interpreter an Adapter wraps.
type Kind string

const (
	KindQuickJS Kind = "quickjs"
	KindV8      Kind = "v8"
)

// GoFunc is a host function exposed to the guest. It receives the
// receiver and arguments as guest Handles and returns a guest Handle
// (nil means undefined); conversion to and from Go values is layered
// on top by the cage package's DefineSandboxFn. Returning a non-nil
// error causes the call to throw in the guest.
type GoFunc func(this Handle, args []Handle) (Handle, error)

// Adapter constructs isolated Runtimes for one engine family.
type Adapter interface {
	Kind() Kind
	NewRuntime(cfg RuntimeConfig) (Runtime, error)
}

// RuntimeConfig carries engine-level resource knobs. Both backends
// accept the same shape; a field a backend can't honor is ignored
// rather than rejected, since the spec's Non-goals exclude resource
// quota enforcement.
type RuntimeConfig struct {
	MemoryLimitMB int
}

// Runtime owns the interpreter state its Contexts are created from.
// One Runtime maps to one "engine runtime" in the data model (spec §3)
// and outlives individual evaluations. The QuickJS backend gives each
// Context its own VM, heap and job queue; the V8 backend shares one
// isolate, and its microtask queue, across its Contexts.
type Runtime interface {
	NewContext() (Context, error)
	Close()
}

// Context is a single global scope — one per runCode invocation. All
// Handles created through a Context are only valid for that Context's
// lifetime.
type Context interface {
	// Global returns the globalThis object handle. Caller owns the
	// returned handle (must Dispose, typically via a Scope).
	Global() Handle

	NewUndefined() Handle
	NewNull() Handle
	NewBool(b bool) Handle
	NewNumber(n float64) Handle
	NewString(s string) Handle
	NewArray(items []Handle) (Handle, error)
	NewObject() (Handle, error)
	NewArrayBuffer(b []byte) (Handle, error)
	// ArrayBufferWrite overwrites an existing ArrayBuffer/TypedArray's
	// backing bytes in place (used by crypto.getRandomValues, which the
	// Web Crypto API defines as mutating its argument rather than
	// returning a new buffer). Reports false if h isn't backed by an
	// ArrayBuffer or the lengths don't match.
	ArrayBufferWrite(h Handle, b []byte) bool
	NewError(message string) (Handle, error)

	// NewFunction installs a Go-backed callable. name is used only for
	// stack traces / registration bookkeeping.
	NewFunction(name string, fn GoFunc) (Handle, error)

	GetProp(obj Handle, key string) (Handle, error)
	SetProp(obj Handle, key string, val Handle) error
	DeleteProp(obj Handle, key string) error

	TypeOf(h Handle) string
	IsArray(h Handle) bool
	IsError(h Handle) bool
	IsPromise(h Handle) bool
	IsFunction(h Handle) bool
	ArrayLength(h Handle) (int, error)
	ArrayBufferBytes(h Handle) ([]byte, bool)
	ToFloat64(h Handle) (float64, bool)
	ToString(h Handle) (string, bool)
	ToBool(h Handle) bool

	// Dump renders a Handle as a human-readable debug string, used by
	// console and error reporting.
	Dump(h Handle) string

	CallFunction(fn Handle, this Handle, args []Handle) (Handle, error)

	// PromiseState inspects a promise handle: state is one of
	// "pending"/"fulfilled"/"rejected"; result is the fulfilled value
	// or rejection reason, valid when state is not "pending".
	PromiseState(h Handle) (state string, result Handle, err error)

	// EvalModule parses and evaluates sourceText as an ES module with
	// the given specifier (used for stack traces and relative import
	// resolution). Returns the module namespace object, or a guest
	// exception wrapped as an error.
	EvalModule(sourceText, specifier string) (Handle, error)

	// SetModuleLoader stores a resolver that returns a module's JS
	// source for a specifier. Neither backend hands it to the engine:
	// both only keep it, and guest `import` statements do not reach it.
	SetModuleLoader(loader func(specifier string) (string, error))

	// ExecutePendingJobs drains the microtask queue (promise reactions,
	// async/await continuations) and returns the number of jobs it ran.
	// The QuickJS backend runs jobs until none remain; a job that throws
	// ends the drain and no error is returned. The V8 backend runs one
	// microtask checkpoint and always reports 0 jobs.
	ExecutePendingJobs() (int, error)

	// HasPendingJobs reports whether ExecutePendingJobs might do work.
	// Neither backend can inspect its job queue, so both always return
	// true.
	HasPendingJobs() bool

	Close()
}

// Handle is a reference-counted guest value. Dup and Dispose must be
// safe to call any number of times; Dispose beyond the first call is a
// no-op (idempotent disposal, spec §8 invariant).
type Handle interface {
	Dup() Handle
	Dispose()
	// Raw exposes the backend-native value for use by that backend's
	// own code only (e.g. a quickjs Handle's Raw is a quickjs.Value).
	// Marshal and module code must never type-assert across backends.
	Raw() any
}
