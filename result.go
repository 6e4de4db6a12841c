package cage

import "fmt"

// ErrKind classifies what stage of a runCode call produced an error,
// matching the six error kinds the host must be able to distinguish.
type ErrKind string

const (
	// ErrGuest is a JS-level exception raised while evaluating the
	// source text: a thrown Error or a syntax error. A rejected promise
	// that the guest leaves unhandled is not reported.
	ErrGuest ErrKind = "guest"
	// ErrModuleRegistration is a failure while installing a
	// CageModule's bindings (its def function returned an error).
	ErrModuleRegistration ErrKind = "module_registration"
	// ErrJobQueue is a failure draining the microtask queue.
	ErrJobQueue ErrKind = "job_queue"
	// ErrHook is a failure running an after-script hook.
	ErrHook ErrKind = "hook"
	// ErrMarshal is a failure converting a value across the host/guest
	// boundary.
	ErrMarshal ErrKind = "marshal"
	// ErrEngine is a failure in the underlying interpreter itself
	// (runtime/context creation, out-of-memory, internal eval error).
	ErrEngine ErrKind = "engine"
)

// CageError is the structured error type carried in EvalResult.Err.
// Every error runCode can produce is one of these, tagged with its
// Kind so callers can errors.As into it instead of string-matching.
type CageError struct {
	Kind    ErrKind
	Message string
	// Module is set for ErrModuleRegistration/ErrHook, naming which
	// module produced the failure.
	Module string
	Cause   error
}

func (e *CageError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("cage: %s error in module %q: %s", e.Kind, e.Module, e.Message)
	}
	return fmt.Sprintf("cage: %s error: %s", e.Kind, e.Message)
}

func (e *CageError) Unwrap() error { return e.Cause }

func newCageError(kind ErrKind, module string, err error) *CageError {
	return &CageError{Kind: kind, Message: err.Error(), Module: module, Cause: err}
}

// EvalResult is the single return value of Cage.RunCode. RunCode never
// panics or returns a Go error directly — every failure mode, guest or
// host, surfaces here so callers have one place to check.
type EvalResult struct {
	// Ok is true when the script ran to completion (including
	// draining all microtasks and keep-alive promises) without error.
	Ok bool
	// Value is the script's completion value, marshalled to a Go
	// value per the Marshaller's toHost rules. Nil when Ok is false or
	// the script produced no usable completion value.
	Value any
	// Err is set when Ok is false.
	Err *CageError
	// Logs mirrors whatever a console module chose to capture; the
	// core itself never populates this, it's here so end-to-end tests
	// and embedders have one struct to inspect.
	Logs []string
}
