// Package marshal converts values between Go and the guest
// interpreter. ToHost follows one fixed precedence order:
// null/undefined, bool, string, number, array, error-shaped,
// promise-shaped, plain object, function (always fails), anything
// else (always fails). ToGuest switches on the Go type: nil (as
// undefined), bool, string, the numeric types, []byte (as an
// ArrayBuffer), []any, error and map[string]any; every other Go value
// fails, including functions and promise-like values, for which
// ToGuest has no case.
package marshal

import (
	"fmt"
	"strconv"

	"github.com/faradaycage/cage/internal/engine"
)

// Error is returned for any value neither direction can represent.
type Error struct {
	Direction string // "to_guest" or "to_host"
	Reason    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("marshal: %s: %s", e.Direction, e.Reason)
}

// GuestError carries a thrown guest exception's shape (message plus,
// when present, a stack trace) once it has been pulled across into Go.
type GuestError struct {
	Message string
	Stack   string
	Name    string
}

func (e *GuestError) Error() string {
	if e.Name != "" && e.Name != "Error" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// PromiseHandle is what ToHost returns for a guest Promise: its
// settlement state and, once settled, the marshalled result. The
// QuickJS backend cannot inspect promise state, so there State is
// always "pending". Cage Runtime code, not module authors, normally
// consumes this.
type PromiseHandle struct {
	State  string // "pending" | "fulfilled" | "rejected"
	Result any    // only meaningful when State != "pending"
}

// ToGuest converts a Go value into a guest Handle. Caller owns the
// returned Handle (track it in a Scope).
func ToGuest(ctx engine.Context, v any) (engine.Handle, error) {
	switch val := v.(type) {
	case nil:
		return ctx.NewUndefined(), nil
	case bool:
		return ctx.NewBool(val), nil
	case string:
		return ctx.NewString(val), nil
	case int:
		return ctx.NewNumber(float64(val)), nil
	case int32:
		return ctx.NewNumber(float64(val)), nil
	case int64:
		return ctx.NewNumber(float64(val)), nil
	case float32:
		return ctx.NewNumber(float64(val)), nil
	case float64:
		return ctx.NewNumber(val), nil
	case []byte:
		return ctx.NewArrayBuffer(val)
	case []any:
		items := make([]engine.Handle, len(val))
		for i, item := range val {
			h, err := ToGuest(ctx, item)
			if err != nil {
				return nil, err
			}
			items[i] = h
		}
		arr, err := ctx.NewArray(items)
		for _, h := range items {
			h.Dispose()
		}
		return arr, err
	case error:
		h, err := ctx.NewError(val.Error())
		if err != nil {
			return nil, &Error{Direction: "to_guest", Reason: err.Error()}
		}
		return h, nil
	case map[string]any:
		obj, err := ctx.NewObject()
		if err != nil {
			return nil, &Error{Direction: "to_guest", Reason: err.Error()}
		}
		for k, item := range val {
			h, err := ToGuest(ctx, item)
			if err != nil {
				obj.Dispose()
				return nil, err
			}
			setErr := ctx.SetProp(obj, k, h)
			h.Dispose()
			if setErr != nil {
				obj.Dispose()
				return nil, &Error{Direction: "to_guest", Reason: setErr.Error()}
			}
		}
		return obj, nil
	default:
		return nil, &Error{
			Direction: "to_guest",
			Reason:    fmt.Sprintf("Go value of type %T has no guest representation (functions must be installed via DefineSandboxFn, not generic marshal)", v),
		}
	}
}

// ToHost converts a guest Handle into a Go value, following the fixed
// precedence order described in the package doc. The returned Handle
// ownership is unaffected — callers that own h still must Dispose it.
func ToHost(ctx engine.Context, h engine.Handle) (any, error) {
	t := ctx.TypeOf(h)

	switch t {
	case "undefined":
		return nil, nil
	case "boolean":
		return ctx.ToBool(h), nil
	case "string":
		s, _ := ctx.ToString(h)
		return s, nil
	case "number":
		f, _ := ctx.ToFloat64(h)
		return f, nil
	}

	if t == "object" {
		if h == nil {
			return nil, nil
		}
	}

	// null shows up with TypeOf == "object" in ECMAScript; check it
	// before falling into array/error/promise/object dispatch.
	if s, ok := ctx.ToString(h); ok && t == "object" && s == "null" {
		return nil, nil
	}

	if ctx.IsArray(h) {
		n, err := ctx.ArrayLength(h)
		if err != nil {
			return nil, &Error{Direction: "to_host", Reason: err.Error()}
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			item, err := ctx.GetProp(h, strconv.Itoa(i))
			if err != nil {
				return nil, &Error{Direction: "to_host", Reason: err.Error()}
			}
			v, err := ToHost(ctx, item)
			item.Dispose()
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	if ctx.IsError(h) {
		msg, _ := ctx.ToString(mustGet(ctx, h, "message"))
		name, _ := ctx.ToString(mustGet(ctx, h, "name"))
		stack, _ := ctx.ToString(mustGet(ctx, h, "stack"))
		return &GuestError{Message: msg, Name: name, Stack: stack}, nil
	}

	if ctx.IsPromise(h) {
		state, result, err := ctx.PromiseState(h)
		if err != nil && err != engine.ErrUnsupported {
			return nil, &Error{Direction: "to_host", Reason: err.Error()}
		}
		ph := &PromiseHandle{State: state}
		if result != nil {
			v, err := ToHost(ctx, result)
			if err != nil {
				return nil, err
			}
			ph.Result = v
		}
		return ph, nil
	}

	if t == "function" {
		return nil, &Error{
			Direction: "to_host",
			Reason:    "guest functions have no generic Go representation; call them via engine.Context.CallFunction instead",
		}
	}

	if t == "object" {
		out := make(map[string]any)
		keysHandle, err := objectKeys(ctx, h)
		if err != nil {
			return nil, &Error{Direction: "to_host", Reason: err.Error()}
		}
		defer keysHandle.Dispose()
		n, _ := ctx.ArrayLength(keysHandle)
		for i := 0; i < n; i++ {
			keyH, err := ctx.GetProp(keysHandle, strconv.Itoa(i))
			if err != nil {
				continue
			}
			key, _ := ctx.ToString(keyH)
			keyH.Dispose()
			valH, err := ctx.GetProp(h, key)
			if err != nil {
				continue
			}
			v, err := ToHost(ctx, valH)
			valH.Dispose()
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	}

	return nil, &Error{Direction: "to_host", Reason: fmt.Sprintf("guest value of type %q has no Go representation", t)}
}

func mustGet(ctx engine.Context, h engine.Handle, key string) engine.Handle {
	v, err := ctx.GetProp(h, key)
	if err != nil {
		return ctx.NewUndefined()
	}
	return v
}

// objectKeys evaluates Object.keys(v) via the same handle, returning
// an array Handle of key strings. It stashes h as a function argument
// by calling CallFunction with it, avoiding any engine-specific global
// stash idiom at this layer (each backend's own ToString/Dump already
// use their native stash trick internally).
func objectKeys(ctx engine.Context, h engine.Handle) (engine.Handle, error) {
	global := ctx.Global()
	defer global.Dispose()
	objectCtor, err := ctx.GetProp(global, "Object")
	if err != nil {
		return nil, err
	}
	defer objectCtor.Dispose()
	keysFn, err := ctx.GetProp(objectCtor, "keys")
	if err != nil {
		return nil, err
	}
	defer keysFn.Dispose()
	return ctx.CallFunction(keysFn, objectCtor, []engine.Handle{h})
}

