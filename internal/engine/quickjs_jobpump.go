//go:build !v8

package engine

import (
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// executePendingJobs runs all pending microtasks (promise reactions,
// async/await continuations) on the QuickJS runtime backing vm. The
// modernc.org/quickjs Go wrapper never calls JS_ExecutePendingJob
// itself, so without this, .then() callbacks would never fire. It
// reaches into the unexported runtime handle via reflection and calls
// XJS_ExecutePendingJob directly.
//
// Returns the number of jobs executed.
func executePendingJobs(vm *quickjs.VM) int {
	rt, tls, ok := extractRuntime(vm)
	if !ok {
		return 0
	}

	count := 0
	for {
		ret := lib.XJS_ExecutePendingJob(tls, rt, 0)
		if ret <= 0 {
			break
		}
		count++
	}
	return count
}

// extractRuntime pulls the unexported tls and cRuntime fields out of a
// *quickjs.VM via reflection.
//
// VM struct layout (modernc.org/quickjs@v0.17.1):
//
//	type VM struct {
//	    cContext uintptr
//	    goFuncs  map[string]int32
//	    runtime  *runtime
//	    ...
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
func extractRuntime(vm *quickjs.VM) (cRuntime uintptr, tls *libc.TLS, ok bool) {
	vmVal := reflect.ValueOf(vm).Elem()

	rtField := vmVal.FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return 0, nil, false
	}

	rtPtr := unsafe.Pointer(rtField.Pointer())
	rtVal := reflect.NewAt(rtField.Type().Elem(), rtPtr).Elem()

	cRuntimeField := rtVal.FieldByName("cRuntime")
	if !cRuntimeField.IsValid() {
		return 0, nil, false
	}
	cRuntime = uintptr(cRuntimeField.Uint())

	tlsField := rtVal.FieldByName("tls")
	if !tlsField.IsValid() || tlsField.IsNil() {
		return 0, nil, false
	}
	tls = (*libc.TLS)(unsafe.Pointer(tlsField.Pointer()))

	return cRuntime, tls, true
}

// writeArrayBuffer copies b directly into an existing guest
// ArrayBuffer's backing store via the QuickJS C API, avoiding a
// base64 round trip through JS for large binary payloads (used by
// modules/crypto and modules/fetch when moving response/key bytes
// into the guest).
func writeArrayBuffer(vm *quickjs.VM, v quickjs.Value, b []byte) bool {
	_, tls, ok := extractRuntime(vm)
	if !ok {
		return false
	}
	cCtx, ok := contextPtr(vm)
	if !ok {
		return false
	}

	var size uintptr
	ptr := lib.XJS_GetArrayBuffer(tls, cCtx, &size, jsValueOf(v))
	if ptr == 0 || uintptr(len(b)) > size {
		return false
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), len(b))
	copy(dst, b)
	return true
}

// readArrayBuffer copies an ArrayBuffer's bytes out via the QuickJS C
// API. ok is false when the internal layout could not be reached, in
// which case the caller should fall back to a JS-side base64 encode.
func readArrayBuffer(vm *quickjs.VM, v quickjs.Value) ([]byte, bool) {
	_, tls, ok := extractRuntime(vm)
	if !ok {
		return nil, false
	}
	cCtx, ok := contextPtr(vm)
	if !ok {
		return nil, false
	}

	var size uintptr
	ptr := lib.XJS_GetArrayBuffer(tls, cCtx, &size, jsValueOf(v))
	if ptr == 0 {
		return nil, false
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)
	out := make([]byte, size)
	copy(out, src)
	return out, true
}

// contextPtr extracts the unexported cContext field (the C
// JSContext*) from a *quickjs.VM.
func contextPtr(vm *quickjs.VM) (uintptr, bool) {
	vmVal := reflect.ValueOf(vm).Elem()
	f := vmVal.FieldByName("cContext")
	if !f.IsValid() {
		return 0, false
	}
	return uintptr(f.Uint()), true
}

// jsValueOf extracts the underlying lib.TJSValue from a quickjs.Value
// via its reflected field offset, the same unsafe.Pointer-arithmetic
// idiom extractRuntime uses — reflect.Value.Interface() panics on an
// unexported field ("v" here is unexported), so the value has to come
// out through a raw pointer read instead.
func jsValueOf(v quickjs.Value) lib.TJSValue {
	field, ok := reflect.TypeOf(v).FieldByName("v")
	if !ok {
		return lib.TJSValue{}
	}
	ptr := unsafe.Pointer(uintptr(unsafe.Pointer(&v)) + field.Offset)
	return *(*lib.TJSValue)(ptr)
}
