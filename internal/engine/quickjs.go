//go:build !v8

package engine

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"

	"modernc.org/quickjs"
)

type quickjsAdapter struct{}

// NewQuickJSAdapter returns the default Adapter, backed by
// modernc.org/quickjs. It is the engine Cage uses unless built with
// the "v8" tag.
func NewQuickJSAdapter() Adapter { return quickjsAdapter{} }

func (quickjsAdapter) Kind() Kind { return KindQuickJS }

func (quickjsAdapter) NewRuntime(cfg RuntimeConfig) (Runtime, error) {
	return &quickjsRuntime{cfg: cfg}, nil
}

// quickjsRuntime is a thin owner of Contexts. modernc.org/quickjs's VM
// already bundles what the spec calls a Runtime and a Context into one
// value, so each NewContext call here produces a fresh VM — matching
// how the teacher's engine.go creates one VM per execution.
type quickjsRuntime struct {
	cfg  RuntimeConfig
	mu   sync.Mutex
	vms  []*quickjs.VM
}

func (r *quickjsRuntime) NewContext() (Context, error) {
	vm := quickjs.NewVM()
	r.mu.Lock()
	r.vms = append(r.vms, vm)
	r.mu.Unlock()
	return &quickjsContext{vm: vm}, nil
}

func (r *quickjsRuntime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, vm := range r.vms {
		vm.Close()
	}
	r.vms = nil
}

type quickjsContext struct {
	vm     *quickjs.VM
	loader func(specifier string) (string, error)
}

type quickjsHandle struct {
	ctx      *quickjsContext
	val      quickjs.Value
	disposed bool
}

func wrap(ctx *quickjsContext, v quickjs.Value) Handle {
	return &quickjsHandle{ctx: ctx, val: v}
}

func (h *quickjsHandle) Dup() Handle {
	if h.disposed {
		return wrap(h.ctx, h.val)
	}
	return wrap(h.ctx, h.val.Dup())
}

func (h *quickjsHandle) Dispose() {
	if h.disposed {
		return
	}
	h.disposed = true
	h.val.Free()
}

func (h *quickjsHandle) Raw() any { return h.val }

func rawOf(h Handle) quickjs.Value {
	qh, ok := h.(*quickjsHandle)
	if !ok {
		panic("engine: quickjs backend received a handle from another engine")
	}
	return qh.val
}

func (c *quickjsContext) eval(js string) (quickjs.Value, error) {
	return c.vm.EvalValue(js, quickjs.EvalGlobal)
}

func (c *quickjsContext) Global() Handle {
	return wrap(c, c.vm.GlobalObject())
}

func (c *quickjsContext) NewUndefined() Handle {
	v, _ := c.eval("undefined")
	return wrap(c, v)
}

func (c *quickjsContext) NewNull() Handle {
	v, _ := c.eval("null")
	return wrap(c, v)
}

func (c *quickjsContext) NewBool(b bool) Handle {
	if b {
		v, _ := c.eval("true")
		return wrap(c, v)
	}
	v, _ := c.eval("false")
	return wrap(c, v)
}

func (c *quickjsContext) NewNumber(n float64) Handle {
	v, _ := c.eval(strconv.FormatFloat(n, 'g', -1, 64))
	return wrap(c, v)
}

func (c *quickjsContext) NewString(s string) Handle {
	v, _ := c.eval(strconv.Quote(s))
	return wrap(c, v)
}

func (c *quickjsContext) NewArray(items []Handle) (Handle, error) {
	v, err := c.eval("[]")
	if err != nil {
		return nil, err
	}
	arr := wrap(c, v)
	for i, item := range items {
		atom, err := c.vm.NewAtom(strconv.Itoa(i))
		if err != nil {
			return nil, fmt.Errorf("engine: building array index %d: %w", i, err)
		}
		if err := v.SetProperty(atom, rawOf(item)); err != nil {
			return nil, fmt.Errorf("engine: setting array index %d: %w", i, err)
		}
	}
	return arr, nil
}

func (c *quickjsContext) NewObject() (Handle, error) {
	v, err := c.eval("({})")
	if err != nil {
		return nil, err
	}
	return wrap(c, v), nil
}

func (c *quickjsContext) NewArrayBuffer(b []byte) (Handle, error) {
	v, err := c.vm.EvalValue(fmt.Sprintf("new Uint8Array(%d).buffer", len(b)), quickjs.EvalGlobal)
	if err != nil {
		return nil, err
	}
	h := wrap(c, v)
	if len(b) > 0 && !writeArrayBuffer(c.vm, v, b) {
		// Internal struct layout extraction failed (differing quickjs
		// build); fall back to a base64 round-trip through JS, the same
		// degraded path the teacher's crypto/fetch modules use for
		// binary payloads when direct buffer access isn't available.
		b64 := base64.StdEncoding.EncodeToString(b)
		atom, aerr := c.vm.NewAtom("__cage_b64")
		if aerr == nil {
			if gv, gerr := c.vm.EvalValue(strconv.Quote(b64), quickjs.EvalGlobal); gerr == nil {
				glob := c.vm.GlobalObject()
				_ = glob.SetProperty(atom, gv)
				gv.Free()
				if filled, ferr := c.vm.EvalValue(
					"(function(){var s=atob(__cage_b64); var u=new Uint8Array(s.length); for (var i=0;i<s.length;i++) u[i]=s.charCodeAt(i); return u.buffer;})()",
					quickjs.EvalGlobal,
				); ferr == nil {
					h = wrap(c, filled)
				}
				_ = glob.DeleteProperty(atom)
			}
		}
	}
	return h, nil
}

func (c *quickjsContext) NewError(message string) (Handle, error) {
	v, err := c.eval(fmt.Sprintf("new Error(%s)", strconv.Quote(message)))
	if err != nil {
		return nil, err
	}
	return wrap(c, v), nil
}

func (c *quickjsContext) NewFunction(name string, fn GoFunc) (Handle, error) {
	rawName := "__cage_fn_" + name
	shim := func(args ...quickjs.Value) (quickjs.Value, error) {
		handles := make([]Handle, len(args))
		for i, a := range args {
			handles[i] = wrap(c, a)
		}
		result, err := fn(c.Global(), handles)
		if err != nil {
			return quickjs.Value{}, err
		}
		if result == nil {
			return c.vm.EvalValue("undefined", quickjs.EvalGlobal)
		}
		return rawOf(result), nil
	}
	if err := c.vm.RegisterFunc(rawName, shim, false); err != nil {
		return nil, fmt.Errorf("engine: registering function %q: %w", name, err)
	}
	// rawName can contain dots (DefineFn builds names like
	// "console.log"), so it must be looked up as a literal global
	// property key, not run through eval as an expression — eval'ing a
	// dotted name does member access instead of a global lookup.
	atom, err := c.vm.NewAtom(rawName)
	if err != nil {
		return nil, fmt.Errorf("engine: registering function %q: %w", name, err)
	}
	glob := c.vm.GlobalObject()
	defer glob.Free()
	v, err := glob.GetProperty(atom)
	if err != nil {
		return nil, err
	}
	return wrap(c, v), nil
}

func (c *quickjsContext) GetProp(obj Handle, key string) (Handle, error) {
	atom, err := c.vm.NewAtom(key)
	if err != nil {
		return nil, err
	}
	v, err := rawOf(obj).GetProperty(atom)
	if err != nil {
		return nil, err
	}
	return wrap(c, v), nil
}

func (c *quickjsContext) SetProp(obj Handle, key string, val Handle) error {
	atom, err := c.vm.NewAtom(key)
	if err != nil {
		return err
	}
	return rawOf(obj).SetProperty(atom, rawOf(val))
}

func (c *quickjsContext) DeleteProp(obj Handle, key string) error {
	atom, err := c.vm.NewAtom(key)
	if err != nil {
		return err
	}
	return rawOf(obj).DeleteProperty(atom)
}

func (c *quickjsContext) TypeOf(h Handle) string {
	s, _ := evalWith(c, h, "typeof __cage_v")
	return s
}

func (c *quickjsContext) IsArray(h Handle) bool {
	s, _ := evalWith(c, h, "Array.isArray(__cage_v)")
	return s == "true"
}

func (c *quickjsContext) IsError(h Handle) bool {
	s, _ := evalWith(c, h, "__cage_v instanceof Error")
	return s == "true"
}

func (c *quickjsContext) IsPromise(h Handle) bool {
	s, _ := evalWith(c, h, "__cage_v instanceof Promise")
	return s == "true"
}

func (c *quickjsContext) IsFunction(h Handle) bool {
	return c.TypeOf(h) == "function"
}

func (c *quickjsContext) ArrayLength(h Handle) (int, error) {
	s, err := evalWith(c, h, "String(__cage_v.length)")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("engine: array length: %w", err)
	}
	return n, nil
}

func (c *quickjsContext) ArrayBufferBytes(h Handle) ([]byte, bool) {
	return readArrayBuffer(c.vm, rawOf(h))
}

func (c *quickjsContext) ArrayBufferWrite(h Handle, b []byte) bool {
	return writeArrayBuffer(c.vm, rawOf(h), b)
}

func (c *quickjsContext) ToFloat64(h Handle) (float64, bool) {
	s, err := evalWith(c, h, "String(Number(__cage_v))")
	if err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func (c *quickjsContext) ToString(h Handle) (string, bool) {
	s, err := evalWith(c, h, "String(__cage_v)")
	return s, err == nil
}

func (c *quickjsContext) ToBool(h Handle) bool {
	s, _ := evalWith(c, h, "Boolean(__cage_v)")
	return s == "true"
}

func (c *quickjsContext) Dump(h Handle) string {
	s, err := evalWith(c, h, `(function(v){
		try {
			if (v instanceof Error) return v.stack || v.message || String(v);
			if (typeof v === 'function') return '[Function]';
			if (typeof v === 'object' && v !== null) return JSON.stringify(v);
			return String(v);
		} catch (e) { return String(v); }
	})(__cage_v)`)
	if err != nil {
		return "<unprintable>"
	}
	return s
}

func (c *quickjsContext) CallFunction(fn Handle, this Handle, args []Handle) (Handle, error) {
	raws := make([]quickjs.Value, len(args))
	for i, a := range args {
		raws[i] = rawOf(a)
	}
	v, err := rawOf(fn).Call(rawOf(this), raws...)
	if err != nil {
		return nil, err
	}
	return wrap(c, v), nil
}

func (c *quickjsContext) PromiseState(h Handle) (string, Handle, error) {
	s, err := evalWith(c, h, `(function(p){
		return JSON.stringify({state: __cage_promise_state(p)});
	})(__cage_v)`)
	_ = s
	_ = err
	// modernc.org/quickjs does not expose promise introspection
	// directly; settlement is tracked at the Cage Runtime level via
	// the then/catch pair that cage.ModuleContext.KeepAlive attaches
	// to a promise. Adapter-level callers that
	// only need completion detection should prefer ExecutePendingJobs
	// plus a then/catch handle registered through NewFunction.
	return "pending", nil, ErrUnsupported
}

func (c *quickjsContext) EvalModule(sourceText, specifier string) (Handle, error) {
	v, err := c.vm.EvalValue(sourceText, quickjs.EvalModule)
	if err != nil {
		return nil, fmt.Errorf("engine: evaluating module %q: %w", specifier, err)
	}
	return wrap(c, v), nil
}

func (c *quickjsContext) SetModuleLoader(loader func(specifier string) (string, error)) {
	c.loader = loader
	// modernc.org/quickjs does not expose JS_SetModuleLoaderFunc through
	// its Go wrapper, and nothing else reads this field, so guest
	// imports are not resolved through the loader.
}

func (c *quickjsContext) ExecutePendingJobs() (int, error) {
	return executePendingJobs(c.vm), nil
}

func (c *quickjsContext) HasPendingJobs() bool {
	// modernc.org/quickjs has no JS_IsJobPending binding; callers pump
	// in a loop and treat "0 jobs executed" as quiescent, same as the
	// teacher's eventLoop.drain convention.
	return true
}

func (c *quickjsContext) Close() {
	// The owning Runtime frees the VM; per-Context state here is just
	// the loader closure, which is GC'd normally.
}

// evalWith evaluates expr with the handle's value temporarily bound to
// __cage_v, then stringifies and frees the result. This is the same
// "stash on globalThis, run script, clean up" idiom the teacher uses
// throughout fetch.go/globals.go for moving data across the Go/JS
// boundary.
func evalWith(c *quickjsContext, h Handle, expr string) (string, error) {
	atom, err := c.vm.NewAtom("__cage_v")
	if err != nil {
		return "", err
	}
	glob := c.vm.GlobalObject()
	defer glob.Free()
	// SetProperty steals the value reference, so the handle handed in
	// here must be a dup — otherwise the caller's own h gets freed out
	// from under it once DeleteProperty below releases the property.
	if err := glob.SetProperty(atom, rawOf(h.Dup())); err != nil {
		return "", err
	}
	v, err := c.vm.EvalValue(expr, quickjs.EvalGlobal)
	_ = glob.DeleteProperty(atom)
	if err != nil {
		return "", err
	}
	defer v.Free()
	return fmt.Sprint(v), nil
}
