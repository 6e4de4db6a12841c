//go:build v8

package engine

import (
	"fmt"

	v8 "github.com/tommie/v8go"
)

type v8Adapter struct{}

// NewV8Adapter returns the secondary Adapter, backed by
// github.com/tommie/v8go. Built only with -tags v8.
func NewV8Adapter() Adapter { return v8Adapter{} }

func (v8Adapter) Kind() Kind { return KindV8 }

func (v8Adapter) NewRuntime(cfg RuntimeConfig) (Runtime, error) {
	iso := v8.NewIsolate()
	return &v8Runtime{iso: iso}, nil
}

type v8Runtime struct {
	iso *v8.Isolate
}

func (r *v8Runtime) NewContext() (Context, error) {
	ctx := v8.NewContext(r.iso)
	return &v8Context{iso: r.iso, ctx: ctx}, nil
}

func (r *v8Runtime) Close() {
	r.iso.Dispose()
}

type v8Context struct {
	iso    *v8.Isolate
	ctx    *v8.Context
	loader func(specifier string) (string, error)
}

type v8Handle struct {
	v *v8.Value
}

func wrapV8(v *v8.Value) Handle { return &v8Handle{v: v} }

// Dup is a no-op: v8go values live as long as the Context that
// produced them and are reclaimed by the isolate's GC, unlike
// QuickJS's explicit refcounts. Disposal is likewise a no-op; the
// method exists purely to satisfy the engine-agnostic Handle contract
// so Scope bookkeeping behaves identically across backends.
func (h *v8Handle) Dup() Handle  { return h }
func (h *v8Handle) Dispose()     {}
func (h *v8Handle) Raw() any     { return h.v }

func rawV8(h Handle) *v8.Value {
	vh, ok := h.(*v8Handle)
	if !ok {
		panic("engine: v8 backend received a handle from another engine")
	}
	return vh.v
}

func (c *v8Context) Global() Handle {
	return wrapV8(c.ctx.Global().Value)
}

func (c *v8Context) NewUndefined() Handle {
	return wrapV8(v8.Undefined(c.iso))
}

func (c *v8Context) NewNull() Handle {
	v, _ := c.ctx.RunScript("null", "cage-null.js")
	return wrapV8(v)
}

func (c *v8Context) NewBool(b bool) Handle {
	v, _ := v8.NewValue(c.iso, b)
	return wrapV8(v)
}

func (c *v8Context) NewNumber(n float64) Handle {
	v, _ := v8.NewValue(c.iso, n)
	return wrapV8(v)
}

func (c *v8Context) NewString(s string) Handle {
	v, _ := v8.NewValue(c.iso, s)
	return wrapV8(v)
}

func (c *v8Context) NewArray(items []Handle) (Handle, error) {
	v, err := c.ctx.RunScript("[]", "cage-array.js")
	if err != nil {
		return nil, err
	}
	obj, err := v.AsObject()
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		if err := obj.SetIdx(uint32(i), rawV8(item)); err != nil {
			return nil, fmt.Errorf("engine: building array index %d: %w", i, err)
		}
	}
	return wrapV8(obj.Value), nil
}

func (c *v8Context) NewObject() (Handle, error) {
	v, err := c.ctx.RunScript("({})", "cage-object.js")
	if err != nil {
		return nil, err
	}
	return wrapV8(v), nil
}

func (c *v8Context) NewArrayBuffer(b []byte) (Handle, error) {
	backing, err := v8.NewArrayBufferBackingStoreFromBytes(b)
	if err != nil {
		return nil, err
	}
	ab := v8.NewArrayBufferWithBackingStore(c.iso, backing)
	return wrapV8(ab.Value), nil
}

func (c *v8Context) NewError(message string) (Handle, error) {
	v, err := c.ctx.RunScript(fmt.Sprintf("new Error(%q)", message), "cage-error.js")
	if err != nil {
		return nil, err
	}
	return wrapV8(v), nil
}

func (c *v8Context) NewFunction(name string, fn GoFunc) (Handle, error) {
	ft := v8.NewFunctionTemplate(c.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		handles := make([]Handle, len(args))
		for i := range args {
			handles[i] = wrapV8(args[i])
		}
		result, err := fn(wrapV8(info.This().Value), handles)
		if err != nil {
			errVal, _ := v8.NewValue(c.iso, err.Error())
			return c.iso.ThrowException(errVal)
		}
		if result == nil {
			return v8.Undefined(c.iso)
		}
		return rawV8(result)
	})
	return wrapV8(ft.GetFunction(c.ctx).Value), nil
}

func (c *v8Context) GetProp(obj Handle, key string) (Handle, error) {
	o, err := rawV8(obj).AsObject()
	if err != nil {
		return nil, err
	}
	v, err := o.Get(key)
	if err != nil {
		return nil, err
	}
	return wrapV8(v), nil
}

func (c *v8Context) SetProp(obj Handle, key string, val Handle) error {
	o, err := rawV8(obj).AsObject()
	if err != nil {
		return err
	}
	return o.Set(key, rawV8(val))
}

func (c *v8Context) DeleteProp(obj Handle, key string) error {
	o, err := rawV8(obj).AsObject()
	if err != nil {
		return err
	}
	o.Delete(key)
	return nil
}

func (c *v8Context) TypeOf(h Handle) string {
	v := rawV8(h)
	switch {
	case v.IsUndefined():
		return "undefined"
	case v.IsFunction():
		return "function"
	case v.IsString():
		return "string"
	case v.IsNumber():
		return "number"
	case v.IsBoolean():
		return "boolean"
	case v.IsObject():
		return "object"
	default:
		return "object"
	}
}

func (c *v8Context) IsArray(h Handle) bool    { return rawV8(h).IsArray() }
func (c *v8Context) IsError(h Handle) bool    { return rawV8(h).IsNativeError() }
func (c *v8Context) IsPromise(h Handle) bool  { return rawV8(h).IsPromise() }
func (c *v8Context) IsFunction(h Handle) bool { return rawV8(h).IsFunction() }

func (c *v8Context) ArrayLength(h Handle) (int, error) {
	o, err := rawV8(h).AsObject()
	if err != nil {
		return 0, err
	}
	lenVal, err := o.Get("length")
	if err != nil {
		return 0, err
	}
	return int(lenVal.Integer()), nil
}

func (c *v8Context) ArrayBufferBytes(h Handle) ([]byte, bool) {
	ab, err := rawV8(h).AsArrayBuffer()
	if err != nil {
		return nil, false
	}
	return ab.GetBackingStore().Bytes(), true
}

func (c *v8Context) ArrayBufferWrite(h Handle, b []byte) bool {
	ab, err := rawV8(h).AsArrayBuffer()
	if err != nil {
		return false
	}
	dst := ab.GetBackingStore().Bytes()
	if len(b) > len(dst) {
		return false
	}
	copy(dst, b)
	return true
}

func (c *v8Context) ToFloat64(h Handle) (float64, bool) {
	return rawV8(h).Number(), true
}

func (c *v8Context) ToString(h Handle) (string, bool) {
	return rawV8(h).String(), true
}

func (c *v8Context) ToBool(h Handle) bool {
	return rawV8(h).Boolean()
}

func (c *v8Context) Dump(h Handle) string {
	v := rawV8(h)
	if v.IsNativeError() {
		return v.String()
	}
	if s, err := v8.JSONStringify(c.ctx, v); err == nil {
		return s
	}
	return v.String()
}

func (c *v8Context) CallFunction(fn Handle, this Handle, args []Handle) (Handle, error) {
	f, err := rawV8(fn).AsFunction()
	if err != nil {
		return nil, err
	}
	raws := make([]v8.Valuer, len(args))
	for i, a := range args {
		raws[i] = rawV8(a)
	}
	v, err := f.Call(rawV8(this), raws...)
	if err != nil {
		return nil, err
	}
	return wrapV8(v), nil
}

func (c *v8Context) PromiseState(h Handle) (string, Handle, error) {
	p, err := rawV8(h).AsPromise()
	if err != nil {
		return "", nil, err
	}
	switch p.State() {
	case v8.Fulfilled:
		return "fulfilled", wrapV8(p.Result()), nil
	case v8.Rejected:
		return "rejected", wrapV8(p.Result()), nil
	default:
		return "pending", nil, nil
	}
}

// EvalModule runs sourceText through RunScript as a classic script:
// this backend does not evaluate ES modules, so import/export syntax
// is rejected.
func (c *v8Context) EvalModule(sourceText, specifier string) (Handle, error) {
	v, err := c.ctx.RunScript(sourceText, specifier)
	if err != nil {
		return nil, fmt.Errorf("engine: evaluating module %q: %w", specifier, err)
	}
	return wrapV8(v), nil
}

func (c *v8Context) SetModuleLoader(loader func(specifier string) (string, error)) {
	c.loader = loader
	// The loader is only stored: nothing reads this field, and
	// EvalModule's RunScript does not resolve imports.
}

func (c *v8Context) ExecutePendingJobs() (int, error) {
	c.iso.PerformMicrotaskCheckpoint()
	return 0, nil
}

func (c *v8Context) HasPendingJobs() bool { return true }

func (c *v8Context) Close() {
	c.ctx.Close()
}
