// Package encoding installs atob/btoa as pure-JS globals (grounded on
// the teacher's encoding.go, unchanged in approach — a pure-JS
// implementation sidesteps any boundary-crossing issue with binary
// strings containing null bytes) plus TextEncoder/TextDecoder,
// grounded on the teacher's textstreams.go but built directly on
// ArrayBuffer handles rather than a base64 bridge, since
// DefineSandboxFunctionRaw already gives zero-copy buffer access.
package encoding

import (
	"fmt"

	cage "github.com/faradaycage/cage"
	"github.com/faradaycage/cage/internal/engine"
)

// Module installs atob/btoa/TextEncoder/TextDecoder.
type Module struct{}

// New returns an encoding Module.
func New() *Module { return &Module{} }

func (m *Module) Name() string { return "encoding" }

func (m *Module) Def(mc *cage.ModuleContext) error {
	ctx := mc.Engine()

	if _, err := ctx.EvalModule(atobBtoaJS, "cage:atob-btoa"); err != nil {
		return fmt.Errorf("encoding: installing atob/btoa: %w", err)
	}

	if err := mc.DefineSandboxFunctionRaw("__textEncode", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		s := ""
		if len(args) > 0 {
			s, _ = ctx.ToString(args[0])
		}
		return ctx.NewArrayBuffer([]byte(s))
	}); err != nil {
		return fmt.Errorf("encoding: %w", err)
	}

	if err := mc.DefineSandboxFunctionRaw("__textDecode", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		if len(args) == 0 {
			return ctx.NewString(""), nil
		}
		b, ok := ctx.ArrayBufferBytes(args[0])
		if !ok {
			return nil, fmt.Errorf("TextDecoder.decode requires a BufferSource")
		}
		return ctx.NewString(string(b)), nil
	}); err != nil {
		return fmt.Errorf("encoding: %w", err)
	}

	if _, err := ctx.EvalModule(textStreamsJS, "cage:text-streams"); err != nil {
		return fmt.Errorf("encoding: installing TextEncoder/TextDecoder: %w", err)
	}
	return nil
}

// textStreamsJS layers the TextEncoder/TextDecoder classes over the
// Go-backed __textEncode/__textDecode primitives, matching the
// teacher's textstreams.go shape (a thin class wrapping one encode/
// decode call) but scoped to UTF-8 only, since the spec names only
// TextEncoder/TextDecoder and both default to UTF-8 in the Encoding
// standard.
const textStreamsJS = `
(function() {
	globalThis.TextEncoder = function TextEncoder() {
		this.encoding = 'utf-8';
	};
	TextEncoder.prototype.encode = function(input) {
		const buf = __textEncode(input === undefined ? '' : String(input));
		return new Uint8Array(buf);
	};
	TextEncoder.prototype.encodeInto = function(input, dest) {
		const encoded = this.encode(input);
		const written = Math.min(encoded.length, dest.length);
		for (let i = 0; i < written; i++) dest[i] = encoded[i];
		return { read: input.length, written: written };
	};

	globalThis.TextDecoder = function TextDecoder(label, options) {
		this.encoding = (label || 'utf-8').toLowerCase();
		this.fatal = !!(options && options.fatal);
		this.ignoreBOM = !!(options && options.ignoreBOM);
		if (this.encoding !== 'utf-8' && this.encoding !== 'utf8') {
			throw new RangeError('TextDecoder: only utf-8 is supported');
		}
	};
	TextDecoder.prototype.decode = function(input) {
		if (input === undefined) return '';
		const buf = input.buffer ? input.buffer : input;
		return __textDecode(buf);
	};
})();
`

// atobBtoaJS is the teacher's encoding.go polyfill verbatim in
// approach: pure-JS base64 codec operating on Latin-1 strings, since
// atob/btoa are defined over binary strings, not byte buffers.
const atobBtoaJS = `
(function() {
	const _e = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
	const _d = new Uint8Array(128);
	for (let i = 0; i < _e.length; i++) _d[_e.charCodeAt(i)] = i;
	const _v = new Uint8Array(128);
	for (let i = 0; i < _e.length; i++) _v[_e.charCodeAt(i)] = 1;
	_v[61] = 1; // '='

	globalThis.btoa = function(data) {
		if (arguments.length < 1) throw new TypeError("btoa requires at least 1 argument(s)");
		const s = String(data);
		const len = s.length;
		if (len === 0) return '';
		const bytes = new Uint8Array(len);
		for (let i = 0; i < len; i++) {
			const ch = s.charCodeAt(i);
			if (ch > 255) throw new Error("btoa: string contains characters outside of the Latin1 range");
			bytes[i] = ch;
		}
		const out = [];
		for (let i = 0; i < len; i += 3) {
			const a = bytes[i];
			const b = i + 1 < len ? bytes[i + 1] : 0;
			const c = i + 2 < len ? bytes[i + 2] : 0;
			out.push(
				_e[a >> 2],
				_e[((a & 3) << 4) | (b >> 4)],
				i + 1 < len ? _e[((b & 15) << 2) | (c >> 6)] : '=',
				i + 2 < len ? _e[c & 63] : '='
			);
		}
		return out.join('');
	};

	globalThis.atob = function(data) {
		if (arguments.length < 1) throw new TypeError("atob requires at least 1 argument(s)");
		let b64 = String(data);
		b64 = b64.replace(/[\t\n\f\r ]/g, '');
		if (b64.length === 0) return '';
		if (b64.length % 4 === 0) {
			if (b64[b64.length - 1] === '=') {
				b64 = b64.slice(0, b64[b64.length - 2] === '=' ? -2 : -1);
			}
		}
		if (b64.length % 4 === 1) {
			throw new Error("atob: invalid base64 string");
		}
		for (let i = 0; i < b64.length; i++) {
			const ch = b64.charCodeAt(i);
			if (ch >= 128 || !_v[ch] || ch === 61) {
				throw new Error("atob: invalid base64 string");
			}
		}
		while (b64.length % 4 !== 0) b64 += '=';
		let pad = 0;
		if (b64[b64.length - 1] === '=') pad++;
		if (b64[b64.length - 2] === '=') pad++;
		const outLen = (b64.length / 4) * 3 - pad;
		const bytes = new Uint8Array(outLen);
		let j = 0;
		for (let i = 0; i < b64.length; i += 4) {
			const a = _d[b64.charCodeAt(i)];
			const b = _d[b64.charCodeAt(i + 1)];
			const c = _d[b64.charCodeAt(i + 2)];
			const d = _d[b64.charCodeAt(i + 3)];
			bytes[j++] = (a << 2) | (b >> 4);
			if (j < outLen) bytes[j++] = ((b & 15) << 4) | (c >> 2);
			if (j < outLen) bytes[j++] = ((c & 3) << 6) | d;
		}
		const CHUNK = 4096;
		let result = '';
		for (let i = 0; i < outLen; i += CHUNK) {
			const end = Math.min(i + CHUNK, outLen);
			result += String.fromCharCode.apply(null, bytes.subarray(i, end));
		}
		return result;
	};
})();
`
