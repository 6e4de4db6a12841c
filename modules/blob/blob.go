// Package blob installs Blob, File, FileReader, and URL.createObjectURL
// — grounded on the teacher's bodytypes_test.go expectations for how a
// body coerces to/from Blob-shaped data, and on assets.go's
// content-type sniffing (the MIME-guessing concern only; assets.go's
// static-asset-serving is a persistence concern the spec's Non-goals
// exclude). Byte storage lives host-side, indexed like crypto's
// CryptoKey store, since Blob's bytes must survive independent of any
// one guest object graph (URL.createObjectURL hands out a stable
// reference a totally different part of the script can later resolve).
package blob

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	cage "github.com/faradaycage/cage"
	"github.com/faradaycage/cage/internal/engine"
	"github.com/google/uuid"
)

// Module installs Blob/File/FileReader/URL.createObjectURL(/revokeObjectURL).
// One Module instance owns the blob store for a single RunCode
// invocation.
type Module struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// New returns a fresh blob Module; construct one per RunCode call.
func New() *Module {
	return &Module{blobs: make(map[string][]byte)}
}

func (m *Module) Name() string { return "blob" }

func (m *Module) Def(mc *cage.ModuleContext) error {
	ctx := mc.Engine()

	if err := mc.DefineSandboxFunctionRaw("__blobConcat", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		var total []byte
		for _, a := range args {
			if b, ok := ctx.ArrayBufferBytes(a); ok {
				total = append(total, b...)
				continue
			}
			if s, ok := ctx.ToString(a); ok {
				total = append(total, []byte(s)...)
			}
		}
		return ctx.NewArrayBuffer(total)
	}); err != nil {
		return fmt.Errorf("blob: %w", err)
	}

	if err := mc.DefineSandboxFn("__blobSniffType", func(args []any) (any, error) {
		name, _ := args[0].(string)
		if name == "" {
			return "", nil
		}
		t := mime.TypeByExtension(filepath.Ext(name))
		return strings.ToLower(t), nil
	}); err != nil {
		return fmt.Errorf("blob: %w", err)
	}

	if err := mc.DefineSandboxFn("__blobHumanSize", func(args []any) (any, error) {
		n, _ := args[0].(float64)
		return humanize.Bytes(uint64(n)), nil
	}); err != nil {
		return fmt.Errorf("blob: %w", err)
	}

	if err := mc.DefineSandboxFunctionRaw("__objectURLCreate", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		var data []byte
		if len(args) > 0 {
			if b, ok := ctx.ArrayBufferBytes(args[0]); ok {
				data = append([]byte(nil), b...)
			}
		}
		id := "blob:cage/" + uuid.NewString()
		m.mu.Lock()
		m.blobs[id] = data
		m.mu.Unlock()
		return ctx.NewString(id), nil
	}); err != nil {
		return fmt.Errorf("blob: %w", err)
	}

	if err := mc.DefineSandboxFn("__objectURLRevoke", func(args []any) (any, error) {
		id, _ := args[0].(string)
		m.mu.Lock()
		delete(m.blobs, id)
		m.mu.Unlock()
		return nil, nil
	}); err != nil {
		return fmt.Errorf("blob: %w", err)
	}

	if err := mc.DefineSandboxFunctionRaw("__objectURLResolve", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		if len(args) == 0 {
			return ctx.NewUndefined(), nil
		}
		id, _ := ctx.ToString(args[0])
		m.mu.Lock()
		data, ok := m.blobs[id]
		m.mu.Unlock()
		if !ok {
			return ctx.NewUndefined(), nil
		}
		return ctx.NewArrayBuffer(data)
	}); err != nil {
		return fmt.Errorf("blob: %w", err)
	}

	if _, err := ctx.EvalModule(blobPolyfillJS, "cage:blob-polyfill"); err != nil {
		return fmt.Errorf("blob: installing polyfill: %w", err)
	}
	return nil
}

// blobPolyfillJS layers Blob/File/FileReader/URL.createObjectURL over
// the Go-backed byte-concatenation and blob-store primitives, the same
// "Go does bytes, JS does the object model" split the teacher uses for
// crypto and encoding.
const blobPolyfillJS = `
(function() {
	function partToBuffer(part) {
		if (part instanceof ArrayBuffer) return part;
		if (part && part.buffer instanceof ArrayBuffer) return part.buffer;
		if (part instanceof Blob) return part._buffer;
		return String(part);
	}

	function Blob(parts, options) {
		options = options || {};
		const bufs = (parts || []).map(partToBuffer);
		this._buffer = __blobConcat.apply(null, bufs);
		this.type = options.type || '';
		this.size = this._buffer.byteLength;
	}
	Blob.prototype.slice = function(start, end, contentType) {
		const view = new Uint8Array(this._buffer).slice(start, end);
		const b = new Blob([view.buffer]);
		b.type = contentType || '';
		return b;
	};
	Blob.prototype.arrayBuffer = async function() { return this._buffer; };
	Blob.prototype.text = async function() {
		return new TextDecoder().decode(this._buffer);
	};
	Blob.prototype.stream = function() {
		throw new Error('Blob.stream is not supported');
	};
	Blob.prototype.toString = function() {
		return '[object Blob, ' + __blobHumanSize(this.size) + ']';
	};
	globalThis.Blob = Blob;

	function File(parts, name, options) {
		options = options || {};
		Blob.call(this, parts, options);
		this.name = name;
		this.lastModified = options.lastModified || Date.now();
		if (!options.type) {
			this.type = __blobSniffType(name) || '';
		}
	}
	File.prototype = Object.create(Blob.prototype);
	File.prototype.constructor = File;
	globalThis.File = File;

	function FileReader() {
		this.result = null;
		this.error = null;
		this.readyState = 0;
		this.onload = null;
		this.onerror = null;
		this.onloadend = null;
	}
	FileReader.prototype._finish = function(result) {
		this.result = result;
		this.readyState = 2;
		if (this.onload) this.onload({ target: this });
		if (this.onloadend) this.onloadend({ target: this });
	};
	FileReader.prototype.readAsArrayBuffer = function(blob) {
		this.readyState = 1;
		this._finish(blob._buffer);
	};
	FileReader.prototype.readAsText = function(blob) {
		this.readyState = 1;
		this._finish(new TextDecoder().decode(blob._buffer));
	};
	FileReader.prototype.readAsDataURL = function(blob) {
		this.readyState = 1;
		const b64 = btoa(new TextDecoder().decode(blob._buffer));
		this._finish('data:' + (blob.type || 'application/octet-stream') + ';base64,' + b64);
	};
	globalThis.FileReader = FileReader;

	if (!globalThis.URL) globalThis.URL = {};
	globalThis.URL.createObjectURL = function(blob) {
		return __objectURLCreate(blob._buffer);
	};
	globalThis.URL.revokeObjectURL = function(url) {
		__objectURLRevoke(url);
	};
})();
`
