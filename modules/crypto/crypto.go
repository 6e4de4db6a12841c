// Package crypto installs globalThis.crypto: getRandomValues,
// randomUUID, and a crypto.subtle subset (digest, importKey/exportKey,
// sign/verify, encrypt/decrypt) covering HMAC and AES-GCM — grounded on
// the teacher's crypto.go, generalized from a per-request __requestID-
// scoped key store to one key store per RunCode invocation (a Module
// instance already has exactly that lifetime) and from base64-bridged
// arguments to direct ArrayBuffer handle access via
// DefineSandboxFunctionRaw, since the host/guest boundary here already
// moves bytes zero-copy instead of needing a JS-side base64 codec.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"
	"sync"

	cage "github.com/faradaycage/cage"
	"github.com/faradaycage/cage/internal/engine"
	"github.com/google/uuid"
)

// Module installs crypto.getRandomValues/randomUUID/subtle.*. One
// Module instance owns the key store for a single RunCode invocation.
type Module struct {
	mu     sync.Mutex
	nextID int
	keys   map[int]*storedKey
}

type storedKey struct {
	algorithm string // "HMAC" | "AES-GCM"
	hashName  string // for HMAC
	raw       []byte
}

// New returns a fresh crypto Module; construct one per RunCode call.
func New() *Module {
	return &Module{keys: make(map[int]*storedKey)}
}

func (m *Module) Name() string { return "crypto" }

func (m *Module) Def(mc *cage.ModuleContext) error {
	ctx := mc.Engine()

	obj, err := mc.DefineSandboxObject("crypto")
	if err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	if err := mc.DefineSandboxFunctionRaw("__cryptoGetRandomValues", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("getRandomValues requires a TypedArray argument")
		}
		buf, err := ctx.GetProp(args[0], "buffer")
		if err != nil {
			return nil, fmt.Errorf("getRandomValues requires a TypedArray: %w", err)
		}
		defer buf.Dispose()
		b, ok := ctx.ArrayBufferBytes(buf)
		if !ok {
			return nil, fmt.Errorf("getRandomValues requires a TypedArray backed by an ArrayBuffer")
		}
		if _, err := cryptorand.Read(b); err != nil {
			return nil, fmt.Errorf("getRandomValues: %w", err)
		}
		if !ctx.ArrayBufferWrite(buf, b) {
			return nil, fmt.Errorf("getRandomValues: writing back random bytes")
		}
		return args[0].Dup(), nil
	}); err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	if err := obj.DefineFn("randomUUID", func(args []any) (any, error) {
		return uuid.NewString(), nil
	}); err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	// getRandomValues operates on the TypedArray's backing buffer
	// in-place and returns it, matching the Web Crypto signature; it's
	// installed as a raw function (not a SandboxObject method) so it
	// can round-trip the ArrayBuffer without going through ToHost/
	// ToGuest, then re-attached onto crypto below.
	getRandom, err := ctx.GetProp(ctx.Global(), "__cryptoGetRandomValues")
	if err != nil {
		return fmt.Errorf("crypto: %w", err)
	}
	defer getRandom.Dispose()
	if err := ctx.SetProp(obj.Handle(), "getRandomValues", getRandom); err != nil {
		return fmt.Errorf("crypto: %w", err)
	}
	if err := ctx.DeleteProp(ctx.Global(), "__cryptoGetRandomValues"); err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	subtle, err := obj.Object("subtle")
	if err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	if err := mc.DefineSandboxFunctionRaw("__cryptoDigest", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("digest requires (algorithm, data)")
		}
		algo, _ := ctx.ToString(args[0])
		data, ok := ctx.ArrayBufferBytes(args[1])
		if !ok {
			return nil, fmt.Errorf("digest: data must be a BufferSource")
		}
		h, err := newHash(algo)
		if err != nil {
			return nil, err
		}
		h.Write(data)
		sum, err := ctx.NewArrayBuffer(h.Sum(nil))
		if err != nil {
			return nil, fmt.Errorf("digest: %w", err)
		}
		return sum, nil
	}); err != nil {
		return fmt.Errorf("crypto: %w", err)
	}
	if err := mc.DefineSandboxFunctionRaw("__cryptoImportKey", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		if len(args) < 3 {
			return nil, fmt.Errorf("importKey requires (algorithmName, hashName, keyData)")
		}
		algoName, _ := ctx.ToString(args[0])
		hashName, _ := ctx.ToString(args[1])
		raw, ok := ctx.ArrayBufferBytes(args[2])
		if !ok {
			return nil, fmt.Errorf("importKey: keyData must be a BufferSource")
		}
		m.mu.Lock()
		m.nextID++
		id := m.nextID
		cp := make([]byte, len(raw))
		copy(cp, raw)
		m.keys[id] = &storedKey{algorithm: strings.ToUpper(algoName), hashName: hashName, raw: cp}
		m.mu.Unlock()
		return ctx.NewNumber(float64(id)), nil
	}); err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	if err := mc.DefineSandboxFunctionRaw("__cryptoExportKey", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		id, err := keyArgID(ctx, args)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		k, ok := m.keys[id]
		m.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("exportKey: unknown key")
		}
		return ctx.NewArrayBuffer(k.raw)
	}); err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	if err := mc.DefineSandboxFunctionRaw("__cryptoSign", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		if len(args) < 3 {
			return nil, fmt.Errorf("sign requires (algorithmName, keyID, data)")
		}
		k, err := m.lookupKey(ctx, args[1])
		if err != nil {
			return nil, err
		}
		data, ok := ctx.ArrayBufferBytes(args[2])
		if !ok {
			return nil, fmt.Errorf("sign: data must be a BufferSource")
		}
		if k.algorithm != "HMAC" {
			return nil, fmt.Errorf("sign: unsupported algorithm %q", k.algorithm)
		}
		h, err := newHash(k.hashName)
		if err != nil {
			return nil, err
		}
		mac := hmac.New(h.(hashNewer).newHash, k.raw)
		mac.Write(data)
		return ctx.NewArrayBuffer(mac.Sum(nil))
	}); err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	if err := mc.DefineSandboxFunctionRaw("__cryptoVerify", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		if len(args) < 4 {
			return nil, fmt.Errorf("verify requires (algorithmName, keyID, signature, data)")
		}
		k, err := m.lookupKey(ctx, args[1])
		if err != nil {
			return nil, err
		}
		sig, ok := ctx.ArrayBufferBytes(args[2])
		if !ok {
			return nil, fmt.Errorf("verify: signature must be a BufferSource")
		}
		data, ok := ctx.ArrayBufferBytes(args[3])
		if !ok {
			return nil, fmt.Errorf("verify: data must be a BufferSource")
		}
		if k.algorithm != "HMAC" {
			return nil, fmt.Errorf("verify: unsupported algorithm %q", k.algorithm)
		}
		h, err := newHash(k.hashName)
		if err != nil {
			return nil, err
		}
		mac := hmac.New(h.(hashNewer).newHash, k.raw)
		mac.Write(data)
		return ctx.NewBool(hmac.Equal(mac.Sum(nil), sig)), nil
	}); err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	if err := mc.DefineSandboxFunctionRaw("__cryptoAesGcm", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		if len(args) < 4 {
			return nil, fmt.Errorf("AES-GCM op requires (decrypt, keyID, iv, data)")
		}
		decrypt := ctx.ToBool(args[0])
		k, err := m.lookupKey(ctx, args[1])
		if err != nil {
			return nil, err
		}
		iv, ok := ctx.ArrayBufferBytes(args[2])
		if !ok {
			return nil, fmt.Errorf("AES-GCM: iv must be a BufferSource")
		}
		data, ok := ctx.ArrayBufferBytes(args[3])
		if !ok {
			return nil, fmt.Errorf("AES-GCM: data must be a BufferSource")
		}
		block, err := aes.NewCipher(k.raw)
		if err != nil {
			return nil, fmt.Errorf("AES-GCM: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("AES-GCM: %w", err)
		}
		var out []byte
		if decrypt {
			out, err = gcm.Open(nil, iv, data, nil)
		} else {
			out = gcm.Seal(nil, iv, data, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("AES-GCM: %w", err)
		}
		return ctx.NewArrayBuffer(out)
	}); err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	return wireSubtleKeyOps(ctx, subtle)
}

// hashNewer exposes the stdlib func() hash.Hash constructor a
// already-written hash.Hash value came from, so hmac.New can rebuild
// one per call without this package re-implementing the name→ctor
// switch twice.
type hashNewer interface {
	hash.Hash
	newHash() hash.Hash
}

type namedHash struct {
	hash.Hash
	ctor func() hash.Hash
}

func (n namedHash) newHash() hash.Hash { return n.ctor() }

func newHash(algo string) (hash.Hash, error) {
	switch strings.ToUpper(strings.TrimPrefix(algo, "SHA-")) {
	case "1", "SHA1":
		return namedHash{Hash: sha1.New(), ctor: sha1.New}, nil
	case "256", "SHA256":
		return namedHash{Hash: sha256.New(), ctor: sha256.New}, nil
	case "384", "SHA384":
		return namedHash{Hash: sha512.New384(), ctor: sha512.New384}, nil
	case "512", "SHA512":
		return namedHash{Hash: sha512.New(), ctor: sha512.New}, nil
	default:
		return nil, fmt.Errorf("digest: unsupported algorithm %q", algo)
	}
}

func keyArgID(ctx engine.Context, args []engine.Handle) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("missing key id")
	}
	f, ok := ctx.ToFloat64(args[0])
	if !ok {
		return 0, fmt.Errorf("key id must be numeric")
	}
	return int(f), nil
}

func (m *Module) lookupKey(ctx engine.Context, h engine.Handle) (*storedKey, error) {
	f, ok := ctx.ToFloat64(h)
	if !ok {
		return nil, fmt.Errorf("key id must be numeric")
	}
	m.mu.Lock()
	k, ok := m.keys[int(f)]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown key")
	}
	return k, nil
}

// wireSubtleKeyOps leaves importKey/exportKey/sign/verify/encrypt/
// decrypt to the JS polyfill installed by cryptoPolyfillJS, since they
// all need to construct/inspect CryptoKey objects and algorithm
// dictionaries in ways far more naturally expressed in JS (matching
// the teacher's own cryptoJS) than via repeated raw marshalling.
func wireSubtleKeyOps(ctx engine.Context, subtle *cage.SandboxObject) error {
	_, err := ctx.EvalModule(cryptoPolyfillJS, "cage:crypto-polyfill")
	if err != nil {
		return fmt.Errorf("crypto: installing subtle polyfill: %w", err)
	}
	return nil
}

// cryptoPolyfillJS layers subtle.digest/importKey/exportKey/sign/
// verify/encrypt/decrypt over the Go-backed __crypto* primitives,
// mirroring the teacher's cryptoJS but passing ArrayBuffers directly
// instead of bridging through base64, since DefineSandboxFunctionRaw
// already gives zero-copy ArrayBuffer access across the boundary.
const cryptoPolyfillJS = `
(function() {
	const subtle = crypto.subtle;

	function toBuffer(d) {
		return ArrayBuffer.isView(d) ? d.buffer.slice(d.byteOffset, d.byteOffset + d.byteLength) : d;
	}

	subtle.digest = async function(algorithm, data) {
		const algo = typeof algorithm === 'string' ? algorithm : algorithm.name;
		return __cryptoDigest(algo, toBuffer(data));
	};

	class CryptoKey {
		constructor(id, algorithm, type, extractable, usages) {
			this._id = id;
			this.algorithm = algorithm;
			this.type = type;
			this.extractable = extractable;
			this.usages = usages;
		}
	}

	subtle.importKey = async function(format, keyData, algorithm, extractable, usages) {
		if (format !== 'raw') throw new TypeError('importKey: only raw format is supported');
		const algo = typeof algorithm === 'string' ? { name: algorithm } : algorithm;
		const hashName = algo.hash ? (typeof algo.hash === 'string' ? algo.hash : algo.hash.name) : '';
		const id = __cryptoImportKey(algo.name, hashName, toBuffer(keyData));
		return new CryptoKey(id, algo, 'secret', extractable, usages);
	};

	subtle.exportKey = async function(format, key) {
		if (format !== 'raw') throw new TypeError('exportKey: only raw format is supported');
		if (!key.extractable) throw new DOMException('key is not extractable', 'InvalidAccessError');
		return __cryptoExportKey(key._id);
	};

	subtle.sign = async function(algorithm, key, data) {
		const algo = typeof algorithm === 'string' ? { name: algorithm } : algorithm;
		return __cryptoSign(algo.name, key._id, toBuffer(data));
	};

	subtle.verify = async function(algorithm, key, signature, data) {
		const algo = typeof algorithm === 'string' ? { name: algorithm } : algorithm;
		return !!__cryptoVerify(algo.name, key._id, toBuffer(signature), toBuffer(data));
	};

	subtle.encrypt = async function(algorithm, key, data) {
		const algo = typeof algorithm === 'string' ? { name: algorithm } : algorithm;
		if (algo.name !== 'AES-GCM') throw new TypeError('encrypt: only AES-GCM is supported');
		return __cryptoAesGcm(false, key._id, toBuffer(algo.iv), toBuffer(data));
	};

	subtle.decrypt = async function(algorithm, key, data) {
		const algo = typeof algorithm === 'string' ? { name: algorithm } : algorithm;
		if (algo.name !== 'AES-GCM') throw new TypeError('decrypt: only AES-GCM is supported');
		return __cryptoAesGcm(true, key._id, toBuffer(algo.iv), toBuffer(data));
	};
})();
`
