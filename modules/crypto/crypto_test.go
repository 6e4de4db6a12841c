package crypto

import (
	"context"
	"testing"
	"time"

	cage "github.com/faradaycage/cage"
)

func newTestCage(t *testing.T) *cage.Cage {
	t.Helper()
	c, err := cage.CreateCage(cage.DefaultEngineConfig())
	if err != nil {
		t.Fatalf("CreateCage: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func runScript(t *testing.T, c *cage.Cage, source string) cage.EvalResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.RunCode(ctx, source, []cage.CageModule{New()})
}

// Scripts assert their own invariants and throw on failure, since
// binary ArrayBuffer completion values don't round-trip through the
// generic Marshaller (see internal/marshal's documented precedence,
// which has no ArrayBuffer case) — a thrown error surfaces as
// !r.Ok, which is all these tests need to check.

func TestCrypto_GetRandomValuesFillsAndReturnsSameBuffer(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		const a = new Uint8Array(16);
		const ret = crypto.getRandomValues(a);
		if (ret !== a) throw new Error("expected getRandomValues to return the same array");
		let allZero = true;
		for (let i = 0; i < a.length; i++) if (a[i] !== 0) allZero = false;
		if (allZero) throw new Error("expected at least one non-zero byte");
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestCrypto_RandomUUIDLooksLikeUUID(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		const id = crypto.randomUUID();
		const re = /^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$/i;
		if (!re.test(id)) throw new Error("not a UUID: " + id);
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestCrypto_DigestSHA256KnownVector(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		function toHex(buf) {
			return Array.from(new Uint8Array(buf)).map(b => b.toString(16).padStart(2, "0")).join("");
		}
		(async () => {
			const data = new TextEncoder().encode("abc");
			const digest = await crypto.subtle.digest("SHA-256", data);
			const got = toHex(digest);
			const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad";
			if (got !== want) throw new Error("digest mismatch: " + got);
		})();
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestCrypto_HMACSignAndVerifyRoundTrip(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		(async () => {
			const keyData = crypto.getRandomValues(new Uint8Array(32));
			const key = await crypto.subtle.importKey(
				"raw", keyData, { name: "HMAC", hash: "SHA-256" }, true, ["sign", "verify"]
			);
			const data = new TextEncoder().encode("message");
			const sig = await crypto.subtle.sign("HMAC", key, data);
			const ok = await crypto.subtle.verify("HMAC", key, sig, data);
			if (!ok) throw new Error("expected verify to succeed for a matching signature");

			const tampered = new TextEncoder().encode("tampered");
			const bad = await crypto.subtle.verify("HMAC", key, sig, tampered);
			if (bad) throw new Error("expected verify to fail for a tampered message");
		})();
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestCrypto_AesGcmEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		(async () => {
			const keyData = crypto.getRandomValues(new Uint8Array(32));
			const key = await crypto.subtle.importKey("raw", keyData, { name: "AES-GCM" }, false, ["encrypt", "decrypt"]);
			const iv = crypto.getRandomValues(new Uint8Array(12));
			const plaintext = new TextEncoder().encode("top secret");
			const ciphertext = await crypto.subtle.encrypt({ name: "AES-GCM", iv }, key, plaintext);
			const decrypted = await crypto.subtle.decrypt({ name: "AES-GCM", iv }, key, ciphertext);
			const bytes = new Uint8Array(decrypted);
			const original = new Uint8Array(plaintext);
			if (bytes.length !== original.length) throw new Error("length mismatch after round trip");
			for (let i = 0; i < bytes.length; i++) {
				if (bytes[i] !== original[i]) throw new Error("byte mismatch after round trip at " + i);
			}
		})();
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestCrypto_ExportKeyRejectsNonExtractable(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		(async () => {
			const keyData = crypto.getRandomValues(new Uint8Array(32));
			const key = await crypto.subtle.importKey("raw", keyData, { name: "AES-GCM" }, false, ["encrypt"]);
			let threw = false;
			try {
				await crypto.subtle.exportKey("raw", key);
			} catch (e) {
				threw = true;
			}
			if (!threw) throw new Error("expected exportKey to reject a non-extractable key");
		})();
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}
