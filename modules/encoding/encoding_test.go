package encoding

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

func TestEncoding_BtoaAtobRoundTrip(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		const encoded = btoa("hello world");
		if (encoded !== "aGVsbG8gd29ybGQ=") throw new Error("unexpected btoa output: " + encoded);
		const decoded = atob(encoded);
		if (decoded !== "hello world") throw new Error("unexpected atob output: " + decoded);
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestEncoding_BtoaRejectsOutsideLatin1(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		let threw = false;
		try {
			btoa("ሴ");
		} catch (e) {
			threw = true;
		}
		if (!threw) throw new Error("expected btoa to reject non-Latin1 input");
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestEncoding_AtobRejectsInvalidBase64(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		let threw = false;
		try {
			atob("not valid base64!!");
		} catch (e) {
			threw = true;
		}
		if (!threw) throw new Error("expected atob to reject invalid base64");
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestEncoding_TextEncoderDecoderRoundTrip(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		const bytes = new TextEncoder().encode("héllo");
		if (!(bytes instanceof Uint8Array)) throw new Error("expected encode to return a Uint8Array");
		const text = new TextDecoder().decode(bytes);
		if (text !== "héllo") throw new Error("unexpected decode output: " + text);
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestEncoding_TextEncoderEncodeInto(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		const dest = new Uint8Array(3);
		const result = new TextEncoder().encodeInto("abcdef", dest);
		if (result.written !== 3) throw new Error("expected 3 bytes written, got " + result.written);
		if (dest[0] !== 97 || dest[1] !== 98 || dest[2] !== 99) throw new Error("unexpected dest contents: " + dest);
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestEncoding_TextDecoderRejectsNonUTF8Label(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		let threw = false;
		try {
			new TextDecoder("iso-8859-1");
		} catch (e) {
			threw = e instanceof RangeError;
		}
		if (!threw) throw new Error("expected a RangeError for a non-utf-8 label");
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}
