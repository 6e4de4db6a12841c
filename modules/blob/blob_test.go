package blob

import (
	"context"
	"testing"
	"time"

	cage "github.com/faradaycage/cage"
	"github.com/faradaycage/cage/modules/encoding"
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

// readAsDataURL and Blob.text both route through TextDecoder/btoa, so
// every script here needs the encoding module installed alongside blob,
// the same way a guest page would load both.
func runScript(t *testing.T, c *cage.Cage, source string) cage.EvalResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.RunCode(ctx, source, []cage.CageModule{New(), encoding.New()})
}

func TestBlob_ConstructsFromStringPartsAndReportsSize(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		const b = new Blob(["hello", " ", "world"], { type: "text/plain" });
		if (b.size !== 11) throw new Error("unexpected size: " + b.size);
		if (b.type !== "text/plain") throw new Error("unexpected type: " + b.type);
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestBlob_TextAndArrayBufferRoundTrip(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		(async () => {
			const b = new Blob(["hello world"]);
			const text = await b.text();
			if (text !== "hello world") throw new Error("text(): " + text);
			const buf = await b.arrayBuffer();
			if (buf.byteLength !== 11) throw new Error("arrayBuffer() length: " + buf.byteLength);
		})();
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestBlob_Slice(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		(async () => {
			const b = new Blob(["hello world"]);
			const sliced = b.slice(0, 5, "text/plain");
			const text = await sliced.text();
			if (text !== "hello") throw new Error("slice text: " + text);
			if (sliced.type !== "text/plain") throw new Error("slice type: " + sliced.type);
		})();
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestFile_SniffsMimeTypeFromExtension(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		const f = new File(["{}"], "data.json");
		if (!f.type.includes("json")) throw new Error("expected json mime type, got: " + f.type);
		if (f.name !== "data.json") throw new Error("unexpected name: " + f.name);
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestFile_ExplicitTypeOverridesSniffing(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		const f = new File(["hi"], "data.json", { type: "text/plain" });
		if (f.type !== "text/plain") throw new Error("unexpected type: " + f.type);
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestFileReader_ReadAsArrayBufferAndText(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		const b = new Blob(["abc"]);
		const r1 = new FileReader();
		let gotBuf = null;
		r1.onload = (e) => { gotBuf = e.target.result; };
		r1.readAsArrayBuffer(b);
		if (!(gotBuf instanceof ArrayBuffer) || gotBuf.byteLength !== 3) throw new Error("unexpected buffer result");

		const r2 = new FileReader();
		let gotText = null;
		r2.onload = (e) => { gotText = e.target.result; };
		r2.readAsText(b);
		if (gotText !== "abc") throw new Error("unexpected text result: " + gotText);
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestFileReader_ReadAsDataURL(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		const b = new Blob(["hi"], { type: "text/plain" });
		const reader = new FileReader();
		let got = null;
		reader.onload = (e) => { got = e.target.result; };
		reader.readAsDataURL(b);
		if (!got.startsWith("data:text/plain;base64,")) throw new Error("unexpected data URL: " + got);
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func TestObjectURL_CreateAndRevokeRoundTrip(t *testing.T) {
	c := newTestCage(t)
	r := runScript(t, c, `
		(async () => {
			const b = new Blob(["payload"]);
			const url = URL.createObjectURL(b);
			if (typeof url !== "string" || !url.startsWith("blob:")) throw new Error("unexpected object URL: " + url);

			const resolved = __objectURLResolve(url);
			if (new TextDecoder().decode(resolved) !== "payload") throw new Error("unexpected resolved contents");

			URL.revokeObjectURL(url);
			const afterRevoke = __objectURLResolve(url);
			if (afterRevoke !== undefined) throw new Error("expected undefined after revoke, got " + afterRevoke);
		})();
	`)
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}
