package esm

import (
	"context"
	"errors"
	"testing"
	"time"

	esbuild "github.com/evanw/esbuild/pkg/api"
	cage "github.com/faradaycage/cage"
)

func TestLoad_TransformsTypeScript(t *testing.T) {
	m := New(func(specifier string) (string, error) {
		return `export const greeting: string = "hi";`, nil
	})
	code, err := m.load("https://cdn.example.com/mod.ts")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if code == "" {
		t.Fatalf("expected non-empty transformed output")
	}
}

func TestLoad_TransformsJSX(t *testing.T) {
	m := New(func(specifier string) (string, error) {
		return `export const el = <div>hi</div>;`, nil
	})
	code, err := m.load("https://cdn.example.com/mod.jsx")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if code == "" {
		t.Fatalf("expected non-empty transformed output")
	}
}

func TestLoad_CachesPerSpecifier(t *testing.T) {
	calls := 0
	m := New(func(specifier string) (string, error) {
		calls++
		return `export const x = 1;`, nil
	})
	if _, err := m.load("https://cdn.example.com/mod.js"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := m.load("https://cdn.example.com/mod.js"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected fetchText to be called once, got %d", calls)
	}
}

func TestLoad_RejectsNonHTTPSpecifier(t *testing.T) {
	m := New(func(specifier string) (string, error) {
		t.Fatalf("fetchText should not be called for a rejected specifier")
		return "", nil
	})
	_, err := m.load("file:///etc/passwd")
	if err == nil {
		t.Fatalf("expected an error for a non-http(s) specifier")
	}
}

func TestLoad_PropagatesFetchError(t *testing.T) {
	wantErr := errors.New("network down")
	m := New(func(specifier string) (string, error) {
		return "", wantErr
	})
	_, err := m.load("https://cdn.example.com/mod.js")
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped wantErr, got %v", err)
	}
}

func TestLoad_PropagatesTransformSyntaxError(t *testing.T) {
	m := New(func(specifier string) (string, error) {
		return `export const x = ;`, nil
	})
	_, err := m.load("https://cdn.example.com/mod.js")
	if err == nil {
		t.Fatalf("expected a transform error for invalid syntax")
	}
}

func TestLoaderFor_DispatchesByExtension(t *testing.T) {
	tests := []struct {
		specifier string
		want      esbuild.Loader
	}{
		{"https://x/a.ts", esbuild.LoaderTS},
		{"https://x/a.tsx", esbuild.LoaderTSX},
		{"https://x/a.jsx", esbuild.LoaderJSX},
		{"https://x/a.json", esbuild.LoaderJSON},
		{"https://x/a.js", esbuild.LoaderJS},
		{"https://x/a", esbuild.LoaderJS},
		{"https://x/a.js?v=1", esbuild.LoaderJS},
	}
	for _, tc := range tests {
		if got := loaderFor(tc.specifier); got != tc.want {
			t.Fatalf("loaderFor(%q) = %v, want %v", tc.specifier, got, tc.want)
		}
	}
}

func TestIsHTTPSpecifier(t *testing.T) {
	tests := []struct {
		specifier string
		want      bool
	}{
		{"https://example.com/mod.js", true},
		{"http://example.com/mod.js", true},
		{"file:///etc/passwd", false},
		{"./relative.js", false},
		{"not a url at all", false},
	}
	for _, tc := range tests {
		if got := isHTTPSpecifier(tc.specifier); got != tc.want {
			t.Fatalf("isHTTPSpecifier(%q) = %v, want %v", tc.specifier, got, tc.want)
		}
	}
}

func TestEsm_ImportResolvesThroughEngine(t *testing.T) {
	c, err := cage.CreateCage(cage.DefaultEngineConfig())
	if err != nil {
		t.Fatalf("CreateCage: %v", err)
	}
	defer c.Close()

	mod := New(func(specifier string) (string, error) {
		if specifier == "https://cdn.example.com/greeting.js" {
			return `export const greeting = "hello from esm";`, nil
		}
		return "", errors.New("unknown specifier: " + specifier)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r := c.RunCode(ctx, `
		import { greeting } from "https://cdn.example.com/greeting.js";
		if (greeting !== "hello from esm") throw new Error("unexpected import value: " + greeting);
	`, []cage.CageModule{mod})
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}
