package console

import (
	"context"
	"strings"
	"testing"

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

type capturedLine struct {
	level, message string
}

func TestConsole_LevelsRouteToSink(t *testing.T) {
	c := newTestCage(t)
	var lines []capturedLine
	mod := New(func(level, message string) {
		lines = append(lines, capturedLine{level, message})
	})

	r := runScript(t, c, `
		console.log("a", 1);
		console.info("b");
		console.warn("c");
		console.error("d");
		console.debug("e");
	`, []cage.CageModule{mod})
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
	want := []capturedLine{
		{"log", "a 1"},
		{"info", "b"},
		{"warn", "c"},
		{"error", "d"},
		{"debug", "e"},
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines %v, want %v", len(lines), lines, want)
	}
	for i, w := range want {
		if lines[i] != w {
			t.Fatalf("line %d: got %v, want %v", i, lines[i], w)
		}
	}
}

func TestConsole_TimeEndReportsElapsed(t *testing.T) {
	c := newTestCage(t)
	var lines []string
	mod := New(func(level, message string) { lines = append(lines, message) })

	r := runScript(t, c, `
		console.time("x");
		console.timeEnd("x");
	`, []cage.CageModule{mod})
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "x: ") || !strings.HasSuffix(lines[0], "ms") {
		t.Fatalf("expected one 'x: <n>ms' line, got %v", lines)
	}
}

func TestConsole_AssertOnlyLogsOnFailure(t *testing.T) {
	c := newTestCage(t)
	var lines []capturedLine
	mod := New(func(level, message string) {
		lines = append(lines, capturedLine{level, message})
	})

	r := runScript(t, c, `
		console.assert(true, "should not appear");
		console.assert(false, "should appear");
	`, []cage.CageModule{mod})
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
	if len(lines) != 1 || lines[0].level != "error" {
		t.Fatalf("expected exactly one error line, got %v", lines)
	}
}

func TestConsole_NilSinkDiscards(t *testing.T) {
	c := newTestCage(t)
	mod := New(nil)
	r := runScript(t, c, `console.log("discarded");`, []cage.CageModule{mod})
	if !r.Ok {
		t.Fatalf("expected ok, got %v", r.Err)
	}
}

func runScript(t *testing.T, c *cage.Cage, source string, modules []cage.CageModule) cage.EvalResult {
	t.Helper()
	return c.RunCode(context.Background(), source, modules)
}
