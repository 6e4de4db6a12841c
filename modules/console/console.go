// Package console installs a guest-visible console whose output is
// captured into a host-supplied sink rather than written to stdout —
// grounded on the teacher's setupConsole/setupConsoleExt, generalized
// from a fixed per-request log buffer to any Sink the embedder wants
// (in-memory slice, zap, a metrics counter).
package console

import (
	"fmt"

	cage "github.com/faradaycage/cage"
)

// Sink receives one formatted console line per call. level is one of
// "log", "info", "warn", "error", "debug".
type Sink func(level, message string)

// Module installs console.log/info/warn/error/debug plus the extended
// methods (time/timeEnd/count/assert/table/trace/group/dir) the
// teacher's polyfill adds on top of the Go-backed primitives.
type Module struct {
	sink Sink
}

// New returns a console Module that reports through sink. A nil sink
// discards output.
func New(sink Sink) *Module {
	if sink == nil {
		sink = func(string, string) {}
	}
	return &Module{sink: sink}
}

func (m *Module) Name() string { return "console" }

func (m *Module) Def(mc *cage.ModuleContext) error {
	obj, err := mc.DefineSandboxObject("console")
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}

	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		lvl := level
		if err := obj.DefineFn(lvl, func(args []any) (any, error) {
			m.sink(lvl, stringifyArgs(args))
			return nil, nil
		}); err != nil {
			return fmt.Errorf("console: defining %s: %w", lvl, err)
		}
	}

	// The extended methods (time/timeEnd/count/assert/table/trace/
	// group/dir) are pure bookkeeping over console.log, so they're
	// layered on as JS the same way the teacher's consoleExtJS does,
	// rather than re-implemented as Go-backed functions.
	if _, err := mc.Engine().EvalModule(consoleExtJS, "cage:console-ext"); err != nil {
		return fmt.Errorf("console: installing extended methods: %w", err)
	}
	return nil
}

func stringifyArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == nil {
			parts[i] = "undefined"
			continue
		}
		parts[i] = fmt.Sprint(a)
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// consoleExtJS mirrors the teacher's consoleExtJS polyfill: time/
// timeEnd/timeLog/count/countReset/assert/table/trace/group/groupEnd/
// dir layered purely in terms of console.log/warn/error.
const consoleExtJS = `
(function() {
var __timers = {};
var __counters = {};
var __groupDepth = 0;

console.time = function(label) {
	__timers[label || 'default'] = Date.now();
};
console.timeEnd = function(label) {
	var l = label || 'default';
	var start = __timers[l];
	if (start === undefined) { console.warn('Timer "' + l + '" does not exist'); return; }
	var elapsed = Date.now() - start;
	delete __timers[l];
	console.log(l + ': ' + elapsed + 'ms');
};
console.timeLog = function(label) {
	var l = label || 'default';
	var start = __timers[l];
	if (start === undefined) { console.warn('Timer "' + l + '" does not exist'); return; }
	var elapsed = Date.now() - start;
	var args = Array.prototype.slice.call(arguments, 1);
	if (args.length > 0) {
		console.log(l + ': ' + elapsed + 'ms', args.join(' '));
	} else {
		console.log(l + ': ' + elapsed + 'ms');
	}
};
console.count = function(label) {
	var l = label || 'default';
	__counters[l] = (__counters[l] || 0) + 1;
	console.log(l + ': ' + __counters[l]);
};
console.countReset = function(label) {
	__counters[label || 'default'] = 0;
};
console.assert = function(cond) {
	if (!cond) {
		var args = Array.prototype.slice.call(arguments, 1);
		if (args.length > 0) {
			console.error('Assertion failed:', args.join(' '));
		} else {
			console.error('Assertion failed');
		}
	}
};
console.table = function(data) {
	console.log(JSON.stringify(data, null, 2));
};
console.trace = function() {
	var args = Array.prototype.slice.call(arguments);
	if (args.length > 0) {
		console.log('Trace:', args.join(' '));
	} else {
		console.log('Trace');
	}
};
console.group = function(label) {
	if (label) console.log(label);
	__groupDepth++;
};
console.groupEnd = function() {
	if (__groupDepth > 0) __groupDepth--;
};
console.dir = function(obj) {
	console.log(JSON.stringify(obj, null, 2));
};
})();
`
