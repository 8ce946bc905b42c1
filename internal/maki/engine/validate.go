// Package engine executes automation script code inside a restricted,
// time-bounded Lua sandbox.
//
// Two independent layers keep script code contained. The structural boundary
// is the Lua state itself: it is created with SkipOpenLibs, so no filesystem,
// process, or network library exists for a script to reach, and only the
// allowlisted bindings (parameters, math, clock, json, log) resolve at all.
// Static validation below is defense-in-depth on top of that boundary, not a
// substitute for it: it fails fast on code that textually reaches for known
// escape hatches, producing one distinct error per matched pattern before
// any execution attempt.
package engine

import (
	"fmt"
	"regexp"
)

// unsafePattern is one blacklisted construct. Pattern matching is textual:
// a match anywhere in the code rejects it, comments and strings included.
type unsafePattern struct {
	re     *regexp.Regexp
	reason string
}

var unsafePatterns = []unsafePattern{
	// Dynamic code construction and module loading.
	{regexp.MustCompile(`\beval\s*\(`), "dynamic evaluation (eval)"},
	{regexp.MustCompile(`\brequire\s*\(`), "dynamic module loading (require)"},
	{regexp.MustCompile(`\bimport\s*\(`), "dynamic import"},
	{regexp.MustCompile(`new\s+Function`), "dynamic function construction"},
	{regexp.MustCompile(`\bload\s*\(`), "dynamic chunk loading (load)"},
	{regexp.MustCompile(`\bloadstring\b`), "dynamic chunk loading (loadstring)"},
	{regexp.MustCompile(`\bdofile\b`), "file execution (dofile)"},
	{regexp.MustCompile(`\bloadfile\b`), "file loading (loadfile)"},

	// Process, OS, and filesystem access.
	{regexp.MustCompile(`\bprocess\.`), "process global access"},
	{regexp.MustCompile(`\bchild_process\b`), "child process access"},
	{regexp.MustCompile(`\bos\.`), "OS library access"},
	{regexp.MustCompile(`\bio\.`), "filesystem I/O access"},
	{regexp.MustCompile(`\bfs\.`), "filesystem access"},

	// Ambient/browser global objects.
	{regexp.MustCompile(`\bglobalThis\b`), "ambient global object"},
	{regexp.MustCompile(`\b_G\b`), "ambient global table"},
	{regexp.MustCompile(`\bwindow\.`), "window global"},
	{regexp.MustCompile(`\bdocument\.`), "document global"},
	{regexp.MustCompile(`\blocalStorage\b`), "local storage access"},
	{regexp.MustCompile(`\bsessionStorage\b`), "session storage access"},
	{regexp.MustCompile(`\bfetch\s*\(`), "network fetch"},
	{regexp.MustCompile(`\bXMLHttpRequest\b`), "XHR network access"},
	{regexp.MustCompile(`\bWebSocket\b`), "websocket access"},
	{regexp.MustCompile(`\bWorker\s*\(`), "worker construction"},

	// Prototype and reflection manipulation.
	{regexp.MustCompile(`__proto__`), "prototype chain access"},
	{regexp.MustCompile(`\.constructor\.`), "constructor chain access"},
	{regexp.MustCompile(`getOwnPropertyDescriptor`), "property descriptor reflection"},
	{regexp.MustCompile(`\bReflect\b`), "reflection API"},
	{regexp.MustCompile(`\bProxy\b`), "proxy construction"},
	{regexp.MustCompile(`\bdebug\.`), "debug library access"},
	{regexp.MustCompile(`\bpackage\.`), "package library access"},
	{regexp.MustCompile(`\bsetmetatable\b`), "metatable manipulation"},
	{regexp.MustCompile(`\bgetmetatable\b`), "metatable inspection"},
	{regexp.MustCompile(`\brawset\b`), "raw table write"},
	{regexp.MustCompile(`\brawget\b`), "raw table read"},
	{regexp.MustCompile(`\bcollectgarbage\b`), "garbage collector access"},
}

// ValidateCode statically checks code against the blacklist. It returns one
// distinct error string per matched pattern; an empty slice means the code
// may be handed to the sandbox.
func ValidateCode(code string) []string {
	var errs []string
	for _, p := range unsafePatterns {
		if p.re.MatchString(code) {
			errs = append(errs, fmt.Sprintf("unsafe pattern: %s", p.reason))
		}
	}
	return errs
}
