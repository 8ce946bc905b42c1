package engine_test

import (
	"testing"

	"github.com/cstoian/Maki/internal/maki/engine"
)

func TestValidateCodeRejectsUnsafePatterns(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"eval", `eval("1+1")`},
		{"require", `local m = require("io")`},
		{"dynamic import", `import("mod")`},
		{"function construction", `new Function("return 1")`},
		{"load", `load("return 1")()`},
		{"loadstring", `loadstring("return 1")()`},
		{"dofile", `dofile("x.lua")`},
		{"process global", `return process.env`},
		{"child process", `child_process.spawn("sh")`},
		{"os library", `return os.time()`},
		{"io library", `io.open("/etc/passwd")`},
		{"fs access", `fs.readFile("x")`},
		{"ambient global", `return globalThis`},
		{"lua global table", `return _G`},
		{"window", `window.alert(1)`},
		{"document", `document.cookie`},
		{"local storage", `localStorage.getItem("k")`},
		{"fetch", `fetch("http://x")`},
		{"xhr", `new XMLHttpRequest()`},
		{"websocket", `WebSocket("ws://x")`},
		{"worker", `Worker("x.js")`},
		{"proto", `x.__proto__`},
		{"constructor chain", `x.constructor.constructor("return 1")`},
		{"property descriptor", `getOwnPropertyDescriptor(x, "y")`},
		{"reflect", `Reflect.get(x, "y")`},
		{"proxy", `Proxy(x, {})`},
		{"debug library", `debug.getinfo(1)`},
		{"package library", `package.loaded`},
		{"setmetatable", `setmetatable({}, {})`},
		{"rawset", `rawset({}, "k", 1)`},
		{"collectgarbage", `collectgarbage("count")`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := engine.ValidateCode(tt.code)
			if len(errs) == 0 {
				t.Errorf("code %q was not rejected", tt.code)
			}
		})
	}
}

func TestValidateCodeOneErrorPerPattern(t *testing.T) {
	errs := engine.ValidateCode(`eval(require("x"))`)
	if len(errs) != 2 {
		t.Errorf("got %d errors, want 2 distinct: %v", len(errs), errs)
	}
}

func TestValidateCodeAcceptsCleanScripts(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"arithmetic", `return 1 + 2 * 3`},
		{"bmi", `return weight / (height/100)^2`},
		{"math library", `return math.floor(3.7)`},
		{"clock binding", `return clock.now()`},
		{"json binding", `return json.encode({a = 1})`},
		{"logging", `log("hello") return 1`},
		{"word containing os", `return photos`},
		{"word containing load", `return payload`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if errs := engine.ValidateCode(tt.code); len(errs) != 0 {
				t.Errorf("clean code %q rejected: %v", tt.code, errs)
			}
		})
	}
}
