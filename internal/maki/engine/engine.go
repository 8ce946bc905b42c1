package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/cstoian/Maki/common/spec/script"
)

// DefaultTimeout bounds script execution when the caller does not override it.
const DefaultTimeout = 5 * time.Second

// timeoutMessage is the fixed outcome message for a timed-out script, always
// distinguishable from a thrown-error outcome.
const timeoutMessage = "Execution timeout"

// Engine runs validated script code in a fresh sandboxed Lua state per call.
// A zero-value Engine is not usable; construct with New.
type Engine struct {
	timeout time.Duration
}

// New creates an Engine. A non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{timeout: timeout}
}

// Run validates and executes code with the declared parameters bound to
// their coerced values. It never returns an error: every failure mode
// (blacklisted pattern, compile error, thrown error, timeout) is reported
// through the outcome, and ElapsedMs is populated regardless.
func (e *Engine) Run(ctx context.Context, code string, params []script.ParameterSpec, values map[string]any) script.ExecutionOutcome {
	start := time.Now()
	outcome := func(o script.ExecutionOutcome) script.ExecutionOutcome {
		o.ElapsedMs = time.Since(start).Milliseconds()
		return o
	}

	if errs := ValidateCode(code); len(errs) > 0 {
		return outcome(script.ExecutionOutcome{
			Succeeded:    false,
			ErrorMessage: strings.Join(errs, "; "),
		})
	}

	L := newSandbox()
	defer L.Close()

	for _, p := range params {
		L.SetGlobal(p.Name, coerceToLua(L, p, values[p.Name]))
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	L.SetContext(runCtx)

	fn, err := L.LoadString(code)
	if err != nil {
		return outcome(script.ExecutionOutcome{
			Succeeded:    false,
			ErrorMessage: fmt.Sprintf("compile error: %v", err),
		})
	}

	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		// The VM aborts at the next instruction checkpoint once the deadline
		// passes; a timed-out script cannot keep running nor change the
		// outcome after this point.
		if runCtx.Err() != nil {
			return outcome(script.ExecutionOutcome{
				Succeeded:    false,
				ErrorMessage: timeoutMessage,
			})
		}
		return outcome(script.ExecutionOutcome{
			Succeeded:    false,
			ErrorMessage: thrownMessage(err),
		})
	}

	ret := L.Get(-1)
	L.Pop(1)
	return outcome(script.ExecutionOutcome{
		Succeeded: true,
		Value:     luaToGo(ret),
	})
}

// newSandbox builds a Lua state exposing only the allowlisted bindings:
// the math library, a read-only clock table, a json encode/decode pair, and
// a no-op log sink. SkipOpenLibs keeps every other standard library out of
// the state entirely.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenMath(L)
	L.SetTop(0)

	clock := L.NewTable()
	L.SetField(clock, "now", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	L.SetField(clock, "millis", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().UnixMilli()))
		return 1
	}))
	L.SetField(clock, "iso", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(time.Now().UTC().Format(time.RFC3339)))
		return 1
	}))
	L.SetGlobal("clock", clock)

	jsonTbl := L.NewTable()
	L.SetField(jsonTbl, "encode", L.NewFunction(func(L *lua.LState) int {
		b, err := json.Marshal(luaToGo(L.Get(1)))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(b))
		return 1
	}))
	L.SetField(jsonTbl, "decode", L.NewFunction(func(L *lua.LState) int {
		var v any
		if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(goToLua(L, v))
		return 1
	}))
	L.SetGlobal("json", jsonTbl)

	// Scripts may log freely; the sink discards everything.
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		return 0
	}))

	return L
}

// chunkPosRe strips the "<chunk>:<line>: " prefix Lua prepends to thrown
// errors, so the script's message surfaces verbatim.
var chunkPosRe = regexp.MustCompile(`^<string>:\d+:\s*`)

func thrownMessage(err error) string {
	if apiErr, ok := err.(*lua.ApiError); ok {
		return chunkPosRe.ReplaceAllString(apiErr.Object.String(), "")
	}
	return err.Error()
}

// coerceToLua converts a collected parameter value to its Lua binding per
// the declared type. Coercion never fails: unparsable numeric or date input
// yields a NaN sentinel passed through to the script, whose author is
// responsible for guarding against it.
func coerceToLua(L *lua.LState, p script.ParameterSpec, v any) lua.LValue {
	switch p.Type {
	case script.TypeNumber:
		switch n := v.(type) {
		case float64:
			return lua.LNumber(n)
		case int:
			return lua.LNumber(n)
		case int64:
			return lua.LNumber(n)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return lua.LNumber(f)
			}
		}
		return lua.LNumber(math.NaN())

	case script.TypeBoolean:
		switch b := v.(type) {
		case bool:
			return lua.LBool(b)
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return lua.LBool(parsed)
			}
			return lua.LString(b)
		}
		return goToLua(L, v)

	case script.TypeDate:
		switch d := v.(type) {
		case time.Time:
			return lua.LNumber(d.Unix())
		case string:
			for _, layout := range []string{time.RFC3339, "2006-01-02", "1/2/2006"} {
				if t, err := time.Parse(layout, strings.TrimSpace(d)); err == nil {
					return lua.LNumber(t.Unix())
				}
			}
		}
		return lua.LNumber(math.NaN())

	case script.TypeString:
		if v == nil {
			return lua.LString("")
		}
		return lua.LString(fmt.Sprintf("%v", v))
	}
	return lua.LNil
}

// luaToGo converts a Lua value to its Go counterpart. Tables with contiguous
// integer keys become slices, all other tables become maps.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		maxIdx := 0
		isArray := true
		val.ForEach(func(k, _ lua.LValue) {
			if num, ok := k.(lua.LNumber); ok {
				if idx := int(num); idx > maxIdx {
					maxIdx = idx
				}
			} else {
				isArray = false
			}
		})
		if isArray && maxIdx > 0 {
			arr := make([]any, maxIdx)
			val.ForEach(func(k, item lua.LValue) {
				if num, ok := k.(lua.LNumber); ok {
					if idx := int(num) - 1; idx >= 0 && idx < len(arr) {
						arr[idx] = luaToGo(item)
					}
				}
			})
			return arr
		}
		m := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			m[k.String()] = luaToGo(item)
		})
		return m
	default:
		return nil
	}
}

// goToLua converts a Go value (as produced by encoding/json) to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.RawSetInt(tbl, i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
