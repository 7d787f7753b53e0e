// Package format wraps a sandboxed Lua interpreter holding the
// formatter script loaded once at startup (§4.2): a small set of entry
// points that take structured event values and return either a
// rendered string or nothing, meaning "suppress". Values cross the
// Go/Lua boundary via JSON, mirroring the original system's
// to_lua_via_json bridging: Go values are marshaled to JSON then decoded
// into Lua tables, and Lua string/nil results are decoded back.
package format

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// watchdogTimeout bounds a single formatter call (§4.2: "scripts are
// expected to terminate quickly; a watchdog may cancel a run exceeding,
// e.g., 200 ms and treat it as a suppression"). gopher-lua checks the
// attached context between VM instructions, so a runaway script is
// interrupted rather than blocking the dispatcher indefinitely.
const watchdogTimeout = 200 * time.Millisecond

// entryPoints are required to be present (as Lua global functions) in
// any script passed to Load; a missing one is a startup configuration
// error.
var entryPoints = []string{
	"format_comment_added",
	"format_reviewer_added",
	"format_change_merged",
	"format_change_abandoned",
	"format_greeting",
	"format_help",
	"format_status",
	"format_version_info",
}

// ScriptFormatter is the Formatter Runtime: one Lua VM holding the
// loaded script. The runtime is not safe for concurrent calls (a single
// lua.LState is not reentrant), so every entry point is serialized by
// mu: the Dispatcher calls it from its dispatch goroutine while the
// Command Handler calls the canned-reply entry points from another.
type ScriptFormatter struct {
	mu sync.Mutex
	l  *lua.LState
}

// Load reads the script at path, executes it once in a fresh,
// sandboxed VM (no io/os libraries registered, so scripts have no
// filesystem or network access), and verifies every required entry
// point is defined.
func Load(path string) (*ScriptFormatter, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read formatter script %s: %w", path, err)
	}
	return LoadSource(string(source))
}

// LoadSource is Load without a file, used by tests and by callers
// embedding a default script.
func LoadSource(source string) (*ScriptFormatter, error) {
	l := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := l.CallByParam(lua.P{Fn: l.NewFunction(pair.fn), NRet: 0, Protect: true}, lua.LString(pair.name)); err != nil {
			l.Close()
			return nil, fmt.Errorf("initialize lua library %s: %w", pair.name, err)
		}
	}
	// the base library's file loaders would otherwise give scripts
	// filesystem access.
	l.SetGlobal("dofile", lua.LNil)
	l.SetGlobal("loadfile", lua.LNil)

	if err := l.DoString(source); err != nil {
		l.Close()
		return nil, fmt.Errorf("load formatter script: syntax error: %w", err)
	}

	for _, name := range entryPoints {
		if fn, ok := l.GetGlobal(name).(*lua.LFunction); !ok || fn == nil {
			l.Close()
			return nil, fmt.Errorf("load formatter script: %s function missing", name)
		}
	}

	return &ScriptFormatter{l: l}, nil
}

// Close releases the underlying Lua VM.
func (f *ScriptFormatter) Close() { f.l.Close() }

// callOptional invokes a Lua function expected to return a string or
// nil (meaning suppress), converting the Go args to Lua values via
// JSON first.
func (f *ScriptFormatter) callOptional(name string, args ...any) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	luaArgs, err := toLuaValues(f.l, args)
	if err != nil {
		logScriptError(name, err)
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), watchdogTimeout)
	defer cancel()
	f.l.SetContext(ctx)

	fn := f.l.GetGlobal(name)
	if err := f.l.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, luaArgs...); err != nil {
		if ctx.Err() != nil {
			log.Warn().Str("entry_point", name).Msg("formatter script exceeded the watchdog timeout, suppressing message")
			return "", false
		}
		logScriptError(name, err)
		return "", false
	}
	ret := f.l.Get(-1)
	f.l.Pop(1)

	if ret == lua.LNil {
		return "", false
	}
	s, ok := ret.(lua.LString)
	if !ok {
		logScriptError(name, fmt.Errorf("expected string or nil, got %s", ret.Type().String()))
		return "", false
	}
	return string(s), true
}

// callString invokes a Lua function expected to always return a
// string (the canned-reply entry points never suppress).
func (f *ScriptFormatter) callString(name string, args ...any) string {
	s, ok := f.callOptional(name, args...)
	if !ok {
		return ""
	}
	return s
}

func (f *ScriptFormatter) FormatCommentAdded(event any, flags []string, isHuman bool) (string, bool) {
	return f.callOptional("format_comment_added", event, flags, isHuman)
}

func (f *ScriptFormatter) FormatReviewerAdded(event any, flags []string) (string, bool) {
	return f.callOptional("format_reviewer_added", event, flags)
}

func (f *ScriptFormatter) FormatChangeMerged(event any, flags []string) (string, bool) {
	return f.callOptional("format_change_merged", event, flags)
}

func (f *ScriptFormatter) FormatChangeAbandoned(event any, flags []string) (string, bool) {
	return f.callOptional("format_change_abandoned", event, flags)
}

func (f *ScriptFormatter) FormatGreeting() string {
	return f.callString("format_greeting")
}

func (f *ScriptFormatter) FormatHelp() string {
	return f.callString("format_help")
}

func (f *ScriptFormatter) FormatStatus(details any) string {
	return f.callString("format_status", details)
}

func (f *ScriptFormatter) FormatVersionInfo(info any) string {
	return f.callString("format_version_info", info)
}

// toLuaValues marshals each Go value to JSON then decodes it into a Lua
// value, matching json_to_lua's shape: objects/arrays become tables,
// scalars become their Lua equivalent.
func toLuaValues(l *lua.LState, args []any) ([]lua.LValue, error) {
	out := make([]lua.LValue, len(args))
	for i, a := range args {
		v, err := toLuaValue(l, a)
		if err != nil {
			return nil, fmt.Errorf("convert argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func toLuaValue(l *lua.LState, v any) (lua.LValue, error) {
	if b, ok := v.(bool); ok {
		return lua.LBool(b), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	return jsonToLua(l, decoded), nil
}

func jsonToLua(l *lua.LState, v any) lua.LValue {
	switch vv := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(vv)
	case float64:
		return lua.LNumber(vv)
	case string:
		return lua.LString(vv)
	case []any:
		t := l.CreateTable(len(vv), 0)
		for i, item := range vv {
			t.RawSetInt(i+1, jsonToLua(l, item))
		}
		return t
	case map[string]any:
		t := l.CreateTable(0, len(vv))
		for k, item := range vv {
			t.RawSetString(k, jsonToLua(l, item))
		}
		return t
	default:
		return lua.LNil
	}
}

// logScriptError logs a formatter failure at the interpreter boundary; a
// script error suppresses the message for this call and is never
// retried, per the Script category of the error taxonomy.
func logScriptError(entryPoint string, err error) {
	log.Warn().Err(err).Str("entry_point", entryPoint).Msg("formatter script call failed, suppressing message")
}
