package script

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/rendis/reqflow/internal/variables"
	"github.com/rendis/reqflow/pkg/schema"
)

const (
	luaGlobalTableName = "_G"
	luaGlobalIndex     = -2
	assertMarker       = "\x00assert\x00"
	maxScriptBytes     = 256 * 1024
)

// Globals removed from the sandbox.
var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

// LuaInvoker runs scripts in a sandboxed Lua 5.2 state. Each invocation
// gets a fresh state so scripts cannot leak globals between steps.
type LuaInvoker struct {
	baseDir string
	logger  *slog.Logger
}

// NewLuaInvoker creates an invoker resolving script files relative to
// baseDir (usually the workflow file's directory).
func NewLuaInvoker(baseDir string, logger *slog.Logger) *LuaInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LuaInvoker{baseDir: baseDir, logger: logger}
}

// Invoke runs body. Globals visible to the script: vars, request,
// response, phase, plus the helpers assert_eq, fail, log, json_encode and
// json_decode.
func (li *LuaInvoker) Invoke(ctx context.Context, phase Phase, body schema.ScriptConfig, sc *Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if body.Type != "" && body.Type != "lua" {
		return scriptError(phase, sc.Step, fmt.Errorf("unsupported script type %q", body.Type))
	}

	src, err := li.source(body)
	if err != nil {
		return scriptError(phase, sc.Step, err)
	}

	L := lua.NewState()
	setupSandbox(L)
	li.installGlobals(L, phase, sc)

	if err := lua.LoadString(L, src); err != nil {
		return scriptError(phase, sc.Step, fmt.Errorf("load %s: %w", describe(body), err))
	}
	if err := L.ProtectedCall(0, 1, 0); err != nil {
		if msg, ok := assertionMessage(err.Error()); ok {
			return &AssertionError{Message: msg}
		}
		return scriptError(phase, sc.Step, err)
	}

	if phase == PhaseAssert && L.IsBoolean(-1) && !L.ToBoolean(-1) {
		return &AssertionError{Message: "script returned false"}
	}
	L.SetTop(0)

	li.readBack(L, phase, sc)
	return nil
}

func (li *LuaInvoker) source(body schema.ScriptConfig) (string, error) {
	if body.File == "" {
		return body.Code, nil
	}
	path := body.File
	if !filepath.IsAbs(path) && li.baseDir != "" {
		path = filepath.Join(li.baseDir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > maxScriptBytes {
		return "", fmt.Errorf("script %s exceeds %d bytes", body.File, maxScriptBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func setupSandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalIndex, name)
	}
	L.Pop(1)
}

func (li *LuaInvoker) installGlobals(L *lua.State, phase Phase, sc *Context) {
	vars := sc.Vars
	if vars == nil {
		vars = map[string]any{}
	}
	pushMap(L, vars)
	L.SetGlobal("vars")

	if sc.Request != nil {
		pushMap(L, requestMap(sc.Request))
	} else {
		L.PushNil()
	}
	L.SetGlobal("request")

	if sc.Response != nil {
		pushMap(L, map[string]any{
			"status":     sc.Response.Status,
			"headers":    stringMap(sc.Response.Headers),
			"body":       sc.Response.Body,
			"body_raw":   sc.Response.BodyRaw,
			"latency_ms": int(sc.Response.LatencyMs),
		})
	} else {
		L.PushNil()
	}
	L.SetGlobal("response")

	L.PushString(string(phase))
	L.SetGlobal("phase")

	L.PushGoFunction(func(L *lua.State) int {
		msg := lua.OptString(L, 1, "fail() called")
		L.PushString(assertMarker + msg)
		L.Error()
		return 0
	})
	L.SetGlobal("fail")

	L.PushGoFunction(func(L *lua.State) int {
		a := luaToGo(L, 1)
		b := luaToGo(L, 2)
		if variables.Stringify(a) == variables.Stringify(b) {
			return 0
		}
		msg := lua.OptString(L, 3, "")
		if msg == "" {
			msg = fmt.Sprintf("expected %s, got %s", variables.Stringify(b), variables.Stringify(a))
		}
		L.PushString(assertMarker + msg)
		L.Error()
		return 0
	})
	L.SetGlobal("assert_eq")

	L.PushGoFunction(func(L *lua.State) int {
		msg, _ := lua.ToStringMeta(L, 1)
		sc.Logs = append(sc.Logs, msg)
		li.logger.Info("script log", slog.String("step", sc.Step), slog.String("phase", string(phase)), slog.String("message", msg))
		return 0
	})
	L.SetGlobal("log")

	L.PushGoFunction(func(L *lua.State) int {
		b, err := json.Marshal(luaToGo(L, 1))
		if err != nil {
			lua.Errorf(L, "json_encode: %s", err.Error())
			return 0
		}
		L.PushString(string(b))
		return 1
	})
	L.SetGlobal("json_encode")

	L.PushGoFunction(func(L *lua.State) int {
		var v any
		if err := json.Unmarshal([]byte(lua.CheckString(L, 1)), &v); err != nil {
			lua.Errorf(L, "json_decode: %s", err.Error())
			return 0
		}
		goToLua(L, variables.Normalize(v))
		return 1
	})
	L.SetGlobal("json_decode")
}

// readBack copies the vars table, and in the pre-request phase the
// request table, back into sc.
func (li *LuaInvoker) readBack(L *lua.State, phase Phase, sc *Context) {
	L.Global("vars")
	if L.IsTable(-1) {
		if m, ok := luaToGo(L, -1).(map[string]any); ok {
			sc.Vars = m
		} else {
			sc.Vars = map[string]any{}
		}
	}
	L.Pop(1)

	if phase != PhasePreRequest || sc.Request == nil {
		return
	}
	L.Global("request")
	if L.IsTable(-1) {
		if m, ok := luaToGo(L, -1).(map[string]any); ok {
			applyRequest(sc.Request, m)
		}
	}
	L.Pop(1)
}

func requestMap(r *Request) map[string]any {
	return map[string]any{
		"method":  r.Method,
		"url":     r.URL,
		"headers": stringMap(r.Headers),
		"query":   stringMap(r.Query),
		"body":    r.Body,
	}
}

func applyRequest(r *Request, m map[string]any) {
	if v, ok := m["method"].(string); ok {
		r.Method = v
	}
	if v, ok := m["url"].(string); ok {
		r.URL = v
	}
	r.Headers = toStringMap(m["headers"])
	r.Query = toStringMap(m["query"])
	r.Body = m["body"]
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toStringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = variables.Stringify(val)
	}
	return out
}

func assertionMessage(errText string) (string, bool) {
	i := strings.Index(errText, assertMarker)
	if i < 0 {
		return "", false
	}
	return errText[i+len(assertMarker):], true
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case []any:
		L.CreateTable(len(v), 0)
		for i, item := range v {
			goToLua(L, item)
			L.RawSetInt(-2, i+1)
		}
	case map[string]any:
		pushMap(L, v)
	case nil:
		L.PushNil()
	default:
		goToLua(L, variables.Normalize(v))
	}
}

func pushMap(L *lua.State, m map[string]any) {
	L.CreateTable(0, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		goToLua(L, m[k])
		L.SetField(-2, k)
	}
}

func luaToGo(L *lua.State, index int) any {
	switch L.TypeOf(index) {
	case lua.TypeBoolean:
		return L.ToBoolean(index)
	case lua.TypeNumber:
		n, _ := L.ToNumber(index)
		if n == float64(int(n)) {
			return int(n)
		}
		return n
	case lua.TypeString:
		s, _ := L.ToString(index)
		return s
	case lua.TypeTable:
		return luaTable(L, L.AbsIndex(index))
	}
	return nil
}

// luaTable converts a table at an absolute index. A table whose keys are
// exactly 1..n becomes an array; anything else becomes an object with
// stringified keys.
func luaTable(L *lua.State, index int) any {
	obj := map[string]any{}
	var ints []int
	allInts := true

	L.PushNil()
	for L.Next(index) {
		if L.TypeOf(-2) == lua.TypeNumber {
			n, _ := L.ToNumber(-2)
			if n == float64(int(n)) && n >= 1 {
				ints = append(ints, int(n))
			} else {
				allInts = false
			}
			obj[variables.Stringify(luaToGo(L, -2))] = luaToGo(L, -1)
		} else {
			allInts = false
			key, _ := L.ToString(-2)
			obj[key] = luaToGo(L, -1)
		}
		L.Pop(1)
	}

	if !allInts || len(ints) == 0 {
		return obj
	}
	sort.Ints(ints)
	for i, n := range ints {
		if n != i+1 {
			return obj
		}
	}
	arr := make([]any, len(ints))
	for i := range arr {
		L.RawGetInt(index, i+1)
		arr[i] = luaToGo(L, -1)
		L.Pop(1)
	}
	return arr
}
