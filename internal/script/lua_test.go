package script

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqflow/pkg/schema"
)

func inline(code string) schema.ScriptConfig {
	return schema.ScriptConfig{Code: code}
}

func TestLua_VarsReadWrite(t *testing.T) {
	li := NewLuaInvoker("", nil)
	sc := &Context{Step: "s", Vars: map[string]any{"count": 2, "name": "x"}}

	err := li.Invoke(context.Background(), PhasePostResponse, inline(`
		vars.count = vars.count + 1
		vars.greeting = "hello " .. vars.name
		vars.list = {1, 2, 3}
		vars.obj = {a = true}
	`), sc)
	require.NoError(t, err)

	assert.Equal(t, 3, sc.Vars["count"])
	assert.Equal(t, "hello x", sc.Vars["greeting"])
	assert.Equal(t, []any{1, 2, 3}, sc.Vars["list"])
	assert.Equal(t, map[string]any{"a": true}, sc.Vars["obj"])
}

func TestLua_PreRequestMutatesRequest(t *testing.T) {
	li := NewLuaInvoker("", nil)
	sc := &Context{
		Vars: map[string]any{"token": "abc"},
		Request: &Request{
			Method:  "GET",
			URL:     "http://example.com",
			Headers: map[string]string{"Accept": "application/json"},
			Body:    map[string]any{"n": 1},
		},
	}

	err := li.Invoke(context.Background(), PhasePreRequest, inline(`
		request.headers["Authorization"] = "Bearer " .. vars.token
		request.method = "POST"
		request.body.n = request.body.n + 1
	`), sc)
	require.NoError(t, err)

	assert.Equal(t, "POST", sc.Request.Method)
	assert.Equal(t, "Bearer abc", sc.Request.Headers["Authorization"])
	assert.Equal(t, "application/json", sc.Request.Headers["Accept"])
	assert.Equal(t, map[string]any{"n": 2}, sc.Request.Body)
}

func TestLua_RequestNotWrittenBackOutsidePre(t *testing.T) {
	li := NewLuaInvoker("", nil)
	sc := &Context{Request: &Request{Method: "GET"}}

	require.NoError(t, li.Invoke(context.Background(), PhasePostResponse, inline(`request.method = "DELETE"`), sc))
	assert.Equal(t, "GET", sc.Request.Method)
}

func TestLua_ResponseVisible(t *testing.T) {
	li := NewLuaInvoker("", nil)
	sc := &Context{
		Vars: map[string]any{},
		Response: &Response{
			Status:  201,
			Headers: map[string]string{"content-type": "application/json"},
			Body:    map[string]any{"id": 42, "tags": []any{"a", "b"}},
		},
	}

	err := li.Invoke(context.Background(), PhasePostResponse, inline(`
		vars.id = response.body.id
		vars.code = response.status
		vars.second = response.body.tags[2]
	`), sc)
	require.NoError(t, err)
	assert.Equal(t, 42, sc.Vars["id"])
	assert.Equal(t, 201, sc.Vars["code"])
	assert.Equal(t, "b", sc.Vars["second"])
}

func TestLua_AssertHelpers(t *testing.T) {
	li := NewLuaInvoker("", nil)
	resp := &Response{Status: 200, Body: map[string]any{"ok": true}}

	tests := []struct {
		name      string
		code      string
		assertion bool
		wantErr   bool
	}{
		{"passes", `assert_eq(response.status, 200)`, false, false},
		{"assert_eq mismatch", `assert_eq(response.status, 201, "wrong status")`, true, true},
		{"fail", `fail("nope")`, true, true},
		{"return false", `return response.status == 500`, true, true},
		{"return true", `return response.body.ok`, false, false},
		{"runtime error", `local x = nil; return x.y`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := li.Invoke(context.Background(), PhaseAssert, inline(tt.code), &Context{Response: resp})
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.assertion, IsAssertion(err))
			if !tt.assertion {
				assert.True(t, schema.IsCode(err, schema.ErrCodeScript))
			}
		})
	}
}

func TestLua_FailMessage(t *testing.T) {
	li := NewLuaInvoker("", nil)
	err := li.Invoke(context.Background(), PhaseAssert, inline(`fail("bad total")`), &Context{})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "bad total", ae.Message)
}

func TestLua_Sandbox(t *testing.T) {
	li := NewLuaInvoker("", nil)
	for _, code := range []string{
		`os.exit(1)`,
		`io.open("/etc/passwd")`,
		`require("x")`,
		`dofile("/tmp/x.lua")`,
	} {
		err := li.Invoke(context.Background(), PhasePreRequest, inline(code), &Context{})
		require.Error(t, err, code)
		assert.True(t, schema.IsCode(err, schema.ErrCodeScript), code)
	}
}

func TestLua_SyntaxError(t *testing.T) {
	li := NewLuaInvoker("", nil)
	err := li.Invoke(context.Background(), PhasePreRequest, inline(`if then`), &Context{Step: "broken"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeScript))
}

func TestLua_LogAndJSON(t *testing.T) {
	li := NewLuaInvoker("", nil)
	sc := &Context{Vars: map[string]any{}}
	err := li.Invoke(context.Background(), PhasePostResponse, inline(`
		log("hello")
		local t = json_decode('{"a": [1, 2]}')
		vars.n = #t.a
		vars.s = json_encode({x = 1})
	`), sc)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, sc.Logs)
	assert.Equal(t, 2, sc.Vars["n"])
	assert.JSONEq(t, `{"x":1}`, sc.Vars["s"].(string))
}

func TestLua_FileRelativeToBaseDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hook.lua"), []byte(`vars.from_file = phase`), 0o644))

	li := NewLuaInvoker(dir, nil)
	sc := &Context{Vars: map[string]any{}}
	require.NoError(t, li.Invoke(context.Background(), PhasePreRequest, schema.ScriptConfig{File: "hook.lua"}, sc))
	assert.Equal(t, "pre_request", sc.Vars["from_file"])

	err := li.Invoke(context.Background(), PhasePreRequest, schema.ScriptConfig{File: "missing.lua"}, sc)
	assert.True(t, schema.IsCode(err, schema.ErrCodeScript))
}

func TestLua_UnsupportedType(t *testing.T) {
	li := NewLuaInvoker("", nil)
	err := li.Invoke(context.Background(), PhasePreRequest, schema.ScriptConfig{Code: "x", Type: "js"}, &Context{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeScript))
}

func TestLua_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewLuaInvoker("", nil).Invoke(ctx, PhasePreRequest, inline(`vars.x = 1`), &Context{})
	assert.ErrorIs(t, err, context.Canceled)
}
