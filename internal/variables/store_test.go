package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LayerPrecedence(t *testing.T) {
	s := NewStore()
	s.Seed(LayerDefaults, map[string]any{"host": "default", "a": 1, "b": 1, "c": 1})
	s.Seed(LayerEnvironment, map[string]any{"host": "staging", "b": 2, "c": 2})
	s.Seed(LayerCLI, map[string]any{"host": "cli", "c": 3})

	v, ok := s.Get("host")
	require.True(t, ok)
	assert.Equal(t, "cli", v)
	v, _ = s.Get("a")
	assert.Equal(t, 1, v)
	v, _ = s.Get("b")
	assert.Equal(t, 2, v)

	s.Set("host", "extracted")
	v, _ = s.Get("host")
	assert.Equal(t, "extracted", v)

	layer, ok := s.Source("host")
	require.True(t, ok)
	assert.Equal(t, LayerExtracted, layer)
	assert.Equal(t, "extracted", layer.String())

	_, ok = s.Get("missing")
	assert.False(t, ok)
	assert.False(t, s.Has("missing"))
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := NewStore()
	s.Set("user", map[string]any{"id": 1})

	snap := s.Snapshot()
	snap["user"].(map[string]any)["id"] = 99
	snap["new"] = true

	v, _ := s.Get("user")
	assert.Equal(t, map[string]any{"id": 1}, v)
	assert.False(t, s.Has("new"))
}

func TestStore_SeedCopiesInput(t *testing.T) {
	in := map[string]any{"list": []any{1.0, 2.0}}
	s := NewStore()
	s.Seed(LayerDefaults, in)
	in["list"].([]any)[0] = "changed"

	v, _ := s.Get("list")
	assert.Equal(t, []any{1, 2}, v)
}

func TestStore_SetAllAndNames(t *testing.T) {
	s := NewStore()
	s.Seed(LayerDefaults, map[string]any{"b": 1})
	s.SetAll(map[string]any{"c": float64(42), "a": nil})

	assert.Equal(t, []string{"a", "b", "c"}, s.Names())
	v, _ := s.Get("c")
	assert.Equal(t, 42, v)
	assert.True(t, s.Has("a"), "a nil value is still defined")
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 42, Normalize(float64(42)))
	assert.Equal(t, 4.5, Normalize(4.5))
	assert.Equal(t, 7, Normalize(int64(7)))
	assert.Equal(t, map[string]any{"k": []any{1, "x"}}, Normalize(map[any]any{"k": []any{1.0, "x"}}))
	assert.Equal(t, []any{"a", "b"}, Normalize([]string{"a", "b"}))

	type point struct {
		X int `json:"x"`
	}
	assert.Equal(t, map[string]any{"x": 3}, Normalize(point{X: 3}))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "42", Stringify(42))
	assert.Equal(t, "42", Stringify(float64(42)))
	assert.Equal(t, "0.25", Stringify(0.25))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "null", Stringify(nil))
	assert.Equal(t, `{"a":[1,2]}`, Stringify(map[string]any{"a": []any{1, 2}}))
}

func TestParseLiteral(t *testing.T) {
	assert.Equal(t, 42, ParseLiteral("42"))
	assert.Equal(t, 1.5, ParseLiteral("1.5"))
	assert.Equal(t, true, ParseLiteral("true"))
	assert.Nil(t, ParseLiteral("null"))
	assert.Equal(t, map[string]any{"a": 1}, ParseLiteral(`{"a": 1}`))
	assert.Equal(t, "hello", ParseLiteral("hello"))
	assert.Equal(t, "42abc", ParseLiteral("42abc"))
	assert.Equal(t, "", ParseLiteral(""))
}

func TestTruthy(t *testing.T) {
	for _, v := range []any{nil, false, 0, 0.0, "", "false", "FALSE", "0", "no", "off", "null", []any{}, map[string]any{}} {
		assert.False(t, Truthy(v), "%#v", v)
	}
	for _, v := range []any{true, 1, -2.5, "yes", "true", "anything", []any{1}, map[string]any{"a": 1}} {
		assert.True(t, Truthy(v), "%#v", v)
	}
}
