package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqflow/pkg/schema"
)

func newJSONSchema(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidateDocument_Valid(t *testing.T) {
	doc := map[string]any{
		"name": "smoke",
		"steps": []any{
			map[string]any{
				"name":        "ping",
				"url":         "http://localhost/ping",
				"retries":     2,
				"retry_delay": 100,
				"timeout":     "2s",
				"pre_script":  "vars.x = 1",
				"assert": map[string]any{
					"status":  200,
					"headers": map[string]any{"Content-Type": "json"},
					"body":    []any{map[string]any{"path": "ok", "equals": true}},
				},
			},
		},
	}
	assert.NoError(t, newJSONSchema(t).ValidateDocument(doc))
}

func TestValidateDocument_Violations(t *testing.T) {
	doc := map[string]any{
		"name": "smoke",
		"steps": []any{
			map[string]any{"name": "a", "url": "/a", "retrys": 3},
			map[string]any{"url": "/b", "timeout": "soon"},
		},
	}
	err := newJSONSchema(t).ValidateDocument(doc)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	violations := Violations(err)
	require.NotEmpty(t, violations)
	joined := ""
	for _, v := range violations {
		joined += v + "\n"
	}
	assert.Contains(t, joined, "/steps/0")
	assert.Contains(t, joined, "/steps/1")
}

func TestValidateDocument_LoopAndBodyFields(t *testing.T) {
	doc := map[string]any{
		"name": "loops",
		"steps": []any{
			map[string]any{"name": "a", "url": "/a", "repeat": 3, "fail_fast": false, "raw": "x=1"},
			map[string]any{"name": "b", "url": "/b", "foreach": "{{ ids }}", "foreach_var": "id", "form": map[string]any{"n": 1}},
			map[string]any{"name": "c", "url": "/c", "while": "pending", "max_iterations": 10},
		},
	}
	assert.NoError(t, newJSONSchema(t).ValidateDocument(doc))

	bad := map[string]any{
		"name":  "loops",
		"steps": []any{map[string]any{"name": "a", "url": "/a", "repeat": -1, "foreach_var": "1x"}},
	}
	assert.Error(t, newJSONSchema(t).ValidateDocument(bad))
}

func TestValidateDocument_MissingSteps(t *testing.T) {
	err := newJSONSchema(t).ValidateDocument(map[string]any{"name": "x"})
	require.Error(t, err)
}

func TestValidateValue(t *testing.T) {
	v := newJSONSchema(t)
	s := map[string]any{
		"type":     "object",
		"required": []any{"id"},
		"properties": map[string]any{
			"id":   map[string]any{"type": "integer"},
			"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	}

	assert.NoError(t, v.ValidateValue(map[string]any{"id": 7}, s))
	assert.NoError(t, v.ValidateValue(map[string]any{"id": float64(7), "tags": []any{"a"}}, s))

	err := v.ValidateValue(map[string]any{"tags": []any{1}}, s)
	require.Error(t, err)
	assert.Len(t, Violations(err), 2)

	assert.NoError(t, v.ValidateValue([]any{1, 2}, []byte(`{"type":"array"}`)))
	assert.NoError(t, v.ValidateValue("anything", nil))
}

func TestValidateValue_InvalidSchema(t *testing.T) {
	err := newJSONSchema(t).ValidateValue(1, map[string]any{"type": 12})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schema")
}

func TestValidateValue_ConcurrentCache(t *testing.T) {
	v := newJSONSchema(t)
	s := map[string]any{"type": "string"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateValue("x", s))
		}()
	}
	wg.Wait()
	assert.Len(t, v.cache, 1)
}
