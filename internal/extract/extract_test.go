package extract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqflow/internal/transport"
	"github.com/rendis/reqflow/pkg/schema"
)

func response(body string) *transport.Response {
	return &transport.Response{
		Status:  201,
		Headers: map[string]string{"Content-Type": "application/json", "X-Request-Id": "r-1"},
		Body:    []byte(body),
		Latency: 42 * time.Millisecond,
	}
}

func TestExtract_BodyPathKeepsNumbers(t *testing.T) {
	vals, err := New().Extract(context.Background(), response(`{"id": 42, "name": "x"}`), map[string]string{
		"user_id": "body.id",
		"name":    "body.name",
	})
	require.NoError(t, err)
	assert.Equal(t, 42, vals["user_id"])
	assert.Equal(t, "x", vals["name"])
}

func TestExtract_MissingPathIsNil(t *testing.T) {
	vals, err := New().Extract(context.Background(), response(`{"items": [{"id": 1}]}`), map[string]string{
		"missing": "body.items[5].id",
		"nokey":   "body.nope",
		"last":    "body.items[-1].id",
	})
	require.NoError(t, err)
	assert.Contains(t, vals, "missing")
	assert.Nil(t, vals["missing"])
	assert.Nil(t, vals["nokey"])
	assert.Equal(t, 1, vals["last"])
}

func TestExtract_Selectors(t *testing.T) {
	resp := response(`{"data": {"tags": ["a", "b"]}}`)
	vals, err := New().Extract(context.Background(), resp, map[string]string{
		"status":  "status",
		"latency": "latency",
		"raw":     "body_raw",
		"reqid":   "header.x-request-id",
		"nohdr":   "header.X-Missing",
		"all":     "headers",
		"whole":   "body",
		"jq":      "jq:.data.tags | length",
		"dot":     ".data.tags[0]",
		"gj":      "gjson:data.tags.1",
		"bare":    "data.tags[1]",
		"legacy":  "response.body.data.tags[0]",
	})
	require.NoError(t, err)
	assert.Equal(t, 201, vals["status"])
	assert.Equal(t, 42, vals["latency"])
	assert.Equal(t, `{"data": {"tags": ["a", "b"]}}`, vals["raw"])
	assert.Equal(t, "r-1", vals["reqid"])
	assert.Nil(t, vals["nohdr"])
	assert.Equal(t, "r-1", vals["all"].(map[string]any)["X-Request-Id"])
	assert.Equal(t, map[string]any{"data": map[string]any{"tags": []any{"a", "b"}}}, vals["whole"])
	assert.Equal(t, 2, vals["jq"])
	assert.Equal(t, "a", vals["dot"])
	assert.Equal(t, "b", vals["gj"])
	assert.Equal(t, "b", vals["bare"])
	assert.Equal(t, "a", vals["legacy"])
}

func TestExtract_InvalidJSONFails(t *testing.T) {
	resp := response(`<html>oops</html>`)

	_, err := New().Extract(context.Background(), resp, map[string]string{"id": "body.id"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExtraction))

	_, err = New().Extract(context.Background(), resp, map[string]string{"id": "gjson:id"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExtraction))

	// Non-body selectors do not need JSON.
	vals, err := New().Extract(context.Background(), resp, map[string]string{"raw": "body_raw", "s": "status"})
	require.NoError(t, err)
	assert.Equal(t, "<html>oops</html>", vals["raw"])
}

func TestExtract_BadJQIsError(t *testing.T) {
	_, err := New().Extract(context.Background(), response(`{}`), map[string]string{"x": "jq:.[[["})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExtraction))
}

func TestBodyPath_Found(t *testing.T) {
	e := New()
	v, found, err := e.BodyPath(context.Background(), response(`{"a": null}`), "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Nil(t, v)

	_, found, err = e.BodyPath(context.Background(), response(`{"a": null}`), "b")
	require.NoError(t, err)
	assert.False(t, found)
}
