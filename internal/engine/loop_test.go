package engine

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqflow/internal/transport"
	"github.com/rendis/reqflow/pkg/schema"
)

func iterations(rep *schema.WorkflowReport, name string) []int {
	var out []int
	for _, s := range rep.Steps {
		if s.Name == name && s.Iteration != nil {
			out = append(out, *s.Iteration)
		}
	}
	return out
}

func TestRunner_RepeatSetsIterationVariables(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRunner(t, tr)

	wf := &schema.WorkflowDefinition{Name: "w", Steps: []schema.StepDefinition{
		{Name: "poll", URL: "/poll/{{ _iteration }}/{{ _index }}", Repeat: 3},
		{Name: "after", URL: "/after", DependsOn: []string{"poll"}},
	}}
	rep, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	assert.True(t, rep.Success)
	assert.Equal(t, []string{"/poll/0/0", "/poll/1/1", "/poll/2/2", "/after"}, tr.URLs())
	assert.Equal(t, []int{0, 1, 2}, iterations(rep, "poll"))
	assert.Equal(t, 4, rep.Passed)
}

func TestRunner_RepeatIsCapped(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRunner(t, tr)

	wf := &schema.WorkflowDefinition{Name: "w", Steps: []schema.StepDefinition{
		{Name: "burst", URL: "/b", Repeat: 5000},
	}}
	rep, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)
	assert.Len(t, tr.Calls(), schema.MaxIterations)
	assert.Equal(t, schema.MaxIterations, rep.Passed)
}

func TestRunner_ForeachBindsEachItem(t *testing.T) {
	tests := []struct {
		name    string
		foreach any
	}{
		{"reference", "{{ users }}"},
		{"bare name", "users"},
		{"json text", `[{"id": 7}, {"id": 9}]`},
		{"inline list", []any{map[string]any{"id": 7}, map[string]any{"id": 9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			r := newTestRunner(t, tr)
			wf := &schema.WorkflowDefinition{
				Name:      "w",
				Variables: map[string]any{"users": []any{map[string]any{"id": 7}, map[string]any{"id": 9}}},
				Steps: []schema.StepDefinition{
					{Name: "get", URL: "/users/{{ user.id }}?i={{ _index }}", Foreach: tt.foreach, ForeachVar: "user"},
				},
			}
			rep, err := r.Run(context.Background(), wf, Options{})
			require.NoError(t, err)
			assert.True(t, rep.Success)
			assert.Equal(t, []string{"/users/7?i=0", "/users/9?i=1"}, tr.URLs())
			assert.Equal(t, []int{0, 1}, iterations(rep, "get"))
		})
	}
}

func TestRunner_ForeachDefaultVarAndEmptySource(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRunner(t, tr)
	wf := &schema.WorkflowDefinition{
		Name:      "w",
		Variables: map[string]any{"ids": []any{1, 2}, "none": []any{}},
		Steps: []schema.StepDefinition{
			{Name: "each", URL: "/items/{{ item }}", Foreach: "{{ ids }}"},
			{Name: "empty", URL: "/never", Foreach: "{{ none }}"},
			{Name: "after", URL: "/after", DependsOn: []string{"empty"}},
		},
	}
	rep, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	assert.True(t, rep.Success)
	assert.Equal(t, []string{"/items/1", "/items/2", "/after"}, tr.URLs())
	empty, ok := rep.Step("empty")
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusSkipped, empty.Status)
	assert.Equal(t, schema.SkipReasonNoIterations, empty.Reason)
}

func TestRunner_WhileStopsWhenConditionTurnsFalse(t *testing.T) {
	tr := &fakeTransport{handler: func(_ context.Context, _ *transport.Request, n int) (*transport.Response, error) {
		return jsonResponse(http.StatusOK, fmt.Sprintf(`{"done": %t}`, n >= 3)), nil
	}}
	r := newTestRunner(t, tr)

	wf := &schema.WorkflowDefinition{
		Name:      "w",
		Variables: map[string]any{"done": false},
		Steps: []schema.StepDefinition{
			{Name: "wait", URL: "/job", While: "!done", Extract: map[string]string{"done": "body.done"}},
		},
	}
	rep, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)
	assert.True(t, rep.Success)
	assert.Len(t, tr.Calls(), 3)
	assert.Equal(t, []int{0, 1, 2}, iterations(rep, "wait"))
}

func TestRunner_WhileHonoursMaxIterations(t *testing.T) {
	tests := []struct {
		name string
		max  int
		want int
	}{
		{"explicit", 4, 4},
		{"default", 0, schema.DefaultMaxIterations},
		{"capped", 50000, schema.MaxIterations},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			r := newTestRunner(t, tr)
			wf := &schema.WorkflowDefinition{Name: "w", Steps: []schema.StepDefinition{
				{Name: "spin", URL: "/s", While: "true", MaxIterations: tt.max},
			}}
			_, err := r.Run(context.Background(), wf, Options{})
			require.NoError(t, err)
			assert.Len(t, tr.Calls(), tt.want)
		})
	}
}

func TestRunner_WhileSeesUpcomingIteration(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRunner(t, tr)
	wf := &schema.WorkflowDefinition{Name: "w", Steps: []schema.StepDefinition{
		{Name: "page", URL: "/page/{{ _iteration }}", While: "_iteration < 2"},
	}}
	_, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/page/0", "/page/1"}, tr.URLs())
}

func TestRunner_LoopFailFast(t *testing.T) {
	off := false
	tests := []struct {
		name      string
		failFast  *bool
		wantCalls int
	}{
		{"default stops", nil, 1},
		{"disabled keeps going", &off, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{handler: failOn("/flaky")}
			r := newTestRunner(t, tr)
			wf := &schema.WorkflowDefinition{Name: "w", Steps: []schema.StepDefinition{
				{Name: "flaky", URL: "/flaky", Repeat: 3, FailFast: tt.failFast, Assert: okStatus()},
				{Name: "next", URL: "/next", DependsOn: []string{"flaky"}},
			}}
			rep, err := r.Run(context.Background(), wf, Options{})
			require.NoError(t, err)

			assert.False(t, rep.Success)
			assert.Len(t, tr.Calls(), tt.wantCalls)
			assert.Equal(t, tt.wantCalls, rep.Failed)
			next, ok := rep.Step("next")
			require.True(t, ok)
			assert.Equal(t, schema.SkipReasonDependencyFailed, next.Reason)
		})
	}
}

func TestRunner_WhileConditionErrorErrorsStep(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRunner(t, tr)
	wf := &schema.WorkflowDefinition{Name: "w", Steps: []schema.StepDefinition{
		{Name: "bad", URL: "/b", While: "missing > 1"},
	}}
	rep, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	assert.Empty(t, tr.Calls())
	res, ok := rep.Step("bad")
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusErrored, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeUndefinedVariable, res.Error.Code)
}

func TestRunner_ValidateKnowsLoopVariables(t *testing.T) {
	r := newTestRunner(t, &fakeTransport{})
	wf := &schema.WorkflowDefinition{
		Name:      "w",
		Variables: map[string]any{"ids": []any{1}},
		Steps: []schema.StepDefinition{
			{Name: "each", URL: "/x/{{ id }}/{{ _index }}", Foreach: "{{ ids }}", ForeachVar: "id"},
			{Name: "poll", URL: "/p/{{ _iteration }}", Repeat: 2},
		},
	}
	res := r.Validate(wf, Options{})
	require.True(t, res.Valid(), res.Summary())
	assert.Empty(t, res.Warnings)
}
