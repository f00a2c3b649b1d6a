package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqflow/pkg/schema"
)

type mockProtocols map[string]bool

func (m mockProtocols) Has(p string) bool { return m[p] }

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator(mockProtocols{"http": true, "graphql": true, "websocket": true})
	require.NoError(t, err)
	return wv
}

func validWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:    "users",
		BaseURL: "http://api.local",
		Steps: []schema.StepDefinition{
			{Name: "login", Method: "POST", URL: "/login", Extract: map[string]string{"token": "body.token"}},
			{Name: "me", URL: "/me", DependsOn: []string{"login"},
				Headers: map[string]string{"Authorization": "Bearer {{ token }}"},
				Assert:  &schema.AssertSpec{Status: "2xx", Latency: "<500ms"}},
		},
	}
}

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

func TestWorkflowValidator_Valid(t *testing.T) {
	result := newValidator(t).Validate(validWorkflow())
	assert.True(t, result.Valid(), result.Summary())
	assert.Empty(t, result.Warnings)
}

func TestWorkflowValidator_NilDef(t *testing.T) {
	result := newValidator(t).Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	def := validWorkflow()
	def.Steps[0].Name = ""
	def.Steps[1].DependsOn = []string{"ghost"}

	result := newValidator(t).Validate(def)
	assert.False(t, result.Valid())
	for _, c := range codes(result.Errors) {
		assert.Equal(t, schema.ErrCodeValidation, c)
	}
}

func TestWorkflowValidator_DuplicateAndUnknown(t *testing.T) {
	def := validWorkflow()
	def.Steps = append(def.Steps,
		schema.StepDefinition{Name: "login", URL: "/again"},
		schema.StepDefinition{Name: "orphan", URL: "/x", DependsOn: []string{"ghost"}},
	)
	result := newValidator(t).Validate(def)
	assert.Contains(t, codes(result.Errors), schema.ErrCodeDuplicateStep)
	assert.Contains(t, codes(result.Errors), schema.ErrCodeUnknownDependency)
}

func TestWorkflowValidator_Cycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "loop",
		Steps: []schema.StepDefinition{
			{Name: "a", URL: "http://x/a", DependsOn: []string{"b"}},
			{Name: "b", URL: "http://x/b", DependsOn: []string{"a"}},
			{Name: "c", URL: "http://x/c"},
		},
	}
	result := newValidator(t).Validate(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "a, b")
}

func TestWorkflowValidator_DuplicateDependencyWarns(t *testing.T) {
	def := validWorkflow()
	def.Steps[1].DependsOn = []string{"login", "login"}
	result := newValidator(t).Validate(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
}

func TestWorkflowValidator_MissingURL(t *testing.T) {
	def := validWorkflow()
	def.BaseURL = ""
	def.Steps[0].URL = ""
	def.Steps[1].URL = "http://api.local/me"
	result := newValidator(t).Validate(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].url", result.Errors[0].Path)
}

func TestWorkflowValidator_AssertRules(t *testing.T) {
	yes := true
	def := validWorkflow()
	def.Steps[1].Assert = &schema.AssertSpec{
		Status:  "abc",
		Latency: "fast",
		Headers: schema.HeaderRules{{Name: "X", Exists: &yes, Equals: "y"}},
		Body: schema.BodyRules{
			{Path: "id", Matches: "("},
			{Path: "kind", Type: "widget"},
		},
		Expressions: []string{"status ==", "status == 200"},
	}
	result := newValidator(t).Validate(def)

	paths := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		paths = append(paths, e.Path)
	}
	assert.ElementsMatch(t, []string{
		"steps[1].assert.status",
		"steps[1].assert.latency",
		"steps[1].assert.headers[0]",
		"steps[1].assert.body[0].matches",
		"steps[1].assert.body[1].type",
		"steps[1].assert.expressions[0]",
	}, paths)
}

func TestWorkflowValidator_TemplatedRulesSkipped(t *testing.T) {
	def := validWorkflow()
	def.Steps[1].Assert = &schema.AssertSpec{Status: "{{ expected_status }}"}
	assert.True(t, newValidator(t).Validate(def).Valid())
}

func TestWorkflowValidator_Warnings(t *testing.T) {
	def := validWorkflow()
	def.Steps[0].Retries = 50
	def.Steps[1].Protocol = "grpc"
	def.Steps[1].Method = "FETCH"

	result := newValidator(t).Validate(def)
	assert.True(t, result.Valid())
	paths := []string{}
	for _, w := range result.Warnings {
		paths = append(paths, w.Path)
	}
	assert.ElementsMatch(t, []string{"steps[0].retries", "steps[1].protocol", "steps[1].method"}, paths)
}

func TestWorkflowValidator_Scripts(t *testing.T) {
	def := validWorkflow()
	def.Steps[0].PreScript = &schema.ScriptConfig{Code: "x = 1", File: "a.lua"}
	def.Steps[0].PostScript = &schema.ScriptConfig{Type: "lua"}

	result := newValidator(t).Validate(def)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "steps[0].pre_script", result.Errors[0].Path)
	assert.Equal(t, "steps[0].post_script", result.Errors[1].Path)
}

func TestWorkflowValidator_BodyKinds(t *testing.T) {
	def := validWorkflow()
	def.Steps[0].Raw = "user=ada"
	def.Steps[0].Form = map[string]string{"user": "ada"}

	result := newValidator(t).Validate(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps[0].form", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, "form is ignored because raw is set")
}

func TestWorkflowValidator_Loops(t *testing.T) {
	def := validWorkflow()
	def.Steps[0].Repeat = 2
	def.Steps[0].While = "pending"
	def.Steps[1].MaxIterations = 5000
	def.Steps[1].ForeachVar = "user"

	result := newValidator(t).Validate(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].while", result.Errors[0].Path)

	paths := []string{}
	for _, w := range result.Warnings {
		paths = append(paths, w.Path)
	}
	assert.ElementsMatch(t, []string{"steps[1].max_iterations", "steps[1].max_iterations", "steps[1].foreach_var"}, paths)
}
