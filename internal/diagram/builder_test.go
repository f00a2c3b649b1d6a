package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqflow/pkg/schema"
)

// diamondWorkflow: login feeds profile and orders, both feed summary.
func diamondWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "shop",
		Steps: []schema.StepDefinition{
			{Name: "login", Method: "post", URL: "/login"},
			{Name: "profile", URL: "/me", DependsOn: []string{"login"}, Tags: []string{"smoke"}},
			{Name: "orders", GraphQL: &schema.GraphQLConfig{Query: "{ orders { id } }", OperationName: "Orders"}, DependsOn: []string{"login"}},
			{Name: "summary", URL: "wss://shop.test/feed", DependsOn: []string{"profile", "orders"}},
		},
	}
}

func TestBuildDiamond(t *testing.T) {
	model, err := Build(diamondWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "shop", model.Title)
	require.Len(t, model.Nodes, 6)
	assert.Equal(t, StartID, model.Nodes[0].ID)
	assert.Equal(t, EndID, model.Nodes[5].ID)

	assert.Equal(t, "login\n(POST /login)", model.Node("login").Label)
	assert.Equal(t, "profile\n(GET /me)", model.Node("profile").Label)
	assert.Equal(t, []string{"smoke"}, model.Node("profile").Tags)
	assert.Equal(t, NodeKindGraphQL, model.Node("orders").Kind)
	assert.Equal(t, "orders\n(graphql Orders)", model.Node("orders").Label)
	assert.Equal(t, NodeKindWebSocket, model.Node("summary").Kind)

	assert.Equal(t, []Edge{
		{From: StartID, To: "login"},
		{From: "login", To: "profile"},
		{From: "login", To: "orders"},
		{From: "profile", To: "summary"},
		{From: "orders", To: "summary"},
		{From: "summary", To: EndID},
	}, model.Edges)

	assert.Equal(t, [][]string{
		{StartID}, {"login"}, {"profile", "orders"}, {"summary"}, {EndID},
	}, model.Levels)
}

func TestBuildWithStatusOverlay(t *testing.T) {
	rep := &schema.WorkflowReport{RunID: "r1"}
	rep.Add(schema.StepResult{Name: "login", Status: schema.StepStatusPassed, StatusCode: 200, DurationMs: 12, Attempts: 1})
	rep.Add(schema.StepResult{Name: "profile", Status: schema.StepStatusErrored, Attempts: 3,
		Error: schema.NewError(schema.ErrCodeTransport, "connection refused")})
	rep.Add(schema.StepResult{Name: "summary", Status: schema.StepStatusSkipped, Reason: schema.SkipReasonDependencyFailed})

	model, err := Build(diamondWorkflow(), rep)
	require.NoError(t, err)

	login := model.Node("login").Status
	require.NotNil(t, login)
	assert.Equal(t, "passed", login.Status)
	assert.Equal(t, 200, login.StatusCode)
	assert.EqualValues(t, 12, login.DurationMs)

	profile := model.Node("profile").Status
	require.NotNil(t, profile)
	assert.Equal(t, 3, profile.Attempts)
	assert.Contains(t, profile.Error, "connection refused")

	assert.Equal(t, "dependency_failed", model.Node("summary").Status.Reason)
	assert.Nil(t, model.Node("orders").Status)
	assert.Nil(t, model.Node(StartID).Status)
}

func TestBuildIndependentSteps(t *testing.T) {
	model, err := Build(&schema.WorkflowDefinition{Name: "flat", Steps: []schema.StepDefinition{
		{Name: "a", URL: "/a"},
		{Name: "b", URL: "/b"},
	}}, nil)
	require.NoError(t, err)

	assert.Equal(t, []Edge{
		{From: StartID, To: "a"},
		{From: StartID, To: "b"},
		{From: "a", To: EndID},
		{From: "b", To: EndID},
	}, model.Edges)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = Build(&schema.WorkflowDefinition{Name: "c", Steps: []schema.StepDefinition{
		{Name: "a", URL: "/a", DependsOn: []string{"b"}},
		{Name: "b", URL: "/b", DependsOn: []string{"a"}},
	}}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
}

func TestBuildUntitled(t *testing.T) {
	model, err := Build(&schema.WorkflowDefinition{Steps: []schema.StepDefinition{{Name: "a", URL: "/a"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Workflow", model.Title)
}
