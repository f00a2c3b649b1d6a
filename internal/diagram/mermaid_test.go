package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqflow/pkg/schema"
)

func TestRenderMermaid(t *testing.T) {
	model, err := Build(diamondWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD\n    %% shop\n")
	assert.Contains(t, output, `login["login<br/>(POST /login)"]`)
	assert.Contains(t, output, `orders{{"orders<br/>(graphql Orders)"}}`)
	assert.Contains(t, output, `summary(["summary<br/>(ws wss://shop.test/feed)"])`)
	assert.Contains(t, output, `__start__(("start"))`)
	assert.Contains(t, output, "login --> profile\n")
	assert.Contains(t, output, "orders --> summary\n")
	assert.Contains(t, output, "classDef errored")
	assert.NotContains(t, output, "class login")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	rep := &schema.WorkflowReport{}
	rep.Add(schema.StepResult{Name: "login", Status: schema.StepStatusPassed})
	rep.Add(schema.StepResult{Name: "profile", Status: schema.StepStatusFailed})
	rep.Add(schema.StepResult{Name: "orders", Status: schema.StepStatusSkipped, Reason: schema.SkipReasonCondition})

	model, err := Build(diamondWorkflow(), rep)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class login passed\n")
	assert.Contains(t, output, "class profile failed\n")
	assert.Contains(t, output, "class orders skipped\n")
	assert.NotContains(t, output, "class summary")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "get_user_v2", mermaidSafeID("get-user.v2"))
	assert.Equal(t, "a_b", mermaidSafeID("a b"))
	assert.Equal(t, "__start__", mermaidSafeID(StartID))
}

func TestMermaidEscapeLabel(t *testing.T) {
	assert.Equal(t, "say #quot;hi#quot;<br/>(GET /)", mermaidEscapeLabel("say \"hi\"\n(GET /)"))
}
