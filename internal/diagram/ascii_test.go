package diagram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqflow/pkg/schema"
)

func TestRenderASCII(t *testing.T) {
	model, err := Build(diamondWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.True(t, strings.HasPrefix(output, "=== shop ===\n"))
	assert.Contains(t, output, "│ login │")
	assert.Contains(t, output, "│ profile │  │ orders │")
	assert.Contains(t, output, "▼")
	assert.Contains(t, output, "--- dependencies ---")
	assert.Contains(t, output, "  profile ─→ summary\n")
	assert.NotContains(t, output, "__start__ ─→")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	rep := &schema.WorkflowReport{}
	rep.Add(schema.StepResult{Name: "login", Status: schema.StepStatusPassed, DurationMs: 42})
	rep.Add(schema.StepResult{Name: "profile", Status: schema.StepStatusSkipped, Reason: schema.SkipReasonCondition})

	model, err := Build(diamondWorkflow(), rep)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "42ms")
	assert.Contains(t, output, "[SKIP] skip_if")
}

func TestRenderMermaidForCLI(t *testing.T) {
	rep := &schema.WorkflowReport{}
	rep.Add(schema.StepResult{Name: "login", Status: schema.StepStatusPassed, DurationMs: 5})
	rep.Add(schema.StepResult{Name: "profile", Status: schema.StepStatusErrored})

	model, err := Build(diamondWorkflow(), rep)
	require.NoError(t, err)

	output := RenderMermaidForCLI(model)
	assert.True(t, strings.HasPrefix(output, "graph TD\n"))
	assert.Contains(t, output, "    start --> login-OK-5ms\n")
	assert.Contains(t, output, "    login-OK-5ms --> profile-ERR\n")
	assert.Contains(t, output, "    summary --> end\n")
	assert.NotContains(t, output, "[")
}

func TestCLINodeID(t *testing.T) {
	tests := []struct {
		name string
		node *Node
		want string
	}{
		{"plain", &Node{ID: "fetch", Label: "fetch\n(GET /)"}, "fetch"},
		{"start uses label", &Node{ID: StartID, Label: "start", Kind: NodeKindStart}, "start"},
		{"spaces", &Node{ID: "get user"}, "get-user"},
		{"failed", &Node{ID: "a", Status: &StatusOverlay{Status: "failed"}}, "a-FAIL"},
		{"unknown status", &Node{ID: "a", Status: &StatusOverlay{Status: "pending"}}, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cliNodeID(tt.node))
		})
	}
}

func TestRenderASCIIAuto_Fallback(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	model, err := Build(diamondWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCIIAuto(context.Background(), model)
	assert.Equal(t, RenderASCII(model), output)
}
