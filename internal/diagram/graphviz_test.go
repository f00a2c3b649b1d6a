package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqflow/pkg/schema"
)

func assertPNG(t *testing.T, png []byte) {
	t.Helper()
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImage(t *testing.T) {
	model, err := Build(diamondWorkflow(), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assertPNG(t, png)
}

func TestRenderImageWithStatus(t *testing.T) {
	rep := &schema.WorkflowReport{}
	rep.Add(schema.StepResult{Name: "login", Status: schema.StepStatusPassed, DurationMs: 100})
	rep.Add(schema.StepResult{Name: "profile", Status: schema.StepStatusFailed})
	rep.Add(schema.StepResult{Name: "orders", Status: schema.StepStatusSkipped})

	model, err := Build(diamondWorkflow(), rep)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assertPNG(t, png)
}
