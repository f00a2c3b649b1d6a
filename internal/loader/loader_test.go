package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqflow/pkg/schema"
)

const yamlWorkflow = `
name: users
base_url: https://api.example.com
variables:
  page: 1
  token: abc
environments:
  staging:
    base: https://staging.example.com
  prod:
    base: https://example.com
headers:
  Accept: application/json
steps:
  - name: list
    url: /users?page={{ page }}
    retries: 2
    retry_delay: 100
    assert:
      status: 200
      body:
        total: 3
  - name: get
    depends_on: [list]
    url: /users/1
    timeout: 2s
    extract:
      user_id: body.id
`

const tomlWorkflow = `
name = "users"

[variables]
page = 1

[[steps]]
name = "list"
url = "https://api.example.com/users"

[steps.assert]
status = "2xx"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "wf.yaml", yamlWorkflow)

	wf, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "users", wf.Name)
	require.Len(t, wf.Steps, 2)

	list := wf.Steps[0]
	assert.Equal(t, 2, list.Retries)
	assert.Equal(t, "100ms", list.RetryDelay.Std().String())
	assert.Equal(t, schema.Scalar("200"), list.Assert.Status)
	require.Len(t, list.Assert.Body, 1)
	assert.Equal(t, "total", list.Assert.Body[0].Path)

	get := wf.Steps[1]
	assert.Equal(t, []string{"list"}, get.DependsOn)
	assert.Equal(t, "2s", get.Timeout.Std().String())
	assert.Equal(t, "body.id", get.Extract["user_id"])
	assert.Equal(t, []string{"prod", "staging"}, wf.EnvironmentNames())
}

func TestLoadFile_TOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "wf.toml", tomlWorkflow)

	doc, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "users", doc.Workflow.Name)
	assert.Equal(t, schema.Scalar("2xx"), doc.Workflow.Steps[0].Assert.Status)
	assert.EqualValues(t, 1, doc.Workflow.Variables["page"])
	assert.Equal(t, "users", doc.Raw["name"])
}

func TestRead_AutoDetect(t *testing.T) {
	doc, err := Read(strings.NewReader(tomlWorkflow), FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, "list", doc.Workflow.Steps[0].Name)

	doc, err = Read(strings.NewReader(yamlWorkflow), FormatAuto)
	require.NoError(t, err)
	assert.Len(t, doc.Workflow.Steps, 2)
}

func TestReadFile_TooLarge(t *testing.T) {
	big := "name: x\n# " + strings.Repeat("a", MaxFileSize) + "\n"
	path := writeFile(t, t.TempDir(), "big.yaml", big)

	_, err := ReadFile(path)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "too large")
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRead_InvalidSyntax(t *testing.T) {
	_, err := Read(strings.NewReader("name: [unclosed"), FormatYAML)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidateStructure(t *testing.T) {
	tests := []struct {
		name string
		wf   schema.WorkflowDefinition
		want string
	}{
		{"no name", schema.WorkflowDefinition{Steps: []schema.StepDefinition{{Name: "a", URL: "/"}}}, "must have a name"},
		{"no steps", schema.WorkflowDefinition{Name: "w"}, "at least one step"},
		{"unnamed step", schema.WorkflowDefinition{Name: "w", Steps: []schema.StepDefinition{{URL: "/"}}}, "step 1 must have a name"},
		{"no url", schema.WorkflowDefinition{Name: "w", Steps: []schema.StepDefinition{{Name: "a"}}}, "must have a url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStructure(&tt.wf)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	gql := schema.WorkflowDefinition{Name: "w", Steps: []schema.StepDefinition{
		{Name: "q", GraphQL: &schema.GraphQLConfig{Query: "{ me { id } }"}},
	}}
	assert.NoError(t, ValidateStructure(&gql))
}

func TestApplyEnvironment(t *testing.T) {
	wf := &schema.WorkflowDefinition{
		Environments: map[string]map[string]any{
			"staging": {"base": "https://staging"},
			"prod":    {"base": "https://prod"},
		},
	}

	vals, err := ApplyEnvironment(wf, "staging")
	require.NoError(t, err)
	assert.Equal(t, "https://staging", vals["base"])

	vals, err = ApplyEnvironment(wf, "")
	require.NoError(t, err)
	assert.Nil(t, vals)

	_, err = ApplyEnvironment(wf, "qa")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "prod, staging")

	vals, err = ApplyEnvironment(&schema.WorkflowDefinition{}, "qa")
	require.NoError(t, err)
	assert.Nil(t, vals)
}

func TestParseVarFlags(t *testing.T) {
	vals, err := ParseVarFlags([]string{"id=42", "name=alice", "flag=true", `obj={"a":1}`, "eq=a=b", "empty="})
	require.NoError(t, err)
	assert.EqualValues(t, 42, vals["id"])
	assert.Equal(t, "alice", vals["name"])
	assert.Equal(t, true, vals["flag"])
	assert.Equal(t, map[string]any{"a": float64(1)}, vals["obj"])
	assert.Equal(t, "a=b", vals["eq"])
	assert.Equal(t, "", vals["empty"])

	_, err = ParseVarFlags([]string{"novalue"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = ParseVarFlags([]string{"=x"})
	assert.Error(t, err)
}

func TestReadFile_Dotenv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "API_TOKEN=\"s3cret\"\n# comment\nREGION=eu\n")
	path := writeFile(t, dir, "wf.yaml", `
name: dotenv
dotenv: .env
variables:
  REGION: us
steps:
  - name: a
    url: https://example.com
`)

	wf, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", wf.Variables["API_TOKEN"])
	assert.Equal(t, "eu", wf.Variables["REGION"])
}

func TestReadFile_DotenvMissing(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wf.yaml", "name: x\ndotenv: missing.env\nsteps:\n  - name: a\n    url: /\n")
	_, err := ReadFile(path)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFor("a.yml"))
	assert.Equal(t, FormatYAML, FormatFor("a.YAML"))
	assert.Equal(t, FormatTOML, FormatFor("a.toml"))
	assert.Equal(t, FormatAuto, FormatFor("a.wf"))
}
