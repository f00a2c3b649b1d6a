// Package loader reads workflow documents from YAML or TOML files and
// turns CLI inputs into variable layers.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/rendis/reqflow/pkg/schema"
)

// MaxFileSize caps the size of a workflow document.
const MaxFileSize = 1 << 20

// Format names a document syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	// FormatAuto tries YAML, then TOML.
	FormatAuto Format = ""
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	}
	return FormatAuto
}

// Document is a loaded workflow. Raw is the JSON-compatible form of the
// source, kept for structural validation.
type Document struct {
	Path     string
	Dir      string
	Raw      map[string]any
	Workflow *schema.WorkflowDefinition
}

// LoadFile reads, decodes and structurally checks a workflow file.
func LoadFile(path string) (*schema.WorkflowDefinition, error) {
	doc, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return doc.Workflow, nil
}

// ReadFile loads a workflow file and merges its dotenv file, if any, into
// the workflow variables.
func ReadFile(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow file: %s", err.Error()).WithCause(err)
	}
	if info.Size() > MaxFileSize {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workflow: %w", err)
	}
	defer f.Close()

	doc, err := Read(f, FormatFor(path))
	if err != nil {
		return nil, err
	}
	doc.Path = path
	doc.Dir = filepath.Dir(path)

	if doc.Workflow.Dotenv != "" {
		envPath := doc.Workflow.Dotenv
		if !filepath.IsAbs(envPath) {
			envPath = filepath.Join(doc.Dir, envPath)
		}
		vals, err := LoadDotenv(envPath)
		if err != nil {
			return nil, err
		}
		if doc.Workflow.Variables == nil {
			doc.Workflow.Variables = make(map[string]any, len(vals))
		}
		for k, v := range vals {
			doc.Workflow.Variables[k] = v
		}
	}
	return doc, nil
}

// Read decodes a workflow from r. Sources larger than MaxFileSize are
// rejected.
func Read(r io.Reader, format Format) (*Document, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	if len(data) > MaxFileSize {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow document exceeds %d bytes", MaxFileSize)
	}

	raw, err := decode(data, format)
	if err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow is not JSON-compatible: %s", err.Error())
	}
	var wf schema.WorkflowDefinition
	if err := json.Unmarshal(normalized, &wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow: %s", err.Error()).WithCause(err)
	}
	var rawMap map[string]any
	if err := json.Unmarshal(normalized, &rawMap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow root must be a mapping")
	}

	if err := ValidateStructure(&wf); err != nil {
		return nil, err
	}
	return &Document{Raw: rawMap, Workflow: &wf}, nil
}

func decode(data []byte, format Format) (any, error) {
	switch format {
	case FormatYAML:
		return decodeYAML(data)
	case FormatTOML:
		return decodeTOML(data)
	}
	v, yerr := decodeYAML(data)
	if yerr == nil {
		if _, ok := v.(map[string]any); ok {
			return v, nil
		}
	}
	v, terr := decodeTOML(data)
	if terr != nil {
		if yerr == nil {
			yerr = terr
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow: %s", yerr.Error())
	}
	return v, nil
}

func decodeYAML(data []byte) (any, error) {
	var v any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&v); err != nil {
		if err == io.EOF {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty workflow document")
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse YAML workflow: %s", err.Error()).WithCause(err)
	}
	return jsonCompatible(v)
}

func decodeTOML(data []byte) (any, error) {
	var v map[string]any
	if err := toml.Unmarshal(data, &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse TOML workflow: %s", err.Error()).WithCause(err)
	}
	return jsonCompatible(v)
}

// jsonCompatible converts YAML's map[any]any nodes into map[string]any.
func jsonCompatible(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			c, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			c, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			c, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			c, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	}
	return v, nil
}

// ValidateStructure checks the minimum shape of a workflow: a name, at
// least one step, and a name and target on every step.
func ValidateStructure(wf *schema.WorkflowDefinition) error {
	if strings.TrimSpace(wf.Name) == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow must have a name")
	}
	if len(wf.Steps) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow must have at least one step")
	}
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if strings.TrimSpace(step.Name) == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %d must have a name", i+1)
		}
		if step.URL == "" && step.GraphQL == nil && step.WebSocket == nil && step.GRPC == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %d (%s) must have a url", i+1, step.Name).
				WithStep(step.Name)
		}
	}
	return nil
}

// ApplyEnvironment returns the variables of the named environment. An
// empty name selects nothing. Naming an environment that does not exist
// is an error when the workflow declares any environments.
func ApplyEnvironment(wf *schema.WorkflowDefinition, name string) (map[string]any, error) {
	if name == "" {
		return nil, nil
	}
	vals, ok := wf.Environments[name]
	if ok {
		out := make(map[string]any, len(vals))
		for k, v := range vals {
			out[k] = v
		}
		return out, nil
	}
	if len(wf.Environments) == 0 {
		return nil, nil
	}
	available := wf.EnvironmentNames()
	return nil, schema.NewErrorf(schema.ErrCodeValidation,
		"environment %q not found, available: %s", name, strings.Join(available, ", ")).
		WithDetails(map[string]any{"environment": name, "available": available})
}

// ParseVarFlags parses NAME=VALUE pairs. Values are decoded as JSON when
// possible and kept as plain strings otherwise.
func ParseVarFlags(flags []string) (map[string]any, error) {
	out := make(map[string]any, len(flags))
	for _, f := range flags {
		key, value, ok := strings.Cut(f, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid variable %q, use NAME=VALUE", f)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}

// LoadDotenv reads a .env file. Values stay strings.
func LoadDotenv(path string) (map[string]string, error) {
	vals, err := godotenv.Read(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "load dotenv %s: %s", path, err.Error()).WithCause(err)
	}
	return vals, nil
}

// VariableNames returns the sorted names of a variable map.
func VariableNames(vals map[string]any) []string {
	names := make([]string, 0, len(vals))
	for k := range vals {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
