package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/rendis/reqflow/pkg/schema"
)

var knownMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
	http.MethodOptions: true,
}

var knownTypes = map[string]bool{
	"string": true, "number": true, "integer": true, "boolean": true,
	"bool": true, "null": true, "array": true, "object": true,
}

// validateSemantic checks what the JSON Schema cannot: name uniqueness,
// depends_on references, rule syntax and protocol availability.
func (wv *WorkflowValidator) validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if strings.TrimSpace(def.Name) == "" {
		result.AddError("name", schema.ErrCodeValidation, "workflow name is required")
	}
	if len(def.Steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "workflow has no steps")
	}

	names := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		if s.Name == "" {
			continue
		}
		if first, dup := names[s.Name]; dup {
			result.AddError(fmt.Sprintf("steps[%d].name", i), schema.ErrCodeDuplicateStep,
				fmt.Sprintf("step name %q already used by steps[%d]", s.Name, first))
			continue
		}
		names[s.Name] = i
	}

	for i := range def.Steps {
		wv.validateStep(def, &def.Steps[i], fmt.Sprintf("steps[%d]", i), names, result)
	}
	return result
}

func (wv *WorkflowValidator) validateStep(def *schema.WorkflowDefinition, step *schema.StepDefinition, path string, names map[string]int, result *schema.ValidationResult) {
	if step.Name == "" {
		result.AddError(path+".name", schema.ErrCodeValidation, "step name is required")
	}
	if step.URL == "" && def.BaseURL == "" {
		result.AddError(path+".url", schema.ErrCodeValidation, "step url is required when the workflow has no base_url")
	}

	for j, dep := range step.DependsOn {
		if _, ok := names[dep]; !ok {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j), schema.ErrCodeUnknownDependency,
				fmt.Sprintf("references non-existent step %q", dep))
		}
		if dep == step.Name {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j), schema.ErrCodeCycleDetected,
				"step depends on itself")
		}
	}

	if m := strings.ToUpper(step.Method); m != "" && !hasTemplate(m) && !knownMethods[m] {
		result.AddWarning(path+".method", schema.ErrCodeValidation,
			fmt.Sprintf("unusual HTTP method %q", step.Method))
	}

	protocol := step.ResolvedProtocol()
	if wv.protocols != nil && !wv.protocols.Has(protocol) {
		result.AddWarning(path+".protocol", schema.ErrCodeValidation,
			fmt.Sprintf("protocol %q has no transport; the step will fail with unsupported_protocol", protocol))
	}

	if step.Retries > schema.MaxRetries {
		result.AddWarning(path+".retries", schema.ErrCodeValidation,
			fmt.Sprintf("retries %d exceeds the maximum, capped at %d", step.Retries, schema.MaxRetries))
	}

	validateBodies(step, path, result)
	validateLoop(step, path, result)

	validateScript(step.PreScript, path+".pre_script", result)
	validateScript(step.PostScript, path+".post_script", result)
	validateScript(step.ScriptAssert, path+".script_assert", result)

	if !step.Assert.Empty() {
		wv.validateAssert(step.Assert, path+".assert", result)
	}
}

func validateBodies(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	var set []string
	if step.Raw != "" {
		set = append(set, "raw")
	}
	if step.Body != nil {
		set = append(set, "body")
	}
	if step.Form != nil {
		set = append(set, "form")
	}
	if len(set) > 1 {
		result.AddWarning(path+"."+set[1], schema.ErrCodeValidation,
			fmt.Sprintf("%s is ignored because %s is set", strings.Join(set[1:], " and "), set[0]))
	}
}

func validateLoop(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	var set []string
	if step.Repeat > 0 {
		set = append(set, "repeat")
	}
	if step.Foreach != nil {
		set = append(set, "foreach")
	}
	if step.While != "" {
		set = append(set, "while")
	}
	if len(set) > 1 {
		result.AddError(path+"."+set[1], schema.ErrCodeValidation,
			fmt.Sprintf("a step can loop only one way, found %s", strings.Join(set, ", ")))
	}

	if step.Repeat > schema.MaxIterations {
		result.AddWarning(path+".repeat", schema.ErrCodeValidation,
			fmt.Sprintf("repeat %d exceeds the maximum, capped at %d", step.Repeat, schema.MaxIterations))
	}
	if step.MaxIterations > schema.MaxIterations {
		result.AddWarning(path+".max_iterations", schema.ErrCodeValidation,
			fmt.Sprintf("max_iterations %d exceeds the maximum, capped at %d", step.MaxIterations, schema.MaxIterations))
	}
	if step.MaxIterations > 0 && step.While == "" {
		result.AddWarning(path+".max_iterations", schema.ErrCodeValidation, "max_iterations only applies to while loops")
	}
	if step.ForeachVar != "" && step.Foreach == nil {
		result.AddWarning(path+".foreach_var", schema.ErrCodeValidation, "foreach_var only applies to foreach loops")
	}
	if step.FailFast != nil && step.LoopKind() == "" {
		result.AddWarning(path+".fail_fast", schema.ErrCodeValidation, "fail_fast only applies to looping steps")
	}
}

func validateScript(sc *schema.ScriptConfig, path string, result *schema.ValidationResult) {
	if sc == nil {
		return
	}
	switch {
	case sc.Code != "" && sc.File != "":
		result.AddError(path, schema.ErrCodeValidation, "script sets both code and file")
	case sc.Code == "" && sc.File == "":
		result.AddError(path, schema.ErrCodeValidation, "script has neither code nor file")
	}
	if sc.Type != "" && sc.Type != "lua" {
		result.AddError(path+".type", schema.ErrCodeValidation, fmt.Sprintf("unsupported script type %q", sc.Type))
	}
}

func (wv *WorkflowValidator) validateAssert(a *schema.AssertSpec, path string, result *schema.ValidationResult) {
	if s := string(a.Status); s != "" && !hasTemplate(s) {
		if _, err := schema.ParseStatusRule(s); err != nil {
			result.AddError(path+".status", schema.ErrCodeValidation, err.Error())
		}
	}
	if l := string(a.Latency); l != "" && !hasTemplate(l) {
		if _, err := schema.ParseLatencyBound(l); err != nil {
			result.AddError(path+".latency", schema.ErrCodeValidation, err.Error())
		}
	}

	for i, h := range a.Headers {
		p := fmt.Sprintf("%s.headers[%d]", path, i)
		ops := 0
		if h.Exists != nil {
			ops++
		}
		for _, v := range []string{h.Equals, h.Contains, h.Matches} {
			if v != "" {
				ops++
			}
		}
		if ops > 1 {
			result.AddError(p, schema.ErrCodeValidation, "header rule must use one operator")
		}
		checkRegex(h.Matches, p+".matches", result)
	}

	for i, b := range a.Body {
		p := fmt.Sprintf("%s.body[%d]", path, i)
		if ops := bodyOperators(b); ops > 1 {
			result.AddError(p, schema.ErrCodeValidation, "body rule must use one operator")
		}
		checkRegex(b.Matches, p+".matches", result)
		if b.Type != "" && !knownTypes[b.Type] {
			result.AddError(p+".type", schema.ErrCodeValidation, fmt.Sprintf("unknown type %q", b.Type))
		}
	}

	if a.Schema != nil {
		if err := wv.jsonSchema.CheckSchema(a.Schema); err != nil {
			result.AddError(path+".schema", schema.ErrCodeValidation, "invalid schema: "+err.Error())
		}
	}

	if wv.cel != nil {
		for i, expr := range a.Expressions {
			if hasTemplate(expr) {
				continue
			}
			if err := wv.cel.Check(expr); err != nil {
				result.AddErr(fmt.Sprintf("%s.expressions[%d]", path, i), err)
			}
		}
	}
}

func bodyOperators(b schema.BodyRule) int {
	n := 0
	for _, set := range []bool{
		b.EqualityCheck(), b.Contains != nil, b.Matches != "", b.Type != "",
		b.Exists != nil, b.IsNull != nil, b.GreaterThan != nil, b.LessThan != nil,
		b.Length != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func checkRegex(pattern, path string, result *schema.ValidationResult) {
	if pattern == "" || hasTemplate(pattern) {
		return
	}
	if _, err := regexp.Compile(pattern); err != nil {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid regex: %s", err))
	}
}

func hasTemplate(s string) bool {
	return strings.Contains(s, "{{")
}
