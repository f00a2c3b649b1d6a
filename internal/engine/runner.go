package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/reqflow/internal/expressions"
	"github.com/rendis/reqflow/internal/extract"
	"github.com/rendis/reqflow/internal/loader"
	"github.com/rendis/reqflow/internal/logging"
	"github.com/rendis/reqflow/internal/magic"
	"github.com/rendis/reqflow/internal/plugins"
	"github.com/rendis/reqflow/internal/script"
	"github.com/rendis/reqflow/internal/store"
	"github.com/rendis/reqflow/internal/transport"
	"github.com/rendis/reqflow/internal/validation"
	"github.com/rendis/reqflow/internal/variables"
	"github.com/rendis/reqflow/pkg/schema"
)

// Options are the per-run inputs supplied by the caller.
type Options struct {
	Environment       string
	Variables         map[string]any
	ContinueOnFailure bool
	Tags              []string
	Include           []string
	Exclude           []string
	// DryRun validates and orders the steps without dispatching anything.
	DryRun bool
}

// Filter returns the step filter described by the options.
func (o Options) Filter() Filter {
	return Filter{Tags: o.Tags, Include: o.Include, Exclude: o.Exclude}
}

// RunnerConfig wires a Runner. Transport is required.
type RunnerConfig struct {
	Transport transport.Transport
	Scripts   script.Invoker
	Hooks     plugins.HookInvoker
	// Events receives lifecycle events, typically a store.EventLog.
	// Append failures are logged and never fail a step.
	Events    EventAppender
	Validator *validation.WorkflowValidator
	Logger    *slog.Logger
	Magic     []magic.Option
}

// Runner executes workflows. Each Runner owns its magic generator, so the
// seq counter is shared by the runs of one Runner and nothing else.
type Runner struct {
	magic     *magic.Generator
	resolver  *expressions.Resolver
	executor  *StepExecutor
	events    EventAppender
	validator *validation.WorkflowValidator
	logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var events EventAppender = nopAppender{}
	if cfg.Events != nil {
		events = &loggingAppender{inner: cfg.Events, logger: logger}
	}

	gen := magic.NewGenerator(cfg.Magic...)
	resolver := expressions.NewResolver(gen)
	exec, err := NewStepExecutor(ExecutorDeps{
		Transport: cfg.Transport,
		Resolver:  resolver,
		Extractor: extract.New(),
		Scripts:   cfg.Scripts,
		Hooks:     cfg.Hooks,
		Events:    events,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	validator := cfg.Validator
	if validator == nil {
		var lookup validation.ProtocolLookup
		if l, ok := cfg.Transport.(validation.ProtocolLookup); ok {
			lookup = l
		}
		if validator, err = validation.NewWorkflowValidator(lookup); err != nil {
			return nil, err
		}
	}

	return &Runner{
		magic:     gen,
		resolver:  resolver,
		executor:  exec,
		events:    events,
		validator: validator,
		logger:    logger,
	}, nil
}

// Magic returns the generator shared by this Runner's runs.
func (r *Runner) Magic() *magic.Generator {
	return r.magic
}

// Run executes wf. Only graph and configuration errors are returned; every
// per-step problem is recorded in the report. A cancelled ctx still yields
// a report, with the remaining steps skipped as cancelled.
func (r *Runner) Run(ctx context.Context, wf *schema.WorkflowDefinition, opts Options) (*schema.WorkflowReport, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	graph, err := BuildGraph(opts.Filter().Apply(wf.Steps))
	if err != nil {
		return nil, err
	}
	vars, err := SeedVariables(wf, opts)
	if err != nil {
		return nil, err
	}

	report := &schema.WorkflowReport{
		RunID:     uuid.NewString(),
		Workflow:  wf.Name,
		StartedAt: time.Now(),
		Steps:     make([]schema.StepResult, 0, len(graph.Order)),
	}
	ctx = logging.WithWorkflow(logging.WithRunID(ctx, report.RunID), wf.Name)
	logger := logging.LogWith(ctx, r.logger)
	logger.Info("workflow started", "steps", len(graph.Order), "environment", opts.Environment)
	r.emit(ctx, report.RunID, "", schema.EventWorkflowStarted, map[string]any{
		"workflow": wf.Name, "steps": graph.Order, "environment": opts.Environment,
	})

	results := make(map[string]schema.StepResult, len(graph.Order))
	for _, name := range graph.Order {
		var batch []schema.StepResult
		switch {
		case opts.DryRun:
			batch = append(batch, r.skipStep(ctx, report.RunID, name, schema.SkipReasonDryRun, nil))
		case ctx.Err() != nil:
			batch = append(batch, r.skipStep(ctx, report.RunID, name, schema.SkipReasonCancelled,
				schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithStep(name)))
		case !opts.ContinueOnFailure && dependencyFailed(graph, name, results):
			logger.Info("step skipped, dependency failed", "step", name)
			batch = append(batch, r.skipStep(ctx, report.RunID, name, schema.SkipReasonDependencyFailed, nil))
		default:
			batch = r.runStep(ctx, StepInput{
				RunID:    report.RunID,
				Workflow: wf,
				Step:     graph.Step(name),
				Vars:     vars,
			})
		}
		for _, res := range batch {
			if res.Reason == schema.SkipReasonCancelled {
				report.Cancelled = true
			}
			report.Add(res)
		}
		results[name] = loopVerdict(batch)
	}

	report.Finalize(time.Now())
	evType := schema.EventWorkflowCompleted
	if report.Cancelled {
		evType = schema.EventWorkflowCancelled
	}
	r.emit(context.WithoutCancel(ctx), report.RunID, "", evType, map[string]any{
		"success": report.Success, "passed": report.Passed, "failed": report.Failed,
		"skipped": report.Skipped, "errored": report.Errored,
	})
	logger.Info("workflow finished",
		"success", report.Success, "passed", report.Passed, "failed", report.Failed,
		"skipped", report.Skipped, "errored", report.Errored, "duration_ms", report.DurationMs)
	return report, nil
}

// dependencyFailed reports whether a declared dependency of name failed,
// errored, or was itself skipped because of a failed dependency.
func dependencyFailed(g *StepGraph, name string, results map[string]schema.StepResult) bool {
	for _, dep := range g.Dependencies[name] {
		res, ok := results[dep]
		if !ok {
			continue
		}
		if res.Status.Unsuccessful() {
			return true
		}
		if res.Status == schema.StepStatusSkipped && res.Reason == schema.SkipReasonDependencyFailed {
			return true
		}
	}
	return false
}

// skipStep records a step that never started.
func (r *Runner) skipStep(ctx context.Context, runID, name string, reason schema.SkipReason, err *schema.ReqflowError) schema.StepResult {
	fsm := NewStepFSM(runID, name, r.events)
	if terr := fsm.Transition(context.WithoutCancel(ctx), PhaseSkipped); terr != nil {
		r.logger.Warn("step transition failed", "step", name, "error", terr)
	}
	return schema.StepResult{
		Name:      name,
		Status:    schema.StepStatusSkipped,
		Reason:    reason,
		Error:     err,
		StartedAt: time.Now(),
	}
}

func (r *Runner) emit(ctx context.Context, runID, step, typ string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	_ = r.events.AppendEvent(ctx, &store.Event{RunID: runID, Step: step, Type: typ, Payload: raw})
}

// SeedVariables builds the variable store of a run from the workflow
// defaults, the selected environment and the caller's overrides.
func SeedVariables(wf *schema.WorkflowDefinition, opts Options) (*variables.Store, error) {
	envVars, err := loader.ApplyEnvironment(wf, opts.Environment)
	if err != nil {
		return nil, err
	}
	vars := variables.NewStore()
	vars.Seed(variables.LayerDefaults, wf.Variables)
	vars.Seed(variables.LayerEnvironment, envVars)
	vars.Seed(variables.LayerCLI, opts.Variables)
	return vars, nil
}

// Validate checks wf and opts without dispatching anything. On top of the
// validator's structural, semantic and graph checks it verifies the filter
// and environment selection, and warns about template references that no
// static layer defines and no earlier step extracts.
func (r *Runner) Validate(wf *schema.WorkflowDefinition, opts Options) *schema.ValidationResult {
	result := r.validator.Validate(wf)
	if wf == nil || !result.Valid() {
		return result
	}

	steps := opts.Filter().Apply(wf.Steps)
	if len(steps) == 0 {
		result.AddWarning("steps", schema.ErrCodeValidation, "filter selects no steps")
	}
	graph, err := BuildGraph(steps)
	if err != nil {
		result.AddErr("steps", err)
		return result
	}
	vars, err := SeedVariables(wf, opts)
	if err != nil {
		result.AddErr("environment", err)
		return result
	}

	known := make(map[string]bool)
	for _, name := range vars.Names() {
		known[name] = true
	}
	for _, name := range graph.Order {
		step := graph.Step(name)
		path := fmt.Sprintf("steps[%d]", graph.Index[name])
		if kind := step.LoopKind(); kind != "" {
			known[varIteration], known[varIndex] = true, true
			if kind == "foreach" {
				known[step.LoopVar()] = true
			}
		}
		for _, ref := range stepReferences(wf, step) {
			if !known[ref] {
				result.AddWarning(path, schema.ErrCodeUndefinedVariable,
					fmt.Sprintf("%q is not defined statically or extracted by an earlier step", ref))
				known[ref] = true
			}
		}
		for v := range step.Extract {
			known[v] = true
		}
	}
	return result
}

// stepReferences lists the variables referenced by the templated fields
// of step, sorted.
func stepReferences(wf *schema.WorkflowDefinition, step *schema.StepDefinition) []string {
	var texts []string
	add := func(s string) {
		if s != "" {
			texts = append(texts, s)
		}
	}
	add(step.Method)
	add(step.URL)
	add(step.SkipIf)
	add(step.Raw)
	for _, v := range step.Form {
		add(v)
	}
	collectStrings(step.Foreach, add)
	if wf.BaseURL != "" {
		add(wf.BaseURL)
	}
	for _, v := range step.Query {
		add(v)
	}
	for _, v := range step.Headers {
		add(v)
	}
	for _, v := range wf.Headers {
		add(v)
	}
	collectStrings(step.Body, add)
	if step.GraphQL != nil {
		add(step.GraphQL.Query)
		collectStrings(step.GraphQL.Variables, add)
	}
	if step.WebSocket != nil {
		collectStrings(step.WebSocket.Messages, add)
	}

	seen := make(map[string]bool)
	var out []string
	for _, t := range texts {
		for _, ref := range expressions.References(t) {
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	// skip_if and while without braces are bare expressions.
	for _, cond := range []string{step.SkipIf, step.While} {
		if cond == "" || strings.Contains(cond, "{{") {
			continue
		}
		for _, ref := range expressions.References("{{ " + cond + " }}") {
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	sort.Strings(out)
	return out
}

func collectStrings(v any, add func(string)) {
	switch val := v.(type) {
	case string:
		add(val)
	case map[string]any:
		for _, item := range val {
			collectStrings(item, add)
		}
	case []any:
		for _, item := range val {
			collectStrings(item, add)
		}
	}
}

// loggingAppender keeps history failures from affecting step outcomes.
type loggingAppender struct {
	inner  EventAppender
	logger *slog.Logger
}

func (a *loggingAppender) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := a.inner.AppendEvent(ctx, event); err != nil {
		a.logger.Warn("append event failed", "type", event.Type, "step", event.Step, "error", err)
	}
	return nil
}
