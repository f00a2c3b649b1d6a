// Package app wires the loader, runner, transports, plugins and history
// store into the operations shared by the CLI, the scheduler and the MCP
// server.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/reqflow/internal/diagram"
	"github.com/rendis/reqflow/internal/engine"
	"github.com/rendis/reqflow/internal/loader"
	"github.com/rendis/reqflow/internal/plugins"
	"github.com/rendis/reqflow/internal/script"
	"github.com/rendis/reqflow/internal/store"
	"github.com/rendis/reqflow/internal/transport"
	"github.com/rendis/reqflow/internal/validation"
	"github.com/rendis/reqflow/pkg/schema"
)

// Deps holds the collaborators of a Service. Transport is required; Store
// may be nil, in which case nothing is recorded and history lookups fail
// with NOT_FOUND.
type Deps struct {
	Transport transport.Transport
	Plugins   []plugins.PluginConfig
	Store     store.Store
	Logger    *slog.Logger
}

// Service runs and inspects workflow files.
type Service struct {
	transport transport.Transport
	hooks     plugins.HookInvoker
	store     store.Store
	events    *store.EventLog
	validator *validation.WorkflowValidator
	logger    *slog.Logger
}

// New creates a Service and loads the configured plugins.
func New(deps Deps) (*Service, error) {
	if deps.Transport == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "app: transport is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var hooks plugins.HookInvoker = plugins.Nop{}
	if len(deps.Plugins) > 0 {
		pm := plugins.NewPluginManager(logger)
		for _, pc := range deps.Plugins {
			if err := pm.LoadPlugin(pc); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodePlugin, "load plugin: %s", err.Error()).WithCause(err)
			}
		}
		hooks = pm
	}

	var lookup validation.ProtocolLookup
	if l, ok := deps.Transport.(validation.ProtocolLookup); ok {
		lookup = l
	}
	validator, err := validation.NewWorkflowValidator(lookup)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}

	s := &Service{
		transport: deps.Transport,
		hooks:     hooks,
		store:     deps.Store,
		validator: validator,
		logger:    logger,
	}
	if deps.Store != nil {
		s.events = store.NewEventLog(deps.Store)
	}
	return s, nil
}

// Store returns the history store, or nil.
func (s *Service) Store() store.Store {
	return s.store
}

// newRunner builds a Runner whose scripts resolve relative to dir.
func (s *Service) newRunner(dir string) (*engine.Runner, error) {
	cfg := engine.RunnerConfig{
		Transport: s.transport,
		Scripts:   script.NewLuaInvoker(dir, s.logger),
		Hooks:     s.hooks,
		Validator: s.validator,
		Logger:    s.logger,
	}
	if s.events != nil {
		cfg.Events = s.events
	}
	return engine.NewRunner(cfg)
}

// RunFile loads and executes a workflow file. The report is saved to the
// history store when one is configured; a save failure is logged and does
// not change the outcome.
func (s *Service) RunFile(ctx context.Context, path string, opts engine.Options) (*schema.WorkflowReport, error) {
	doc, err := loader.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, doc, opts)
}

// Run executes an already loaded document.
func (s *Service) Run(ctx context.Context, doc *loader.Document, opts engine.Options) (*schema.WorkflowReport, error) {
	runner, err := s.newRunner(doc.Dir)
	if err != nil {
		return nil, err
	}
	if res := runner.Validate(doc.Workflow, opts); !res.Valid() {
		return nil, res.ToError()
	}

	rep, err := runner.Run(ctx, doc.Workflow, opts)
	if err != nil {
		return nil, err
	}
	if s.store != nil && !opts.DryRun {
		run := &store.Run{Report: rep, Source: doc.Path, Environment: opts.Environment}
		if err := s.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
			s.logger.Warn("save run failed", "run_id", rep.RunID, "error", err)
		}
	}
	return rep, nil
}

// ValidateFile loads path and validates it without dispatching anything.
// Load errors are folded into the result.
func (s *Service) ValidateFile(path string, opts engine.Options) *schema.ValidationResult {
	doc, err := loader.ReadFile(path)
	if err != nil {
		res := &schema.ValidationResult{}
		res.AddErr("", err)
		return res
	}
	return s.Validate(doc, opts)
}

// Validate checks the raw document against the workflow schema, then the
// decoded definition, filters and environment selection.
func (s *Service) Validate(doc *loader.Document, opts engine.Options) *schema.ValidationResult {
	res := s.validator.ValidateDocument(doc.Raw)
	if !res.Valid() {
		return res
	}
	runner, err := s.newRunner(doc.Dir)
	if err != nil {
		res.AddErr("", err)
		return res
	}
	res.Merge(runner.Validate(doc.Workflow, opts))
	return res
}

// Graph builds the step diagram of a workflow file. When runID is set the
// stored report of that run is overlaid.
func (s *Service) Graph(ctx context.Context, path, runID string) (*diagram.DiagramModel, error) {
	wf, err := loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	var rep *schema.WorkflowReport
	if runID != "" {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		rep = run.Report
	}
	return diagram.Build(wf, rep)
}

// GetRun fetches a stored run.
func (s *Service) GetRun(ctx context.Context, id string) (*store.Run, error) {
	if s.store == nil {
		return nil, errNoHistory()
	}
	return s.store.GetRun(ctx, id)
}

// ListRuns lists stored runs, newest first.
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	if s.store == nil {
		return nil, errNoHistory()
	}
	return s.store.ListRuns(ctx, filter)
}

// StepHistory lists the recorded outcomes of one step across runs.
func (s *Service) StepHistory(ctx context.Context, step string, limit int) ([]*store.StepRecord, error) {
	if s.store == nil {
		return nil, errNoHistory()
	}
	return s.store.StepHistory(ctx, step, limit)
}

// Timeline replays the lifecycle events of a run per step.
func (s *Service) Timeline(ctx context.Context, runID string) (map[string]*store.StepTimeline, error) {
	if s.events == nil {
		return nil, errNoHistory()
	}
	return s.events.ReplayRun(ctx, runID)
}

// RunJob executes a scheduled job. It satisfies scheduler.JobRunner.
func (s *Service) RunJob(ctx context.Context, job *store.ScheduledJob) (*schema.WorkflowReport, error) {
	return s.RunFile(ctx, job.WorkflowPath, engine.Options{
		Environment: job.Environment,
		Variables:   job.Variables,
	})
}

func errNoHistory() *schema.ReqflowError {
	return schema.NewError(schema.ErrCodeNotFound, "run history is not enabled")
}
