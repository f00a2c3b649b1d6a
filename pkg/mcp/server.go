// Package mcp exposes workflow runs, validation, diagrams and run history
// as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/reqflow/internal/diagram"
	"github.com/rendis/reqflow/internal/engine"
	"github.com/rendis/reqflow/internal/store"
	"github.com/rendis/reqflow/pkg/schema"
)

// WorkflowService is the subset of app.Service the tools call.
type WorkflowService interface {
	RunFile(ctx context.Context, path string, opts engine.Options) (*schema.WorkflowReport, error)
	ValidateFile(path string, opts engine.Options) *schema.ValidationResult
	Graph(ctx context.Context, path, runID string) (*diagram.DiagramModel, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	StepHistory(ctx context.Context, step string, limit int) ([]*store.StepRecord, error)
	Timeline(ctx context.Context, runID string) (map[string]*store.StepTimeline, error)
}

// JobScheduler registers cron jobs.
type JobScheduler interface {
	Add(ctx context.Context, job *store.ScheduledJob) error
}

// ServerDeps holds the dependencies for creating a Server. Scheduler may be
// nil, in which case reqflow.schedule is not registered.
type ServerDeps struct {
	Service   WorkflowService
	Scheduler JobScheduler
	Store     store.Store
	Version   string
	Logger    *slog.Logger
}

// Server wraps an MCP server with the reqflow tool handlers.
type Server struct {
	service   WorkflowService
	scheduler JobScheduler
	store     store.Store
	sessions  *SessionRegistry
	notifier  ClientNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with its tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		service:   deps.Service,
		scheduler: deps.Scheduler,
		store:     deps.Store,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"reqflow",
		version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("reqflow runs HTTP, GraphQL and WebSocket request workflows described in YAML or TOML files. "+
			"Use reqflow.validate before reqflow.run, reqflow.graph to inspect step dependencies, and reqflow.history to look up past runs."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	tools := []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: graphTool(), Handler: s.handleGraph},
		{Tool: historyTool(), Handler: s.handleHistory},
	}
	if s.scheduler != nil {
		tools = append(tools, server.ServerTool{Tool: scheduleTool(), Handler: s.handleSchedule})
	}
	return tools
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("reqflow.run",
		mcp.WithDescription("Run a workflow file and return its report"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to the workflow file (YAML or TOML)")),
		mcp.WithString("environment", mcp.Description("Environment to apply")),
		mcp.WithObject("variables", mcp.Description("Variable overrides, highest precedence")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Run only steps carrying one of these tags")),
		mcp.WithArray("include", mcp.WithStringItems(), mcp.Description("Run only these steps")),
		mcp.WithArray("exclude", mcp.WithStringItems(), mcp.Description("Never run these steps")),
		mcp.WithBoolean("continue_on_failure", mcp.Description("Run dependents of failed steps anyway")),
		mcp.WithBoolean("dry_run", mcp.Description("Validate and order the steps without sending requests")),
		mcp.WithString("format",
			mcp.Enum("json", "junit", "tap"),
			mcp.Description("Report format (default: json)"),
		),
		mcp.WithString("client_id", mcp.Description("Caller ID; a run summary notification is pushed to its session")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("reqflow.validate",
		mcp.WithDescription("Validate a workflow file without sending requests"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to the workflow file")),
		mcp.WithString("environment", mcp.Description("Environment to check")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Step tag filter to check")),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("reqflow.graph",
		mcp.WithDescription("Render the step dependency graph of a workflow. Returns Mermaid, ASCII art or a PNG image"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to the workflow file")),
		mcp.WithString("run_id", mcp.Description("Overlay the outcome of this stored run")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "ascii", "image"),
			mcp.Description("Output format"),
		),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("reqflow.history",
		mcp.WithDescription("Query stored runs, step outcomes, run events or scheduled jobs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "run", "steps", "events", "timeline", "jobs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (run_id, workflow, step, success, since, event_type, limit)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("reqflow.schedule",
		mcp.WithDescription("Re-run a workflow file on a cron schedule"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to the workflow file")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression, e.g. */5 * * * * or @every 10m")),
		mcp.WithString("environment", mcp.Description("Environment to apply on every run")),
		mcp.WithObject("variables", mcp.Description("Variable overrides applied on every run")),
	)
}
