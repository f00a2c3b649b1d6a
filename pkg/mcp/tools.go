package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/reqflow/internal/diagram"
	"github.com/rendis/reqflow/internal/engine"
	"github.com/rendis/reqflow/internal/report"
	"github.com/rendis/reqflow/internal/store"
	"github.com/rendis/reqflow/pkg/schema"
)

// handleRun executes a workflow file.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	format, err := report.ParseFormat(req.GetString("format", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	clientID := req.GetString("client_id", "")
	if clientID != "" {
		s.captureSession(ctx, clientID)
	}

	opts := engine.Options{
		Environment:       req.GetString("environment", ""),
		Variables:         mcp.ParseStringMap(req, "variables", nil),
		Tags:              req.GetStringSlice("tags", nil),
		Include:           req.GetStringSlice("include", nil),
		Exclude:           req.GetStringSlice("exclude", nil),
		ContinueOnFailure: req.GetBool("continue_on_failure", false),
		DryRun:            req.GetBool("dry_run", false),
	}

	rep, runErr := s.service.RunFile(ctx, path, opts)
	if runErr != nil {
		return toolError("workflow run failed", runErr), nil
	}

	if clientID != "" {
		if nErr := s.notifier.Notify(ctx, clientID, map[string]any{
			"run_id":   rep.RunID,
			"workflow": rep.Workflow,
			"success":  rep.Success,
		}); nErr != nil {
			s.logger.Warn("run notification failed", "client_id", clientID, "error", nErr)
		}
	}

	if format == report.FormatJSON {
		return marshalResult(rep)
	}
	var buf bytes.Buffer
	if wErr := report.Write(&buf, string(format), rep); wErr != nil {
		return toolError("render report", wErr), nil
	}
	return mcp.NewToolResultText(buf.String()), nil
}

// handleValidate checks a workflow file without dispatching anything.
func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	res := s.service.ValidateFile(path, engine.Options{
		Environment: req.GetString("environment", ""),
		Tags:        req.GetStringSlice("tags", nil),
	})
	return marshalResult(map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

// handleGraph renders the step graph of a workflow file.
func (s *Server) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	model, buildErr := s.service.Graph(ctx, path, req.GetString("run_id", ""))
	if buildErr != nil {
		return toolError("graph build failed", buildErr), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return toolError("image render failed", imgErr), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
}

// handleHistory queries the run history.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "run":
		runID := extractString(filter, "run_id")
		if runID == "" {
			return mcp.NewToolResultError("run query requires 'run_id' in filter"), nil
		}
		run, getErr := s.service.GetRun(ctx, runID)
		if getErr != nil {
			return toolError("query failed", getErr), nil
		}
		return marshalResult(run)
	case "steps":
		step := extractString(filter, "step")
		if step == "" {
			return mcp.NewToolResultError("steps query requires 'step' in filter"), nil
		}
		records, histErr := s.service.StepHistory(ctx, step, extractInt(filter, "limit", 20))
		if histErr != nil {
			return toolError("query failed", histErr), nil
		}
		return marshalResult(map[string]any{"steps": records})
	case "events":
		return s.queryEvents(ctx, filter)
	case "timeline":
		runID := extractString(filter, "run_id")
		if runID == "" {
			return mcp.NewToolResultError("timeline query requires 'run_id' in filter"), nil
		}
		timeline, tlErr := s.service.Timeline(ctx, runID)
		if tlErr != nil {
			return toolError("query failed", tlErr), nil
		}
		return marshalResult(map[string]any{"timeline": timeline})
	case "jobs":
		if s.store == nil {
			return mcp.NewToolResultError("run history is not enabled"), nil
		}
		jobs, jobErr := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Limit: extractInt(filter, "limit", 50)})
		if jobErr != nil {
			return toolError("query failed", jobErr), nil
		}
		return marshalResult(map[string]any{"jobs": jobs})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleSchedule registers a cron job for a workflow file.
func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}

	job := &store.ScheduledJob{
		WorkflowPath:   path,
		CronExpression: cronExpr,
		Environment:    req.GetString("environment", ""),
		Variables:      mcp.ParseStringMap(req, "variables", nil),
		Enabled:        true,
	}
	if addErr := s.scheduler.Add(ctx, job); addErr != nil {
		return toolError("schedule failed", addErr), nil
	}
	return marshalResult(job)
}

// --- Query helpers ---

func (s *Server) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Workflow: extractString(filter, "workflow"),
		Limit:    extractInt(filter, "limit", 50),
		Offset:   extractInt(filter, "offset", 0),
	}
	if success, ok := filter["success"].(bool); ok {
		rf.Success = &success
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.service.ListRuns(ctx, rf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	// Listings carry the counters only; fetch a single run for its steps.
	summaries := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		summaries = append(summaries, map[string]any{
			"run_id":      r.ID(),
			"workflow":    r.Report.Workflow,
			"source":      r.Source,
			"environment": r.Environment,
			"success":     r.Report.Success,
			"passed":      r.Report.Passed,
			"failed":      r.Report.Failed,
			"skipped":     r.Report.Skipped,
			"errored":     r.Report.Errored,
			"started_at":  r.Report.StartedAt,
			"duration_ms": r.Report.DurationMs,
		})
	}
	return marshalResult(map[string]any{"runs": summaries})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("run history is not enabled"), nil
	}
	ef := store.EventFilter{
		RunID: extractString(filter, "run_id"),
		Step:  extractString(filter, "step"),
		Limit: extractInt(filter, "limit", 100),
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if eventType := extractString(filter, "event_type"); eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.RunID, int64(extractInt(filter, "since_sequence", 0)))
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

// extractInt reads an integer that may arrive as a JSON number or string.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the client ID to its current MCP session.
func (s *Server) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// toolError reports err as a tool error, keeping the error code visible.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var re *schema.ReqflowError
	if errors.As(err, &re) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, re.Code, re.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
