package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/reqflow/pkg/schema"
)

// Run is one persisted workflow execution.
type Run struct {
	Report      *schema.WorkflowReport `json:"report"`
	Source      string                 `json:"source,omitempty"` // workflow file path
	Environment string                 `json:"environment,omitempty"`
}

// ID returns the run identifier carried by the report.
func (r *Run) ID() string {
	if r.Report == nil {
		return ""
	}
	return r.Report.RunID
}

// StepRecord is one step outcome as stored in step_results.
type StepRecord struct {
	RunID      string            `json:"run_id"`
	Position   int               `json:"position"`
	Name       string            `json:"name"`
	Status     schema.StepStatus `json:"status"`
	Reason     schema.SkipReason `json:"reason,omitempty"`
	Attempts   int               `json:"attempts"`
	StatusCode int               `json:"status_code,omitempty"`
	LatencyMs  int64             `json:"latency_ms"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
}

// Event is an immutable entry in a run's lifecycle log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledJob re-runs a workflow file on a cron expression.
type ScheduledJob struct {
	ID             string         `json:"id"`
	WorkflowPath   string         `json:"workflow_path"`
	CronExpression string         `json:"cron_expression"`
	Environment    string         `json:"environment,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	LastRunID      string         `json:"last_run_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Workflow string     `json:"workflow,omitempty"`
	Success  *bool      `json:"success,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
	Limit    int        `json:"limit,omitempty"`
	Offset   int        `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID string     `json:"run_id,omitempty"`
	Step  string     `json:"step,omitempty"`
	Since *time.Time `json:"since,omitempty"`
	Limit int        `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
