package schema

import (
	"fmt"
	"time"
)

// AssertionResult is the verdict of one assertion rule.
type AssertionResult struct {
	Rule     string `json:"rule"`
	Passed   bool   `json:"passed"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Message  string `json:"message,omitempty"`
}

// StepResult records the outcome of one step. It is not modified after the
// runner appends it to the report.
type StepResult struct {
	Name       string            `json:"name"`
	Status     StepStatus        `json:"status"`
	Reason     SkipReason        `json:"reason,omitempty"`
	Iteration  *int              `json:"iteration,omitempty"` // loop index, zero-based
	Attempts   int               `json:"attempts"`
	Assertions []AssertionResult `json:"assertions,omitempty"`
	Extracted  []string          `json:"extracted,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`
	LatencyMs  int64             `json:"latency_ms"`
	DurationMs int64             `json:"duration_ms"`
	Error      *ReqflowError     `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
}

// Label names the result in reports; loop iterations get their index,
// e.g. "poll[2]".
func (r *StepResult) Label() string {
	if r.Iteration == nil {
		return r.Name
	}
	return fmt.Sprintf("%s[%d]", r.Name, *r.Iteration)
}

// FailedAssertions returns only the failing assertion verdicts.
func (r *StepResult) FailedAssertions() []AssertionResult {
	var out []AssertionResult
	for _, a := range r.Assertions {
		if !a.Passed {
			out = append(out, a)
		}
	}
	return out
}

// WorkflowReport aggregates every step result of one run.
type WorkflowReport struct {
	RunID      string       `json:"run_id"`
	Workflow   string       `json:"workflow"`
	Success    bool         `json:"success"`
	Cancelled  bool         `json:"cancelled,omitempty"`
	Steps      []StepResult `json:"steps"`
	Passed     int          `json:"passed"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Errored    int          `json:"errored"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMs int64        `json:"duration_ms"`
}

// Add appends a step result and updates the counters.
func (r *WorkflowReport) Add(res StepResult) {
	r.Steps = append(r.Steps, res)
	switch res.Status {
	case StepStatusPassed:
		r.Passed++
	case StepStatusFailed:
		r.Failed++
	case StepStatusSkipped:
		r.Skipped++
	case StepStatusErrored:
		r.Errored++
	}
}

// Finalize stamps the duration and overall verdict. Skipped steps never
// fail a run on their own; a cancelled run is never successful.
func (r *WorkflowReport) Finalize(end time.Time) {
	r.DurationMs = end.Sub(r.StartedAt).Milliseconds()
	r.Success = r.Failed == 0 && r.Errored == 0 && !r.Cancelled
}

// Step looks up a result by step name.
func (r *WorkflowReport) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}
