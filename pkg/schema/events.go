package schema

// Event names used for structured logging and lifecycle hooks.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepErrored   = "step_errored"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepPhase     = "step_phase"

	EventVariableSet = "variable_set"
)

// StepStatus is the final outcome of one step.
type StepStatus string

const (
	StepStatusPassed  StepStatus = "passed"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
	StepStatusErrored StepStatus = "errored"
)

// Unsuccessful reports whether dependents of a step with this status
// should be skipped.
func (s StepStatus) Unsuccessful() bool {
	return s == StepStatusFailed || s == StepStatusErrored
}

// SkipReason distinguishes why a step did not run.
type SkipReason string

const (
	SkipReasonCondition        SkipReason = "skip_if"
	SkipReasonDependencyFailed SkipReason = "dependency_failed"
	SkipReasonCancelled        SkipReason = "cancelled"
	SkipReasonDryRun           SkipReason = "dry_run"
	SkipReasonNoIterations     SkipReason = "no_iterations"
)
