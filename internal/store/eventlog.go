package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/reqflow/pkg/schema"
)

// EventLog appends and replays lifecycle events of runs.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-log operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// StepTimeline is the reconstructed lifecycle of one step in a run.
type StepTimeline struct {
	Step       string            `json:"step"`
	Status     schema.StepStatus `json:"status,omitempty"`
	Phases     []string          `json:"phases"`
	Retries    int               `json:"retries"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

// ReplayRun rebuilds per-step timelines from a run's events. It returns
// an error if the sequence has gaps.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) (map[string]*StepTimeline, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		if e.Sequence != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, i+1, e.Sequence)
		}
	}

	timelines := make(map[string]*StepTimeline)
	started := make(map[string]*Event)
	for _, e := range events {
		if e.Step == "" {
			continue
		}
		tl, ok := timelines[e.Step]
		if !ok {
			tl = &StepTimeline{Step: e.Step}
			timelines[e.Step] = tl
		}

		switch e.Type {
		case schema.EventStepStarted:
			started[e.Step] = e
		case schema.EventStepPhase:
			var p PhasePayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				tl.Phases = append(tl.Phases, p.To)
			}
		case schema.EventStepRetrying:
			tl.Retries++
		case schema.EventStepCompleted:
			tl.Status = schema.StepStatusPassed
		case schema.EventStepFailed:
			tl.Status = schema.StepStatusFailed
		case schema.EventStepErrored:
			tl.Status = schema.StepStatusErrored
		case schema.EventStepSkipped:
			tl.Status = schema.StepStatusSkipped
		}
		if tl.Status != "" {
			if s, ok := started[e.Step]; ok {
				tl.DurationMs = e.Timestamp.Sub(s.Timestamp).Milliseconds()
			}
		}
	}
	return timelines, nil
}

// PhasePayload is the payload of a step_phase event.
type PhasePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}
