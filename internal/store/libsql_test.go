package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleReport(workflow string, started time.Time, failed bool) *schema.WorkflowReport {
	rep := &schema.WorkflowReport{
		RunID:     uuid.NewString(),
		Workflow:  workflow,
		StartedAt: started,
	}
	rep.Add(schema.StepResult{Name: "login", Status: schema.StepStatusPassed, Attempts: 1, StatusCode: 200, LatencyMs: 12})
	if failed {
		rep.Add(schema.StepResult{
			Name:     "order",
			Status:   schema.StepStatusFailed,
			Attempts: 3,
			Error:    schema.NewError(schema.ErrCodeTransport, "connection refused"),
		})
	} else {
		rep.Add(schema.StepResult{Name: "order", Status: schema.StepStatusPassed, Attempts: 1, StatusCode: 201})
	}
	rep.Finalize(started.Add(time.Second))
	return rep
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rep := sampleReport("checkout", time.Now().UTC(), true)
	require.NoError(t, s.SaveRun(ctx, &Run{Report: rep, Source: "checkout.yaml", Environment: "staging"}))

	got, err := s.GetRun(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, got.ID())
	assert.Equal(t, "checkout.yaml", got.Source)
	assert.Equal(t, "staging", got.Environment)
	assert.False(t, got.Report.Success)
	require.Len(t, got.Report.Steps, 2)
	assert.Equal(t, schema.ErrCodeTransport, got.Report.Steps[1].Error.Code)
}

func TestSaveRun_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveRun(context.Background(), &Run{Report: &schema.WorkflowReport{}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveRun(ctx, &Run{Report: sampleReport("a", base.Add(time.Duration(i)*time.Minute), i == 1)}))
	}
	require.NoError(t, s.SaveRun(ctx, &Run{Report: sampleReport("b", base, false)}))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	onlyA, err := s.ListRuns(ctx, RunFilter{Workflow: "a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.True(t, onlyA[0].Report.StartedAt.After(onlyA[1].Report.StartedAt))

	failed := false
	fails, err := s.ListRuns(ctx, RunFilter{Success: &failed})
	require.NoError(t, err)
	assert.Len(t, fails, 1)
}

func TestDeleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rep := sampleReport("a", time.Now().UTC(), false)
	require.NoError(t, s.SaveRun(ctx, &Run{Report: rep}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: rep.RunID, Type: schema.EventWorkflowStarted}))

	require.NoError(t, s.DeleteRun(ctx, rep.RunID))
	_, err := s.GetRun(ctx, rep.RunID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	events, err := s.GetEvents(ctx, rep.RunID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.True(t, schema.IsCode(s.DeleteRun(ctx, rep.RunID), schema.ErrCodeNotFound))
}

func TestStepHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.SaveRun(ctx, &Run{Report: sampleReport("a", base, false)}))
	require.NoError(t, s.SaveRun(ctx, &Run{Report: sampleReport("a", base.Add(time.Minute), true)}))

	recs, err := s.StepHistory(ctx, "order", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, schema.StepStatusFailed, recs[0].Status)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Equal(t, schema.ErrCodeTransport, recs[0].ErrorCode)
	assert.Equal(t, schema.StepStatusPassed, recs[1].Status)
	assert.Equal(t, 201, recs[1].StatusCode)
}

func TestScheduledJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	job := &ScheduledJob{
		ID:             uuid.NewString(),
		WorkflowPath:   "/tmp/wf.yaml",
		CronExpression: "*/5 * * * *",
		Environment:    "staging",
		Variables:      map[string]any{"user": "bot"},
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/wf.yaml", got.WorkflowPath)
	assert.Equal(t, "bot", got.Variables["user"])
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)

	ran := time.Now().UTC()
	disabled := false
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		LastRunAt:     &ran,
		LastRunStatus: "failed",
		LastRunID:     "run-1",
		Enabled:       &disabled,
	}))
	got, err = s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "failed", got.LastRunStatus)
	assert.Equal(t, "run-1", got.LastRunID)

	enabled := true
	jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	jobs, err = s.ListScheduledJobs(ctx, ScheduledJobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err = s.GetScheduledJob(ctx, job.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{LastRunID: "x"}), schema.ErrCodeNotFound))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only comment;\nCREATE INDEX i ON a(x);")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}
