package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/reqflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/history.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.HasPrefix(dbPath, "file:") && !strings.Contains(dbPath, "://") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

// SaveRun stores a finished run and one step_results row per step.
func (s *LibSQLStore) SaveRun(ctx context.Context, run *Run) error {
	rep := run.Report
	if rep == nil || rep.RunID == "" {
		return schema.NewError(schema.ErrCodeStore, "run has no report or run id")
	}
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, source, environment, success, cancelled, passed, failed, skipped, errored, started_at, duration_ms, report)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.RunID, rep.Workflow, nullStr(run.Source), nullStr(run.Environment),
		boolInt(rep.Success), boolInt(rep.Cancelled),
		rep.Passed, rep.Failed, rep.Skipped, rep.Errored,
		timeOrNow(rep.StartedAt), rep.DurationMs, string(body),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, st := range rep.Steps {
		var code, msg any
		if st.Error != nil {
			code, msg = st.Error.Code, st.Error.Message
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO step_results (run_id, position, name, status, reason, attempts, status_code, latency_ms, error_code, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rep.RunID, i, st.Name, string(st.Status), nullStr(string(st.Reason)), st.Attempts,
			nullInt(st.StatusCode), st.LatencyMs, code, msg,
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.Name, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT source, environment, report FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Success != nil {
		where = append(where, "success = ?")
		args = append(args, boolInt(*filter.Success))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT source, environment, report FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_results WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "run", id); err != nil {
		return err
	}
	return tx.Commit()
}

// StepHistory returns the most recent outcomes of a step name across runs.
func (s *LibSQLStore) StepHistory(ctx context.Context, step string, limit int) ([]*StepRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sr.run_id, sr.position, sr.name, sr.status, sr.reason, sr.attempts, sr.status_code,
		        sr.latency_ms, sr.error_code, sr.error, r.started_at
		 FROM step_results sr JOIN runs r ON r.id = sr.run_id
		 WHERE sr.name = ?
		 ORDER BY r.started_at DESC
		 LIMIT ?`, step, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StepRecord
	for rows.Next() {
		rec := &StepRecord{}
		var status string
		var reason, code, msg sql.NullString
		var statusCode sql.NullInt64
		if err := rows.Scan(&rec.RunID, &rec.Position, &rec.Name, &status, &reason, &rec.Attempts,
			&statusCode, &rec.LatencyMs, &code, &msg, &rec.StartedAt); err != nil {
			return nil, err
		}
		rec.Status = schema.StepStatus(status)
		rec.Reason = schema.SkipReason(reason.String)
		rec.StatusCode = int(statusCode.Int64)
		rec.ErrorCode = code.String
		rec.Error = msg.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var source, env sql.NullString
	var body string
	if err := row.Scan(&source, &env, &body); err != nil {
		return nil, err
	}
	rep := &schema.WorkflowReport{}
	if err := json.Unmarshal([]byte(body), rep); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &Run{Report: rep, Source: source.String, Environment: env.String}, nil
}

// --- Events ---

// AppendEvent appends an event with the next per-run sequence number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step, event_type, payload, timestamp, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Step), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return tx.Commit()
}

// GetEvents returns events for a run with sequence > since, in order.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Step != "" {
		where = append(where, "step = ?")
		args = append(args, filter.Step)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}
	query := `SELECT id, run_id, step, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY timestamp ASC, sequence ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	vars, err := marshalMapOrNil(job.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_path, cron_expression, environment, variables, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowPath, job.CronExpression, nullStr(job.Environment), vars,
		boolInt(job.Enabled), nullTime(job.NextRunAt), timeOrNow(job.CreatedAt),
	)
	return err
}

const jobColumns = `id, workflow_path, cron_expression, environment, variables, enabled,
	last_run_at, next_run_at, last_run_status, last_run_id, created_at`

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, boolInt(*filter.Enabled))
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var env, vars, status, lastID sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&j.ID, &j.WorkflowPath, &j.CronExpression, &env, &vars, &enabled,
		&lastRun, &nextRun, &status, &lastID, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.Environment = env.String
	j.Enabled = enabled != 0
	j.LastRunStatus = status.String
	j.LastRunID = lastID.String
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &j.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal job variables: %w", err)
		}
	}
	return j, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ReqflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
