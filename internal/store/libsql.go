package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Plans ---

func (s *LibSQLStore) CreatePlan(ctx context.Context, plan *Plan) error {
	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	trigger, err := json.Marshal(plan.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (id, name, user_id, steps, trigger_spec, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.Name, plan.UserID, string(steps), string(trigger),
		boolInt(plan.Enabled), timeOrNow(plan.CreatedAt), timeOrNow(plan.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	p := &Plan{}
	var stepsJSON, triggerJSON string
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, user_id, steps, trigger_spec, enabled, created_at, updated_at
		 FROM plans WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.UserID, &stepsJSON, &triggerJSON, &enabled, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("plan", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(triggerJSON), &p.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	p.Enabled = enabled != 0
	return p, nil
}

func (s *LibSQLStore) UpdatePlan(ctx context.Context, plan *Plan) error {
	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	trigger, err := json.Marshal(plan.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET name = ?, steps = ?, trigger_spec = ?, enabled = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		plan.Name, string(steps), string(trigger), boolInt(plan.Enabled), plan.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "plan", plan.ID)
}

func (s *LibSQLStore) DeletePlan(ctx context.Context, id string) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_jobs WHERE plan_id = ?`, id,
	).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return schema.NewErrorf(schema.ErrKindConflict, "plan %q is still scheduled", id)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "plan", id)
}

func (s *LibSQLStore) ListPlans(ctx context.Context, filter PlanFilter) ([]*Plan, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT id, name, user_id, steps, trigger_spec, enabled, created_at, updated_at FROM plans`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p := &Plan{}
		var stepsJSON, triggerJSON string
		var enabled int
		if err := rows.Scan(&p.ID, &p.Name, &p.UserID, &stepsJSON, &triggerJSON, &enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		if err := json.Unmarshal([]byte(triggerJSON), &p.Trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger: %w", err)
		}
		p.Enabled = enabled != 0
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	triggerData, err := marshalMapOrDefault(exec.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger_data: %w", err)
	}
	var execErr json.RawMessage
	if exec.Error != nil {
		execErr, err = json.Marshal(exec.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, plan_id, user_id, status, trigger_data, error, cursor, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.PlanID, exec.UserID, string(exec.Status),
		string(triggerData), nullRaw(execErr), exec.Cursor,
		timeOrNow(exec.StartedAt), nullTime(exec.FinishedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	e := &Execution{}
	var status, triggerJSON string
	var errJSON sql.NullString
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, user_id, status, trigger_data, error, cursor, started_at, finished_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&e.ID, &e.PlanID, &e.UserID, &status, &triggerJSON, &errJSON, &e.Cursor, &e.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	if triggerJSON != "" {
		_ = json.Unmarshal([]byte(triggerJSON), &e.TriggerData)
	}
	if raw := rawOrNil(errJSON); raw != nil {
		e.Error = &schema.FlowError{}
		if err := json.Unmarshal(raw, e.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if finishedAt.Valid {
		e.FinishedAt = &finishedAt.Time
	}
	return e, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		errJSON, err := json.Marshal(update.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		sets = append(sets, "error = ?")
		args = append(args, string(errJSON))
	}
	if update.Cursor != nil {
		sets = append(sets, "cursor = ?")
		args = append(args, *update.Cursor)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, plan_id, user_id, status, trigger_data, error, cursor, started_at, finished_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e := &Execution{}
		var status, triggerJSON string
		var errJSON sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.PlanID, &e.UserID, &status, &triggerJSON, &errJSON, &e.Cursor, &e.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		e.Status = schema.ExecutionStatus(status)
		if triggerJSON != "" {
			_ = json.Unmarshal([]byte(triggerJSON), &e.TriggerData)
		}
		if raw := rawOrNil(errJSON); raw != nil {
			e.Error = &schema.FlowError{}
			if err := json.Unmarshal(raw, e.Error); err != nil {
				return nil, fmt.Errorf("unmarshal error: %w", err)
			}
		}
		if finishedAt.Valid {
			e.FinishedAt = &finishedAt.Time
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// --- Step Logs ---

func (s *LibSQLStore) AppendStepLog(ctx context.Context, log *StepLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_logs (id, execution_id, step_order, provider, action, status, output_preview, message, error_kind, error_detail, latency_ms, attempt_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.ExecutionID, log.StepOrder, log.Provider, log.Action, string(log.Status),
		nullStr(log.OutputPreview), nullStr(log.Message), nullStr(log.ErrorKind), nullStr(log.ErrorDetail),
		log.LatencyMs, log.AttemptCount, timeOrNow(log.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListStepLogs(ctx context.Context, executionID string) ([]*StepLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_order, provider, action, status, output_preview, message, error_kind, error_detail, latency_ms, attempt_count, created_at
		 FROM step_logs WHERE execution_id = ? ORDER BY created_at ASC, step_order ASC`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*StepLog
	for rows.Next() {
		l := &StepLog{}
		var status string
		var preview, message, errKind, errDetail sql.NullString
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.StepOrder, &l.Provider, &l.Action, &status,
			&preview, &message, &errKind, &errDetail, &l.LatencyMs, &l.AttemptCount, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Status = schema.StepStatus(status)
		l.OutputPreview = preview.String
		l.Message = message.String
		l.ErrorKind = errKind.String
		l.ErrorDetail = errDetail.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Credentials ---

func (s *LibSQLStore) StoreCredential(ctx context.Context, userID, provider string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, provider, value, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id, provider) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		userID, provider, value,
	)
	return err
}

func (s *LibSQLStore) GetCredential(ctx context.Context, userID, provider string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", userID+"/"+provider)
	}
	return value, err
}

func (s *LibSQLStore) DeleteCredential(ctx context.Context, userID, provider string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "credential", userID+"/"+provider)
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) UpsertScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (plan_id, user_id, cron_expression, timezone, enabled, next_run_at, last_run_at, last_run_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(plan_id) DO UPDATE SET
		   user_id=excluded.user_id, cron_expression=excluded.cron_expression,
		   timezone=excluded.timezone, enabled=excluded.enabled,
		   next_run_at=excluded.next_run_at, updated_at=CURRENT_TIMESTAMP`,
		job.PlanID, job.UserID, job.CronExpression, nullStr(job.Timezone),
		boolInt(job.Enabled), nullTime(job.NextRunAt), nullTime(job.LastRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt), timeOrNow(job.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, planID string) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var timezone, lastStatus sql.NullString
	var enabled int
	var nextRun, lastRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT plan_id, user_id, cron_expression, timezone, enabled, next_run_at, last_run_at, last_run_status, created_at, updated_at
		 FROM scheduled_jobs WHERE plan_id = ?`, planID,
	).Scan(&j.PlanID, &j.UserID, &j.CronExpression, &timezone, &enabled, &nextRun, &lastRun, &lastStatus, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_job", planID)
	}
	if err != nil {
		return nil, err
	}
	j.Timezone = timezone.String
	j.Enabled = enabled != 0
	j.LastRunStatus = lastStatus.String
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	return j, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, planID string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.LastRunStatus != nil {
		sets = append(sets, "last_run_status = ?")
		args = append(args, *update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, planID)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE plan_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", planID)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT plan_id, user_id, cron_expression, timezone, enabled, next_run_at, last_run_at, last_run_status, created_at, updated_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY next_run_at ASC"
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
		j := &ScheduledJob{}
		var timezone, lastStatus sql.NullString
		var enabled int
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&j.PlanID, &j.UserID, &j.CronExpression, &timezone, &enabled, &nextRun, &lastRun, &lastStatus, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.Timezone = timezone.String
		j.Enabled = enabled != 0
		j.LastRunStatus = lastStatus.String
		if nextRun.Valid {
			j.NextRunAt = &nextRun.Time
		}
		if lastRun.Valid {
			j.LastRunAt = &lastRun.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, planID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE plan_id = ?`, planID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", planID)
}

// --- Dead Letters ---

func (s *LibSQLStore) AppendDeadLetter(ctx context.Context, dl *DeadLetter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, execution_id, plan_id, user_id, trigger_data, reason, replayed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.ExecutionID, dl.PlanID, dl.UserID,
		nullRaw(dl.TriggerData), dl.Reason, boolInt(dl.Replayed), timeOrNow(dl.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetter, error) {
	var where []string
	var args []any

	if filter.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if filter.Replayed != nil {
		where = append(where, "replayed = ?")
		args = append(args, boolInt(*filter.Replayed))
	}

	query := `SELECT id, execution_id, plan_id, user_id, trigger_data, reason, replayed, created_at FROM dead_letters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		var triggerData sql.NullString
		var replayed int
		if err := rows.Scan(&dl.ID, &dl.ExecutionID, &dl.PlanID, &dl.UserID, &triggerData, &dl.Reason, &replayed, &dl.CreatedAt); err != nil {
			return nil, err
		}
		dl.TriggerData = rawOrNil(triggerData)
		dl.Replayed = replayed != 0
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

func (s *LibSQLStore) MarkDeadLetterReplayed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET replayed = 1 WHERE id = ? AND replayed = 0`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "dead_letter", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrKindNotFound, "%s %q not found", resource, id)
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
