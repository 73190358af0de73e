package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/stepflow-io/stepflow/pkg/schema"
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

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
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

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	trigger, err := marshalMapOrDefault(ex.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, name, definition, status, trigger_data, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, nullStr(ex.Name), string(ex.Definition), string(ex.Status),
		string(trigger), nullRaw(ex.Error),
		timeOrNow(ex.CreatedAt), nullTime(ex.StartedAt), nullTime(ex.CompletedAt), timeOrNow(ex.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, name, definition, status, trigger_data, error, created_at, started_at, completed_at, updated_at
		 FROM executions WHERE id = ?`, id,
	)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
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

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, workflow_id, name, definition, status, trigger_data, error, created_at, started_at, completed_at, updated_at FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
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

	var executions []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

func (s *LibSQLStore) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "execution", id); err != nil {
		return err
	}
	// Rows with no FK cascade; clean up by hand.
	_, _ = s.db.ExecContext(ctx, `DELETE FROM events WHERE execution_id = ?`, id)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM step_states WHERE execution_id = ?`, id)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM approvals WHERE execution_id = ?`, id)
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	ex := &Execution{}
	var (
		name                   sql.NullString
		defJSON, triggerJSON   string
		errorJSON              sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := row.Scan(&ex.ID, &ex.WorkflowID, &name, &defJSON, &status, &triggerJSON,
		&errorJSON, &ex.CreatedAt, &startedAt, &completedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ex.Name = name.String
	ex.Status = schema.ExecutionStatus(status)
	ex.Definition = json.RawMessage(defJSON)
	if triggerJSON != "" {
		_ = json.Unmarshal([]byte(triggerJSON), &ex.TriggerData)
	}
	ex.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		ex.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this execution
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, afterSeq int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, afterSeq,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.AfterSeq > 0 {
		where = append(where, "sequence > ?")
		args = append(args, filter.AfterSeq)
	}

	query := `SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
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
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Step State ---

func (s *LibSQLStore) UpsertStepState(ctx context.Context, state *StepState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_states (execution_id, step_id, status, input, output, error, retry_count, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO UPDATE SET
		   status=excluded.status, input=excluded.input, output=excluded.output, error=excluded.error,
		   retry_count=excluded.retry_count, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		state.ExecutionID, state.StepID, string(state.Status),
		nullRaw(state.Input), nullRaw(state.Output), nullRaw(state.Error),
		state.RetryCount, nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetStepState(ctx context.Context, executionID, stepID string) (*StepState, error) {
	ss := &StepState{}
	var status string
	var input, output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, step_id, status, input, output, error, retry_count, started_at, completed_at, duration_ms
		 FROM step_states WHERE execution_id = ? AND step_id = ?`, executionID, stepID,
	).Scan(&ss.ExecutionID, &ss.StepID, &status, &input, &output, &errJSON,
		&ss.RetryCount, &startedAt, &completedAt, &ss.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_state", executionID+"/"+stepID)
	}
	if err != nil {
		return nil, err
	}
	ss.Status = schema.StepStatus(status)
	ss.Input = rawOrNil(input)
	ss.Output = rawOrNil(output)
	ss.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		ss.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ss.CompletedAt = &completedAt.Time
	}
	return ss, nil
}

func (s *LibSQLStore) ListStepStates(ctx context.Context, executionID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, status, input, output, error, retry_count, started_at, completed_at, duration_ms
		 FROM step_states WHERE execution_id = ? ORDER BY step_id`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*StepState
	for rows.Next() {
		ss := &StepState{}
		var status string
		var input, output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ss.ExecutionID, &ss.StepID, &status, &input, &output, &errJSON,
			&ss.RetryCount, &startedAt, &completedAt, &ss.DurationMs); err != nil {
			return nil, err
		}
		ss.Status = schema.StepStatus(status)
		ss.Input = rawOrNil(input)
		ss.Output = rawOrNil(output)
		ss.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			ss.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ss.CompletedAt = &completedAt.Time
		}
		states = append(states, ss)
	}
	return states, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, ap *Approval) error {
	if ap.ID == "" {
		ap.ID = ApprovalID(ap.ExecutionID, ap.StepID)
	}
	status := ap.Status
	if status == "" {
		status = ApprovalPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, execution_id, step_id, prompt, options, metadata, status, timeout_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   prompt=excluded.prompt, options=excluded.options, metadata=excluded.metadata,
		   status=excluded.status, timeout_at=excluded.timeout_at,
		   payload=NULL, resolved_by=NULL, resolved_at=NULL`,
		ap.ID, ap.ExecutionID, ap.StepID, nullStr(ap.Prompt),
		nullRaw(ap.Options), nullRaw(ap.Metadata), string(status),
		nullTime(ap.TimeoutAt), timeOrNow(ap.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, step_id, prompt, options, metadata, status, payload, resolved_by, timeout_at, created_at, resolved_at
		 FROM approvals WHERE id = ?`, id,
	)
	ap, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	return ap, err
}

func (s *LibSQLStore) ResolveApproval(ctx context.Context, id string, payload []byte, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = 'resolved', payload = ?, resolved_by = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		nullRaw(payload), nullStr(resolvedBy), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approval", id)
}

func (s *LibSQLStore) CancelApproval(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = 'cancelled', resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approval", id)
}

// ExpireApprovals marks every pending approval past its timeout_at as timed
// out and returns the affected rows.
func (s *LibSQLStore) ExpireApprovals(ctx context.Context) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, prompt, options, metadata, status, payload, resolved_by, timeout_at, created_at, resolved_at
		 FROM approvals WHERE status = 'pending' AND timeout_at IS NOT NULL AND timeout_at <= CURRENT_TIMESTAMP`,
	)
	if err != nil {
		return nil, err
	}
	expired, err := scanApprovals(rows)
	if err != nil {
		return nil, err
	}
	for _, ap := range expired {
		_, err := s.db.ExecContext(ctx,
			`UPDATE approvals SET status = 'timed_out', resolved_at = CURRENT_TIMESTAMP WHERE id = ? AND status = 'pending'`,
			ap.ID,
		)
		if err != nil {
			return nil, err
		}
		ap.Status = ApprovalTimedOut
	}
	return expired, nil
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, execution_id, step_id, prompt, options, metadata, status, payload, resolved_by, timeout_at, created_at, resolved_at FROM approvals`
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
	return scanApprovals(rows)
}

func scanApproval(row scanner) (*Approval, error) {
	ap := &Approval{}
	var prompt, options, metadata, payload, resolvedBy sql.NullString
	var status string
	var timeoutAt, resolvedAt sql.NullTime
	err := row.Scan(&ap.ID, &ap.ExecutionID, &ap.StepID, &prompt, &options, &metadata,
		&status, &payload, &resolvedBy, &timeoutAt, &ap.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	ap.Prompt = prompt.String
	ap.Options = rawOrNil(options)
	ap.Metadata = rawOrNil(metadata)
	ap.Status = ApprovalStatus(status)
	ap.Payload = rawOrNil(payload)
	ap.ResolvedBy = resolvedBy.String
	if timeoutAt.Valid {
		ap.TimeoutAt = &timeoutAt.Time
	}
	if resolvedAt.Valid {
		ap.ResolvedAt = &resolvedAt.Time
	}
	return ap, nil
}

func scanApprovals(rows *sql.Rows) ([]*Approval, error) {
	defer rows.Close()
	var approvals []*Approval
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, ap)
	}
	return approvals, rows.Err()
}

// --- Definitions ---

// PutDefinition stores a named definition and assigns the next version.
func (s *LibSQLStore) PutDefinition(ctx context.Context, rec *DefinitionRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM definitions WHERE name = ?`, rec.Name,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get next version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO definitions (name, version, description, definition, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Name, version, nullStr(rec.Description), string(rec.Definition), timeOrNow(rec.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert definition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit definition: %w", err)
	}
	rec.Version = version
	return version, nil
}

// GetDefinition returns the named definition. Version 0 means latest.
func (s *LibSQLStore) GetDefinition(ctx context.Context, name string, version int) (*DefinitionRecord, error) {
	query := `SELECT name, version, description, definition, created_at FROM definitions WHERE name = ?`
	args := []any{name}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}

	rec := &DefinitionRecord{}
	var desc sql.NullString
	var defJSON string
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&rec.Name, &rec.Version, &desc, &defJSON, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", name)
	}
	if err != nil {
		return nil, err
	}
	rec.Description = desc.String
	rec.Definition = json.RawMessage(defJSON)
	return rec, nil
}

// ListDefinitions returns the latest version of every named definition.
func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*DefinitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.name, d.version, d.description, d.definition, d.created_at
		 FROM definitions d
		 JOIN (SELECT name, MAX(version) AS v FROM definitions GROUP BY name) latest
		   ON d.name = latest.name AND d.version = latest.v
		 ORDER BY d.name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*DefinitionRecord
	for rows.Next() {
		rec := &DefinitionRecord{}
		var desc sql.NullString
		var defJSON string
		if err := rows.Scan(&rec.Name, &rec.Version, &desc, &defJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Description = desc.String
		rec.Definition = json.RawMessage(defJSON)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteDefinition removes all versions of a named definition.
func (s *LibSQLStore) DeleteDefinition(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", name)
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	trigger, err := marshalMapOrDefault(job.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, definition_name, cron_expr, trigger_data, enabled, last_run_at, next_run_at, last_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.DefinitionName, job.CronExpr, string(trigger), boolToInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, definition_name, cron_expr, trigger_data, enabled, last_run_at, next_run_at, last_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	)
	job, err := scanScheduledJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update JobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastStatus != nil {
		sets = append(sets, "last_status = ?")
		args = append(args, *update.LastStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	query := `SELECT id, definition_name, cron_expr, trigger_data, enabled, last_run_at, next_run_at, last_status, created_at FROM scheduled_jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows)
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
	return checkRowsAffected(res, "scheduled_job", id)
}

func scanScheduledJob(row scanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var triggerJSON, lastStatus sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&job.ID, &job.DefinitionName, &job.CronExpr, &triggerJSON, &enabled,
		&lastRun, &nextRun, &lastStatus, &job.CreatedAt)
	if err != nil {
		return nil, err
	}
	if triggerJSON.Valid && triggerJSON.String != "" {
		_ = json.Unmarshal([]byte(triggerJSON.String), &job.TriggerData)
	}
	job.Enabled = enabled != 0
	job.LastStatus = lastStatus.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
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

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
