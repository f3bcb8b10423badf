package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/orchestra/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id                  TEXT PRIMARY KEY,
    workflow_id         TEXT NOT NULL,
    agent_id            TEXT NOT NULL DEFAULT '',
    backend_id          TEXT NOT NULL,
    caller_id           TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    correlation_id      TEXT NOT NULL,
    retry_count         INTEGER NOT NULL DEFAULT 0,
    max_retries         INTEGER NOT NULL DEFAULT 0,
    parent_execution_id TEXT NOT NULL DEFAULT '',
    timeout_ms          INTEGER NOT NULL DEFAULT 0,
    payload             TEXT NOT NULL DEFAULT '{}',
    resource_usage      TEXT,
    performance         TEXT,
    error_code          TEXT NOT NULL DEFAULT '',
    error_message       TEXT NOT NULL DEFAULT '',
    error_detail        TEXT,
    duration_ms         INTEGER,
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL,
    started_at          DATETIME,
    completed_at        DATETIME,
    paused_at           DATETIME,
    resumed_at          DATETIME
)`

const createStepsTable = `
CREATE TABLE IF NOT EXISTS execution_steps (
    execution_id TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    step_id      TEXT NOT NULL,
    name         TEXT NOT NULL,
    status       TEXT NOT NULL,
    started_at   DATETIME,
    completed_at DATETIME,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    output       TEXT,
    error        TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (execution_id, step_id)
)`

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_executions_created ON executions (created_at)",
	"CREATE INDEX IF NOT EXISTS idx_executions_correlation ON executions (correlation_id)",
	"CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions (workflow_id)",
}

const executionColumns = `id, workflow_id, agent_id, backend_id, caller_id, status,
	correlation_id, retry_count, max_retries, parent_execution_id, timeout_ms,
	payload, resource_usage, performance, error_code, error_message, error_detail,
	created_at, updated_at, started_at, completed_at, paused_at, resumed_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serialises writers and keeps an in-memory database
	// alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range append([]string{createExecutionsTable, createStepsTable}, indexes...) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateExecution inserts a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	args, err := executionArgs(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append(args, durationMS(e))...,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID. Steps are not loaded.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	return getExecution(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getExecution(ctx context.Context, q queryer, id string) (*model.Execution, error) {
	e, err := scanExecution(q.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// UpdateExecution performs a transition-checked read-modify-write.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, id string, fn func(e *model.Execution) error) (*model.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	e, err := getExecution(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	from := e.Status
	if err := fn(e); err != nil {
		return nil, err
	}
	e.ID = id
	if e.Status != from && !model.ValidTransition(from, e.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, e.Status)
	}
	e.UpdatedAt = time.Now().UTC()

	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return nil, err
	}
	usage, err := marshalNullable(e.ResourceUsage)
	if err != nil {
		return nil, err
	}
	perf, err := marshalNullable(e.Performance)
	if err != nil {
		return nil, err
	}
	detail, err := marshalNullable(e.ErrorDetail)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET
			status = ?, retry_count = ?, max_retries = ?, timeout_ms = ?,
			payload = ?, resource_usage = ?, performance = ?,
			error_code = ?, error_message = ?, error_detail = ?, duration_ms = ?,
			updated_at = ?, started_at = ?, completed_at = ?, paused_at = ?, resumed_at = ?
		WHERE id = ?`,
		e.Status, e.RetryCount, e.MaxRetries, e.TimeoutMS,
		payload, usage, perf,
		e.ErrorCode, e.ErrorMessage, detail, durationMS(e),
		e.UpdatedAt, e.StartedAt, e.CompletedAt, e.PausedAt, e.ResumedAt,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return e, nil
}

// ListExecutions returns a page of executions matching f ordered by
// created_at DESC, along with the total number of matches.
func (s *SQLiteStore) ListExecutions(ctx context.Context, f model.Filter, limit, offset int) ([]*model.Execution, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := whereClause(f)

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return executions, total, nil
}

// CountExecutions returns the number of executions matching f.
func (s *SQLiteStore) CountExecutions(ctx context.Context, f model.Filter) (int, error) {
	where, args := whereClause(f)
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// GetExecutionStats aggregates executions matching f. Failed counts every
// unsuccessful terminal status; the success rate is a percentage of the total.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context, f model.Filter) (*model.Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := whereClause(f)
	stats := &model.Stats{
		CountByStatus:  make(map[string]int),
		CountByBackend: make(map[string]int),
	}

	if err := groupCounts(ctx, tx, "status", where, args, stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := groupCounts(ctx, tx, "backend_id", where, args, stats.CountByBackend); err != nil {
		return nil, err
	}

	for status, n := range stats.CountByStatus {
		stats.Total += n
		switch status {
		case model.StatusCompleted:
			stats.Completed += n
		case model.StatusFailed, model.StatusTimedOut, model.StatusCancelled:
			stats.Failed += n
		case model.StatusRunning:
			stats.Running += n
		case model.StatusQueued:
			stats.Queued += n
		}
	}

	avgWhere := where + " AND "
	if where == "" {
		avgWhere = " WHERE "
	}
	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM executions"+avgWhere+"status = ? AND duration_ms IS NOT NULL",
		append(args, model.StatusCompleted)...,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("avg duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total) * 100
	}

	return stats, nil
}

func groupCounts(ctx context.Context, tx *sql.Tx, column, where string, args []any, into map[string]int) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM executions"+where+" GROUP BY "+column, args...)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = count
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return nil
}

// UpsertStep records the latest state of one step. seq fixes its position.
func (s *SQLiteStore) UpsertStep(ctx context.Context, executionID string, seq int, step model.ExecutionStep) error {
	return upsertStep(ctx, s.db, executionID, seq, step)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertStep(ctx context.Context, x execer, executionID string, seq int, step model.ExecutionStep) error {
	out, err := marshalNullable(step.Output)
	if err != nil {
		return err
	}
	_, err = x.ExecContext(ctx,
		`INSERT INTO execution_steps (
			execution_id, seq, step_id, name, status, started_at, completed_at,
			duration_ms, output, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			seq = excluded.seq, name = excluded.name, status = excluded.status,
			started_at = excluded.started_at, completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms, output = excluded.output,
			error = excluded.error`,
		executionID, seq, step.ID, step.Name, step.Status, step.StartedAt, step.CompletedAt,
		step.DurationMS, out, step.Error,
	)
	if err != nil {
		return fmt.Errorf("upsert step %s: %w", step.ID, err)
	}
	return nil
}

// ReplaceSteps overwrites every step of an execution with steps.
func (s *SQLiteStore) ReplaceSteps(ctx context.Context, executionID string, steps []model.ExecutionStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM execution_steps WHERE execution_id = ?", executionID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	for i, step := range steps {
		if err := upsertStep(ctx, tx, executionID, i, step); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit steps: %w", err)
	}
	return nil
}

// GetSteps returns the persisted steps of an execution in plan order.
func (s *SQLiteStore) GetSteps(ctx context.Context, executionID string) ([]model.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, name, status, started_at, completed_at, duration_ms, output, error
		FROM execution_steps WHERE execution_id = ? ORDER BY seq ASC`, executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	defer rows.Close()

	var steps []model.ExecutionStep
	for rows.Next() {
		var st model.ExecutionStep
		var out sql.NullString
		if err := rows.Scan(&st.ID, &st.Name, &st.Status, &st.StartedAt, &st.CompletedAt,
			&st.DurationMS, &out, &st.Error); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := unmarshalNullable(out, &st.Output); err != nil {
			return nil, fmt.Errorf("decode step output: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

func whereClause(f model.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}

	if f.WorkflowID != "" {
		add("workflow_id = ?", f.WorkflowID)
	}
	if f.AgentID != "" {
		add("agent_id = ?", f.AgentID)
	}
	if f.BackendID != "" {
		add("backend_id = ?", f.BackendID)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.CorrelationID != "" {
		add("correlation_id = ?", f.CorrelationID)
	}
	if f.From != nil {
		add("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		add("created_at <= ?", f.To.UTC())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	e := &model.Execution{}
	var payload string
	var usage, perf, detail sql.NullString
	err := row.Scan(
		&e.ID, &e.WorkflowID, &e.AgentID, &e.BackendID, &e.CallerID, &e.Status,
		&e.CorrelationID, &e.RetryCount, &e.MaxRetries, &e.ParentExecutionID, &e.TimeoutMS,
		&payload, &usage, &perf, &e.ErrorCode, &e.ErrorMessage, &detail,
		&e.CreatedAt, &e.UpdatedAt, &e.StartedAt, &e.CompletedAt, &e.PausedAt, &e.ResumedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if usage.Valid {
		e.ResourceUsage = &model.ResourceUsage{}
		if err := json.Unmarshal([]byte(usage.String), e.ResourceUsage); err != nil {
			return nil, fmt.Errorf("decode resource usage: %w", err)
		}
	}
	if perf.Valid {
		e.Performance = &model.Performance{}
		if err := json.Unmarshal([]byte(perf.String), e.Performance); err != nil {
			return nil, fmt.Errorf("decode performance: %w", err)
		}
	}
	if err := unmarshalNullable(detail, &e.ErrorDetail); err != nil {
		return nil, fmt.Errorf("decode error detail: %w", err)
	}
	return e, nil
}

func executionArgs(e *model.Execution) ([]any, error) {
	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return nil, err
	}
	usage, err := marshalNullable(e.ResourceUsage)
	if err != nil {
		return nil, err
	}
	perf, err := marshalNullable(e.Performance)
	if err != nil {
		return nil, err
	}
	detail, err := marshalNullable(e.ErrorDetail)
	if err != nil {
		return nil, err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	return []any{
		e.ID, e.WorkflowID, e.AgentID, e.BackendID, e.CallerID, e.Status,
		e.CorrelationID, e.RetryCount, e.MaxRetries, e.ParentExecutionID, e.TimeoutMS,
		payload, usage, perf, e.ErrorCode, e.ErrorMessage, detail,
		e.CreatedAt, e.UpdatedAt, e.StartedAt, e.CompletedAt, e.PausedAt, e.ResumedAt,
	}, nil
}

// durationMS is the wall-clock run time of a finished execution, or nil.
func durationMS(e *model.Execution) any {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return nil
	}
	return e.CompletedAt.Sub(*e.StartedAt).Milliseconds()
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

// marshalNullable encodes v, mapping nil (including typed nil pointers) to NULL.
func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json: %w", err)
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalNullable(s sql.NullString, into *any) error {
	if !s.Valid {
		return nil
	}
	return json.Unmarshal([]byte(s.String), into)
}
