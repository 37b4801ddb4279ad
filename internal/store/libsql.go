package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// LibSQLStore is the durable ExecutionStore backed by libSQL (embedded SQLite
// fork). Every Update is flushed in a transaction before returning, so
// executions survive a process crash. Mutations for the same execution are
// serialized by a per-id lock; different executions proceed independently.
type LibSQLStore struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLibSQLStore opens a libSQL database at the given path and returns a
// store. The path should be a file URI, e.g. "file:/path/to/db.db".
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
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Migrate applies any pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db)
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *LibSQLStore) Create(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution has no id")
	}

	l := s.lockFor(exec.ID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin create", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertExecution(ctx, tx, exec); err != nil {
		return err
	}
	if err := persistChildren(ctx, tx, exec, 0); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit create", err)
	}
	return nil
}

func (s *LibSQLStore) Get(ctx context.Context, id string) (*Execution, error) {
	return s.load(ctx, id)
}

func (s *LibSQLStore) Update(ctx context.Context, id string, mutate Mutator) (*Execution, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	exec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	persisted := len(exec.StateHistory)

	if err := mutate(exec); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin update", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateExecution(ctx, tx, exec); err != nil {
		return nil, err
	}
	if err := persistChildren(ctx, tx, exec, persisted); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit update", err)
	}
	return exec.Clone(), nil
}

func (s *LibSQLStore) ListByState(ctx context.Context, state schema.ExecutionState, limit, offset int) ([]*Execution, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM executions WHERE current_state = ? ORDER BY created_at, id LIMIT ? OFFSET ?`,
		string(state), limit, offset,
	)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan execution id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate executions", err)
	}

	execs := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

func (s *LibSQLStore) Delete(ctx context.Context, id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete execution", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return notFound(id)
	}

	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// --- row mapping ---

func (s *LibSQLStore) load(ctx context.Context, id string) (*Execution, error) {
	exec := &Execution{ID: id}
	var contextJSON, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	var state string

	err := s.db.QueryRowContext(ctx,
		`SELECT definition_id, current_state, context, retry_count, max_retries,
		        error_message, created_at, started_at, completed_at, last_activity
		 FROM executions WHERE id = ?`, id,
	).Scan(&exec.DefinitionID, &state, &contextJSON, &exec.RetryCount, &exec.MaxRetries,
		&errMsg, &exec.CreatedAt, &startedAt, &completedAt, &exec.LastActivity)
	if err == sql.ErrNoRows {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storeErr("load execution", err)
	}

	exec.CurrentState = schema.ExecutionState(state)
	exec.ErrorMessage = errMsg.String
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &exec.Context); err != nil {
			return nil, storeErr("decode execution context", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		exec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}

	if exec.StateHistory, err = s.loadTransitions(ctx, id); err != nil {
		return nil, err
	}
	if exec.StepResults, err = s.loadStepResults(ctx, id); err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *LibSQLStore) loadTransitions(ctx context.Context, id string) ([]schema.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_state, to_state, timestamp, "trigger", metadata
		 FROM transitions WHERE execution_id = ? ORDER BY id`, id,
	)
	if err != nil {
		return nil, storeErr("load transitions", err)
	}
	defer rows.Close()

	var history []schema.Transition
	for rows.Next() {
		var tr schema.Transition
		var from, to string
		var metadata sql.NullString
		if err := rows.Scan(&from, &to, &tr.Timestamp, &tr.Trigger, &metadata); err != nil {
			return nil, storeErr("scan transition", err)
		}
		tr.From = schema.ExecutionState(from)
		tr.To = schema.ExecutionState(to)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &tr.Metadata); err != nil {
				return nil, storeErr("decode transition metadata", err)
			}
		}
		history = append(history, tr)
	}
	return history, rows.Err()
}

func (s *LibSQLStore) loadStepResults(ctx context.Context, id string) (map[string]*schema.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, status, attempt, output, error, started_at, completed_at
		 FROM step_results WHERE execution_id = ?`, id,
	)
	if err != nil {
		return nil, storeErr("load step results", err)
	}
	defer rows.Close()

	results := make(map[string]*schema.StepResult)
	for rows.Next() {
		sr := &schema.StepResult{}
		var status string
		var output, errStr sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&sr.StepID, &status, &sr.Attempt, &output, &errStr, &startedAt, &completedAt); err != nil {
			return nil, storeErr("scan step result", err)
		}
		sr.Status = schema.StepStatus(status)
		sr.Error = errStr.String
		if output.Valid && output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &sr.Output); err != nil {
				return nil, storeErr("decode step output", err)
			}
		}
		if startedAt.Valid {
			t := startedAt.Time
			sr.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			sr.CompletedAt = &t
		}
		results[sr.StepID] = sr
	}
	return results, rows.Err()
}

func insertExecution(ctx context.Context, tx *sql.Tx, exec *Execution) error {
	contextJSON, err := nullableJSON(exec.Context)
	if err != nil {
		return storeErr("encode execution context", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (id, definition_id, current_state, context, retry_count,
		        max_retries, error_message, created_at, started_at, completed_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.DefinitionID, string(exec.CurrentState), contextJSON, exec.RetryCount,
		exec.MaxRetries, nullableString(exec.ErrorMessage), timeOrNow(exec.CreatedAt),
		nullableTime(exec.StartedAt), nullableTime(exec.CompletedAt), timeOrNow(exec.LastActivity),
	)
	if err != nil {
		return storeErr("insert execution", err)
	}
	return nil
}

func updateExecution(ctx context.Context, tx *sql.Tx, exec *Execution) error {
	contextJSON, err := nullableJSON(exec.Context)
	if err != nil {
		return storeErr("encode execution context", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET current_state = ?, context = ?, retry_count = ?,
		        error_message = ?, started_at = ?, completed_at = ?, last_activity = ?
		 WHERE id = ?`,
		string(exec.CurrentState), contextJSON, exec.RetryCount,
		nullableString(exec.ErrorMessage), nullableTime(exec.StartedAt),
		nullableTime(exec.CompletedAt), timeOrNow(exec.LastActivity), exec.ID,
	)
	if err != nil {
		return storeErr("update execution", err)
	}
	return nil
}

// persistChildren appends transitions past the already-persisted prefix
// (the history is append-only) and upserts all step results.
func persistChildren(ctx context.Context, tx *sql.Tx, exec *Execution, persistedTransitions int) error {
	for _, tr := range exec.StateHistory[persistedTransitions:] {
		metadata, err := nullableJSON(tr.Metadata)
		if err != nil {
			return storeErr("encode transition metadata", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transitions (execution_id, from_state, to_state, timestamp, "trigger", metadata)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			exec.ID, string(tr.From), string(tr.To), tr.Timestamp, tr.Trigger, metadata,
		); err != nil {
			return storeErr("insert transition", err)
		}
	}

	for _, sr := range exec.StepResults {
		output, err := nullableJSONValue(sr.Output)
		if err != nil {
			return storeErr("encode step output", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_results (execution_id, step_id, status, attempt, output, error, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(execution_id, step_id) DO UPDATE SET
			        status=excluded.status, attempt=excluded.attempt, output=excluded.output,
			        error=excluded.error, started_at=excluded.started_at, completed_at=excluded.completed_at`,
			exec.ID, sr.StepID, string(sr.Status), sr.Attempt, output,
			nullableString(sr.Error), nullableTime(sr.StartedAt), nullableTime(sr.CompletedAt),
		); err != nil {
			return storeErr("upsert step result", err)
		}
	}
	return nil
}

// --- SQL helpers ---

func storeErr(op string, err error) *schema.KinetiqError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func nullableJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullableJSONValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

var _ ExecutionStore = (*LibSQLStore)(nil)
