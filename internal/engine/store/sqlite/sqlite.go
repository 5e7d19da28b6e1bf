// Package sqlite is the reference store.Backend: a single-writer SQLite
// database implementing the full schema, claim, and signal-resolution
// contract of §6.1. SetMaxOpenConns(1) gives the same at-most-one-claimer
// guarantee row-level locking gives a multi-writer backend, since SQLite
// itself serializes every write through one connection.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rhythmrun/engine/internal/engine/store"
	"github.com/rhythmrun/engine/pkg/errors"
)

// Backend is a SQLite-backed store.Backend.
type Backend struct {
	db *sql.DB
}

// Config configures the SQLite connection.
type Config struct {
	// Path is the database file path ("" or ":memory:" for an ephemeral DB).
	Path string

	// WAL enables write-ahead logging for concurrent readers.
	WAL bool
}

// New opens (creating if absent) and migrates the SQLite store at cfg.Path.
func New(cfg Config) (*Backend, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := b.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version_hash TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_definitions_name ON workflow_definitions(name)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			function_name TEXT NOT NULL,
			queue TEXT NOT NULL,
			status TEXT NOT NULL,
			inputs TEXT,
			output TEXT,
			parent_workflow_id TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			claimed_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_execution_context (
			execution_id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			vm_state TEXT NOT NULL,
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS work_queue (
			execution_id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			claimed_until TEXT,
			visible_after TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_queue_claimable
			ON work_queue(queue, priority DESC, created_at ASC)
			WHERE claimed_until IS NULL`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			signal_name TEXT NOT NULL,
			status TEXT NOT NULL,
			claim_id TEXT,
			payload TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_lookup ON signals(workflow_id, signal_name, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS worker_heartbeats (
			worker_id TEXT PRIMARY KEY,
			last_heartbeat TEXT NOT NULL,
			queues TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letter_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			function_name TEXT NOT NULL,
			error TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			failed_at TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := b.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migration %q: %w", s, err)
		}
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (b *Backend) CreateExecution(ctx context.Context, exec *store.Execution) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &errors.StoreError{Op: "create_execution", Cause: err}
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, exec.ID).Scan(&status)
	switch {
	case err == sql.ErrNoRows:
		// fall through to insert
	case err != nil:
		return false, &errors.StoreError{Op: "create_execution", Cause: err}
	case store.Status(status) != store.StatusFailed:
		return false, nil
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, exec.ID); err != nil {
			return false, &errors.StoreError{Op: "create_execution", Cause: err}
		}
	}

	createdAt := exec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := string(exec.Status)
	if status == "" {
		status = string(store.StatusPending)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, kind, function_name, queue, status, inputs, output, parent_workflow_id, attempt, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.Kind, exec.FunctionName, exec.Queue, status,
		rawOrNil(exec.Inputs), rawOrNil(exec.Output), nullStr(exec.ParentWorkflowID),
		exec.Attempt, exec.MaxRetries, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return false, &errors.StoreError{Op: "create_execution", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &errors.StoreError{Op: "create_execution", Cause: err}
	}
	return true, nil
}

func scanExecution(scan func(dest ...any) error) (*store.Execution, error) {
	var e store.Execution
	var inputs, output, parentID sql.NullString
	var claimedAt, completedAt sql.NullString
	var createdAt string
	if err := scan(&e.ID, &e.Kind, &e.FunctionName, &e.Queue, &e.Status,
		&inputs, &output, &parentID, &e.Attempt, &e.MaxRetries,
		&createdAt, &claimedAt, &completedAt); err != nil {
		return nil, err
	}
	if inputs.Valid {
		e.Inputs = json.RawMessage(inputs.String)
	}
	if output.Valid {
		e.Output = json.RawMessage(output.String)
	}
	if parentID.Valid {
		e.ParentWorkflowID = parentID.String
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.ClaimedAt = parseTime(claimedAt)
	e.CompletedAt = parseTime(completedAt)
	return &e, nil
}

const executionColumns = `id, kind, function_name, queue, status, inputs, output, parent_workflow_id, attempt, max_retries, created_at, claimed_at, completed_at`

func (b *Backend) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "get_execution", Cause: err}
	}
	return e, nil
}

func (b *Backend) QueryExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Queue != "" {
		query += " AND queue = ?"
		args = append(args, filter.Queue)
	}
	if filter.FunctionName != "" {
		query += " AND function_name = ?"
		args = append(args, filter.FunctionName)
	}
	if filter.ParentWorkflowID != "" {
		query += " AND parent_workflow_id = ?"
		args = append(args, filter.ParentWorkflowID)
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.StoreError{Op: "query_executions", Cause: err}
	}
	defer rows.Close()

	var out []*store.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, &errors.StoreError{Op: "query_executions", Cause: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *Backend) GetWorkflowTasks(ctx context.Context, workflowID string) ([]*store.Execution, error) {
	return b.QueryExecutions(ctx, store.ExecutionFilter{ParentWorkflowID: workflowID})
}

func (b *Backend) EnqueueWork(ctx context.Context, executionID, queue string, priority int, visibleAfter time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO work_queue (execution_id, queue, priority, visible_after, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			queue = excluded.queue, priority = excluded.priority, visible_after = excluded.visible_after
	`, executionID, queue, priority, visibleAfter.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &errors.StoreError{Op: "enqueue_work", Cause: err}
	}
	return nil
}

// claimOne performs the claim described in §4.7: pick the highest-priority,
// oldest claimable row for the given queues, and bump its lease, as one
// statement sequence inside a transaction. SQLite's single writer connection
// gives this the same at-most-one-claimer guarantee a SKIP LOCKED UPDATE ...
// RETURNING gives a multi-writer backend.
func (b *Backend) claimOne(ctx context.Context, tx *sql.Tx, queues []string, lease time.Duration, now time.Time) (string, string, error) {
	query := `
		SELECT execution_id, queue FROM work_queue
		WHERE (claimed_until IS NULL OR claimed_until < ?)
		AND visible_after <= ?
	`
	args := []any{now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)}
	if len(queues) > 0 {
		query += " AND queue IN (" + placeholders(len(queues)) + ")"
		for _, q := range queues {
			args = append(args, q)
		}
	}
	query += " ORDER BY priority DESC, created_at ASC LIMIT 1"

	var executionID, queue string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&executionID, &queue)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}

	claimedUntil := now.Add(lease).Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `UPDATE work_queue SET claimed_until = ? WHERE execution_id = ?`, claimedUntil, executionID); err != nil {
		return "", "", err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE executions SET status = ?, claimed_at = ? WHERE id = ?`,
		store.StatusRunning, now.Format(time.RFC3339Nano), executionID); err != nil {
		return "", "", err
	}
	return executionID, queue, nil
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

func (b *Backend) toClaimedWork(ctx context.Context, tx *sql.Tx, executionID, queue string, claimedUntil time.Time) (*store.ClaimedWork, error) {
	var kind, functionName string
	var inputs sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT kind, function_name, inputs FROM executions WHERE id = ?`, executionID).
		Scan(&kind, &functionName, &inputs)
	if err != nil {
		return nil, err
	}
	cw := &store.ClaimedWork{
		ExecutionID: executionID, Kind: store.Kind(kind), FunctionName: functionName,
		Queue: queue, ClaimedUntil: claimedUntil,
	}
	if inputs.Valid {
		cw.Inputs = json.RawMessage(inputs.String)
	}
	return cw, nil
}

func (b *Backend) ClaimWork(ctx context.Context, workerID string, queues []string, lease time.Duration) (*store.ClaimedWork, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.StoreError{Op: "claim_work", Cause: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	executionID, queue, err := b.claimOne(ctx, tx, queues, lease, now)
	if err != nil {
		return nil, &errors.StoreError{Op: "claim_work", Cause: err}
	}
	if executionID == "" {
		return nil, nil
	}
	cw, err := b.toClaimedWork(ctx, tx, executionID, queue, now.Add(lease))
	if err != nil {
		return nil, &errors.StoreError{Op: "claim_work", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &errors.StoreError{Op: "claim_work", Cause: err}
	}
	return cw, nil
}

func (b *Backend) ClaimBatch(ctx context.Context, workerID string, queues []string, n int, lease time.Duration) ([]*store.ClaimedWork, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.StoreError{Op: "claim_batch", Cause: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var out []*store.ClaimedWork
	for i := 0; i < n; i++ {
		executionID, queue, err := b.claimOne(ctx, tx, queues, lease, now)
		if err != nil {
			return nil, &errors.StoreError{Op: "claim_batch", Cause: err}
		}
		if executionID == "" {
			break
		}
		cw, err := b.toClaimedWork(ctx, tx, executionID, queue, now.Add(lease))
		if err != nil {
			return nil, &errors.StoreError{Op: "claim_batch", Cause: err}
		}
		out = append(out, cw)
	}
	if err := tx.Commit(); err != nil {
		return nil, &errors.StoreError{Op: "claim_batch", Cause: err}
	}
	return out, nil
}

func (b *Backend) LoadSnapshot(ctx context.Context, executionID string) (*store.WorkflowExecutionContext, error) {
	var defID, state string
	err := b.db.QueryRowContext(ctx, `SELECT workflow_definition_id, vm_state FROM workflow_execution_context WHERE execution_id = ?`, executionID).
		Scan(&defID, &state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "load_snapshot", Cause: err}
	}
	return &store.WorkflowExecutionContext{
		ExecutionID: executionID, WorkflowDefinitionID: defID, VMState: json.RawMessage(state),
	}, nil
}

// ResolveSignals implements §4.6 inside one exclusive transaction: SQLite
// lacks DISTINCT ON, so the oldest-unclaimed-Sent-row match is done as an
// ordered SELECT per Requested row followed by an UPDATE+DELETE pair, all
// inside the caller's single writer connection, which rules out phantom
// interleavings with any other resolver.
func (b *Backend) ResolveSignals(ctx context.Context, workflowID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StoreError{Op: "resolve_signals", Cause: err}
	}
	defer tx.Rollback()

	if err := b.resolveSignalsTx(ctx, tx, workflowID); err != nil {
		return &errors.StoreError{Op: "resolve_signals", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &errors.StoreError{Op: "resolve_signals", Cause: err}
	}
	return nil
}

func (b *Backend) resolveSignalsTx(ctx context.Context, tx *sql.Tx, workflowID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, signal_name, claim_id FROM signals
		WHERE workflow_id = ? AND status = 'requested'
		ORDER BY created_at ASC
	`, workflowID)
	if err != nil {
		return err
	}
	type requested struct{ id, name, claimID string }
	var reqs []requested
	for rows.Next() {
		var r requested
		if err := rows.Scan(&r.id, &r.name, &r.claimID); err != nil {
			rows.Close()
			return err
		}
		reqs = append(reqs, r)
	}
	rows.Close()

	for _, r := range reqs {
		var sentID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM signals
			WHERE workflow_id = ? AND signal_name = ? AND status = 'sent' AND claim_id IS NULL
			ORDER BY created_at ASC LIMIT 1
		`, workflowID, r.name).Scan(&sentID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE signals SET claim_id = ? WHERE id = ?`, r.claimID, sentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE id = ?`, r.id); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) SendSignal(ctx context.Context, workflowID, signalName string, payload json.RawMessage) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StoreError{Op: "send_signal", Cause: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO signals (id, workflow_id, signal_name, status, payload, created_at)
		VALUES (?, ?, ?, 'sent', ?, ?)
	`, uuid.NewString(), workflowID, signalName, rawOrNil(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &errors.StoreError{Op: "send_signal", Cause: err}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO work_queue (execution_id, queue, priority, visible_after, created_at)
		VALUES (?, 'default', 0, ?, ?)
		ON CONFLICT(execution_id) DO NOTHING
	`, workflowID, time.Now().UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &errors.StoreError{Op: "send_signal", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &errors.StoreError{Op: "send_signal", Cause: err}
	}
	return nil
}

func (b *Backend) GetSignalPayload(ctx context.Context, workflowID, claimID string) (json.RawMessage, bool, error) {
	var payload sql.NullString
	err := b.db.QueryRowContext(ctx, `
		SELECT payload FROM signals WHERE workflow_id = ? AND claim_id = ? AND status = 'sent'
	`, workflowID, claimID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errors.StoreError{Op: "get_signal_payload", Cause: err}
	}
	if !payload.Valid {
		return nil, true, nil
	}
	return json.RawMessage(payload.String), true, nil
}

func (b *Backend) RegisterWorkflowDefinition(ctx context.Context, name, source string) (*store.WorkflowDefinition, error) {
	hash := versionHash(source)

	var existingID, existingHash string
	err := b.db.QueryRowContext(ctx, `
		SELECT id, version_hash FROM workflow_definitions WHERE name = ? ORDER BY created_at DESC LIMIT 1
	`, name).Scan(&existingID, &existingHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, &errors.StoreError{Op: "register_workflow", Cause: err}
	}
	if err == nil && existingHash == hash {
		return b.GetWorkflowDefinition(ctx, existingID)
	}

	def := &store.WorkflowDefinition{ID: uuid.NewString(), Name: name, VersionHash: hash, Source: source, CreatedAt: time.Now().UTC()}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, name, version_hash, source, created_at) VALUES (?, ?, ?, ?, ?)
	`, def.ID, def.Name, def.VersionHash, def.Source, def.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, &errors.StoreError{Op: "register_workflow", Cause: err}
	}
	return def, nil
}

func (b *Backend) GetWorkflowDefinitionByName(ctx context.Context, name string) (*store.WorkflowDefinition, error) {
	var id string
	err := b.db.QueryRowContext(ctx, `SELECT id FROM workflow_definitions WHERE name = ? ORDER BY created_at DESC LIMIT 1`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow_definition", ID: name}
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "get_workflow_definition", Cause: err}
	}
	return b.GetWorkflowDefinition(ctx, id)
}

func (b *Backend) GetWorkflowDefinition(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	var def store.WorkflowDefinition
	var createdAt string
	err := b.db.QueryRowContext(ctx, `
		SELECT id, name, version_hash, source, created_at FROM workflow_definitions WHERE id = ?
	`, id).Scan(&def.ID, &def.Name, &def.VersionHash, &def.Source, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow_definition", ID: id}
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "get_workflow_definition", Cause: err}
	}
	def.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &def, nil
}

// CommitStep applies one workflow step's outbox, status transition, and
// snapshot write/delete atomically, then removes the claimed work-queue row.
// Every branch commits, per §4.7: a Throw reaching the root is a normal
// terminal outcome, not an infrastructure failure.
func (b *Backend) CommitStep(ctx context.Context, in store.CommitStepInput) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StoreError{Op: "commit_step", Cause: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, op := range in.Outbox {
		switch op.Kind {
		case store.OutboxOpCreateExecution:
			if err := b.createChildTx(ctx, tx, op, in.ExecutionID, now); err != nil {
				return &errors.StoreError{Op: "commit_step", Cause: err}
			}
		case store.OutboxOpRequestSignal:
			_, err := tx.ExecContext(ctx, `
				INSERT INTO signals (id, workflow_id, signal_name, status, claim_id, created_at)
				VALUES (?, ?, ?, 'requested', ?, ?)
			`, uuid.NewString(), in.ExecutionID, op.SignalName, op.ClaimID, now.Format(time.RFC3339Nano))
			if err != nil {
				return &errors.StoreError{Op: "commit_step", Cause: err}
			}
		}
	}

	switch in.Outcome {
	case store.StepReturned:
		if _, err := tx.ExecContext(ctx, `UPDATE executions SET status = ?, output = ?, completed_at = ? WHERE id = ?`,
			store.StatusCompleted, rawOrNil(in.Output), now.Format(time.RFC3339Nano), in.ExecutionID); err != nil {
			return &errors.StoreError{Op: "commit_step", Cause: err}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_execution_context WHERE execution_id = ?`, in.ExecutionID); err != nil {
			return &errors.StoreError{Op: "commit_step", Cause: err}
		}
		if in.ParentWorkflowID != "" {
			if err := b.enqueueTx(ctx, tx, in.ParentWorkflowID, "default", 0, now); err != nil {
				return &errors.StoreError{Op: "commit_step", Cause: err}
			}
		}
	case store.StepSuspended:
		if _, err := tx.ExecContext(ctx, `UPDATE executions SET status = ? WHERE id = ?`, store.StatusSuspended, in.ExecutionID); err != nil {
			return &errors.StoreError{Op: "commit_step", Cause: err}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_execution_context (execution_id, workflow_definition_id, vm_state)
			VALUES (?, ?, ?)
			ON CONFLICT(execution_id) DO UPDATE SET workflow_definition_id = excluded.workflow_definition_id, vm_state = excluded.vm_state
		`, in.ExecutionID, in.WorkflowDefinitionID, string(in.SnapshotState))
		if err != nil {
			return &errors.StoreError{Op: "commit_step", Cause: err}
		}
	case store.StepThrew:
		var functionName string
		var attempt int
		_ = tx.QueryRowContext(ctx, `SELECT function_name, attempt FROM executions WHERE id = ?`, in.ExecutionID).Scan(&functionName, &attempt)
		if _, err := tx.ExecContext(ctx, `UPDATE executions SET status = ?, output = ?, completed_at = ? WHERE id = ?`,
			store.StatusFailed, rawOrNil(in.Output), now.Format(time.RFC3339Nano), in.ExecutionID); err != nil {
			return &errors.StoreError{Op: "commit_step", Cause: err}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_execution_context WHERE execution_id = ?`, in.ExecutionID); err != nil {
			return &errors.StoreError{Op: "commit_step", Cause: err}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letter_queue (execution_id, function_name, error, attempt, failed_at) VALUES (?, ?, ?, ?, ?)
		`, in.ExecutionID, functionName, rawOrNil(in.Output), attempt, now.Format(time.RFC3339Nano))
		if err != nil {
			return &errors.StoreError{Op: "commit_step", Cause: err}
		}
		if in.ParentWorkflowID != "" {
			if err := b.enqueueTx(ctx, tx, in.ParentWorkflowID, "default", 0, now); err != nil {
				return &errors.StoreError{Op: "commit_step", Cause: err}
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM work_queue WHERE execution_id = ?`, in.ExecutionID); err != nil {
		return &errors.StoreError{Op: "commit_step", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &errors.StoreError{Op: "commit_step", Cause: err}
	}
	return nil
}

// createChildTx implements idempotent child-execution creation
// (INSERT ... ON CONFLICT DO NOTHING, replace-on-Failed) per §4.7.
func (b *Backend) createChildTx(ctx context.Context, tx *sql.Tx, op store.OutboxOp, parentID string, now time.Time) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, op.ChildID).Scan(&status)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil {
		if store.Status(status) != store.StatusFailed {
			return b.enqueueTx(ctx, tx, op.ChildID, op.Queue, op.Priority, now)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, op.ChildID); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, kind, function_name, queue, status, inputs, parent_workflow_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ChildID, op.ChildKind, op.FunctionName, op.Queue, store.StatusPending, rawOrNil(op.Inputs), parentID, now.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	return b.enqueueTx(ctx, tx, op.ChildID, op.Queue, op.Priority, now)
}

func (b *Backend) enqueueTx(ctx context.Context, tx *sql.Tx, executionID, queue string, priority int, visibleAfter time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO work_queue (execution_id, queue, priority, visible_after, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO NOTHING
	`, executionID, queue, priority, visibleAfter.Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (b *Backend) CompleteTask(ctx context.Context, executionID string, output json.RawMessage, failed bool) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StoreError{Op: "complete_work", Cause: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	status := store.StatusCompleted
	if failed {
		status = store.StatusFailed
	}
	var parentID, functionName string
	var attempt int
	err = tx.QueryRowContext(ctx, `SELECT parent_workflow_id, function_name, attempt FROM executions WHERE id = ?`, executionID).
		Scan(&parentID, &functionName, &attempt)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	if err != nil {
		return &errors.StoreError{Op: "complete_work", Cause: err}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE executions SET status = ?, output = ?, completed_at = ? WHERE id = ?`,
		status, rawOrNil(output), now.Format(time.RFC3339Nano), executionID); err != nil {
		return &errors.StoreError{Op: "complete_work", Cause: err}
	}
	if failed {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letter_queue (execution_id, function_name, error, attempt, failed_at) VALUES (?, ?, ?, ?, ?)
		`, executionID, functionName, rawOrNil(output), attempt, now.Format(time.RFC3339Nano))
		if err != nil {
			return &errors.StoreError{Op: "complete_work", Cause: err}
		}
	}
	if parentID != "" {
		if err := b.enqueueTx(ctx, tx, parentID, "default", 0, now); err != nil {
			return &errors.StoreError{Op: "complete_work", Cause: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &errors.StoreError{Op: "complete_work", Cause: err}
	}
	return nil
}

func (b *Backend) RecordHeartbeat(ctx context.Context, workerID string, queues []string) error {
	queuesJSON, err := json.Marshal(queues)
	if err != nil {
		return &errors.StoreError{Op: "record_heartbeat", Cause: err}
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, last_heartbeat, queues, status) VALUES (?, ?, ?, 'alive')
		ON CONFLICT(worker_id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat, queues = excluded.queues, status = 'alive'
	`, workerID, time.Now().UTC().Format(time.RFC3339Nano), string(queuesJSON))
	if err != nil {
		return &errors.StoreError{Op: "record_heartbeat", Cause: err}
	}
	return nil
}

func (b *Backend) RecoverDeadWorkers(ctx context.Context, timeout time.Duration) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &errors.StoreError{Op: "recover_dead_workers", Cause: err}
	}
	defer tx.Rollback()

	cutoff := time.Now().UTC().Add(-timeout).Format(time.RFC3339Nano)
	rows, err := tx.QueryContext(ctx, `SELECT worker_id FROM worker_heartbeats WHERE last_heartbeat < ? AND status != 'dead'`, cutoff)
	if err != nil {
		return 0, &errors.StoreError{Op: "recover_dead_workers", Cause: err}
	}
	var deadWorkers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, &errors.StoreError{Op: "recover_dead_workers", Cause: err}
		}
		deadWorkers = append(deadWorkers, id)
	}
	rows.Close()

	if len(deadWorkers) == 0 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE worker_heartbeats SET status = 'dead' WHERE worker_id IN (`+placeholders(len(deadWorkers))+`)`,
		toAny(deadWorkers)...); err != nil {
		return 0, &errors.StoreError{Op: "recover_dead_workers", Cause: err}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE executions SET status = ? WHERE status IN (?, ?)
	`, store.StatusPending, store.StatusRunning, store.StatusSuspended)
	if err != nil {
		return 0, &errors.StoreError{Op: "recover_dead_workers", Cause: err}
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, &errors.StoreError{Op: "recover_dead_workers", Cause: err}
	}
	return int(n), nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (b *Backend) InsertDeadLetter(ctx context.Context, rec store.DeadLetterRecord) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO dead_letter_queue (execution_id, function_name, error, attempt, failed_at) VALUES (?, ?, ?, ?, ?)
	`, rec.ExecutionID, rec.FunctionName, rawOrNil(rec.Error), rec.Attempt, rec.FailedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &errors.StoreError{Op: "insert_dead_letter", Cause: err}
	}
	return nil
}

func (b *Backend) Close() error { return b.db.Close() }

func versionHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return fmt.Sprintf("%x", sum)
}
