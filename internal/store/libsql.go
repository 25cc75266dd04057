package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowcore/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flowcore.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
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

// --- Documents ---

func (s *LibSQLStore) PutDocument(ctx context.Context, content any) (string, error) {
	raw, err := encodeDocument(content)
	if err != nil {
		return "", err
	}
	ref := uuid.New().String()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (ref, content, created_at) VALUES (?, ?, ?)`,
		ref, string(raw), time.Now().UTC(),
	); err != nil {
		return "", storeError("put document", err)
	}
	return ref, nil
}

func (s *LibSQLStore) GetDocument(ctx context.Context, ref string) (any, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM documents WHERE ref = ?`, ref).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("document", ref)
	}
	if err != nil {
		return nil, storeError("get document", err)
	}
	return decodeDocument([]byte(content))
}

// --- Definitions ---

func (s *LibSQLStore) StoreDefinition(ctx context.Context, def *Definition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO definitions (namespace, name, version, source, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, name, version) DO UPDATE SET source=excluded.source`,
		def.Namespace, def.Name, def.Version, string(def.Source), timeOrNow(def.CreatedAt),
	)
	return storeError("store definition", err)
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, namespace, name, version string) (*Definition, error) {
	query := `SELECT namespace, name, version, source, created_at FROM definitions WHERE namespace = ? AND name = ?`
	args := []any{namespace, name}
	if version != "" {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	d := &Definition{}
	var source string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&d.Namespace, &d.Name, &d.Version, &source, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", strings.TrimSuffix(namespace+"."+name+":"+version, ":"))
	}
	if err != nil {
		return nil, storeError("get definition", err)
	}
	d.Source = json.RawMessage(source)
	return d, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error) {
	var where []string
	var args []any
	if filter.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	query := `SELECT namespace, name, version, source, created_at FROM definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list definitions", err)
	}
	defer rows.Close()

	var out []*Definition
	for rows.Next() {
		d := &Definition{}
		var source string
		if err := rows.Scan(&d.Namespace, &d.Name, &d.Version, &source, &d.CreatedAt); err != nil {
			return nil, storeError("scan definition", err)
		}
		d.Source = json.RawMessage(source)
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Workflow instances ---

const workflowColumns = `id, namespace, name, version, status, input_ref, output_ref, context_ref, error, created_at, started_at, ended_at, updated_at`

func (s *LibSQLStore) CreateWorkflowInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	errJSON, err := marshalFlowError(inst.Error)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Namespace, inst.Name, inst.Version, string(inst.Status),
		nullStr(inst.InputRef), nullStr(inst.OutputRef), nullStr(inst.ContextRef), errJSON,
		timeOrNow(inst.CreatedAt), nullTime(inst.StartedAt), nullTime(inst.EndedAt), now,
	)
	return storeError("create workflow instance", err)
}

func (s *LibSQLStore) GetWorkflowInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_instances WHERE id = ?`, id)
	inst, err := scanWorkflowInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow instance", id)
	}
	if err != nil {
		return nil, storeError("get workflow instance", err)
	}
	return inst, nil
}

func (s *LibSQLStore) UpdateWorkflowInstance(ctx context.Context, id string, update WorkflowInstanceUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.OutputRef != nil {
		sets = append(sets, "output_ref = ?")
		args = append(args, nullStr(*update.OutputRef))
	}
	if update.ContextRef != nil {
		sets = append(sets, "context_ref = ?")
		args = append(args, nullStr(*update.ContextRef))
	}
	if update.Error != nil {
		errJSON, err := marshalFlowError(update.Error)
		if err != nil {
			return err
		}
		sets = append(sets, "error = ?")
		args = append(args, errJSON)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *update.EndedAt)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE workflow_instances SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeError("update workflow instance", err)
	}
	return checkRowsAffected(res, "workflow instance", id)
}

func (s *LibSQLStore) ListWorkflowInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error) {
	var where []string
	var args []any
	if filter.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + workflowColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list workflow instances", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowInstance
	for rows.Next() {
		inst, err := scanWorkflowInstance(rows)
		if err != nil {
			return nil, storeError("scan workflow instance", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflowInstance(row rowScanner) (*schema.WorkflowInstance, error) {
	inst := &schema.WorkflowInstance{}
	var (
		status                          string
		inputRef, outputRef, contextRef sql.NullString
		errJSON                         sql.NullString
		startedAt, endedAt              sql.NullTime
	)
	if err := row.Scan(&inst.ID, &inst.Namespace, &inst.Name, &inst.Version, &status,
		&inputRef, &outputRef, &contextRef, &errJSON,
		&inst.CreatedAt, &startedAt, &endedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Status = schema.WorkflowStatus(status)
	inst.InputRef = inputRef.String
	inst.OutputRef = outputRef.String
	inst.ContextRef = contextRef.String
	inst.Error = unmarshalFlowError(errJSON)
	inst.StartedAt = timePtr(startedAt)
	inst.EndedAt = timePtr(endedAt)
	return inst, nil
}

// --- Task instances ---

func (s *LibSQLStore) UpsertTaskInstance(ctx context.Context, inst *schema.TaskInstance) error {
	errJSON, err := marshalFlowError(inst.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_instances (workflow_instance_id, reference, name, kind, parent_reference, status, input_ref, output_ref, error, next, attempt, started_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_instance_id, reference) DO UPDATE SET
		   status=excluded.status, input_ref=excluded.input_ref, output_ref=excluded.output_ref,
		   error=excluded.error, next=excluded.next, attempt=excluded.attempt,
		   started_at=excluded.started_at, ended_at=excluded.ended_at, updated_at=excluded.updated_at`,
		inst.WorkflowInstanceID, inst.Reference, inst.Name, string(inst.Kind), nullStr(inst.ParentReference),
		string(inst.Status), nullStr(inst.InputRef), nullStr(inst.OutputRef), errJSON, nullStr(string(inst.Next)),
		inst.Attempt, nullTime(inst.StartedAt), nullTime(inst.EndedAt), time.Now().UTC(),
	)
	return storeError("upsert task instance", err)
}

func (s *LibSQLStore) ListTaskInstances(ctx context.Context, workflowInstanceID string) ([]*schema.TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_instance_id, reference, name, kind, parent_reference, status, input_ref, output_ref, error, next, attempt, started_at, ended_at, updated_at
		 FROM task_instances WHERE workflow_instance_id = ? ORDER BY reference`, workflowInstanceID)
	if err != nil {
		return nil, storeError("list task instances", err)
	}
	defer rows.Close()

	var out []*schema.TaskInstance
	for rows.Next() {
		t := &schema.TaskInstance{}
		var (
			kind, status                    string
			parent, inputRef, outputRef     sql.NullString
			errJSON, next                   sql.NullString
			startedAt, endedAt              sql.NullTime
		)
		if err := rows.Scan(&t.WorkflowInstanceID, &t.Reference, &t.Name, &kind, &parent, &status,
			&inputRef, &outputRef, &errJSON, &next, &t.Attempt, &startedAt, &endedAt, &t.UpdatedAt); err != nil {
			return nil, storeError("scan task instance", err)
		}
		t.Kind = schema.TaskKind(kind)
		t.Status = schema.TaskStatus(status)
		t.ParentReference = parent.String
		t.InputRef = inputRef.String
		t.OutputRef = outputRef.String
		t.Error = unmarshalFlowError(errJSON)
		t.Next = schema.FlowDirective(next.String)
		t.StartedAt = timePtr(startedAt)
		t.EndedAt = timePtr(endedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent assigns the next per-instance sequence inside the insert
// transaction; the UNIQUE constraint rejects concurrent duplicates.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin event tx", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_instance_id = ?`, event.WorkflowInstanceID,
	).Scan(&seq); err != nil {
		return storeError("next event sequence", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_instance_id, task_ref, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowInstanceID, nullStr(event.TaskRef), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return storeError("insert event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return storeError("commit event", tx.Commit())
}

func (s *LibSQLStore) GetEvents(ctx context.Context, workflowInstanceID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_instance_id, task_ref, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowInstanceID, since,
	)
	if err != nil {
		return nil, storeError("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var taskRef, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowInstanceID, &taskRef, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeError("scan event", err)
		}
		e.TaskRef = taskRef.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- helpers ---

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func marshalFlowError(fe *schema.FlowError) (any, error) {
	if fe == nil {
		return nil, nil
	}
	raw, err := json.Marshal(fe)
	if err != nil {
		return nil, storeError("marshal error", err)
	}
	return string(raw), nil
}

func unmarshalFlowError(ns sql.NullString) *schema.FlowError {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	fe := &schema.FlowError{}
	if err := json.Unmarshal([]byte(ns.String), fe); err != nil {
		return schema.NewError(schema.ErrCodeRuntime, ns.String)
	}
	return fe
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

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
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

var _ Store = (*LibSQLStore)(nil)
