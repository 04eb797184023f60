// Package postgres implements the coordination store on PostgreSQL. Every
// operation is a call to a stored procedure defined in the embedded
// migrations; atomicity lives in the database, not in Go.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"time"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrations holds the schema and procedure definitions, applied in file
// name order.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Procedure names called by this backend.
const (
	procAcquireLock       = "acquire_lock"
	procReleaseLock       = "release_lock"
	procCheckLocks        = "check_locks"
	procCreateTask        = "create_task"
	procClaimTask         = "claim_task"
	procCompleteTask      = "complete_task"
	procGetTask           = "get_task"
	procListTasks         = "list_tasks"
	procPendingDependents = "pending_dependents"
	procWriteHandoff      = "write_handoff"
	procReadHandoffs      = "read_handoffs"
	procWriteAudit        = "write_audit"
	procListAudit         = "list_audit"
	procRemember          = "remember"
	procRecall            = "recall"
)

// Procedures returns every procedure name this backend calls.
func Procedures() []string {
	return []string{
		procAcquireLock, procReleaseLock, procCheckLocks,
		procCreateTask, procClaimTask, procCompleteTask, procGetTask, procListTasks, procPendingDependents,
		procWriteHandoff, procReadHandoffs,
		procWriteAudit, procListAudit,
		procRemember, procRecall,
	}
}

// Store is a pgx-backed store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and pings it to fail fast.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindConfig, "open store", fmt.Errorf("parse database url: %w", err))
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "open store", fmt.Errorf("connect: %w", err))
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "open store", fmt.Errorf("ping: %w", err))
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return coorderr.Wrap(coorderr.KindStoreUnavailable, "ping", err)
	}
	return nil
}

// Migrate applies any embedded migration not yet recorded in
// schema_migrations. Each file runs in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	const op = "migrate"

	if _, err := s.pool.Exec(ctx, `create table if not exists schema_migrations (
		version text primary key,
		applied_at timestamptz not null default now()
	)`); err != nil {
		return mapPgErr(op, err)
	}

	names, err := fs.Glob(Migrations, "migrations/*.sql")
	if err != nil {
		return coorderr.Wrap(coorderr.KindInternal, op, err)
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := Migrations.ReadFile(name)
		if err != nil {
			return coorderr.Wrap(coorderr.KindInternal, op, err)
		}
		if err := s.applyMigration(ctx, name, string(body)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version, body string) error {
	const op = "migrate"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPgErr(op, err)
	}
	defer tx.Rollback(ctx)

	var applied bool
	if err := tx.QueryRow(ctx, `select exists(select 1 from schema_migrations where version = $1)`, version).Scan(&applied); err != nil {
		return mapPgErr(op, err)
	}
	if applied {
		return nil
	}
	if _, err := tx.Exec(ctx, body); err != nil {
		return coorderr.Wrap(coorderr.KindStoreUnavailable, op, fmt.Errorf("apply %s: %w", version, err))
	}
	if _, err := tx.Exec(ctx, `insert into schema_migrations (version) values ($1)`, version); err != nil {
		return mapPgErr(op, err)
	}
	return mapPgErr(op, tx.Commit(ctx))
}

// --- Locks ---

func (s *Store) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (*models.Lock, error) {
	var acquired bool
	var l models.Lock
	var lockKey, lockHolder *string
	var acquiredAt, expiresAt *time.Time

	err := s.pool.QueryRow(ctx,
		`select acquired, lock_key, lock_holder, lock_acquired_at, lock_expires_at from `+procAcquireLock+`($1, $2, $3)`,
		key, holder, ttlMinutes(ttl),
	).Scan(&acquired, &lockKey, &lockHolder, &acquiredAt, &expiresAt)
	if err != nil {
		return nil, mapPgErr(procAcquireLock, err)
	}

	conflict := &models.LockConflict{Key: key}
	if lockHolder != nil {
		conflict.Holder = *lockHolder
	}
	if expiresAt != nil {
		conflict.ExpiresAt = expiresAt.UTC()
	}
	if !acquired {
		return nil, coorderr.Wrap(coorderr.KindConflict, procAcquireLock, conflict)
	}

	l.Key = key
	l.Holder = holder
	l.LockType = models.LockTypeExclusive
	if acquiredAt != nil {
		l.AcquiredAt = acquiredAt.UTC()
	}
	l.ExpiresAt = conflict.ExpiresAt
	return &l, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	var released bool
	err := s.pool.QueryRow(ctx, `select `+procReleaseLock+`($1, $2)`, key, holder).Scan(&released)
	if err != nil {
		return false, mapPgErr(procReleaseLock, err)
	}
	return released, nil
}

func (s *Store) ActiveLocks(ctx context.Context) ([]models.Lock, error) {
	rows, err := s.pool.Query(ctx, `select key, holder, lock_type, acquired_at, expires_at from `+procCheckLocks+`()`)
	if err != nil {
		return nil, mapPgErr(procCheckLocks, err)
	}
	defer rows.Close()

	var out []models.Lock
	for rows.Next() {
		var l models.Lock
		if err := rows.Scan(&l.Key, &l.Holder, &l.LockType, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, mapPgErr(procCheckLocks, err)
		}
		l.AcquiredAt = l.AcquiredAt.UTC()
		l.ExpiresAt = l.ExpiresAt.UTC()
		out = append(out, l)
	}
	return out, mapPgErr(procCheckLocks, rows.Err())
}

// --- Tasks ---

const taskColumns = `id, task_type, description, status, priority, input_data, claimed_by, claimed_at,
	result, error_code, error_message, depends_on, deadline, created_at, completed_at`

func (s *Store) CreateTask(ctx context.Context, nt models.NewTask) (*models.Task, error) {
	deps := nt.DependsOn
	if deps == nil {
		deps = []string{}
	}
	return s.queryTask(ctx, procCreateTask,
		`select `+taskColumns+` from `+procCreateTask+`($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), nt.TaskType, nt.Description, nt.Priority, jsonArg(nt.InputData), deps, nt.Deadline,
	)
}

func (s *Store) ClaimTask(ctx context.Context, agentID string, taskTypes ...string) (*models.Task, error) {
	if taskTypes == nil {
		taskTypes = []string{}
	}
	return s.queryTask(ctx, procClaimTask, `select `+taskColumns+` from `+procClaimTask+`($1, $2)`, agentID, taskTypes)
}

func (s *Store) CompleteTask(ctx context.Context, c models.Completion) (*models.Task, error) {
	var result any
	if c.Success {
		result = jsonArg(c.Result)
	}
	task, err := s.queryTask(ctx, procCompleteTask,
		`select `+taskColumns+` from `+procCompleteTask+`($1, $2, $3, $4, $5)`,
		c.TaskID, c.Success, result, c.ErrorCode, c.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if task == nil {
		// Lost a race with another completer between the check and the update.
		return nil, coorderr.E(coorderr.KindAlreadyTerminal, procCompleteTask, "task %s is already terminal", c.TaskID)
	}
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.queryTask(ctx, procGetTask, `select `+taskColumns+` from `+procGetTask+`($1)`, id)
}

func (s *Store) ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `select `+taskColumns+` from `+procListTasks+`($1)`, string(status))
	if err != nil {
		return nil, mapPgErr(procListTasks, err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapPgErr(procListTasks, err)
		}
		out = append(out, *t)
	}
	return out, mapPgErr(procListTasks, rows.Err())
}

func (s *Store) PendingDependents(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `select * from `+procPendingDependents+`($1)`, taskID)
	if err != nil {
		return nil, mapPgErr(procPendingDependents, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapPgErr(procPendingDependents, err)
	}
	return ids, nil
}

// queryTask runs a single-row task procedure. No row yields nil, nil.
func (s *Store) queryTask(ctx context.Context, proc, sql string, args ...any) (*models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgErr(proc, err)
	}
	return t, nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var status string
	var input, result []byte
	var claimedBy, errCode, errMsg *string
	var deps []string

	err := row.Scan(&t.ID, &t.TaskType, &t.Description, &status, &t.Priority, &input, &claimedBy, &t.ClaimedAt,
		&result, &errCode, &errMsg, &deps, &t.Deadline, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	if len(input) > 0 {
		t.InputData = json.RawMessage(input)
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	t.ClaimedBy = deref(claimedBy)
	t.ErrorCode = deref(errCode)
	t.ErrorMessage = deref(errMsg)
	if len(deps) > 0 {
		sort.Strings(deps)
		t.DependsOn = deps
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ClaimedAt = utcPtr(t.ClaimedAt)
	t.Deadline = utcPtr(t.Deadline)
	t.CompletedAt = utcPtr(t.CompletedAt)
	return &t, nil
}

// --- Handoffs ---

func (s *Store) WriteHandoff(ctx context.Context, h models.Handoff) (*models.Handoff, error) {
	if h.NextSteps == nil {
		h.NextSteps = []string{}
	}
	steps, _ := json.Marshal(h.NextSteps)

	out, err := scanHandoff(s.pool.QueryRow(ctx,
		`select id, agent_name, summary, next_steps, created_at from `+procWriteHandoff+`($1, $2, $3, $4)`,
		uuid.New().String(), h.AgentName, h.Summary, steps,
	))
	if err != nil {
		return nil, mapPgErr(procWriteHandoff, err)
	}
	return out, nil
}

func (s *Store) ReadHandoffs(ctx context.Context, agentName string, limit int) ([]models.Handoff, error) {
	rows, err := s.pool.Query(ctx,
		`select id, agent_name, summary, next_steps, created_at from `+procReadHandoffs+`($1, $2)`,
		agentName, limit,
	)
	if err != nil {
		return nil, mapPgErr(procReadHandoffs, err)
	}
	defer rows.Close()

	var out []models.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, mapPgErr(procReadHandoffs, err)
		}
		out = append(out, *h)
	}
	return out, mapPgErr(procReadHandoffs, rows.Err())
}

func scanHandoff(row pgx.Row) (*models.Handoff, error) {
	var h models.Handoff
	var steps []byte
	if err := row.Scan(&h.ID, &h.AgentName, &h.Summary, &steps, &h.CreatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(steps, &h.NextSteps)
	h.CreatedAt = h.CreatedAt.UTC()
	return &h, nil
}

// --- Audit ---

const auditColumns = `id, operation, actor, coalesce(target, ''), "timestamp", payload, inputs_hash, decision,
	coalesce(outcome, ''), coalesce(reason, '')`

func (s *Store) WriteAudit(ctx context.Context, e models.AuditEntry) (*models.AuditEntry, error) {
	var ts *time.Time
	if !e.Timestamp.IsZero() {
		ts = &e.Timestamp
	}
	out, err := scanAudit(s.pool.QueryRow(ctx,
		`select `+auditColumns+` from `+procWriteAudit+`($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.New().String(), e.Operation, e.Actor, e.Target, ts, jsonArg(e.Payload),
		e.InputsHash, e.Decision, e.Outcome, e.Reason,
	))
	if err != nil {
		return nil, mapPgErr(procWriteAudit, err)
	}
	return out, nil
}

func (s *Store) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	var since *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}
	rows, err := s.pool.Query(ctx,
		`select `+auditColumns+` from `+procListAudit+`($1, $2, $3, $4, $5)`,
		f.Actor, f.Operation, f.Decision, since, f.Limit,
	)
	if err != nil {
		return nil, mapPgErr(procListAudit, err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, mapPgErr(procListAudit, err)
		}
		out = append(out, *e)
	}
	return out, mapPgErr(procListAudit, rows.Err())
}

func scanAudit(row pgx.Row) (*models.AuditEntry, error) {
	var e models.AuditEntry
	var payload []byte
	if err := row.Scan(&e.ID, &e.Operation, &e.Actor, &e.Target, &e.Timestamp, &payload,
		&e.InputsHash, &e.Decision, &e.Outcome, &e.Reason); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

// --- Memory ---

const memoryColumns = `id, agent_name, kind, content, tags, coalesce(task_id, ''), created_at`

func (s *Store) Remember(ctx context.Context, m models.Memory) (*models.Memory, error) {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, _ := json.Marshal(tags)

	out, err := scanMemory(s.pool.QueryRow(ctx,
		`select `+memoryColumns+` from `+procRemember+`($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), m.AgentName, m.Kind, m.Content, tagsJSON, m.TaskID,
	))
	if err != nil {
		return nil, mapPgErr(procRemember, err)
	}
	return out, nil
}

func (s *Store) Recall(ctx context.Context, query string, limit int) ([]models.Memory, error) {
	rows, err := s.pool.Query(ctx, `select `+memoryColumns+` from `+procRecall+`($1, $2)`, query, limit)
	if err != nil {
		return nil, mapPgErr(procRecall, err)
	}
	defer rows.Close()

	var out []models.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, mapPgErr(procRecall, err)
		}
		out = append(out, *m)
	}
	return out, mapPgErr(procRecall, rows.Err())
}

func scanMemory(row pgx.Row) (*models.Memory, error) {
	var m models.Memory
	var tags []byte
	if err := row.Scan(&m.ID, &m.AgentName, &m.Kind, &m.Content, &tags, &m.TaskID, &m.CreatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(tags, &m.Tags)
	if len(m.Tags) == 0 {
		m.Tags = nil
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// --- helpers ---

func ttlMinutes(ttl time.Duration) int {
	m := int(math.Ceil(ttl.Minutes()))
	if m < 1 {
		return 1
	}
	return m
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// mapPgErr translates driver errors into the coordinator's taxonomy. Errors
// without a SQLSTATE are connection-level failures.
func mapPgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return coorderr.Wrap(coorderr.KindConflict, op, err)
		case "23503":
			return coorderr.E(coorderr.KindInvalidDependency, op, "%s", pgErr.Message)
		case "P0002":
			return coorderr.E(coorderr.KindNotFound, op, "%s", pgErr.Message)
		case "CT001":
			return coorderr.E(coorderr.KindAlreadyTerminal, op, "%s", pgErr.Message)
		case "CT002", "22023":
			return coorderr.E(coorderr.KindInvalid, op, "%s", pgErr.Message)
		default:
			return coorderr.Wrap(coorderr.KindInternal, op, fmt.Errorf("db_error %s: %s", pgErr.Code, pgErr.Message))
		}
	}
	return coorderr.Wrap(coorderr.KindStoreUnavailable, op, err)
}
