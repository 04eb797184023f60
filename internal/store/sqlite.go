package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore provides access to the coordinator's SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// New creates a new SQLiteStore at dbPath and runs migrations. The special
// path ":memory:" opens a private in-memory database.
func New(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, coorderr.Wrap(coorderr.KindConfig, "open store", fmt.Errorf("create db directory: %w", err))
		}
		dsn = dbPath
	}

	// WAL for concurrent readers across processes, busy timeout so writers
	// from other processes queue instead of failing.
	db, err := sql.Open("sqlite", dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "open store", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// serializes every procedure issued through this handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "migrate", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return coorderr.Wrap(coorderr.KindStoreUnavailable, "ping", err)
	}
	return nil
}

func (s *SQLiteStore) clock() time.Time {
	return s.now().UTC()
}

// migrate runs idempotent schema migrations. Timestamps are stored as unix
// nanoseconds so ordering and expiry comparisons are exact.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS locks (
		key TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		lock_type TEXT NOT NULL DEFAULT 'exclusive',
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		task_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		input_data TEXT,
		claimed_by TEXT,
		claimed_at INTEGER,
		result TEXT,
		error_code TEXT,
		error_message TEXT,
		deadline INTEGER,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on),
		FOREIGN KEY (task_id) REFERENCES tasks(id),
		FOREIGN KEY (depends_on) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS handoffs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		agent_name TEXT NOT NULL,
		summary TEXT NOT NULL,
		next_steps TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		operation TEXT NOT NULL,
		actor TEXT NOT NULL,
		target TEXT,
		timestamp INTEGER NOT NULL,
		payload TEXT,
		inputs_hash TEXT NOT NULL,
		decision TEXT NOT NULL,
		outcome TEXT,
		reason TEXT
	);

	CREATE TABLE IF NOT EXISTS memory_items (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		agent_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		task_id TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority DESC, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on);
	CREATE INDEX IF NOT EXISTS idx_handoffs_agent ON handoffs(agent_name, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Lock Operations ---

// AcquireLock implements acquire_lock: expired locks on key are purged, then
// the key is inserted, refreshed for the same holder, or reported as a conflict,
// all inside one transaction.
func (s *SQLiteStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (*models.Lock, error) {
	const op = "acquire_lock"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, op, err)
	}
	defer tx.Rollback()

	now := s.clock()
	expires := now.Add(ttl)

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND expires_at <= ?`, key, now.UnixNano()); err != nil {
		return nil, coorderr.Wrap(coorderr.KindInternal, op, fmt.Errorf("clean expired locks: %w", err))
	}

	var existingHolder string
	var acquiredAt, existingExpires int64
	err = tx.QueryRowContext(ctx,
		`SELECT holder, acquired_at, expires_at FROM locks WHERE key = ?`, key,
	).Scan(&existingHolder, &acquiredAt, &existingExpires)

	lock := &models.Lock{Key: key, Holder: holder, LockType: models.LockTypeExclusive, AcquiredAt: now, ExpiresAt: expires}

	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO locks (key, holder, lock_type, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
			key, holder, models.LockTypeExclusive, now.UnixNano(), expires.UnixNano(),
		); err != nil {
			if isUniqueViolation(err) {
				return nil, coorderr.Wrap(coorderr.KindConflict, op, &models.LockConflict{Key: key})
			}
			return nil, coorderr.Wrap(coorderr.KindInternal, op, fmt.Errorf("insert lock: %w", err))
		}
	case err != nil:
		return nil, coorderr.Wrap(coorderr.KindInternal, op, fmt.Errorf("check existing lock: %w", err))
	case existingHolder != holder:
		return nil, coorderr.Wrap(coorderr.KindConflict, op, &models.LockConflict{
			Key:       key,
			Holder:    existingHolder,
			ExpiresAt: fromNanos(existingExpires),
		})
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE locks SET expires_at = ? WHERE key = ? AND holder = ?`,
			expires.UnixNano(), key, holder,
		); err != nil {
			return nil, coorderr.Wrap(coorderr.KindInternal, op, fmt.Errorf("refresh lock: %w", err))
		}
		lock.AcquiredAt = fromNanos(acquiredAt)
	}

	if err := tx.Commit(); err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, op, fmt.Errorf("commit transaction: %w", err))
	}
	return lock, nil
}

// ReleaseLock implements release_lock as a single conditional delete.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE key = ? AND holder = ? AND expires_at > ?`,
		key, holder, s.clock().UnixNano(),
	)
	if err != nil {
		return false, coorderr.Wrap(coorderr.KindStoreUnavailable, "release_lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coorderr.Wrap(coorderr.KindInternal, "release_lock", err)
	}
	return n > 0, nil
}

// ActiveLocks implements check_locks.
func (s *SQLiteStore) ActiveLocks(ctx context.Context) ([]models.Lock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, holder, lock_type, acquired_at, expires_at FROM locks WHERE expires_at > ? ORDER BY key`,
		s.clock().UnixNano(),
	)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "check_locks", err)
	}
	defer rows.Close()

	var locks []models.Lock
	for rows.Next() {
		var l models.Lock
		var acquiredAt, expiresAt int64
		if err := rows.Scan(&l.Key, &l.Holder, &l.LockType, &acquiredAt, &expiresAt); err != nil {
			return nil, coorderr.Wrap(coorderr.KindInternal, "check_locks", fmt.Errorf("scan lock: %w", err))
		}
		l.AcquiredAt = fromNanos(acquiredAt)
		l.ExpiresAt = fromNanos(expiresAt)
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// --- Task Operations ---

// CreateTask implements create_task: dependency existence is verified and the
// task plus its edges are inserted in one transaction.
func (s *SQLiteStore) CreateTask(ctx context.Context, nt models.NewTask) (*models.Task, error) {
	const op = "create_task"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, op, err)
	}
	defer tx.Rollback()

	for _, dep := range nt.DependsOn {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, dep).Scan(&exists)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.KindInternal, op, fmt.Errorf("check dependency: %w", err))
		}
		if exists == 0 {
			return nil, coorderr.E(coorderr.KindInvalidDependency, op, "dependency %s does not exist", dep)
		}
	}

	now := s.clock()
	task := &models.Task{
		ID:          uuid.New().String(),
		TaskType:    nt.TaskType,
		Description: nt.Description,
		Status:      models.TaskStatusPending,
		Priority:    nt.Priority,
		InputData:   nt.InputData,
		DependsOn:   append([]string(nil), nt.DependsOn...),
		Deadline:    nt.Deadline,
		CreatedAt:   now,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, task_type, description, status, priority, input_data, deadline, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.TaskType, task.Description, task.Status, task.Priority,
		nullJSON(task.InputData), nullNanos(task.Deadline), now.UnixNano(),
	)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindInternal, op, fmt.Errorf("insert task: %w", err))
	}

	for _, dep := range task.DependsOn {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_dependencies (task_id, depends_on) VALUES (?, ?)`, task.ID, dep,
		); err != nil {
			return nil, coorderr.Wrap(coorderr.KindInternal, op, fmt.Errorf("insert dependency: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, op, fmt.Errorf("commit transaction: %w", err))
	}
	return task, nil
}

// claimQuery selects the eligible task and flips it to claimed in a single
// statement; the status guard in the outer WHERE makes the update a no-op if
// the row changed underneath.
const claimQuery = `
	UPDATE tasks SET status = 'claimed', claimed_by = ?, claimed_at = ?
	WHERE status = 'pending' AND id = (
		SELECT t.id FROM tasks t
		WHERE t.status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on
			WHERE d.task_id = t.id AND dep.status <> 'completed'
		  )
		  %s
		ORDER BY t.priority DESC, t.created_at ASC, t.seq ASC
		LIMIT 1
	)
	RETURNING id`

// ClaimTask implements claim_task. A non-empty taskTypes restricts the claim
// to those types.
func (s *SQLiteStore) ClaimTask(ctx context.Context, agentID string, taskTypes ...string) (*models.Task, error) {
	const op = "claim_task"

	args := []any{agentID, s.clock().UnixNano()}
	typeFilter := ""
	if len(taskTypes) > 0 {
		typeFilter = "AND t.task_type IN (?" + strings.Repeat(", ?", len(taskTypes)-1) + ")"
		for _, tt := range taskTypes {
			args = append(args, tt)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, op, err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(claimQuery, typeFilter), args...).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindInternal, op, fmt.Errorf("claim: %w", err))
	}

	task, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindInternal, op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, op, fmt.Errorf("commit transaction: %w", err))
	}
	return task, nil
}

// CompleteTask implements complete_task. Only non-terminal tasks are updated,
// so a recorded result or error message can never be overwritten. Success
// requires a claimed task; failure (including cancellation) may also end a
// pending one.
func (s *SQLiteStore) CompleteTask(ctx context.Context, c models.Completion) (*models.Task, error) {
	const op = "complete_task"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, op, err)
	}
	defer tx.Rollback()

	now := s.clock()
	status := models.TaskStatusFailed
	allowed := `('pending', 'claimed')`
	var result, errCode, errMsg any
	if c.Success {
		status = models.TaskStatusCompleted
		allowed = `('claimed')`
		result = nullJSON(c.Result)
	} else {
		errCode = nullString(c.ErrorCode)
		errMsg = c.ErrorMessage
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, error_code = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status IN `+allowed,
		status, result, errCode, errMsg, now.UnixNano(), c.TaskID,
	)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindInternal, op, fmt.Errorf("update task: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindInternal, op, err)
	}

	task, err := getTask(ctx, tx, c.TaskID)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindInternal, op, err)
	}
	if n == 0 {
		switch {
		case task == nil:
			return nil, coorderr.E(coorderr.KindNotFound, op, "task %s not found", c.TaskID)
		case task.Status.Terminal():
			return nil, coorderr.E(coorderr.KindAlreadyTerminal, op, "task %s is already %s", c.TaskID, task.Status)
		default:
			return nil, coorderr.E(coorderr.KindInvalid, op, "task %s is %s, not claimed", c.TaskID, task.Status)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, op, fmt.Errorf("commit transaction: %w", err))
	}
	return task, nil
}

// GetTask implements get_task.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := getTask(ctx, s.db, id)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "get_task", err)
	}
	return task, nil
}

// ListTasks implements list_tasks, optionally filtered by status.
func (s *SQLiteStore) ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, seq DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "list_tasks", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.KindInternal, "list_tasks", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, coorderr.Wrap(coorderr.KindInternal, "list_tasks", err)
	}
	rows.Close()

	for i := range tasks {
		deps, err := taskDependencies(ctx, s.db, tasks[i].ID)
		if err != nil {
			return nil, coorderr.Wrap(coorderr.KindInternal, "list_tasks", err)
		}
		tasks[i].DependsOn = deps
	}
	return tasks, nil
}

// PendingDependents implements pending_dependents.
func (s *SQLiteStore) PendingDependents(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id FROM task_dependencies d JOIN tasks t ON t.id = d.task_id
		 WHERE d.depends_on = ? AND t.status = 'pending' ORDER BY t.seq`,
		taskID,
	)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "pending_dependents", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, coorderr.Wrap(coorderr.KindInternal, "pending_dependents", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Handoff Operations ---

// WriteHandoff implements write_handoff.
func (s *SQLiteStore) WriteHandoff(ctx context.Context, h models.Handoff) (*models.Handoff, error) {
	h.ID = uuid.New().String()
	h.CreatedAt = s.clock()
	if h.NextSteps == nil {
		h.NextSteps = []string{}
	}
	steps, _ := json.Marshal(h.NextSteps)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO handoffs (id, agent_name, summary, next_steps, created_at) VALUES (?, ?, ?, ?, ?)`,
		h.ID, h.AgentName, h.Summary, string(steps), h.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "write_handoff", fmt.Errorf("insert handoff: %w", err))
	}
	return &h, nil
}

// ReadHandoffs implements read_handoffs, most recent first.
func (s *SQLiteStore) ReadHandoffs(ctx context.Context, agentName string, limit int) ([]models.Handoff, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_name, summary, next_steps, created_at FROM handoffs
		 WHERE agent_name = ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		agentName, limit,
	)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "read_handoffs", err)
	}
	defer rows.Close()

	var out []models.Handoff
	for rows.Next() {
		var h models.Handoff
		var steps string
		var createdAt int64
		if err := rows.Scan(&h.ID, &h.AgentName, &h.Summary, &steps, &createdAt); err != nil {
			return nil, coorderr.Wrap(coorderr.KindInternal, "read_handoffs", err)
		}
		_ = json.Unmarshal([]byte(steps), &h.NextSteps)
		h.CreatedAt = fromNanos(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Audit Operations ---

// WriteAudit implements write_audit. The audit log is append-only.
func (s *SQLiteStore) WriteAudit(ctx context.Context, e models.AuditEntry) (*models.AuditEntry, error) {
	e.ID = uuid.New().String()
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, operation, actor, target, timestamp, payload, inputs_hash, decision, outcome, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Operation, e.Actor, nullString(e.Target), e.Timestamp.UnixNano(), nullJSON(e.Payload),
		e.InputsHash, e.Decision, nullString(e.Outcome), nullString(e.Reason),
	)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "write_audit", fmt.Errorf("insert audit: %w", err))
	}
	return &e, nil
}

// ListAudit implements list_audit, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	var where []string
	var args []any
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, f.Operation)
	}
	if f.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, f.Decision)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixNano())
	}

	query := `SELECT id, operation, actor, target, timestamp, payload, inputs_hash, decision, outcome, reason FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "list_audit", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var ts int64
		var target, payload, outcome, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.Operation, &e.Actor, &target, &ts, &payload, &e.InputsHash, &e.Decision, &outcome, &reason); err != nil {
			return nil, coorderr.Wrap(coorderr.KindInternal, "list_audit", err)
		}
		e.Target = target.String
		e.Timestamp = fromNanos(ts)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.Outcome = outcome.String
		e.Reason = reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Memory Operations ---

// Remember implements remember.
func (s *SQLiteStore) Remember(ctx context.Context, m models.Memory) (*models.Memory, error) {
	m.ID = uuid.New().String()
	m.CreatedAt = s.clock()
	tags, _ := json.Marshal(m.Tags)
	if m.Tags == nil {
		tags = []byte("[]")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_items (id, agent_name, kind, content, tags, task_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AgentName, m.Kind, m.Content, string(tags), nullString(m.TaskID), m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "remember", fmt.Errorf("insert memory: %w", err))
	}
	return &m, nil
}

// Recall implements recall: a substring search over memory content.
func (s *SQLiteStore) Recall(ctx context.Context, query string, limit int) ([]models.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_name, kind, content, tags, task_id, created_at FROM memory_items
		 WHERE content LIKE ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		"%"+strings.TrimSpace(query)+"%", limit,
	)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindStoreUnavailable, "recall", err)
	}
	defer rows.Close()

	var items []models.Memory
	for rows.Next() {
		var m models.Memory
		var tags string
		var taskID sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.AgentName, &m.Kind, &m.Content, &tags, &taskID, &createdAt); err != nil {
			return nil, coorderr.Wrap(coorderr.KindInternal, "recall", fmt.Errorf("scan memory: %w", err))
		}
		_ = json.Unmarshal([]byte(tags), &m.Tags)
		m.TaskID = taskID.String
		m.CreatedAt = fromNanos(createdAt)
		items = append(items, m)
	}
	return items, rows.Err()
}

// --- helpers ---

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const taskColumns = `id, task_type, description, status, priority, input_data, claimed_by, claimed_at,
	result, error_code, error_message, deadline, created_at, completed_at`

func getTask(ctx context.Context, q querier, id string) (*models.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	deps, err := taskDependencies(ctx, q, id)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps
	return task, nil
}

func scanTask(scan func(dest ...any) error) (*models.Task, error) {
	var t models.Task
	var input, claimedBy, result, errCode, errMsg sql.NullString
	var claimedAt, deadline, completedAt sql.NullInt64
	var createdAt int64

	err := scan(&t.ID, &t.TaskType, &t.Description, &t.Status, &t.Priority, &input, &claimedBy, &claimedAt,
		&result, &errCode, &errMsg, &deadline, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if input.Valid {
		t.InputData = json.RawMessage(input.String)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.ClaimedBy = claimedBy.String
	t.ErrorCode = errCode.String
	t.ErrorMessage = errMsg.String
	t.ClaimedAt = ptrNanos(claimedAt)
	t.Deadline = ptrNanos(deadline)
	t.CompletedAt = ptrNanos(completedAt)
	t.CreatedAt = fromNanos(createdAt)
	return &t, nil
}

func taskDependencies(ctx context.Context, q querier, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on`, id)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func ptrNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "unique constraint")
}
