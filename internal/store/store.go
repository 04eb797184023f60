// Package store provides the persistent coordination store.
//
// The Store interface is the procedure surface: each method corresponds to
// exactly one named procedure in Procedures, and every operation that reads
// then writes a shared invariant (acquire_lock, claim_task, complete_task,
// create_task) runs as a single atomic store-side operation. Two backends
// implement it: SQLite (default, pure Go) and Postgres (stored procedures).
package store

import (
	"context"
	"time"

	"github.com/fentz26/agent-coordinator/internal/models"
)

// Store is the persistence contract shared by every backend.
type Store interface {
	// AcquireLock takes key for holder, refreshing the TTL when holder
	// already owns it. A live lock owned by someone else yields a Conflict
	// error wrapping *models.LockConflict.
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (*models.Lock, error)
	// ReleaseLock drops key if holder owns a live lock on it.
	ReleaseLock(ctx context.Context, key, holder string) (bool, error)
	// ActiveLocks lists unexpired locks.
	ActiveLocks(ctx context.Context) ([]models.Lock, error)

	CreateTask(ctx context.Context, t models.NewTask) (*models.Task, error)
	// ClaimTask returns nil, nil when no task is eligible. A non-empty
	// taskTypes restricts the claim to tasks of those types.
	ClaimTask(ctx context.Context, agentID string, taskTypes ...string) (*models.Task, error)
	CompleteTask(ctx context.Context, c models.Completion) (*models.Task, error)
	// GetTask returns nil, nil when the task does not exist.
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	// PendingDependents lists pending tasks that depend directly on taskID.
	PendingDependents(ctx context.Context, taskID string) ([]string, error)

	WriteHandoff(ctx context.Context, h models.Handoff) (*models.Handoff, error)
	ReadHandoffs(ctx context.Context, agentName string, limit int) ([]models.Handoff, error)

	WriteAudit(ctx context.Context, e models.AuditEntry) (*models.AuditEntry, error)
	ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error)

	Remember(ctx context.Context, m models.Memory) (*models.Memory, error)
	Recall(ctx context.Context, query string, limit int) ([]models.Memory, error)

	Ping(ctx context.Context) error
	Close() error
}

// Procedure names a store-side operation.
type Procedure struct {
	Name     string
	Mutating bool
}

// Procedures is the canonical list of store procedures. Backends must
// implement each one under the same name; the Postgres migrations define a
// function per entry.
var Procedures = []Procedure{
	{Name: "acquire_lock", Mutating: true},
	{Name: "release_lock", Mutating: true},
	{Name: "check_locks"},
	{Name: "create_task", Mutating: true},
	{Name: "claim_task", Mutating: true},
	{Name: "complete_task", Mutating: true},
	{Name: "get_task"},
	{Name: "list_tasks"},
	{Name: "pending_dependents"},
	{Name: "write_handoff", Mutating: true},
	{Name: "read_handoffs"},
	{Name: "write_audit", Mutating: true},
	{Name: "list_audit"},
	{Name: "remember", Mutating: true},
	{Name: "recall"},
}

// ProcedureNames returns the names in Procedures.
func ProcedureNames() []string {
	names := make([]string, len(Procedures))
	for i, p := range Procedures {
		names[i] = p.Name
	}
	return names
}

// TTLMinutes converts a lock TTL to the whole minutes the acquire_lock
// procedure takes, rounding up with a floor of one minute.
func TTLMinutes(ttl time.Duration) int {
	m := int((ttl + time.Minute - 1) / time.Minute)
	if m < 1 {
		return 1
	}
	return m
}
