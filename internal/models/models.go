// Package models defines the core domain types for the coordinator.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Valid reports whether s is one of the known task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusClaimed, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// LockTypeExclusive is the only lock type: one holder per key.
const LockTypeExclusive = "exclusive"

// Lock represents an exclusive lock on a file path or logical key.
type Lock struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	LockType   string    `json:"lock_type"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Active reports whether the lock is still in force at now.
func (l Lock) Active(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// LockConflict describes the lock that prevented an acquire.
type LockConflict struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *LockConflict) Error() string {
	return fmt.Sprintf("%s is locked by %s until %s", c.Key, c.Holder, c.ExpiresAt.Format(time.RFC3339))
}

// Task represents a unit of work in the queue.
type Task struct {
	ID           string          `json:"id"`
	TaskType     string          `json:"task_type"`
	Description  string          `json:"description"`
	Status       TaskStatus      `json:"status"`
	Priority     int             `json:"priority"`
	InputData    json.RawMessage `json:"input_data,omitempty"`
	ClaimedBy    string          `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	DependsOn    []string        `json:"depends_on,omitempty"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// NewTask carries the producer-supplied fields of a task.
type NewTask struct {
	TaskType    string          `json:"task_type"`
	Description string          `json:"description"`
	InputData   json.RawMessage `json:"input_data,omitempty"`
	Priority    int             `json:"priority"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
}

// Completion is the terminal outcome recorded for a task.
type Completion struct {
	TaskID       string          `json:"task_id"`
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Handoff is a session summary persisted for the next session of an agent.
type Handoff struct {
	ID        string    `json:"id"`
	AgentName string    `json:"agent_name"`
	Summary   string    `json:"summary"`
	NextSteps []string  `json:"next_steps"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit decisions.
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
)

// AuditEntry records one attempted mutation, allowed or not.
type AuditEntry struct {
	ID         string          `json:"id"`
	Operation  string          `json:"operation"`
	Actor      string          `json:"actor"`
	Target     string          `json:"target,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	InputsHash string          `json:"inputs_hash"`
	Decision   string          `json:"decision"`
	Outcome    string          `json:"outcome,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// AuditFilter narrows an audit listing. Zero values match everything.
type AuditFilter struct {
	Actor     string
	Operation string
	Decision  string
	Since     time.Time
	Limit     int
}

// Memory kinds.
const (
	MemoryEpisodic   = "episodic"
	MemoryProcedural = "procedural"
)

// Memory is an agent-written knowledge snippet.
type Memory struct {
	ID        string    `json:"id"`
	AgentName string    `json:"agent_name"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
