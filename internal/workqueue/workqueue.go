// Package workqueue implements the dependency-aware task queue: producers
// create tasks, agents claim the highest-priority eligible task, and every
// task ends completed or failed exactly once.
package workqueue

import (
	"context"
	"strings"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/store"
	"github.com/rs/zerolog"
)

// CancelErrorCode is the error code recorded on cancelled tasks.
const CancelErrorCode = "cancelled_by_orchestrator"

// CancelMessagePrefix starts the error message of every cancelled task.
const CancelMessagePrefix = "Cancelled by orchestrator: "

// CancelPolicy decides what happens to pending dependents of a cancelled task.
type CancelPolicy string

const (
	// CancelCascade cancels pending dependents recursively.
	CancelCascade CancelPolicy = "cascade"
	// CancelManual leaves dependents pending and reports them as blocked.
	CancelManual CancelPolicy = "manual"
)

// ParseCancelPolicy parses a configured policy name. Empty means cascade.
func ParseCancelPolicy(s string) (CancelPolicy, error) {
	switch CancelPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", CancelCascade:
		return CancelCascade, nil
	case CancelManual:
		return CancelManual, nil
	}
	return "", coorderr.E(coorderr.KindConfig, "cancel policy", "unknown cancel policy %q (want cascade or manual)", s)
}

// CancelResult reports a cancellation and what it did to dependents.
type CancelResult struct {
	Task     *models.Task `json:"task"`
	Cascaded []string     `json:"cascaded,omitempty"`
	Blocked  []string     `json:"blocked,omitempty"`
}

// Service is the work queue.
type Service struct {
	store  store.Store
	policy CancelPolicy
	log    zerolog.Logger
}

// NewService creates a work queue over st.
func NewService(st store.Store, policy CancelPolicy, logger zerolog.Logger) (*Service, error) {
	if st == nil {
		return nil, coorderr.E(coorderr.KindConfig, "work queue", "store is required")
	}
	if policy == "" {
		policy = CancelCascade
	}
	if policy != CancelCascade && policy != CancelManual {
		return nil, coorderr.E(coorderr.KindConfig, "work queue", "unknown cancel policy %q", policy)
	}
	return &Service{
		store:  st,
		policy: policy,
		log:    logger.With().Str("component", "workqueue").Logger(),
	}, nil
}

// CancelPolicy returns the configured cancellation policy.
func (s *Service) CancelPolicy() CancelPolicy {
	return s.policy
}

// Create enqueues a task. Every dependency must already exist, so the
// dependency graph is acyclic by construction.
func (s *Service) Create(ctx context.Context, nt models.NewTask) (*models.Task, error) {
	nt.TaskType = strings.TrimSpace(nt.TaskType)
	if nt.TaskType == "" {
		return nil, coorderr.E(coorderr.KindInvalid, "create_task", "task_type is required")
	}

	seen := make(map[string]bool, len(nt.DependsOn))
	deps := make([]string, 0, len(nt.DependsOn))
	for _, d := range nt.DependsOn {
		d = strings.TrimSpace(d)
		if d == "" {
			return nil, coorderr.E(coorderr.KindInvalidDependency, "create_task", "empty dependency id")
		}
		if seen[d] {
			return nil, coorderr.E(coorderr.KindInvalidDependency, "create_task", "dependency %s listed twice", d)
		}
		seen[d] = true
		deps = append(deps, d)
	}
	nt.DependsOn = deps

	task, err := s.store.CreateTask(ctx, nt)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("task_id", task.ID).Str("task_type", task.TaskType).Int("priority", task.Priority).
		Int("depends_on", len(task.DependsOn)).Msg("task created")
	return task, nil
}

// Claim hands agentID the highest-priority eligible task, or nil when none
// is eligible. It never waits. When taskTypes is non-empty only tasks of
// those types are considered.
func (s *Service) Claim(ctx context.Context, agentID string, taskTypes ...string) (*models.Task, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, coorderr.E(coorderr.KindInvalid, "claim_task", "agent id is required")
	}
	types := make([]string, 0, len(taskTypes))
	for _, tt := range taskTypes {
		if tt = strings.TrimSpace(tt); tt != "" {
			types = append(types, tt)
		}
	}
	task, err := s.store.ClaimTask(ctx, agentID, types...)
	if err != nil {
		return nil, err
	}
	if task != nil {
		s.log.Info().Str("task_id", task.ID).Str("agent", agentID).Msg("task claimed")
	}
	return task, nil
}

// Complete records a terminal outcome. A task that is already completed or
// failed is never overwritten.
func (s *Service) Complete(ctx context.Context, c models.Completion) (*models.Task, error) {
	c.TaskID = strings.TrimSpace(c.TaskID)
	if c.TaskID == "" {
		return nil, coorderr.E(coorderr.KindInvalid, "complete_task", "task id is required")
	}
	if !c.Success && strings.TrimSpace(c.ErrorMessage) == "" {
		return nil, coorderr.E(coorderr.KindInvalid, "complete_task", "error message is required for a failed task")
	}
	if c.Success {
		c.ErrorCode, c.ErrorMessage = "", ""
	} else {
		c.Result = nil
	}

	task, err := s.store.CompleteTask(ctx, c)
	if err != nil {
		return nil, err
	}
	ev := s.log.Info()
	if !c.Success {
		ev = s.log.Warn().Str("error_code", task.ErrorCode)
	}
	ev.Str("task_id", task.ID).Str("status", string(task.Status)).Msg("task finished")
	return task, nil
}

// Cancel fails taskID with the cancellation error code and a message
// starting with CancelMessagePrefix. Under CancelCascade every still-pending
// dependent is cancelled too, depth first; under CancelManual they are
// listed as blocked and left alone.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) (*CancelResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, coorderr.E(coorderr.KindInvalid, "cancel_task", "reason is required")
	}

	task, err := s.Complete(ctx, cancellation(taskID, reason))
	if err != nil {
		return nil, err
	}
	res := &CancelResult{Task: task}

	visited := map[string]bool{task.ID: true}
	if s.policy == CancelManual {
		res.Blocked, err = s.pendingClosure(ctx, task.ID, visited)
		return res, err
	}

	err = s.cascade(ctx, task.ID, reason, visited, res)
	if len(res.Cascaded) > 0 {
		s.log.Info().Str("task_id", task.ID).Strs("cascaded", res.Cascaded).Msg("cancellation propagated")
	}
	return res, err
}

func (s *Service) cascade(ctx context.Context, parentID, reason string, visited map[string]bool, res *CancelResult) error {
	dependents, err := s.store.PendingDependents(ctx, parentID)
	if err != nil {
		return err
	}
	for _, id := range dependents {
		if visited[id] {
			continue
		}
		visited[id] = true

		_, err := s.store.CompleteTask(ctx, cancellation(id, "dependency "+parentID+" cancelled: "+reason))
		switch {
		case coorderr.Is(err, coorderr.ErrAlreadyTerminal):
			// Finished concurrently; its own dependents are its concern.
			continue
		case err != nil:
			return err
		}
		res.Cascaded = append(res.Cascaded, id)

		if err := s.cascade(ctx, id, reason, visited, res); err != nil {
			return err
		}
	}
	return nil
}

// pendingClosure lists every pending task transitively blocked by rootID.
func (s *Service) pendingClosure(ctx context.Context, rootID string, visited map[string]bool) ([]string, error) {
	var out []string
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		dependents, err := s.store.PendingDependents(ctx, id)
		if err != nil {
			return out, err
		}
		for _, d := range dependents {
			if visited[d] {
				continue
			}
			visited[d] = true
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	return out, nil
}

func cancellation(taskID, reason string) models.Completion {
	return models.Completion{
		TaskID:       taskID,
		Success:      false,
		ErrorCode:    CancelErrorCode,
		ErrorMessage: CancelMessagePrefix + reason,
	}
}

// Get returns the task, or nil when it does not exist.
func (s *Service) Get(ctx context.Context, id string) (*models.Task, error) {
	return s.store.GetTask(ctx, strings.TrimSpace(id))
}

// List returns tasks, newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	if status != "" && !status.Valid() {
		return nil, coorderr.E(coorderr.KindInvalid, "list_tasks", "unknown status %q", status)
	}
	return s.store.ListTasks(ctx, status)
}

// Blocked returns the dependencies of id that are not yet completed.
func (s *Service) Blocked(ctx context.Context, id string) ([]string, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, coorderr.E(coorderr.KindNotFound, "blocked", "task %s not found", id)
	}
	var out []string
	for _, dep := range task.DependsOn {
		d, err := s.store.GetTask(ctx, dep)
		if err != nil {
			return nil, err
		}
		if d == nil || d.Status != models.TaskStatusCompleted {
			out = append(out, dep)
		}
	}
	return out, nil
}
