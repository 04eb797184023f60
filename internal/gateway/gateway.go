// Package gateway is the single funnel for every mutating operation.
//
// Each mutation is evaluated against the policy, audited, and only then
// performed. A denied request never reaches the underlying service. An
// audit write that fails after an allowed mutation is logged as degraded
// and does not fail the mutation. Reads bypass the funnel.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/fentz26/agent-coordinator/internal/audit"
	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/handoff"
	"github.com/fentz26/agent-coordinator/internal/lock"
	"github.com/fentz26/agent-coordinator/internal/memory"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/policy"
	"github.com/fentz26/agent-coordinator/internal/workqueue"
	"github.com/rs/zerolog"
)

// Auditor records audit entries.
type Auditor interface {
	Write(ctx context.Context, r audit.Record) (*models.AuditEntry, error)
	List(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error)
}

// Deps are the services behind the gateway.
type Deps struct {
	Policy   *policy.Engine
	Locks    *lock.Service
	Queue    *workqueue.Service
	Handoffs *handoff.Service
	Memory   *memory.Service
	Audit    Auditor
}

// Gateway mediates all mutations.
type Gateway struct {
	policy   *policy.Engine
	locks    *lock.Service
	queue    *workqueue.Service
	handoffs *handoff.Service
	memory   *memory.Service
	audit    Auditor
	log      zerolog.Logger
}

// New checks every dependency is present.
func New(d Deps, logger zerolog.Logger) (*Gateway, error) {
	missing := []string{}
	if d.Policy == nil {
		missing = append(missing, "policy")
	}
	if d.Locks == nil {
		missing = append(missing, "locks")
	}
	if d.Queue == nil {
		missing = append(missing, "queue")
	}
	if d.Handoffs == nil {
		missing = append(missing, "handoffs")
	}
	if d.Memory == nil {
		missing = append(missing, "memory")
	}
	if d.Audit == nil {
		missing = append(missing, "audit")
	}
	if len(missing) > 0 {
		return nil, coorderr.E(coorderr.KindConfig, "gateway", "missing dependencies: %s", strings.Join(missing, ", "))
	}
	return &Gateway{
		policy:   d.Policy,
		locks:    d.Locks,
		queue:    d.Queue,
		handoffs: d.Handoffs,
		memory:   d.Memory,
		audit:    d.Audit,
		log:      logger.With().Str("component", "gateway").Logger(),
	}, nil
}

// GuardrailReport is the result of check_guardrails.
type GuardrailReport struct {
	Passed     bool               `json:"passed"`
	Violations []policy.Violation `json:"violations"`
}

// funnel evaluates req, audits the attempt and runs fn when allowed.
func funnel[T any](ctx context.Context, g *Gateway, req policy.Request, inputs any, fn func() (T, error)) (T, error) {
	var zero T

	d := g.policy.Evaluate(req)
	if !d.Allowed {
		g.log.Info().Str("op", req.Op.String()).Str("actor", req.Actor).Str("target", req.Target).
			Str("rule", d.Rule).Msg("policy denied")
		g.record(ctx, req, inputs, models.DecisionDenied, "", d.Reason)
		return zero, coorderr.E(coorderr.KindPolicyDenied, req.Op.String(), "%s", d.Reason)
	}

	out, err := fn()
	outcome := "success"
	if err != nil {
		outcome = coorderr.KindOf(err).String()
	}
	g.record(ctx, req, inputs, models.DecisionAllowed, outcome, d.Rule)
	return out, err
}

// auditTimeout bounds an audit write once it is detached from the caller.
const auditTimeout = 5 * time.Second

// record writes an audit entry. Failure is degraded mode, not an error. The
// write outlives the caller's context so a client that hangs up after the
// mutation committed does not lose the entry.
func (g *Gateway) record(ctx context.Context, req policy.Request, inputs any, decision, outcome, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	_, err := g.audit.Write(ctx, audit.Record{
		Operation: req.Op.String(),
		Actor:     req.Actor,
		Target:    req.Target,
		Inputs:    inputs,
		Decision:  decision,
		Outcome:   outcome,
		Reason:    reason,
	})
	if err != nil {
		g.log.Warn().Err(err).Str("op", req.Op.String()).Str("actor", req.Actor).
			Str("decision", decision).Msg("audit degraded")
	}
}

// --- Mutations ---

type lockInputs struct {
	Key string        `json:"key"`
	TTL time.Duration `json:"ttl,omitempty"`
}

// AcquireLock takes key for actor.
func (g *Gateway) AcquireLock(ctx context.Context, actor, key string, ttl time.Duration) (*models.Lock, error) {
	req := policy.Request{Op: policy.OpAcquireLock, Actor: actor, Target: strings.TrimSpace(key)}
	return funnel(ctx, g, req, lockInputs{Key: key, TTL: ttl}, func() (*models.Lock, error) {
		return g.locks.Acquire(ctx, key, actor, ttl)
	})
}

// ReleaseLock drops actor's lock on key.
func (g *Gateway) ReleaseLock(ctx context.Context, actor, key string) (bool, error) {
	req := policy.Request{Op: policy.OpReleaseLock, Actor: actor, Target: strings.TrimSpace(key)}
	return funnel(ctx, g, req, lockInputs{Key: key}, func() (bool, error) {
		return g.locks.Release(ctx, key, actor)
	})
}

// SubmitWork enqueues a task on behalf of actor.
func (g *Gateway) SubmitWork(ctx context.Context, actor string, nt models.NewTask) (*models.Task, error) {
	req := policy.Request{Op: policy.OpSubmitWork, Actor: actor, Target: strings.TrimSpace(nt.TaskType)}
	return funnel(ctx, g, req, nt, func() (*models.Task, error) {
		return g.queue.Create(ctx, nt)
	})
}

type claimInputs struct {
	AgentID   string   `json:"agent_id"`
	TaskTypes []string `json:"task_types,omitempty"`
}

// ClaimWork claims the next eligible task for actor, restricted to taskTypes
// when any are given. It returns nil when the queue has nothing eligible.
func (g *Gateway) ClaimWork(ctx context.Context, actor string, taskTypes ...string) (*models.Task, error) {
	req := policy.Request{Op: policy.OpClaimWork, Actor: actor}
	return funnel(ctx, g, req, claimInputs{AgentID: actor, TaskTypes: taskTypes}, func() (*models.Task, error) {
		return g.queue.Claim(ctx, actor, taskTypes...)
	})
}

// CompleteWork records a task's outcome.
func (g *Gateway) CompleteWork(ctx context.Context, actor string, c models.Completion) (*models.Task, error) {
	req := policy.Request{Op: policy.OpCompleteWork, Actor: actor, Target: strings.TrimSpace(c.TaskID)}
	return funnel(ctx, g, req, c, func() (*models.Task, error) {
		return g.queue.Complete(ctx, c)
	})
}

type cancelInputs struct {
	TaskID       string `json:"task_id"`
	CancelReason string `json:"cancel_reason"`
	// Filled in after the cancel runs.
	Cascaded []string `json:"cascaded,omitempty"`
	Blocked  []string `json:"blocked,omitempty"`
}

// CancelWork cancels a task. It is a complete_work call under the
// cancellation convention and is audited as one; the entry lists every
// dependent the cancel failed or left blocked.
func (g *Gateway) CancelWork(ctx context.Context, actor, taskID, reason string) (*workqueue.CancelResult, error) {
	req := policy.Request{Op: policy.OpCompleteWork, Actor: actor, Target: strings.TrimSpace(taskID)}
	inputs := &cancelInputs{TaskID: taskID, CancelReason: reason}
	return funnel(ctx, g, req, inputs, func() (*workqueue.CancelResult, error) {
		res, err := g.queue.Cancel(ctx, taskID, reason)
		if res != nil {
			inputs.Cascaded, inputs.Blocked = res.Cascaded, res.Blocked
		}
		return res, err
	})
}

// WriteHandoff stores a handoff. Agents may only write their own.
func (g *Gateway) WriteHandoff(ctx context.Context, actor string, h models.Handoff) (*models.Handoff, error) {
	req := policy.Request{Op: policy.OpWriteHandoff, Actor: actor, Target: strings.TrimSpace(h.AgentName)}
	return funnel(ctx, g, req, h, func() (*models.Handoff, error) {
		return g.handoffs.Write(ctx, h)
	})
}

// Remember stores a memory attributed to actor.
func (g *Gateway) Remember(ctx context.Context, actor string, m models.Memory) (*models.Memory, error) {
	m.AgentName = actor
	req := policy.Request{Op: policy.OpRemember, Actor: actor, Target: m.TaskID, Content: m.Content}
	return funnel(ctx, g, req, m, func() (*models.Memory, error) {
		return g.memory.Remember(ctx, m)
	})
}

// CheckGuardrails runs the guardrails over text. The check itself is audited.
func (g *Gateway) CheckGuardrails(ctx context.Context, actor, text string) (*GuardrailReport, error) {
	req := policy.Request{Op: policy.OpCheckGuardrails, Actor: actor, Content: text}
	return funnel(ctx, g, req, map[string]string{"text": text}, func() (*GuardrailReport, error) {
		vs := g.policy.CheckGuardrails(text)
		if vs == nil {
			vs = []policy.Violation{}
		}
		return &GuardrailReport{Passed: !policy.Blocking(vs), Violations: vs}, nil
	})
}

// --- Reads ---

// Locks lists active locks.
func (g *Gateway) Locks(ctx context.Context) ([]models.Lock, error) {
	return g.locks.Check(ctx)
}

// Task returns a task or nil.
func (g *Gateway) Task(ctx context.Context, id string) (*models.Task, error) {
	return g.queue.Get(ctx, id)
}

// Tasks lists tasks by status.
func (g *Gateway) Tasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	return g.queue.List(ctx, status)
}

// Handoffs returns an agent's latest handoffs.
func (g *Gateway) Handoffs(ctx context.Context, agent string, limit int) ([]models.Handoff, error) {
	return g.handoffs.Latest(ctx, agent, limit)
}

// Recall searches memories.
func (g *Gateway) Recall(ctx context.Context, query string, limit int) ([]models.Memory, error) {
	return g.memory.Recall(ctx, query, limit)
}

// AuditLog lists audit entries.
func (g *Gateway) AuditLog(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	return g.audit.List(ctx, f)
}
