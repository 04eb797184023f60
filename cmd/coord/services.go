package main

import (
	"context"
	"time"

	"github.com/fentz26/agent-coordinator/internal/audit"
	"github.com/fentz26/agent-coordinator/internal/config"
	"github.com/fentz26/agent-coordinator/internal/controlplane"
	"github.com/fentz26/agent-coordinator/internal/gateway"
	"github.com/fentz26/agent-coordinator/internal/handoff"
	"github.com/fentz26/agent-coordinator/internal/lock"
	"github.com/fentz26/agent-coordinator/internal/memory"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/policy"
	"github.com/fentz26/agent-coordinator/internal/store"
	"github.com/fentz26/agent-coordinator/internal/workqueue"
	"github.com/rs/zerolog"
)

// services is the in-process core: store, services and the gateway in
// front of them.
type services struct {
	store   store.Store
	gateway *gateway.Gateway
}

func buildServices(ctx context.Context, c *config.Config, logger zerolog.Logger) (*services, error) {
	pcfg, err := policy.LoadConfig(c.Policy.File)
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(pcfg)
	if err != nil {
		return nil, err
	}
	cancelPolicy, err := workqueue.ParseCancelPolicy(c.Queue.CancelPolicy)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, c.Store.URL)
	if err != nil {
		return nil, err
	}
	locks, err := lock.NewService(st, c.Lock.DefaultTTL, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	queue, err := workqueue.NewService(st, cancelPolicy, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	gw, err := gateway.New(gateway.Deps{
		Policy:   engine,
		Locks:    locks,
		Queue:    queue,
		Handoffs: handoff.NewService(st),
		Memory:   memory.NewService(st),
		Audit:    audit.NewWriter(st),
	}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	logger.Debug().Int("rules", len(pcfg.Rules)).Str("cancel_policy", c.Queue.CancelPolicy).Msg("services ready")
	return &services{store: st, gateway: gw}, nil
}

func (s *services) Close() error {
	return s.store.Close()
}

// backend is what the CLI subcommands need. The daemon client and the
// in-process gateway both provide it.
type backend interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (*models.Lock, error)
	ReleaseLock(ctx context.Context, key string) (bool, error)
	Locks(ctx context.Context) ([]models.Lock, error)
	SubmitTask(ctx context.Context, nt models.NewTask) (*models.Task, error)
	ClaimTask(ctx context.Context, taskTypes ...string) (*models.Task, error)
	CompleteTask(ctx context.Context, c models.Completion) (*models.Task, error)
	CancelTask(ctx context.Context, id, reason string) (*workqueue.CancelResult, error)
	Task(ctx context.Context, id string) (*models.Task, error)
	Tasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	Remember(ctx context.Context, m models.Memory) (*models.Memory, error)
	Recall(ctx context.Context, query string, limit int) ([]models.Memory, error)
	CheckGuardrails(ctx context.Context, text string) (*gateway.GuardrailReport, error)
	Handoffs(ctx context.Context, agent string, limit int) ([]models.Handoff, error)
	AuditLog(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error)
}

var (
	_ backend = (*controlplane.Client)(nil)
	_ backend = (*localBackend)(nil)
)

// localBackend drives the gateway in-process as one actor.
type localBackend struct {
	gw    *gateway.Gateway
	actor string
}

func (l *localBackend) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*models.Lock, error) {
	return l.gw.AcquireLock(ctx, l.actor, key, ttl)
}

func (l *localBackend) ReleaseLock(ctx context.Context, key string) (bool, error) {
	return l.gw.ReleaseLock(ctx, l.actor, key)
}

func (l *localBackend) Locks(ctx context.Context) ([]models.Lock, error) {
	return l.gw.Locks(ctx)
}

func (l *localBackend) SubmitTask(ctx context.Context, nt models.NewTask) (*models.Task, error) {
	return l.gw.SubmitWork(ctx, l.actor, nt)
}

func (l *localBackend) ClaimTask(ctx context.Context, taskTypes ...string) (*models.Task, error) {
	return l.gw.ClaimWork(ctx, l.actor, taskTypes...)
}

func (l *localBackend) CompleteTask(ctx context.Context, c models.Completion) (*models.Task, error) {
	return l.gw.CompleteWork(ctx, l.actor, c)
}

func (l *localBackend) CancelTask(ctx context.Context, id, reason string) (*workqueue.CancelResult, error) {
	return l.gw.CancelWork(ctx, l.actor, id, reason)
}

func (l *localBackend) Task(ctx context.Context, id string) (*models.Task, error) {
	return l.gw.Task(ctx, id)
}

func (l *localBackend) Tasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	return l.gw.Tasks(ctx, status)
}

func (l *localBackend) Remember(ctx context.Context, m models.Memory) (*models.Memory, error) {
	return l.gw.Remember(ctx, l.actor, m)
}

func (l *localBackend) Recall(ctx context.Context, query string, limit int) ([]models.Memory, error) {
	return l.gw.Recall(ctx, query, limit)
}

func (l *localBackend) CheckGuardrails(ctx context.Context, text string) (*gateway.GuardrailReport, error) {
	return l.gw.CheckGuardrails(ctx, l.actor, text)
}

func (l *localBackend) Handoffs(ctx context.Context, agent string, limit int) ([]models.Handoff, error) {
	return l.gw.Handoffs(ctx, agent, limit)
}

func (l *localBackend) AuditLog(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	return l.gw.AuditLog(ctx, f)
}

func (l *localBackend) WriteHandoff(ctx context.Context, h models.Handoff) (*models.Handoff, error) {
	return l.gw.WriteHandoff(ctx, l.actor, h)
}

// openBackend returns the daemon client, or the in-process gateway with
// --direct. The returned func releases it.
func openBackend(ctx context.Context) (backend, func(), error) {
	if !direct {
		return controlplane.NewClient(cfg.HTTP.URL, cfg.Agent.ID, cfg.Service.Credential), func() {}, nil
	}
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := svc.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing store")
		}
	}
	return &localBackend{gw: svc.gateway, actor: cfg.Agent.ID}, closeFn, nil
}
