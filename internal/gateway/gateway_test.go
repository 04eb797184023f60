package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/agent-coordinator/internal/audit"
	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/handoff"
	"github.com/fentz26/agent-coordinator/internal/lock"
	"github.com/fentz26/agent-coordinator/internal/memory"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/policy"
	"github.com/fentz26/agent-coordinator/internal/store"
	"github.com/fentz26/agent-coordinator/internal/workqueue"
	"github.com/rs/zerolog"
)

var ctx = context.Background()

type failingAuditor struct {
	*audit.Writer
	attempts int
}

func (f *failingAuditor) Write(context.Context, audit.Record) (*models.AuditEntry, error) {
	f.attempts++
	return nil, coorderr.E(coorderr.KindStoreUnavailable, "write_audit", "disk full")
}

// hangupAuditor cancels the caller's context as the audit write starts,
// the way a disconnecting HTTP client would.
type hangupAuditor struct {
	*audit.Writer
	hangup      context.CancelFunc
	errAtWrite  error
	hasDeadline bool
}

func (h *hangupAuditor) Write(ctx context.Context, r audit.Record) (*models.AuditEntry, error) {
	h.hangup()
	h.errAtWrite = ctx.Err()
	_, h.hasDeadline = ctx.Deadline()
	return h.Writer.Write(ctx, r)
}

func newTestGateway(t *testing.T, cfg *policy.Config, auditor func(store.Store) Auditor, logger zerolog.Logger) (*Gateway, store.Store) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine, err := policy.NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	locks, _ := lock.NewService(st, 5*time.Minute, zerolog.Nop())
	queue, _ := workqueue.NewService(st, workqueue.CancelCascade, zerolog.Nop())

	var a Auditor = audit.NewWriter(st)
	if auditor != nil {
		a = auditor(st)
	}
	g, err := New(Deps{
		Policy:   engine,
		Locks:    locks,
		Queue:    queue,
		Handoffs: handoff.NewService(st),
		Memory:   memory.NewService(st),
		Audit:    a,
	}, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return g, st
}

func TestAllowedMutationIsAudited(t *testing.T) {
	g, st := newTestGateway(t, nil, nil, zerolog.Nop())

	if _, err := g.AcquireLock(ctx, "agent-1", "src/main.go", 0); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	entries, _ := st.ListAudit(ctx, models.AuditFilter{})
	if len(entries) != 1 {
		t.Fatalf("Expected 1 audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Operation != "acquire_lock" || e.Actor != "agent-1" || e.Target != "src/main.go" ||
		e.Decision != models.DecisionAllowed || e.Outcome != "success" {
		t.Errorf("Unexpected audit entry: %+v", e)
	}
	if e.InputsHash == "" || len(e.Payload) == 0 {
		t.Error("Audit entry should snapshot the inputs")
	}
}

func TestFailedMutationIsAuditedWithErrorKind(t *testing.T) {
	g, st := newTestGateway(t, nil, nil, zerolog.Nop())

	g.AcquireLock(ctx, "agent-1", "db:users", 0)
	_, err := g.AcquireLock(ctx, "agent-2", "db:users", 0)
	if !coorderr.Is(err, coorderr.ErrConflict) {
		t.Fatalf("Expected conflict, got %v", err)
	}

	entries, _ := st.ListAudit(ctx, models.AuditFilter{Actor: "agent-2"})
	if len(entries) != 1 || entries[0].Outcome != "conflict" || entries[0].Decision != models.DecisionAllowed {
		t.Errorf("Unexpected audit entries: %+v", entries)
	}
}

func TestDeniedMutationDoesNotTouchState(t *testing.T) {
	cfg := &policy.Config{
		Default: policy.EffectAllow,
		Rules: []policy.Rule{
			{Name: "no-db", Effect: policy.EffectDeny, Actors: []string{"reviewer-*"}, Targets: []string{"db:*"}},
		},
	}
	g, st := newTestGateway(t, cfg, nil, zerolog.Nop())

	_, err := g.AcquireLock(ctx, "reviewer-1", "db:users", 0)
	if !coorderr.Is(err, coorderr.ErrPolicyDenied) {
		t.Fatalf("Expected policy denied, got %v", err)
	}

	locks, _ := g.Locks(ctx)
	if len(locks) != 0 {
		t.Errorf("Denied acquire must not create a lock: %+v", locks)
	}
	entries, _ := st.ListAudit(ctx, models.AuditFilter{Decision: models.DecisionDenied})
	if len(entries) != 1 || entries[0].Reason == "" {
		t.Errorf("Denial must be audited with a reason: %+v", entries)
	}
}

func TestWriteHandoff_LeastPrivilege(t *testing.T) {
	g, _ := newTestGateway(t, nil, nil, zerolog.Nop())

	_, err := g.WriteHandoff(ctx, "builder", models.Handoff{AgentName: "reviewer", Summary: "forged"})
	if !coorderr.Is(err, coorderr.ErrPolicyDenied) {
		t.Fatalf("Expected policy denied, got %v", err)
	}
	if _, err := g.WriteHandoff(ctx, "builder", models.Handoff{AgentName: "builder", Summary: "done"}); err != nil {
		t.Fatalf("WriteHandoff failed: %v", err)
	}
	hs, _ := g.Handoffs(ctx, "reviewer", 0)
	if len(hs) != 0 {
		t.Errorf("Forged handoff was written: %+v", hs)
	}
}

// An audit failure after an allowed mutation is logged and swallowed; the
// mutation stands.
func TestAuditFailureDoesNotRollBack(t *testing.T) {
	var logs bytes.Buffer
	var fa *failingAuditor
	g, _ := newTestGateway(t, nil, func(st store.Store) Auditor {
		fa = &failingAuditor{Writer: audit.NewWriter(st)}
		return fa
	}, zerolog.New(&logs))

	task, err := g.SubmitWork(ctx, "orchestrator", models.NewTask{TaskType: "exec"})
	if err != nil {
		t.Fatalf("SubmitWork should succeed despite audit failure: %v", err)
	}
	got, _ := g.Task(ctx, task.ID)
	if got == nil {
		t.Fatal("Task should persist after audit failure")
	}
	if fa.attempts != 1 {
		t.Errorf("Expected 1 audit attempt, got %d", fa.attempts)
	}
	if !strings.Contains(logs.String(), "audit degraded") || !strings.Contains(logs.String(), `"level":"warn"`) {
		t.Errorf("Expected degraded-audit warning, got %s", logs.String())
	}
}

func TestCancelWorkAuditedAsCompleteWork(t *testing.T) {
	g, st := newTestGateway(t, nil, nil, zerolog.Nop())

	task, _ := g.SubmitWork(ctx, "orchestrator", models.NewTask{TaskType: "exec"})
	child, _ := g.SubmitWork(ctx, "orchestrator", models.NewTask{TaskType: "exec", DependsOn: []string{task.ID}})
	res, err := g.CancelWork(ctx, "orchestrator", task.ID, "scope violation")
	if err != nil {
		t.Fatalf("CancelWork failed: %v", err)
	}
	if res.Task.ErrorCode != workqueue.CancelErrorCode {
		t.Errorf("Unexpected cancel result: %+v", res.Task)
	}

	entries, _ := st.ListAudit(ctx, models.AuditFilter{Operation: "complete_work"})
	if len(entries) != 1 || entries[0].Target != task.ID {
		t.Fatalf("Expected one complete_work audit entry, got %+v", entries)
	}
	var payload cancelInputs
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
		t.Fatalf("Unreadable payload %s: %v", entries[0].Payload, err)
	}
	if payload.CancelReason != "scope violation" || len(payload.Cascaded) != 1 || payload.Cascaded[0] != child.ID {
		t.Errorf("Audit entry should name the cascaded dependent, got %+v", payload)
	}
}

func TestAuditSurvivesCallerHangup(t *testing.T) {
	var ha *hangupAuditor
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, st := newTestGateway(t, nil, func(st store.Store) Auditor {
		ha = &hangupAuditor{Writer: audit.NewWriter(st), hangup: cancel}
		return ha
	}, zerolog.Nop())

	if _, err := g.AcquireLock(callCtx, "agent-1", "db:users", 0); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if ha.errAtWrite != nil || !ha.hasDeadline {
		t.Errorf("Audit write should run detached with a deadline, got err=%v deadline=%v", ha.errAtWrite, ha.hasDeadline)
	}
	entries, _ := st.ListAudit(ctx, models.AuditFilter{Operation: "acquire_lock"})
	if len(entries) != 1 {
		t.Errorf("Expected the audit entry to be written, got %d", len(entries))
	}
}

func TestClaimAndComplete(t *testing.T) {
	g, _ := newTestGateway(t, nil, nil, zerolog.Nop())

	if none, err := g.ClaimWork(ctx, "worker-1"); err != nil || none != nil {
		t.Fatalf("Expected empty claim, got %+v, %v", none, err)
	}
	task, _ := g.SubmitWork(ctx, "orchestrator", models.NewTask{TaskType: "exec"})
	claimed, err := g.ClaimWork(ctx, "worker-1")
	if err != nil || claimed == nil || claimed.ID != task.ID {
		t.Fatalf("ClaimWork failed: %+v, %v", claimed, err)
	}
	done, err := g.CompleteWork(ctx, "worker-1", models.Completion{TaskID: task.ID, Success: true})
	if err != nil || done.Status != models.TaskStatusCompleted {
		t.Fatalf("CompleteWork failed: %+v, %v", done, err)
	}

	entries, _ := g.AuditLog(ctx, models.AuditFilter{})
	if len(entries) != 4 {
		t.Errorf("Expected 4 audited calls, got %d", len(entries))
	}
}

func TestCheckGuardrailsIsAudited(t *testing.T) {
	g, st := newTestGateway(t, nil, nil, zerolog.Nop())

	report, err := g.CheckGuardrails(ctx, "agent-1", "git push --force origin main")
	if err != nil {
		t.Fatalf("CheckGuardrails failed: %v", err)
	}
	if report.Passed || len(report.Violations) == 0 {
		t.Errorf("Expected blocking violation, got %+v", report)
	}
	entries, _ := st.ListAudit(ctx, models.AuditFilter{Operation: "check_guardrails"})
	if len(entries) != 1 {
		t.Errorf("Expected guardrail check to be audited, got %d entries", len(entries))
	}
}

func TestRememberAttributesActor(t *testing.T) {
	g, _ := newTestGateway(t, nil, nil, zerolog.Nop())

	m, err := g.Remember(ctx, "builder", models.Memory{AgentName: "someone-else", Content: "cache is warm"})
	if err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if m.AgentName != "builder" {
		t.Errorf("Memory should be attributed to the actor, got %s", m.AgentName)
	}
	items, _ := g.Recall(ctx, "cache", 0)
	if len(items) != 1 {
		t.Errorf("Expected 1 recalled item, got %d", len(items))
	}
}

func TestNew_MissingDeps(t *testing.T) {
	if _, err := New(Deps{}, zerolog.Nop()); !coorderr.Is(err, coorderr.ErrConfig) {
		t.Errorf("Expected config error, got %v", err)
	}
}
