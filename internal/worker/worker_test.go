package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/agent-coordinator/internal/audit"
	"github.com/fentz26/agent-coordinator/internal/connectors"
	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
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

var ctx = context.Background()

// mockConnector records executions and returns a fixed exit code.
type mockConnector struct {
	mu       sync.Mutex
	runs     map[string]int
	exitCode int
	onExec   func()
}

func (m *mockConnector) Name() string {
	return "mock"
}

func (m *mockConnector) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	m.mu.Lock()
	if m.runs == nil {
		m.runs = make(map[string]int)
	}
	m.runs[args[len(args)-1]]++
	m.mu.Unlock()
	if m.onExec != nil {
		m.onExec()
	}
	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: m.exitCode,
		Stdout:   "mock output",
		Stderr:   "line one\nboom",
	}, nil
}

func (m *mockConnector) IsAllowed(cmd string, args []string) bool {
	return cmd == "go" && len(args) > 0
}

func newTestGateway(t *testing.T) *gateway.Gateway {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine, _ := policy.NewEngine(nil)
	locks, _ := lock.NewService(st, 5*time.Minute, zerolog.Nop())
	queue, _ := workqueue.NewService(st, workqueue.CancelCascade, zerolog.Nop())
	gw, err := gateway.New(gateway.Deps{
		Policy:   engine,
		Locks:    locks,
		Queue:    queue,
		Handoffs: handoff.NewService(st),
		Memory:   memory.NewService(st),
		Audit:    audit.NewWriter(st),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("gateway.New failed: %v", err)
	}
	return gw
}

func newTestPool(t *testing.T, gw *gateway.Gateway, conn connectors.Connector, cfg Config) *Pool {
	p, err := New(GatewayCoordinator{Gateway: gw, AgentID: "worker-1"}, conn, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func submitExec(t *testing.T, gw *gateway.Gateway, args ...string) *models.Task {
	input, _ := json.Marshal(ExecInput{Command: "go", Args: args})
	task, err := gw.SubmitWork(ctx, "orchestrator", models.NewTask{TaskType: TaskTypeExec, InputData: input})
	if err != nil {
		t.Fatalf("SubmitWork failed: %v", err)
	}
	return task
}

func TestRunOnce_Success(t *testing.T) {
	gw := newTestGateway(t)
	pool := newTestPool(t, gw, &mockConnector{}, DefaultConfig())

	if worked, err := pool.RunOnce(ctx); err != nil || worked {
		t.Fatalf("Empty queue: worked=%v err=%v", worked, err)
	}

	task := submitExec(t, gw, "test", "a")
	worked, err := pool.RunOnce(ctx)
	if err != nil || !worked {
		t.Fatalf("RunOnce failed: worked=%v err=%v", worked, err)
	}

	got, _ := gw.Task(ctx, task.ID)
	if got.Status != models.TaskStatusCompleted || got.ClaimedBy != "worker-1" {
		t.Fatalf("Expected completed by worker-1, got %+v", got)
	}
	var res connectors.ExecResult
	if err := json.Unmarshal(got.Result, &res); err != nil || res.Stdout != "mock output" {
		t.Errorf("Unexpected result %s: %v", got.Result, err)
	}
	if s := pool.GetStats(); s.Completed != 1 || s.Active != 0 {
		t.Errorf("Unexpected stats: %+v", s)
	}
}

func TestRunOnce_Failures(t *testing.T) {
	tests := []struct {
		name  string
		input models.NewTask
		exit  int
		code  string
	}{
		{"missing input", models.NewTask{TaskType: TaskTypeExec}, 0, CodeBadInput},
		{"not allowed", models.NewTask{TaskType: TaskTypeExec, InputData: json.RawMessage(`{"command":"rm","args":["-rf","/"]}`)}, 0, CodeNotAllowed},
		{"non-zero exit", models.NewTask{TaskType: TaskTypeExec, InputData: json.RawMessage(`{"command":"go","args":["test","x"]}`)}, 2, CodeNonZeroExit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newTestGateway(t)
			pool := newTestPool(t, gw, &mockConnector{exitCode: tt.exit}, DefaultConfig())

			task, err := gw.SubmitWork(ctx, "orchestrator", tt.input)
			if err != nil {
				t.Fatalf("SubmitWork failed: %v", err)
			}
			if _, err := pool.RunOnce(ctx); err != nil {
				t.Fatalf("RunOnce failed: %v", err)
			}

			got, _ := gw.Task(ctx, task.ID)
			if got.Status != models.TaskStatusFailed || got.ErrorCode != tt.code || got.ErrorMessage == "" {
				t.Errorf("Expected failed with %s, got %+v", tt.code, got)
			}
			if s := pool.GetStats(); s.Failed != 1 {
				t.Errorf("Unexpected stats: %+v", s)
			}
		})
	}
}

func TestRunOnce_LeavesOtherTaskTypes(t *testing.T) {
	gw := newTestGateway(t)
	conn := &mockConnector{}
	pool := newTestPool(t, gw, conn, DefaultConfig())

	review, err := gw.SubmitWork(ctx, "orchestrator", models.NewTask{TaskType: "code_review", Priority: 9})
	if err != nil {
		t.Fatalf("SubmitWork failed: %v", err)
	}
	if worked, err := pool.RunOnce(ctx); err != nil || worked {
		t.Fatalf("Pool must not claim code_review: worked=%v err=%v", worked, err)
	}

	build := submitExec(t, gw, "build", "./...")
	if worked, err := pool.RunOnce(ctx); err != nil || !worked {
		t.Fatalf("RunOnce failed: worked=%v err=%v", worked, err)
	}
	if got, _ := gw.Task(ctx, build.ID); got.Status != models.TaskStatusCompleted {
		t.Errorf("Expected exec task completed, got %+v", got)
	}

	got, _ := gw.Task(ctx, review.ID)
	if got.Status != models.TaskStatusPending || got.ClaimedBy != "" {
		t.Errorf("code_review must stay pending for its agent, got %+v", got)
	}
	claimed, err := gw.ClaimWork(ctx, "reviewer", "code_review")
	if err != nil || claimed == nil || claimed.ID != review.ID {
		t.Errorf("Reviewer should claim code_review, got %+v, %v", claimed, err)
	}
}

// staticCoordinator hands out one fixed task regardless of filters.
type staticCoordinator struct {
	task      *models.Task
	gotTypes  []string
	completed *models.Completion
}

func (c *staticCoordinator) ClaimTask(ctx context.Context, taskTypes ...string) (*models.Task, error) {
	c.gotTypes = taskTypes
	t := c.task
	c.task = nil
	return t, nil
}

func (c *staticCoordinator) CompleteTask(ctx context.Context, comp models.Completion) (*models.Task, error) {
	c.completed = &comp
	return &models.Task{ID: comp.TaskID, Status: models.TaskStatusFailed}, nil
}

func TestRunOnce_UnsupportedTypeFromCoordinator(t *testing.T) {
	coord := &staticCoordinator{task: &models.Task{ID: "t1", TaskType: "review", Status: models.TaskStatusClaimed}}
	pool, err := New(coord, &mockConnector{}, DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if worked, err := pool.RunOnce(ctx); err != nil || !worked {
		t.Fatalf("RunOnce failed: worked=%v err=%v", worked, err)
	}
	if len(coord.gotTypes) != 1 || coord.gotTypes[0] != TaskTypeExec {
		t.Errorf("Expected claim filtered to exec, got %v", coord.gotTypes)
	}
	if coord.completed == nil || coord.completed.Success || coord.completed.ErrorCode != CodeUnsupported {
		t.Errorf("Expected unsupported_task_type failure, got %+v", coord.completed)
	}
}

func TestRunOnce_CancelledWhileRunning(t *testing.T) {
	gw := newTestGateway(t)
	task := submitExec(t, gw, "test", "slow")

	conn := &mockConnector{}
	conn.onExec = func() {
		if _, err := gw.CancelWork(ctx, "orchestrator", task.ID, "superseded"); err != nil {
			t.Errorf("CancelWork failed: %v", err)
		}
	}
	pool := newTestPool(t, gw, conn, DefaultConfig())

	worked, err := pool.RunOnce(ctx)
	if err != nil || !worked {
		t.Fatalf("Late completion should be dropped quietly: worked=%v err=%v", worked, err)
	}
	got, _ := gw.Task(ctx, task.ID)
	if got.ErrorCode != workqueue.CancelErrorCode {
		t.Errorf("Cancellation must stand, got %+v", got)
	}
}

func TestRun_DrainsQueueWithoutDoubleExecution(t *testing.T) {
	gw := newTestGateway(t)
	conn := &mockConnector{}
	pool := newTestPool(t, gw, conn, Config{Concurrency: 4, PollInterval: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})

	const n = 12
	for i := 0; i < n; i++ {
		submitExec(t, gw, "test", string(rune('a'+i)))
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	deadline := time.After(10 * time.Second)
	for {
		completed, _ := gw.Tasks(ctx, models.TaskStatusCompleted)
		if len(completed) == n {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("Timeout: %d/%d tasks completed", len(completed), n)
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.runs) != n {
		t.Errorf("Expected %d distinct executions, got %d", n, len(conn.runs))
	}
	for arg, count := range conn.runs {
		if count != 1 {
			t.Errorf("Task %s executed %d times", arg, count)
		}
	}
}

func TestConfig(t *testing.T) {
	cfg := Config{Concurrency: 1, PollInterval: time.Second, MaxBackoff: 5 * time.Second}

	var b time.Duration
	var got []time.Duration
	for i := 0; i < 5; i++ {
		b = cfg.nextBackoff(b)
		got = append(got, b)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backoff[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if err := (Config{}).Validate(); !coorderr.Is(err, coorderr.ErrConfig) {
		t.Errorf("Expected config error, got %v", err)
	}
	if err := (Config{Concurrency: 1, PollInterval: time.Second, MaxBackoff: time.Millisecond}).Validate(); err == nil {
		t.Error("Expected error when max backoff < poll interval")
	}
}
