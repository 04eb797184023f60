package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"
)

var ctx = context.Background()

func TestDependencyScenario(t *testing.T) {
	q := newTestQueue(t, CancelCascade)

	a, err := q.Create(ctx, models.NewTask{TaskType: "exec", Description: "A"})
	if err != nil {
		t.Fatalf("Create A failed: %v", err)
	}
	b, err := q.Create(ctx, models.NewTask{TaskType: "exec", Description: "B", DependsOn: []string{a.ID}})
	if err != nil {
		t.Fatalf("Create B failed: %v", err)
	}

	got, err := q.Claim(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if got == nil || got.ID != a.ID {
		t.Fatalf("Expected A, got %+v", got)
	}
	if none, _ := q.Claim(ctx, "agent-2"); none != nil {
		t.Fatalf("B must not be claimable before A completes, got %s", none.ID)
	}

	blocked, err := q.Blocked(ctx, b.ID)
	if err != nil {
		t.Fatalf("Blocked failed: %v", err)
	}
	if len(blocked) != 1 || blocked[0] != a.ID {
		t.Errorf("Expected B blocked on A, got %v", blocked)
	}

	if _, err := q.Complete(ctx, models.Completion{TaskID: a.ID, Success: true, Result: json.RawMessage(`"done"`)}); err != nil {
		t.Fatalf("Complete A failed: %v", err)
	}

	got, _ = q.Claim(ctx, "agent-2")
	if got == nil || got.ID != b.ID {
		t.Fatalf("Expected B after A completed, got %+v", got)
	}
}

func TestCreate_Validation(t *testing.T) {
	q := newTestQueue(t, CancelCascade)

	if _, err := q.Create(ctx, models.NewTask{TaskType: "  "}); !coorderr.Is(err, coorderr.ErrInvalid) {
		t.Errorf("Expected invalid for empty task type, got %v", err)
	}
	if _, err := q.Create(ctx, models.NewTask{TaskType: "exec", DependsOn: []string{"missing"}}); !coorderr.Is(err, coorderr.ErrInvalidDependency) {
		t.Errorf("Expected invalid dependency, got %v", err)
	}

	a, _ := q.Create(ctx, models.NewTask{TaskType: "exec"})
	if _, err := q.Create(ctx, models.NewTask{TaskType: "exec", DependsOn: []string{a.ID, a.ID}}); !coorderr.Is(err, coorderr.ErrInvalidDependency) {
		t.Errorf("Expected invalid dependency for duplicate, got %v", err)
	}
}

func TestComplete_Immutable(t *testing.T) {
	q := newTestQueue(t, CancelCascade)

	a, _ := q.Create(ctx, models.NewTask{TaskType: "exec"})
	q.Claim(ctx, "agent")
	if _, err := q.Complete(ctx, models.Completion{TaskID: a.ID, ErrorMessage: "compile error"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	_, err := q.Complete(ctx, models.Completion{TaskID: a.ID, Success: true, Result: json.RawMessage(`1`)})
	if !coorderr.Is(err, coorderr.ErrAlreadyTerminal) {
		t.Fatalf("Expected already terminal, got %v", err)
	}
	got, _ := q.Get(ctx, a.ID)
	if got.Status != models.TaskStatusFailed || got.ErrorMessage != "compile error" || got.Result != nil {
		t.Errorf("Terminal task changed: %+v", got)
	}

	if _, err := q.Complete(ctx, models.Completion{TaskID: "ghost", Success: true}); !coorderr.Is(err, coorderr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := q.Complete(ctx, models.Completion{TaskID: a.ID}); !coorderr.Is(err, coorderr.ErrInvalid) {
		t.Errorf("Expected invalid for failure without message, got %v", err)
	}
}

func TestCancel_Convention(t *testing.T) {
	q := newTestQueue(t, CancelCascade)

	a, _ := q.Create(ctx, models.NewTask{TaskType: "exec"})
	res, err := q.Cancel(ctx, a.ID, "scope violation")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	task := res.Task
	if task.Status != models.TaskStatusFailed {
		t.Errorf("Expected failed, got %s", task.Status)
	}
	if task.ErrorCode != CancelErrorCode {
		t.Errorf("Expected error code %s, got %s", CancelErrorCode, task.ErrorCode)
	}
	if !strings.Contains(task.ErrorMessage, "Cancelled by orchestrator") || !strings.Contains(task.ErrorMessage, "scope violation") {
		t.Errorf("Unexpected error message %q", task.ErrorMessage)
	}

	// A cancelled task rejects later completion.
	if _, err := q.Complete(ctx, models.Completion{TaskID: a.ID, Success: true}); !coorderr.Is(err, coorderr.ErrAlreadyTerminal) {
		t.Errorf("Expected already terminal after cancel, got %v", err)
	}
}

func TestCancel_CascadesToPendingDependents(t *testing.T) {
	q := newTestQueue(t, CancelCascade)

	a, _ := q.Create(ctx, models.NewTask{TaskType: "exec"})
	b, _ := q.Create(ctx, models.NewTask{TaskType: "exec", DependsOn: []string{a.ID}})
	c, _ := q.Create(ctx, models.NewTask{TaskType: "exec", DependsOn: []string{b.ID}})
	d, _ := q.Create(ctx, models.NewTask{TaskType: "exec", DependsOn: []string{a.ID, c.ID}})
	other, _ := q.Create(ctx, models.NewTask{TaskType: "exec"})

	q.Claim(ctx, "agent") // a is claimed; cancellation is not preemptive but still applies

	res, err := q.Cancel(ctx, a.ID, "obsolete")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if len(res.Cascaded) != 3 {
		t.Fatalf("Expected 3 cascaded tasks, got %v", res.Cascaded)
	}

	for _, id := range []string{b.ID, c.ID, d.ID} {
		got, _ := q.Get(ctx, id)
		if got.Status != models.TaskStatusFailed || got.ErrorCode != CancelErrorCode {
			t.Errorf("Dependent %s not cancelled: %+v", id, got)
		}
		if !strings.Contains(got.ErrorMessage, "obsolete") {
			t.Errorf("Dependent %s message lacks reason: %q", id, got.ErrorMessage)
		}
	}
	if got, _ := q.Get(ctx, other.ID); got.Status != models.TaskStatusPending {
		t.Errorf("Unrelated task affected: %s", got.Status)
	}
}

func TestCancel_ManualLeavesDependentsBlocked(t *testing.T) {
	q := newTestQueue(t, CancelManual)

	a, _ := q.Create(ctx, models.NewTask{TaskType: "exec"})
	b, _ := q.Create(ctx, models.NewTask{TaskType: "exec", DependsOn: []string{a.ID}})
	c, _ := q.Create(ctx, models.NewTask{TaskType: "exec", DependsOn: []string{b.ID}})

	res, err := q.Cancel(ctx, a.ID, "obsolete")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if len(res.Cascaded) != 0 {
		t.Errorf("Manual policy must not cascade, got %v", res.Cascaded)
	}
	if len(res.Blocked) != 2 || res.Blocked[0] != b.ID || res.Blocked[1] != c.ID {
		t.Errorf("Expected b and c blocked, got %v", res.Blocked)
	}
	if got, _ := q.Get(ctx, b.ID); got.Status != models.TaskStatusPending {
		t.Errorf("Dependent should stay pending, got %s", got.Status)
	}

	// The orchestrator cancels the rest explicitly.
	if _, err := q.Cancel(ctx, b.ID, "parent cancelled"); err != nil {
		t.Fatalf("Explicit cancel failed: %v", err)
	}
}

func TestParseCancelPolicy(t *testing.T) {
	for in, want := range map[string]CancelPolicy{"": CancelCascade, "cascade": CancelCascade, "MANUAL": CancelManual} {
		got, err := ParseCancelPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseCancelPolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseCancelPolicy("sometimes"); !coorderr.Is(err, coorderr.ErrConfig) {
		t.Errorf("Expected config error, got %v", err)
	}
}

func TestList(t *testing.T) {
	q := newTestQueue(t, CancelCascade)

	q.Create(ctx, models.NewTask{TaskType: "exec"})
	q.Create(ctx, models.NewTask{TaskType: "exec"})
	q.Claim(ctx, "agent")

	pending, err := q.List(ctx, models.TaskStatusPending)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Expected 1 pending, got %d", len(pending))
	}
	if _, err := q.List(ctx, "running"); !coorderr.Is(err, coorderr.ErrInvalid) {
		t.Errorf("Expected invalid status error, got %v", err)
	}
}

// TestProperty_NoDoubleClaim races N agents over M < N tasks.
func TestProperty_NoDoubleClaim(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q, closeStore := newRapidQueue(rt, CancelCascade)
		defer closeStore()
		m := rapid.IntRange(1, 8).Draw(rt, "tasks")
		n := rapid.IntRange(m+1, m+6).Draw(rt, "agents")

		for i := 0; i < m; i++ {
			if _, err := q.Create(ctx, models.NewTask{TaskType: "exec", Priority: rapid.IntRange(0, 3).Draw(rt, "priority")}); err != nil {
				rt.Fatalf("create: %v", err)
			}
		}

		var mu sync.Mutex
		claims := make(map[string]int)
		nones := 0
		var g errgroup.Group
		for i := 0; i < n; i++ {
			agent := fmt.Sprintf("agent-%d", i)
			g.Go(func() error {
				task, err := q.Claim(ctx, agent)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if task == nil {
					nones++
				} else {
					claims[task.ID]++
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			rt.Fatalf("claim: %v", err)
		}

		if len(claims) != m {
			rt.Fatalf("expected %d distinct claims, got %d", m, len(claims))
		}
		for id, count := range claims {
			if count != 1 {
				rt.Fatalf("task %s claimed %d times", id, count)
			}
		}
		if nones != n-m {
			rt.Fatalf("expected %d empty claims, got %d", n-m, nones)
		}
	})
}

// TestProperty_DependencySafety builds a random DAG, completes claimed tasks
// in random order, and checks every claim has all dependencies completed.
func TestProperty_DependencySafety(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q, closeStore := newRapidQueue(rt, CancelCascade)
		defer closeStore()
		n := rapid.IntRange(1, 10).Draw(rt, "tasks")

		var ids []string
		for i := 0; i < n; i++ {
			var deps []string
			for _, id := range ids {
				if rapid.Bool().Draw(rt, "edge") {
					deps = append(deps, id)
				}
			}
			task, err := q.Create(ctx, models.NewTask{TaskType: "exec", DependsOn: deps, Priority: rapid.IntRange(0, 5).Draw(rt, "priority")})
			if err != nil {
				rt.Fatalf("create: %v", err)
			}
			ids = append(ids, task.ID)
		}

		var inFlight []string
		done := 0
		for done < n {
			task, err := q.Claim(ctx, "agent")
			if err != nil {
				rt.Fatalf("claim: %v", err)
			}
			if task != nil {
				for _, dep := range task.DependsOn {
					d, _ := q.Get(ctx, dep)
					if d.Status != models.TaskStatusCompleted {
						rt.Fatalf("claimed %s while dependency %s is %s", task.ID, dep, d.Status)
					}
				}
				inFlight = append(inFlight, task.ID)
				continue
			}
			if len(inFlight) == 0 {
				rt.Fatalf("queue stalled with %d of %d tasks done", done, n)
			}
			i := rapid.IntRange(0, len(inFlight)-1).Draw(rt, "finish")
			if _, err := q.Complete(ctx, models.Completion{TaskID: inFlight[i], Success: true}); err != nil {
				rt.Fatalf("complete: %v", err)
			}
			inFlight = append(inFlight[:i], inFlight[i+1:]...)
			done++
		}
	})
}

// TestProperty_ResultImmutability completes a task once, then throws random
// completions at it.
func TestProperty_ResultImmutability(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q, closeStore := newRapidQueue(rt, CancelCascade)
		defer closeStore()
		task, _ := q.Create(ctx, models.NewTask{TaskType: "exec"})
		q.Claim(ctx, "agent")

		firstSuccess := rapid.Bool().Draw(rt, "first_success")
		first := models.Completion{TaskID: task.ID, Success: firstSuccess, Result: json.RawMessage(`"first"`), ErrorMessage: "first"}
		want, err := q.Complete(ctx, first)
		if err != nil {
			rt.Fatalf("first complete: %v", err)
		}

		attempts := rapid.IntRange(1, 5).Draw(rt, "attempts")
		for i := 0; i < attempts; i++ {
			c := models.Completion{
				TaskID:       task.ID,
				Success:      rapid.Bool().Draw(rt, "success"),
				Result:       json.RawMessage(`"later"`),
				ErrorMessage: "later",
			}
			if _, err := q.Complete(ctx, c); !coorderr.Is(err, coorderr.ErrAlreadyTerminal) {
				rt.Fatalf("attempt %d: expected already terminal, got %v", i, err)
			}
			if _, err := q.Cancel(ctx, task.ID, "late"); !coorderr.Is(err, coorderr.ErrAlreadyTerminal) {
				rt.Fatalf("attempt %d: cancel expected already terminal, got %v", i, err)
			}
		}

		got, _ := q.Get(ctx, task.ID)
		if got.Status != want.Status || string(got.Result) != string(want.Result) || got.ErrorMessage != want.ErrorMessage {
			rt.Fatalf("terminal state changed: %+v -> %+v", want, got)
		}
	})
}

// TestProperty_CancellationPropagation cancels a random task in a random DAG
// and checks no transitive dependent is left pending.
func TestProperty_CancellationPropagation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q, closeStore := newRapidQueue(rt, CancelCascade)
		defer closeStore()
		n := rapid.IntRange(2, 10).Draw(rt, "tasks")

		deps := make(map[string][]string)
		var ids []string
		for i := 0; i < n; i++ {
			var d []string
			for _, id := range ids {
				if rapid.Bool().Draw(rt, "edge") {
					d = append(d, id)
				}
			}
			task, err := q.Create(ctx, models.NewTask{TaskType: "exec", DependsOn: d})
			if err != nil {
				rt.Fatalf("create: %v", err)
			}
			deps[task.ID] = d
			ids = append(ids, task.ID)
		}

		root := ids[rapid.IntRange(0, n-1).Draw(rt, "root")]
		if _, err := q.Cancel(ctx, root, "test"); err != nil {
			rt.Fatalf("cancel: %v", err)
		}

		// Tasks are created in topological order, so one pass finds the closure.
		affected := map[string]bool{root: true}
		for _, id := range ids {
			for _, d := range deps[id] {
				if affected[d] {
					affected[id] = true
				}
			}
		}
		for _, id := range ids {
			got, _ := q.Get(ctx, id)
			if affected[id] && got.Status != models.TaskStatusFailed {
				rt.Fatalf("task %s depends on cancelled %s but is %s", id, root, got.Status)
			}
			if !affected[id] && got.Status != models.TaskStatusPending {
				rt.Fatalf("unrelated task %s changed to %s", id, got.Status)
			}
		}
	})
}

func newTestQueue(t *testing.T, policy CancelPolicy) *Service {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := NewService(st, policy, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	return q
}

func newRapidQueue(rt *rapid.T, policy CancelPolicy) (*Service, func()) {
	st, err := store.New(":memory:")
	if err != nil {
		rt.Fatalf("store: %v", err)
	}
	q, err := NewService(st, policy, zerolog.Nop())
	if err != nil {
		st.Close()
		rt.Fatalf("queue: %v", err)
	}
	return q, func() { st.Close() }
}
