// Package worker runs a pool of pollers that claim tasks, execute them
// through a connector and record the outcome. All waiting happens here; the
// queue never blocks a caller.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/agent-coordinator/internal/connectors"
	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/gateway"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TaskTypeExec is the task type the pool knows how to run.
const TaskTypeExec = "exec"

// Error codes recorded on failed tasks.
const (
	CodeUnsupported = "unsupported_task_type"
	CodeBadInput    = "bad_input"
	CodeNotAllowed  = "command_not_allowed"
	CodeExecError   = "exec_error"
	CodeNonZeroExit = "non_zero_exit"
)

// Coordinator is the slice of the coordinator a worker needs. Both the HTTP
// client and GatewayCoordinator satisfy it.
type Coordinator interface {
	ClaimTask(ctx context.Context, taskTypes ...string) (*models.Task, error)
	CompleteTask(ctx context.Context, c models.Completion) (*models.Task, error)
}

// GatewayCoordinator drives the gateway in-process as one agent.
type GatewayCoordinator struct {
	Gateway *gateway.Gateway
	AgentID string
}

func (g GatewayCoordinator) ClaimTask(ctx context.Context, taskTypes ...string) (*models.Task, error) {
	return g.Gateway.ClaimWork(ctx, g.AgentID, taskTypes...)
}

func (g GatewayCoordinator) CompleteTask(ctx context.Context, c models.Completion) (*models.Task, error) {
	return g.Gateway.CompleteWork(ctx, g.AgentID, c)
}

// ExecInput is the input_data of an exec task.
type ExecInput struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Pool manages the polling workers.
type Pool struct {
	coord     Coordinator
	connector connectors.Connector
	cfg       Config
	log       zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a pool.
func New(coord Coordinator, conn connectors.Connector, cfg Config, logger zerolog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{
		coord:     coord,
		connector: conn,
		cfg:       cfg,
		log:       logger.With().Str("component", "worker").Logger(),
	}, nil
}

// Run polls until ctx is cancelled. In-flight tasks are allowed to finish
// recording their outcome.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info().Int("concurrency", p.cfg.Concurrency).Str("connector", p.connector.Name()).Msg("worker pool started")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}
	err := g.Wait()
	p.log.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.log.With().Int("worker", id).Logger()
	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return
		}

		worked, err := p.RunOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			backoff = p.cfg.nextBackoff(backoff)
			ev := log.Warn()
			if !coorderr.IsRetryable(err) {
				ev = log.Error()
			}
			ev.Err(err).Dur("backoff", backoff).Msg("poll failed")
		case worked:
			backoff = 0
			continue
		default:
			backoff = p.cfg.nextBackoff(backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// RunOnce claims and runs at most one exec task. Tasks of other types are
// left for the agents that handle them. It reports whether a task was
// claimed.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	task, err := p.coord.ClaimTask(ctx, TaskTypeExec)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	p.mu.Lock()
	p.stats.Active++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.stats.Active--
		p.mu.Unlock()
	}()

	log := p.log.With().Str("task", task.ID).Logger()
	log.Info().Str("type", task.TaskType).Msg("claimed task")

	completion := p.execute(ctx, task)

	// Record the outcome even if the pool is shutting down.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err = p.coord.CompleteTask(recordCtx, completion)
	switch {
	case coorderr.Is(err, coorderr.ErrAlreadyTerminal):
		log.Info().Msg("task finished elsewhere (cancelled?), outcome dropped")
		return true, nil
	case err != nil:
		return true, fmt.Errorf("complete task %s: %w", task.ID, err)
	}

	p.mu.Lock()
	if completion.Success {
		p.stats.Completed++
	} else {
		p.stats.Failed++
	}
	p.mu.Unlock()
	log.Info().Bool("success", completion.Success).Str("error_code", completion.ErrorCode).Msg("task done")
	return true, nil
}

func (p *Pool) execute(ctx context.Context, task *models.Task) models.Completion {
	fail := func(code, format string, args ...any) models.Completion {
		return models.Completion{TaskID: task.ID, ErrorCode: code, ErrorMessage: fmt.Sprintf(format, args...)}
	}

	if task.TaskType != TaskTypeExec {
		return fail(CodeUnsupported, "worker %s only runs %q tasks, got %q", p.connector.Name(), TaskTypeExec, task.TaskType)
	}
	var in ExecInput
	if len(task.InputData) == 0 || json.Unmarshal(task.InputData, &in) != nil || in.Command == "" {
		return fail(CodeBadInput, `input_data must be {"command": "...", "args": [...]}`)
	}
	if !p.connector.IsAllowed(in.Command, in.Args) {
		return fail(CodeNotAllowed, "command not allowed: %s %s", in.Command, strings.Join(in.Args, " "))
	}

	res, err := p.connector.Execute(ctx, in.Command, in.Args)
	if err != nil {
		return fail(CodeExecError, "%v", err)
	}
	if res.ExitCode != 0 {
		return fail(CodeNonZeroExit, "exit code %d: %s", res.ExitCode, lastLine(res.Stderr))
	}

	result, err := json.Marshal(res)
	if err != nil {
		return fail(CodeExecError, "encode result: %v", err)
	}
	return models.Completion{TaskID: task.ID, Success: true, Result: result}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// GetStats returns current pool statistics.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
