// Package mcp exposes the coordinator to agents as MCP tools over stdio.
// Every mutating tool calls the gateway as the server's configured agent.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/gateway"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/policy"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

// Server wraps the gateway and exposes it as MCP tools.
type Server struct {
	server *gomcp.Server
	gw     *gateway.Gateway
	agent  string
	log    zerolog.Logger
}

// NewServer registers every tool and checks the mutating ones match the
// operations exposed on MCP.
func NewServer(gw *gateway.Gateway, agentID, version string, logger zerolog.Logger) (*Server, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, coorderr.E(coorderr.KindConfig, "mcp server", "agent id is required")
	}
	if version == "" {
		version = "dev"
	}

	s := &Server{
		gw:    gw,
		agent: agentID,
		log:   logger.With().Str("component", "mcp").Str("agent", agentID).Logger(),
	}
	s.server = gomcp.NewServer(&gomcp.Implementation{Name: "coord", Version: version}, nil)

	if err := policy.VerifySurface(policy.TransportMCP, s.registerTools()); err != nil {
		return nil, coorderr.Wrap(coorderr.KindConfig, "mcp surface", err)
	}
	return s, nil
}

// Run serves on stdio until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().Msg("serving MCP on stdio")
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type lockOutput struct {
	Key        string `json:"key"`
	Holder     string `json:"holder"`
	LockType   string `json:"lock_type"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

type acquireLockInput struct {
	Key        string `json:"key" jsonschema:"file path relative to the repo root, or a logical key such as api:GET /v1/users, db:users, contract:billing, env:staging, feature:dark-mode, flag:beta"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" jsonschema:"lock lifetime in seconds, rounded up to whole minutes; defaults to the service TTL"`
}

type releaseLockInput struct {
	Key string `json:"key" jsonschema:"the key to release"`
}

type releaseLockOutput struct {
	Released bool `json:"released"`
}

type checkLocksInput struct{}

type checkLocksOutput struct {
	Locks []lockOutput `json:"locks"`
	Count int          `json:"count"`
}

type taskOutput struct {
	ID           string   `json:"id"`
	TaskType     string   `json:"task_type"`
	Description  string   `json:"description,omitempty"`
	Status       string   `json:"status"`
	Priority     int      `json:"priority"`
	InputData    any      `json:"input_data,omitempty"`
	ClaimedBy    string   `json:"claimed_by,omitempty"`
	Result       any      `json:"result,omitempty"`
	ErrorCode    string   `json:"error_code,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
	Deadline     string   `json:"deadline,omitempty"`
	CreatedAt    string   `json:"created_at"`
	CompletedAt  string   `json:"completed_at,omitempty"`
}

type submitWorkInput struct {
	TaskType    string   `json:"task_type" jsonschema:"kind of work, e.g. exec"`
	Description string   `json:"description,omitempty"`
	InputData   any      `json:"input_data,omitempty" jsonschema:"free-form JSON payload for the worker"`
	Priority    int      `json:"priority,omitempty" jsonschema:"higher is claimed first"`
	DependsOn   []string `json:"depends_on,omitempty" jsonschema:"ids of tasks that must complete first"`
	Deadline    string   `json:"deadline,omitempty" jsonschema:"RFC3339 time; informational only"`
}

type claimWorkInput struct {
	TaskTypes []string `json:"task_types,omitempty" jsonschema:"only claim tasks of these types"`
}

type claimWorkOutput struct {
	Claimed bool        `json:"claimed"`
	Task    *taskOutput `json:"task,omitempty"`
}

type completeWorkInput struct {
	TaskID       string `json:"task_id"`
	Success      bool   `json:"success"`
	Result       any    `json:"result,omitempty" jsonschema:"JSON result when success is true"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty" jsonschema:"required when success is false"`
}

type cancelWorkInput struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

type cancelWorkOutput struct {
	Task     taskOutput `json:"task"`
	Cascaded []string   `json:"cascaded"`
	Blocked  []string   `json:"blocked"`
}

type getTaskInput struct {
	TaskID string `json:"task_id"`
}

type listTasksInput struct {
	Status string `json:"status,omitempty" jsonschema:"pending, claimed, completed or failed"`
}

type listTasksOutput struct {
	Tasks []taskOutput `json:"tasks"`
	Count int          `json:"count"`
}

type handoffOutput struct {
	ID        string   `json:"id"`
	AgentName string   `json:"agent_name"`
	Summary   string   `json:"summary"`
	NextSteps []string `json:"next_steps"`
	CreatedAt string   `json:"created_at"`
}

type writeHandoffInput struct {
	Summary   string   `json:"summary" jsonschema:"what this session did"`
	NextSteps []string `json:"next_steps,omitempty" jsonschema:"what the next session should do"`
}

type readHandoffInput struct {
	AgentName string `json:"agent_name,omitempty" jsonschema:"defaults to this agent"`
	Limit     int    `json:"limit,omitempty"`
}

type readHandoffOutput struct {
	Handoffs []handoffOutput `json:"handoffs"`
	Count    int             `json:"count"`
}

type memoryOutput struct {
	ID        string   `json:"id"`
	AgentName string   `json:"agent_name"`
	Kind      string   `json:"kind"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`
	TaskID    string   `json:"task_id,omitempty"`
	CreatedAt string   `json:"created_at"`
}

type rememberInput struct {
	Content string   `json:"content"`
	Kind    string   `json:"kind,omitempty" jsonschema:"episodic (default) or procedural"`
	Tags    []string `json:"tags,omitempty"`
	TaskID  string   `json:"task_id,omitempty"`
}

type recallInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type recallOutput struct {
	Memories []memoryOutput `json:"memories"`
	Count    int            `json:"count"`
}

type checkGuardrailsInput struct {
	Text string `json:"text" jsonschema:"command, diff or message to check"`
}

type violationOutput struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Match    string `json:"match"`
}

type checkGuardrailsOutput struct {
	Passed     bool              `json:"passed"`
	Violations []violationOutput `json:"violations"`
}

// --- Tool registration ---

type toolRoute struct {
	// op is the mutation the tool performs; zero for reads.
	op  policy.Operation
	add func(*gomcp.Server)
}

func route[In, Out any](op policy.Operation, name, description string,
	h func(context.Context, *gomcp.CallToolRequest, In) (*gomcp.CallToolResult, Out, error)) toolRoute {
	tool := &gomcp.Tool{Name: name, Description: description}
	return toolRoute{op: op, add: func(srv *gomcp.Server) { gomcp.AddTool[In, Out](srv, tool, h) }}
}

func (s *Server) tools() []toolRoute {
	return []toolRoute{
		route(policy.OpAcquireLock, "acquire_lock",
			"Take an exclusive lock on a file path or logical key. Fails with a conflict naming the current holder.",
			s.handleAcquireLock),
		route(policy.OpReleaseLock, "release_lock",
			"Release a lock you hold. Releasing a lock you do not hold is a no-op.",
			s.handleReleaseLock),
		route(0, "check_locks", "List every active lock.", s.handleCheckLocks),
		route(policy.OpSubmitWork, "submit_work",
			"Enqueue a task, optionally depending on other tasks.",
			s.handleSubmitWork),
		route(policy.OpClaimWork, "claim_work",
			"Claim the highest-priority pending task whose dependencies have all completed, optionally only of the given task types.",
			s.handleClaimWork),
		route(policy.OpCompleteWork, "complete_work",
			"Record the outcome of a claimed task. Results are immutable once recorded.",
			s.handleCompleteWork),
		route(policy.OpCompleteWork, "cancel_work",
			"Cancel a pending or claimed task with a reason. Pending dependents are cancelled too unless the queue runs in manual mode.",
			s.handleCancelWork),
		route(0, "get_task", "Get a task by id.", s.handleGetTask),
		route(0, "list_tasks", "List tasks with an optional status filter.", s.handleListTasks),
		route(policy.OpWriteHandoff, "write_handoff",
			"Persist a summary of this session and next steps for your next session.",
			s.handleWriteHandoff),
		route(0, "read_handoff", "Read the most recent handoffs for an agent, newest first.", s.handleReadHandoff),
		route(policy.OpRemember, "remember", "Store a memory for other agents to recall.", s.handleRemember),
		route(0, "recall", "Search stored memories, newest first.", s.handleRecall),
		route(policy.OpCheckGuardrails, "check_guardrails",
			"Check a command or diff against the configured guardrails before running it.",
			s.handleCheckGuardrails),
	}
}

// registerTools adds every tool and returns the operations the mutating ones
// perform.
func (s *Server) registerTools() []policy.Operation {
	var ops []policy.Operation
	for _, t := range s.tools() {
		t.add(s.server)
		if t.op != 0 {
			ops = append(ops, t.op)
		}
	}
	return ops
}

// --- Tool handlers ---

func (s *Server) handleAcquireLock(ctx context.Context, _ *gomcp.CallToolRequest, in acquireLockInput) (*gomcp.CallToolResult, lockOutput, error) {
	l, err := s.gw.AcquireLock(ctx, s.agent, in.Key, time.Duration(in.TTLSeconds)*time.Second)
	if err != nil {
		return errorResult(err), lockOutput{}, nil
	}
	return nil, lockToOutput(*l), nil
}

func (s *Server) handleReleaseLock(ctx context.Context, _ *gomcp.CallToolRequest, in releaseLockInput) (*gomcp.CallToolResult, releaseLockOutput, error) {
	released, err := s.gw.ReleaseLock(ctx, s.agent, in.Key)
	if err != nil {
		return errorResult(err), releaseLockOutput{}, nil
	}
	return nil, releaseLockOutput{Released: released}, nil
}

func (s *Server) handleCheckLocks(ctx context.Context, _ *gomcp.CallToolRequest, _ checkLocksInput) (*gomcp.CallToolResult, checkLocksOutput, error) {
	locks, err := s.gw.Locks(ctx)
	if err != nil {
		return errorResult(err), checkLocksOutput{}, nil
	}
	out := checkLocksOutput{Locks: make([]lockOutput, len(locks)), Count: len(locks)}
	for i, l := range locks {
		out.Locks[i] = lockToOutput(l)
	}
	return nil, out, nil
}

func (s *Server) handleSubmitWork(ctx context.Context, _ *gomcp.CallToolRequest, in submitWorkInput) (*gomcp.CallToolResult, taskOutput, error) {
	nt := models.NewTask{
		TaskType:    in.TaskType,
		Description: in.Description,
		Priority:    in.Priority,
		DependsOn:   in.DependsOn,
	}
	if in.InputData != nil {
		raw, err := json.Marshal(in.InputData)
		if err != nil {
			return errorResult(coorderr.E(coorderr.KindInvalid, "submit_work", "input_data: %v", err)), taskOutput{}, nil
		}
		nt.InputData = raw
	}
	if in.Deadline != "" {
		d, err := time.Parse(time.RFC3339, in.Deadline)
		if err != nil {
			return errorResult(coorderr.E(coorderr.KindInvalid, "submit_work", "deadline must be RFC3339: %v", err)), taskOutput{}, nil
		}
		nt.Deadline = &d
	}

	task, err := s.gw.SubmitWork(ctx, s.agent, nt)
	if err != nil {
		return errorResult(err), taskOutput{}, nil
	}
	return nil, taskToOutput(*task), nil
}

func (s *Server) handleClaimWork(ctx context.Context, _ *gomcp.CallToolRequest, in claimWorkInput) (*gomcp.CallToolResult, claimWorkOutput, error) {
	task, err := s.gw.ClaimWork(ctx, s.agent, in.TaskTypes...)
	if err != nil {
		return errorResult(err), claimWorkOutput{}, nil
	}
	if task == nil {
		return nil, claimWorkOutput{}, nil
	}
	out := taskToOutput(*task)
	return nil, claimWorkOutput{Claimed: true, Task: &out}, nil
}

func (s *Server) handleCompleteWork(ctx context.Context, _ *gomcp.CallToolRequest, in completeWorkInput) (*gomcp.CallToolResult, taskOutput, error) {
	c := models.Completion{
		TaskID:       in.TaskID,
		Success:      in.Success,
		ErrorCode:    in.ErrorCode,
		ErrorMessage: in.ErrorMessage,
	}
	if in.Result != nil {
		raw, err := json.Marshal(in.Result)
		if err != nil {
			return errorResult(coorderr.E(coorderr.KindInvalid, "complete_work", "result: %v", err)), taskOutput{}, nil
		}
		c.Result = raw
	}
	task, err := s.gw.CompleteWork(ctx, s.agent, c)
	if err != nil {
		return errorResult(err), taskOutput{}, nil
	}
	return nil, taskToOutput(*task), nil
}

func (s *Server) handleCancelWork(ctx context.Context, _ *gomcp.CallToolRequest, in cancelWorkInput) (*gomcp.CallToolResult, cancelWorkOutput, error) {
	res, err := s.gw.CancelWork(ctx, s.agent, in.TaskID, in.Reason)
	if err != nil {
		return errorResult(err), cancelWorkOutput{}, nil
	}
	return nil, cancelWorkOutput{
		Task:     taskToOutput(*res.Task),
		Cascaded: nonNil(res.Cascaded),
		Blocked:  nonNil(res.Blocked),
	}, nil
}

func (s *Server) handleGetTask(ctx context.Context, _ *gomcp.CallToolRequest, in getTaskInput) (*gomcp.CallToolResult, taskOutput, error) {
	if in.TaskID == "" {
		return errorResult(coorderr.E(coorderr.KindInvalid, "get_task", "task_id is required")), taskOutput{}, nil
	}
	task, err := s.gw.Task(ctx, in.TaskID)
	if err != nil {
		return errorResult(err), taskOutput{}, nil
	}
	if task == nil {
		return errorResult(coorderr.E(coorderr.KindNotFound, "get_task", "task %s not found", in.TaskID)), taskOutput{}, nil
	}
	return nil, taskToOutput(*task), nil
}

func (s *Server) handleListTasks(ctx context.Context, _ *gomcp.CallToolRequest, in listTasksInput) (*gomcp.CallToolResult, listTasksOutput, error) {
	tasks, err := s.gw.Tasks(ctx, models.TaskStatus(in.Status))
	if err != nil {
		return errorResult(err), listTasksOutput{}, nil
	}
	out := listTasksOutput{Tasks: make([]taskOutput, len(tasks)), Count: len(tasks)}
	for i, t := range tasks {
		out.Tasks[i] = taskToOutput(t)
	}
	return nil, out, nil
}

func (s *Server) handleWriteHandoff(ctx context.Context, _ *gomcp.CallToolRequest, in writeHandoffInput) (*gomcp.CallToolResult, handoffOutput, error) {
	h, err := s.gw.WriteHandoff(ctx, s.agent, models.Handoff{
		AgentName: s.agent,
		Summary:   in.Summary,
		NextSteps: in.NextSteps,
	})
	if err != nil {
		return errorResult(err), handoffOutput{}, nil
	}
	return nil, handoffToOutput(*h), nil
}

func (s *Server) handleReadHandoff(ctx context.Context, _ *gomcp.CallToolRequest, in readHandoffInput) (*gomcp.CallToolResult, readHandoffOutput, error) {
	agent := in.AgentName
	if agent == "" {
		agent = s.agent
	}
	hs, err := s.gw.Handoffs(ctx, agent, in.Limit)
	if err != nil {
		return errorResult(err), readHandoffOutput{}, nil
	}
	out := readHandoffOutput{Handoffs: make([]handoffOutput, len(hs)), Count: len(hs)}
	for i, h := range hs {
		out.Handoffs[i] = handoffToOutput(h)
	}
	return nil, out, nil
}

func (s *Server) handleRemember(ctx context.Context, _ *gomcp.CallToolRequest, in rememberInput) (*gomcp.CallToolResult, memoryOutput, error) {
	m, err := s.gw.Remember(ctx, s.agent, models.Memory{
		Kind:    in.Kind,
		Content: in.Content,
		Tags:    in.Tags,
		TaskID:  in.TaskID,
	})
	if err != nil {
		return errorResult(err), memoryOutput{}, nil
	}
	return nil, memoryToOutput(*m), nil
}

func (s *Server) handleRecall(ctx context.Context, _ *gomcp.CallToolRequest, in recallInput) (*gomcp.CallToolResult, recallOutput, error) {
	items, err := s.gw.Recall(ctx, in.Query, in.Limit)
	if err != nil {
		return errorResult(err), recallOutput{}, nil
	}
	out := recallOutput{Memories: make([]memoryOutput, len(items)), Count: len(items)}
	for i, m := range items {
		out.Memories[i] = memoryToOutput(m)
	}
	return nil, out, nil
}

func (s *Server) handleCheckGuardrails(ctx context.Context, _ *gomcp.CallToolRequest, in checkGuardrailsInput) (*gomcp.CallToolResult, checkGuardrailsOutput, error) {
	report, err := s.gw.CheckGuardrails(ctx, s.agent, in.Text)
	if err != nil {
		return errorResult(err), checkGuardrailsOutput{}, nil
	}
	out := checkGuardrailsOutput{Passed: report.Passed, Violations: make([]violationOutput, len(report.Violations))}
	for i, v := range report.Violations {
		out.Violations[i] = violationOutput{Name: v.Name, Severity: v.Severity, Message: v.Message, Match: v.Match}
	}
	return nil, out, nil
}

// --- Helpers ---

// errorResult reports err to the agent as "<kind>: <message>" so it can
// branch on the kind without parsing prose.
func errorResult(err error) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: fmt.Sprintf("%s: %s", coorderr.KindOf(err), err)}},
		IsError: true,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func lockToOutput(l models.Lock) lockOutput {
	return lockOutput{
		Key:        l.Key,
		Holder:     l.Holder,
		LockType:   l.LockType,
		AcquiredAt: formatTime(l.AcquiredAt),
		ExpiresAt:  formatTime(l.ExpiresAt),
	}
}

func taskToOutput(t models.Task) taskOutput {
	return taskOutput{
		ID:           t.ID,
		TaskType:     t.TaskType,
		Description:  t.Description,
		Status:       string(t.Status),
		Priority:     t.Priority,
		InputData:    decodeRaw(t.InputData),
		ClaimedBy:    t.ClaimedBy,
		Result:       decodeRaw(t.Result),
		ErrorCode:    t.ErrorCode,
		ErrorMessage: t.ErrorMessage,
		DependsOn:    t.DependsOn,
		Deadline:     formatTimePtr(t.Deadline),
		CreatedAt:    formatTime(t.CreatedAt),
		CompletedAt:  formatTimePtr(t.CompletedAt),
	}
}

func handoffToOutput(h models.Handoff) handoffOutput {
	return handoffOutput{
		ID:        h.ID,
		AgentName: h.AgentName,
		Summary:   h.Summary,
		NextSteps: nonNil(h.NextSteps),
		CreatedAt: formatTime(h.CreatedAt),
	}
}

func memoryToOutput(m models.Memory) memoryOutput {
	return memoryOutput{
		ID:        m.ID,
		AgentName: m.AgentName,
		Kind:      m.Kind,
		Content:   m.Content,
		Tags:      m.Tags,
		TaskID:    m.TaskID,
		CreatedAt: formatTime(m.CreatedAt),
	}
}
