package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/gateway"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/workqueue"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client calls the daemon's HTTP API as one agent. Errors come back typed,
// so errors.Is against the coordinator's sentinels works across the wire.
type Client struct {
	baseURL    string
	agentID    string
	credential string
	httpClient *http.Client
}

// NewClient creates a client with a default timeout.
func NewClient(baseURL, agentID, credential string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		agentID:    agentID,
		credential: credential,
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
}

// AgentID returns the identity sent with every request.
func (c *Client) AgentID() string {
	return c.agentID
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(AgentHeader, c.agentID)
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, coorderr.Wrap(coorderr.KindStoreUnavailable, "api", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, decodeError(resp.StatusCode, data)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Health returns the health payload. On a non-200 reply both the payload and
// an error are returned.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d): %s", resp.StatusCode, health.DB)
	}
	return &health, nil
}

func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*models.Lock, error) {
	var l models.Lock
	req := AcquireRequest{Key: key, TTLSeconds: int((ttl + time.Second - 1) / time.Second)}
	if _, err := c.do(ctx, http.MethodPost, "/locks", req, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *Client) ReleaseLock(ctx context.Context, key string) (bool, error) {
	var resp ReleaseResponse
	if _, err := c.do(ctx, http.MethodPost, "/locks/release", ReleaseRequest{Key: key}, &resp); err != nil {
		return false, err
	}
	return resp.Released, nil
}

func (c *Client) Locks(ctx context.Context) ([]models.Lock, error) {
	var locks []models.Lock
	_, err := c.do(ctx, http.MethodGet, "/locks", nil, &locks)
	return locks, err
}

func (c *Client) SubmitTask(ctx context.Context, nt models.NewTask) (*models.Task, error) {
	var t models.Task
	if _, err := c.do(ctx, http.MethodPost, "/tasks", nt, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ClaimTask returns nil when nothing is eligible. With taskTypes only tasks
// of those types are claimed.
func (c *Client) ClaimTask(ctx context.Context, taskTypes ...string) (*models.Task, error) {
	var body any
	if len(taskTypes) > 0 {
		body = ClaimRequest{TaskTypes: taskTypes}
	}
	var t models.Task
	status, err := c.do(ctx, http.MethodPost, "/tasks/claim", body, &t)
	if err != nil || status == http.StatusNoContent {
		return nil, err
	}
	return &t, nil
}

func (c *Client) CompleteTask(ctx context.Context, comp models.Completion) (*models.Task, error) {
	var t models.Task
	if _, err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(comp.TaskID)+"/complete", comp, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) CancelTask(ctx context.Context, id, reason string) (*workqueue.CancelResult, error) {
	var res workqueue.CancelResult
	if _, err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/cancel", CancelRequest{Reason: reason}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Task returns nil when the task does not exist.
func (c *Client) Task(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if _, err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		if coorderr.Is(err, coorderr.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (c *Client) Tasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var tasks []models.Task
	_, err := c.do(ctx, http.MethodGet, path, nil, &tasks)
	return tasks, err
}

func (c *Client) Remember(ctx context.Context, m models.Memory) (*models.Memory, error) {
	var out models.Memory
	if _, err := c.do(ctx, http.MethodPost, "/memory", m, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Recall(ctx context.Context, query string, limit int) ([]models.Memory, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var items []models.Memory
	_, err := c.do(ctx, http.MethodGet, "/memory?"+q.Encode(), nil, &items)
	return items, err
}

func (c *Client) CheckGuardrails(ctx context.Context, text string) (*gateway.GuardrailReport, error) {
	var report gateway.GuardrailReport
	if _, err := c.do(ctx, http.MethodPost, "/guardrails/check", GuardrailRequest{Text: text}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) Handoffs(ctx context.Context, agent string, limit int) ([]models.Handoff, error) {
	path := "/handoffs/" + url.PathEscape(agent)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var hs []models.Handoff
	_, err := c.do(ctx, http.MethodGet, path, nil, &hs)
	return hs, err
}

func (c *Client) AuditLog(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	q := url.Values{}
	if f.Actor != "" {
		q.Set("actor", f.Actor)
	}
	if f.Operation != "" {
		q.Set("operation", f.Operation)
	}
	if f.Decision != "" {
		q.Set("decision", f.Decision)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var entries []models.AuditEntry
	_, err := c.do(ctx, http.MethodGet, path, nil, &entries)
	return entries, err
}
