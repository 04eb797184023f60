// Package controlplane is the HTTP transport for the coordinator. Every
// mutating route goes through the gateway; reads go straight to it too but
// skip policy and audit.
package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/agent-coordinator/internal/auth"
	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/gateway"
	"github.com/fentz26/agent-coordinator/internal/models"
	"github.com/fentz26/agent-coordinator/internal/policy"
	"github.com/rs/zerolog"
)

// AgentHeader names the calling agent.
const AgentHeader = "X-Agent-ID"

const maxBodyBytes = 1 << 20

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configure a Server.
type Options struct {
	Addr       string
	Credential string
	Version    string
}

// Server provides the HTTP API.
type Server struct {
	gw      *gateway.Gateway
	db      Pinger
	opts    Options
	log     zerolog.Logger
	handler http.Handler
	server  *http.Server
}

type mutationRoute struct {
	pattern string
	op      policy.Operation
	handle  http.HandlerFunc
}

// NewServer builds the route table and checks that it covers exactly the
// mutations the HTTP transport exposes.
func NewServer(gw *gateway.Gateway, db Pinger, opts Options, logger zerolog.Logger) (*Server, error) {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		gw:   gw,
		db:   db,
		opts: opts,
		log:  logger.With().Str("component", "http").Logger(),
	}

	mux := http.NewServeMux()
	var handled []policy.Operation
	for _, m := range s.mutations() {
		mux.HandleFunc(m.pattern, m.handle)
		handled = append(handled, m.op)
	}
	if err := policy.VerifySurface(policy.TransportHTTP, handled); err != nil {
		return nil, coorderr.Wrap(coorderr.KindConfig, "http surface", err)
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("GET /locks", s.listLocks)
	mux.HandleFunc("GET /tasks", s.listTasks)
	mux.HandleFunc("GET /tasks/{id}", s.getTask)
	mux.HandleFunc("GET /memory", s.recall)
	mux.HandleFunc("GET /handoffs/{agent}", s.handoffs)
	mux.HandleFunc("GET /audit", s.auditLog)

	s.handler = s.requestLogger(auth.Middleware(opts.Credential, "/health")(mux))
	return s, nil
}

func (s *Server) mutations() []mutationRoute {
	return []mutationRoute{
		{"POST /locks", policy.OpAcquireLock, s.acquireLock},
		{"POST /locks/release", policy.OpReleaseLock, s.releaseLock},
		{"POST /tasks", policy.OpSubmitWork, s.submitTask},
		{"POST /tasks/claim", policy.OpClaimWork, s.claimTask},
		{"POST /tasks/{id}/complete", policy.OpCompleteWork, s.completeTask},
		{"POST /tasks/{id}/cancel", policy.OpCompleteWork, s.cancelTask},
		{"POST /memory", policy.OpRemember, s.remember},
		{"POST /guardrails/check", policy.OpCheckGuardrails, s.checkGuardrails},
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.log.Info().Str("addr", s.opts.Addr).Bool("auth", s.opts.Credential != "").Msg("listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := s.log.Debug()
		if rec.status >= 500 {
			event = s.log.Error()
		} else if rec.status >= 400 {
			event = s.log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("agent", r.Header.Get(AgentHeader)).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Int("bytes", rec.bytes).
			Msg("http_request")
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{OK: true, DB: "ok", Version: s.opts.Version, Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	if err := s.db.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(AgentHeader))
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, w http.ResponseWriter, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && err != io.EOF {
		return coorderr.E(coorderr.KindInvalid, "decode", "invalid json: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, coorderr.E(coorderr.KindInvalid, "query", "%s must be a non-negative integer, got %q", name, raw)
	}
	return n, nil
}

// --- Locks ---

// AcquireRequest is the body of POST /locks.
type AcquireRequest struct {
	Key        string `json:"key"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	l, err := s.gw.AcquireLock(r.Context(), actor(r), req.Key, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// ReleaseRequest is the body of POST /locks/release.
type ReleaseRequest struct {
	Key string `json:"key"`
}

// ReleaseResponse reports whether a lock was dropped.
type ReleaseResponse struct {
	Released bool `json:"released"`
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	released, err := s.gw.ReleaseLock(r.Context(), actor(r), req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReleaseResponse{Released: released})
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.gw.Locks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if locks == nil {
		locks = []models.Lock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

// --- Tasks ---

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req models.NewTask
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.gw.SubmitWork(r.Context(), actor(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// ClaimRequest is the optional body of POST /tasks/claim.
type ClaimRequest struct {
	TaskTypes []string `json:"task_types,omitempty"`
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.gw.ClaimWork(r.Context(), actor(r), req.TaskTypes...)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req models.Completion
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	req.TaskID = r.PathValue("id")
	task, err := s.gw.CompleteWork(r.Context(), actor(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// CancelRequest is the body of POST /tasks/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.gw.CancelWork(r.Context(), actor(r), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.gw.Task(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		writeError(w, coorderr.E(coorderr.KindNotFound, "get_task", "task %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.gw.Tasks(r.Context(), models.TaskStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- Memory ---

func (s *Server) remember(w http.ResponseWriter, r *http.Request) {
	var req models.Memory
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.gw.Remember(r.Context(), actor(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) recall(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.gw.Recall(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.Memory{}
	}
	writeJSON(w, http.StatusOK, items)
}

// --- Guardrails, handoffs, audit ---

// GuardrailRequest is the body of POST /guardrails/check.
type GuardrailRequest struct {
	Text string `json:"text"`
}

func (s *Server) checkGuardrails(w http.ResponseWriter, r *http.Request) {
	var req GuardrailRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := s.gw.CheckGuardrails(r.Context(), actor(r), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handoffs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	hs, err := s.gw.Handoffs(r.Context(), r.PathValue("agent"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if hs == nil {
		hs = []models.Handoff{}
	}
	writeJSON(w, http.StatusOK, hs)
}

func (s *Server) auditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	f := models.AuditFilter{
		Actor:     q.Get("actor"),
		Operation: q.Get("operation"),
		Decision:  q.Get("decision"),
		Limit:     limit,
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, coorderr.E(coorderr.KindInvalid, "query", "since must be RFC3339: %v", err))
			return
		}
		f.Since = t
	}
	entries, err := s.gw.AuditLog(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
