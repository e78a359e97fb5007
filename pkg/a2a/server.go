package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"flock/pkg/eventlog"
	"flock/pkg/logx"
	"flock/pkg/metrics"
	"flock/pkg/proto"
)

// Rejection is the frozen guard's verdict for one agent.
type Rejection struct {
	Rejected            bool   `json:"rejected"`
	Reason              string `json:"reason,omitempty"`
	EstimatedDowntimeMS int64  `json:"estimatedDowntimeMs,omitempty"`
}

// FrozenGuard rejects sends to agents that are mid-migration.
type FrozenGuard interface {
	Check(ctx context.Context, agentID string) Rejection
}

// MigrationHandler serves the migration RPC methods on the target side.
type MigrationHandler interface {
	HandleRequest(ctx context.Context, params proto.MigrationRequestParams) (proto.MigrationRequestResult, error)
	HandleTransfer(ctx context.Context, params proto.MigrationTransferParams) (proto.MigrationTransferResult, error)
	HandleRehydrate(ctx context.Context, params proto.MigrationRehydrateParams) (proto.MigrationRehydrateResult, error)
}

// Server is the node-local A2A HTTP endpoint.
type Server struct {
	registry  *LocalRegistry
	guard     FrozenGuard
	migration MigrationHandler
	events    *eventlog.Writer
	logger    *logx.Logger
	recorder  metrics.Recorder

	httpServer *http.Server

	mu    sync.RWMutex
	tasks map[string]*proto.Task
}

// NewServer wires the A2A server. guard, migration, and events may be nil.
func NewServer(registry *LocalRegistry, guard FrozenGuard, migration MigrationHandler, events *eventlog.Writer) *Server {
	return &Server{
		registry:  registry,
		guard:     guard,
		migration: migration,
		events:    events,
		logger:    logx.NewLogger("a2a"),
		recorder:  metrics.Nop(),
		tasks:     make(map[string]*proto.Task),
	}
}

// SetRecorder installs a metrics recorder. Call before Start.
func (s *Server) SetRecorder(recorder metrics.Recorder) {
	s.recorder = recorder
}

// Handler returns the HTTP handler serving the A2A surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /a2a/{agentID}", s.handleRPC)
	mux.HandleFunc("GET "+proto.WellKnownCardPath, s.handleCardDirectory)
	mux.HandleFunc("POST /proxy-send", s.handleProxySend)
	return mux
}

// Start begins serving on addr. Non-blocking.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("A2A server failed: %v", err)
		}
	}()
	s.logger.Info("🌐 A2A server listening on %s", addr)
	return nil
}

// Close shuts the HTTP server down.
func (s *Server) Close(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")

	var req proto.RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, req.Method, proto.NewErrorResponse(nil, proto.CodeParseError, "malformed JSON-RPC request"))
		return
	}
	if req.JSONRPC != proto.JSONRPCVersion {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeInvalidRequest, "unsupported jsonrpc version"))
		return
	}

	switch req.Method {
	case proto.MethodMessageSend:
		s.handleMessageSend(w, r, agentID, req)
	case proto.MethodTasksGet:
		s.handleTasksGet(w, req)
	case proto.MethodTasksCancel:
		s.handleTasksCancel(w, req)
	case proto.MethodMigrationRequest, proto.MethodMigrationTransfer, proto.MethodMigrationRehydrate:
		s.handleMigration(w, r, req)
	default:
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeMethodNotFound,
			fmt.Sprintf("unknown method %q", req.Method)))
	}
}

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request, agentID string, req proto.RPCRequest) {
	var params proto.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Message == nil {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeInvalidParams, "invalid message/send params"))
		return
	}

	if s.guard != nil {
		if rej := s.guard.Check(r.Context(), agentID); rej.Rejected {
			resp := proto.NewErrorResponse(req.ID, proto.CodeAgentFrozen, rej.Reason)
			resp.Error.Data = rej
			s.respond(w, req.Method, resp)
			return
		}
	}

	executor := s.registry.Executor(agentID)
	if executor == nil {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeAgentNotFound,
			fmt.Sprintf("agent %q is not served by this node", agentID)))
		return
	}

	s.logEvent(agentID, "inbound", req.Method, params.Message, "")

	task, err := executor.ExecuteMessage(r.Context(), *params.Message)
	if err != nil {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeInternalError, err.Error()))
		return
	}
	s.rememberTask(task)
	s.logEvent(agentID, "outbound", req.Method, task.Status.Message, string(task.Status.State))

	resp, err := proto.NewResultResponse(req.ID, task)
	if err != nil {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeInternalError, err.Error()))
		return
	}
	s.respond(w, req.Method, resp)
}

func (s *Server) handleTasksGet(w http.ResponseWriter, req proto.RPCRequest) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeInvalidParams, "invalid tasks/get params"))
		return
	}

	s.mu.RLock()
	task, ok := s.tasks[params.ID]
	s.mu.RUnlock()
	if !ok {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeInvalidParams,
			fmt.Sprintf("unknown task %q", params.ID)))
		return
	}
	resp, err := proto.NewResultResponse(req.ID, task)
	if err != nil {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeInternalError, err.Error()))
		return
	}
	s.respond(w, req.Method, resp)
}

func (s *Server) handleTasksCancel(w http.ResponseWriter, req proto.RPCRequest) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeInvalidParams, "invalid tasks/cancel params"))
		return
	}

	s.mu.Lock()
	task, ok := s.tasks[params.ID]
	if ok && !task.Status.State.Terminal() {
		task.Status.State = proto.TaskStateCanceled
		task.Status.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	s.mu.Unlock()

	if !ok {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeInvalidParams,
			fmt.Sprintf("unknown task %q", params.ID)))
		return
	}
	resp, err := proto.NewResultResponse(req.ID, task)
	if err != nil {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeInternalError, err.Error()))
		return
	}
	s.respond(w, req.Method, resp)
}

func (s *Server) handleMigration(w http.ResponseWriter, r *http.Request, req proto.RPCRequest) {
	if s.migration == nil {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeMethodNotFound, "migration not enabled on this node"))
		return
	}

	var result any
	var err error
	switch req.Method {
	case proto.MethodMigrationRequest:
		var params proto.MigrationRequestParams
		if err = json.Unmarshal(req.Params, &params); err == nil {
			result, err = s.migration.HandleRequest(r.Context(), params)
		}
	case proto.MethodMigrationTransfer:
		var params proto.MigrationTransferParams
		if err = json.Unmarshal(req.Params, &params); err == nil {
			result, err = s.migration.HandleTransfer(r.Context(), params)
		}
	case proto.MethodMigrationRehydrate:
		var params proto.MigrationRehydrateParams
		if err = json.Unmarshal(req.Params, &params); err == nil {
			result, err = s.migration.HandleRehydrate(r.Context(), params)
		}
	}
	if err != nil {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeInternalError, err.Error()))
		return
	}

	resp, err := proto.NewResultResponse(req.ID, result)
	if err != nil {
		s.respond(w, req.Method, proto.NewErrorResponse(req.ID, proto.CodeInternalError, err.Error()))
		return
	}
	s.respond(w, req.Method, resp)
}

func (s *Server) handleCardDirectory(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.registry.Directory()); err != nil {
		s.logger.Warn("Failed to encode card directory: %v", err)
	}
}

// handleProxySend is a test/dev convenience: route a plain text message to
// an agent through the local executor table.
func (s *Server) handleProxySend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetAgentID string `json:"targetAgentID"`
		Message       string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TargetAgentID == "" {
		http.Error(w, "invalid proxy-send body", http.StatusBadRequest)
		return
	}

	executor := s.registry.Executor(body.TargetAgentID)
	if executor == nil {
		http.Error(w, fmt.Sprintf("agent %q not found", body.TargetAgentID), http.StatusNotFound)
		return
	}

	msg := proto.NewTextMessage(proto.RoleUser, body.Message)
	task, err := executor.ExecuteMessage(r.Context(), *msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.rememberTask(task)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(task); err != nil {
		s.logger.Warn("Failed to encode proxy-send response: %v", err)
	}
}

func (s *Server) rememberTask(task *proto.Task) {
	if task == nil {
		return
	}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
}

func (s *Server) logEvent(agentID, direction, method string, msg *proto.Message, taskState string) {
	if s.events == nil {
		return
	}
	err := s.events.Write(&eventlog.Event{
		AgentID:   agentID,
		Direction: direction,
		Method:    method,
		Message:   msg,
		TaskState: taskState,
	})
	if err != nil {
		s.logger.Warn("Failed to write event log entry: %v", err)
	}
}

// respond writes the JSON-RPC response and counts the request.
func (s *Server) respond(w http.ResponseWriter, method string, resp *proto.RPCResponse) {
	if method == "" {
		method = "unknown"
	}
	status := "ok"
	if resp.Error != nil {
		status = "error"
	}
	s.recorder.IncA2ARequest(method, status)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
