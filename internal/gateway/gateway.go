// Package gateway exposes the runner over HTTP: a REST control surface for
// projects, sessions and approvals, and a WebSocket event stream observers
// subscribe to per session.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/relay/internal/approval"
	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/pty"
	"github.com/basket/relay/internal/session"
	"github.com/basket/relay/internal/shared"
)

type Config struct {
	Sessions    *session.Manager
	Processes   *pty.Bridge
	Approvals   *approval.Broker
	Broadcaster *bus.Broadcaster

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// Projects seeds the registry from config.yaml. Projects added through
	// the API are persisted back via HomeDir.
	Projects []config.ProjectConfig
	HomeDir  string

	// Process holds defaults for process-mode sessions.
	Process config.ProcessConfig

	Logger  *slog.Logger
	Metrics *otel.Metrics
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	projectsMu sync.RWMutex
	projects   map[string]config.ProjectConfig

	clientsMu sync.Mutex
	clients   map[*wsClient]struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		projects: make(map[string]config.ProjectConfig, len(cfg.Projects)),
		clients:  make(map[*wsClient]struct{}),
	}
	for _, p := range cfg.Projects {
		s.projects[p.ID] = p
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /api/v1/projects", s.withAuth(s.handleListProjects))
	mux.HandleFunc("POST /api/v1/projects", s.withAuth(s.handleAddProject))

	mux.HandleFunc("POST /api/v1/projects/{projectId}/sessions", s.withAuth(s.handleCreateSession))
	mux.HandleFunc("GET /api/v1/projects/{projectId}/sessions", s.withAuth(s.handleListSessions))
	mux.HandleFunc("POST /api/v1/sessions/{sessionId}/send", s.withAuth(s.handleSend))
	mux.HandleFunc("POST /api/v1/sessions/{sessionId}/approve", s.withAuth(s.handleApprove))
	mux.HandleFunc("POST /api/v1/sessions/{sessionId}/interrupt", s.withAuth(s.handleInterrupt))
	mux.HandleFunc("DELETE /api/v1/sessions/{sessionId}", s.withAuth(s.handleEndSession))

	mux.HandleFunc("POST /api/v1/projects/{projectId}/pty-sessions", s.withAuth(s.handleCreateProcess))
	mux.HandleFunc("GET /api/v1/projects/{projectId}/pty-sessions", s.withAuth(s.handleListProcesses))
	mux.HandleFunc("POST /api/v1/pty-sessions/{sessionId}/resize", s.withAuth(s.handleResizeProcess))
	mux.HandleFunc("POST /api/v1/pty-sessions/{sessionId}/write", s.withAuth(s.handleWriteProcess))
	mux.HandleFunc("DELETE /api/v1/pty-sessions/{sessionId}", s.withAuth(s.handleKillProcess))

	return s.withTrace(mux)
}

// withTrace stamps a trace_id on every request context for log correlation.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		next.ServeHTTP(w, r.WithContext(ctx))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(started).Seconds())
		}
		s.logger.Debug("request handled",
			"method", r.Method, "path", r.URL.Path, "trace_id", shared.TraceID(ctx))
	})
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.clientsMu.Lock()
	observers := len(s.clients)
	s.clientsMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":   true,
		"sessions":  len(s.cfg.Sessions.List("")),
		"processes": len(s.cfg.Processes.List("")),
		"observers": observers,
	})
}

// ReplaceProjects swaps the project registry, used on config hot-reload.
// Projects added through the API since the reload snapshot are kept.
func (s *Server) ReplaceProjects(projects []config.ProjectConfig) {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()
	for _, p := range projects {
		s.projects[p.ID] = p
	}
}

func (s *Server) project(id string) (config.ProjectConfig, bool) {
	s.projectsMu.RLock()
	defer s.projectsMu.RUnlock()
	p, ok := s.projects[id]
	return p, ok
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	s.projectsMu.RLock()
	out := make([]config.ProjectConfig, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	s.projectsMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (s *Server) handleAddProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Path) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "path is required")
		return
	}

	p, err := config.AddProject(s.cfg.HomeDir, body.Name, body.Path)
	if err != nil {
		s.logger.Error("persist project failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not persist project")
		return
	}
	s.projectsMu.Lock()
	s.projects[p.ID] = p
	s.projectsMu.Unlock()

	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	project, ok := s.project(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "project "+projectID+" not found")
		return
	}

	var body struct {
		PermissionMode string `json:"permissionMode"`
	}
	// Empty body means defaults.
	_ = json.NewDecoder(r.Body).Decode(&body)

	info := s.cfg.Sessions.Create(projectID, project.Path, body.PermissionMode)
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.cfg.Sessions.List(r.PathValue("projectId")),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "text is required")
		return
	}

	// Fire-and-forget; stream events go over the WebSocket.
	err := s.cfg.Sessions.Send(sessionID, body.Text)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session "+sessionID+" not found")
	case errors.Is(err, session.ErrAlreadyStreaming):
		writeError(w, http.StatusConflict, "CONFLICT", "session is already streaming")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":    "streaming",
			"sessionId": sessionID,
		})
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToolUseID     string         `json:"toolUseId"`
		Decision      string         `json:"decision"`
		Scope         string         `json:"scope"`
		ModifiedInput map[string]any `json:"modifiedInput"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ToolUseID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "toolUseId is required")
		return
	}
	if body.Decision != "allow" && body.Decision != "deny" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "decision must be allow or deny")
		return
	}
	scope := approval.Scope(body.Scope)
	if body.Scope == "" {
		scope = approval.ScopeOnce
	}
	switch scope {
	case approval.ScopeOnce, approval.ScopeSession, approval.ScopeProject, approval.ScopeUser:
	default:
		writeError(w, http.StatusBadRequest, "VALIDATION", "unknown scope "+body.Scope)
		return
	}

	if !s.cfg.Approvals.Resolve(body.ToolUseID, body.Decision, scope, body.ModifiedInput) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no pending approval for toolUseId "+body.ToolUseID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "resolved",
		"decision": body.Decision,
		"scope":    scope,
	})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if err := s.cfg.Sessions.Interrupt(sessionID); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session "+sessionID+" not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "interrupting", "sessionId": sessionID})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if err := s.cfg.Sessions.End(sessionID); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session "+sessionID+" not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateProcess(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	project, ok := s.project(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "project "+projectID+" not found")
		return
	}

	var body struct {
		Cols    uint16 `json:"cols"`
		Rows    uint16 `json:"rows"`
		UseTmux bool   `json:"useTmux"`
		Command string `json:"command"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Cols == 0 {
		body.Cols = s.cfg.Process.Cols
	}
	if body.Rows == 0 {
		body.Rows = s.cfg.Process.Rows
	}

	sessionID := shared.NewSessionID()
	var handle pty.Handle
	var err error
	if body.UseTmux {
		command := body.Command
		if command == "" {
			command = s.cfg.Process.MultiplexCommand
		}
		handle, err = s.cfg.Processes.SpawnMultiplexed(sessionID, projectID, project.Path, pty.MultiplexOptions{
			Cols:    body.Cols,
			Rows:    body.Rows,
			Command: command,
		})
	} else {
		handle, err = s.cfg.Processes.Spawn(sessionID, projectID, project.Path, pty.SpawnOptions{
			Cols:  body.Cols,
			Rows:  body.Rows,
			Shell: firstNonEmpty(body.Command, s.cfg.Process.Shell),
		})
	}
	if err != nil {
		s.logger.Error("process spawn failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "SPAWN_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.cfg.Processes.List(r.PathValue("projectId")),
	})
}

func (s *Server) handleResizeProcess(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	var body struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Cols == 0 || body.Rows == 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION", "cols and rows are required")
		return
	}
	if _, err := s.cfg.Processes.Get(sessionID); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "process session "+sessionID+" not found")
		return
	}
	s.cfg.Processes.Resize(sessionID, body.Cols, body.Rows)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"cols":      body.Cols,
		"rows":      body.Rows,
	})
}

func (s *Server) handleWriteProcess(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	var body struct {
		// Data is base64, symmetric with process.data payloads.
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Data == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "data is required")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "data must be base64")
		return
	}
	if _, err := s.cfg.Processes.Get(sessionID); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "process session "+sessionID+" not found")
		return
	}
	s.cfg.Processes.Write(sessionID, raw)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKillProcess(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if handle, err := s.cfg.Processes.Get(sessionID); err == nil && handle.MultiplexSession != "" {
		pty.KillMultiplexedSession(handle.MultiplexSession)
	}
	s.cfg.Processes.Kill(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
