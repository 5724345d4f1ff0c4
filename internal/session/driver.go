// Package session owns the lifecycle of engine-mode sessions: the
// idle/streaming/ended state machine, one turn at a time against the agent
// engine, and cooperative cancellation of in-flight turns.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/relay/internal/approval"
	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/engine"
	"github.com/basket/relay/internal/event"
	otelx "github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/shared"
)

var (
	// ErrNotFound reports an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyStreaming reports a send while a turn is in flight. The
	// second message is rejected, never queued.
	ErrAlreadyStreaming = errors.New("session is already streaming")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
	StatusEnded     Status = "ended"
)

type session struct {
	id             string
	projectID      string
	projectPath    string
	permissionMode string

	// Guarded by Manager.mu.
	status          Status
	engineSessionID string
	cancel          context.CancelFunc
}

// Info is a read-only snapshot of a session handed to callers.
type Info struct {
	SessionID       string     `json:"sessionId"`
	ProjectID       string     `json:"projectId"`
	Mode            event.Mode `json:"mode"`
	Status          Status     `json:"status"`
	PermissionMode  string     `json:"permissionMode"`
	EngineSessionID string     `json:"engineSessionId,omitempty"`
}

// Manager is the session registry and driver. All session state mutation
// happens here; other components only see it through the public operations.
type Manager struct {
	broadcaster *bus.Broadcaster
	approvals   *approval.Broker
	eng         engine.Engine
	runnerID    string
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *otelx.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(broadcaster *bus.Broadcaster, approvals *approval.Broker, eng engine.Engine, runnerID string, logger *slog.Logger, tracer trace.Tracer, metrics ...*otelx.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		broadcaster: broadcaster,
		approvals:   approvals,
		eng:         eng,
		runnerID:    runnerID,
		logger:      logger,
		tracer:      tracer,
		sessions:    make(map[string]*session),
	}
	if len(metrics) > 0 {
		m.metrics = metrics[0]
	}
	return m
}

// Create allocates an idle session bound to a project.
func (m *Manager) Create(projectID, projectPath, permissionMode string) Info {
	if permissionMode == "" {
		permissionMode = "default"
	}
	s := &session{
		id:             shared.NewSessionID(),
		projectID:      projectID,
		projectPath:    projectPath,
		permissionMode: permissionMode,
		status:         StatusIdle,
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	return m.infoLocked(s)
}

// Get returns a snapshot of the session.
func (m *Manager) Get(sessionID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Info{}, ErrNotFound
	}
	return m.infoLocked(s), nil
}

// List returns snapshots of all sessions, filtered by project when projectID
// is non-empty.
func (m *Manager) List(projectID string) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		if projectID != "" && s.projectID != projectID {
			continue
		}
		out = append(out, m.infoLocked(s))
	}
	return out
}

func (m *Manager) infoLocked(s *session) Info {
	return Info{
		SessionID:       s.id,
		ProjectID:       s.projectID,
		Mode:            event.ModeEngine,
		Status:          s.status,
		PermissionMode:  s.permissionMode,
		EngineSessionID: s.engineSessionID,
	}
}

// Send starts one turn. It returns immediately; the turn's envelopes flow
// through the broadcaster. A send while a turn is in flight fails with
// ErrAlreadyStreaming and does not disturb the running turn.
func (m *Manager) Send(sessionID, text string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if s.status == StatusStreaming {
		m.mu.Unlock()
		return ErrAlreadyStreaming
	}

	// Detached from any caller context: the send is fire-and-forget and the
	// turn outlives the HTTP request that triggered it.
	turnCtx, cancel := context.WithCancel(shared.WithTraceID(context.Background(), shared.NewTraceID()))
	s.status = StatusStreaming
	s.cancel = cancel
	engineSessionID := s.engineSessionID
	m.mu.Unlock()

	go m.runTurn(turnCtx, cancel, s, engineSessionID, text)
	return nil
}

// Interrupt cancels the session's active turn. No-op when the session is
// idle.
func (m *Manager) Interrupt(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	cancel := s.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// End terminates the session: abort the active turn if any, drop its
// session-scoped approval rules, and remove it from the registry.
func (m *Manager) End(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	cancel := s.cancel
	s.status = StatusEnded
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.approvals.ClearSessionRules(sessionID)
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	m.logger.Info("session ended", "session_id", sessionID)
	return nil
}

// runTurn consumes one engine message stream and always returns the session
// to idle, whatever happened mid-stream.
func (m *Manager) runTurn(ctx context.Context, cancel context.CancelFunc, s *session, engineSessionID, text string) {
	started := time.Now()
	defer cancel()
	defer func() {
		m.mu.Lock()
		s.cancel = nil
		if s.status == StatusStreaming {
			s.status = StatusIdle
		}
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.TurnDuration.Record(context.Background(), time.Since(started).Seconds())
		}
	}()

	correlationID := shared.NewCorrelationID()

	var span trace.Span
	if m.tracer != nil {
		ctx, span = otelx.StartSpan(ctx, m.tracer, "session.turn",
			otelx.AttrSessionID.String(s.id),
			otelx.AttrProjectID.String(s.projectID),
			otelx.AttrTurnID.String(correlationID),
		)
		defer span.End()
	}

	approve := func(ctx context.Context, toolName string, input map[string]any) (engine.Decision, error) {
		d, err := m.approvals.Evaluate(ctx, s.id, s.projectID, toolName, s.permissionMode, input)
		if err != nil {
			return engine.Decision{}, err
		}
		return engine.Decision{Allow: d.Allow, ModifiedInput: d.ModifiedInput, Message: d.Message}, nil
	}

	msgs, err := m.eng.Run(ctx, engine.Request{
		Prompt:          text,
		WorkingDir:      s.projectPath,
		PermissionMode:  s.permissionMode,
		EngineSessionID: engineSessionID,
		Approve:         approve,
	})
	if err != nil {
		m.logger.Error("engine start failed", "session_id", s.id, "error", err)
		if span != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		m.emit(s, correlationID, event.TypeSessionError, map[string]any{
			"code":    "engine_error",
			"message": err.Error(),
		})
		return
	}

	sawResult := false
	for msg := range msgs {
		if m.adaptMessage(s, correlationID, msg) {
			sawResult = true
		}
	}

	switch {
	// A Result already terminated the turn; a cancellation that lands after
	// it must not produce a second terminal envelope.
	case ctx.Err() != nil && !sawResult:
		m.logger.Info("session turn aborted", "session_id", s.id, "trace_id", shared.TraceID(ctx))
		if span != nil {
			span.SetStatus(codes.Error, "aborted")
		}
		m.emit(s, correlationID, event.TypeSessionError, map[string]any{
			"code":    "aborted",
			"message": "turn cancelled by user",
		})
	case !sawResult:
		m.logger.Error("engine stream ended without a result", "session_id", s.id)
		if span != nil {
			span.SetStatus(codes.Error, "stream_error")
		}
		m.emit(s, correlationID, event.TypeSessionError, map[string]any{
			"code":    "stream_error",
			"message": "engine stream ended without a result",
		})
	}
}

func (m *Manager) emit(s *session, correlationID, typ string, payload map[string]any) {
	env := event.New(typ, s.id, s.projectID, m.runnerID, event.ModeEngine, payload)
	env.CorrelationID = correlationID
	m.broadcaster.Broadcast(s.id, env)
}
