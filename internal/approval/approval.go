// Package approval gates side-effecting engine actions behind cached rules or
// a live human decision. Each pending request settles exactly once: the human
// response, the timeout, and the caller's cancellation race for it, and the
// losers become no-ops.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/relay/internal/audit"
	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/event"
	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/shared"
)

// DefaultTimeout is how long an unanswered request waits before it is
// auto-denied.
const DefaultTimeout = 5 * time.Minute

// Scope is the breadth at which a cached rule applies.
type Scope string

const (
	ScopeOnce    Scope = "once"
	ScopeSession Scope = "session"
	ScopeProject Scope = "project"
	ScopeUser    Scope = "user"
)

// Decision is the outcome handed back to the engine's approval callback.
type Decision struct {
	Allow bool
	// ModifiedInput optionally replaces the proposed tool input on allow.
	ModifiedInput map[string]any
	// Message explains a deny.
	Message string
}

// Rule is a cached allow/deny decision. SessionID is set only for
// session-scoped rules, ProjectID only for project-scoped ones.
type Rule struct {
	Decision  string // "allow" or "deny"
	Scope     Scope
	ToolName  string
	SessionID string
	ProjectID string
}

type pending struct {
	sessionID   string
	projectID   string
	toolName    string
	result      chan Decision
	timer       *time.Timer
	requestedAt time.Time
}

// Broker owns the rule cache and the pending-request table.
type Broker struct {
	broadcaster *bus.Broadcaster
	runnerID    string
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *otel.Metrics

	mu      sync.Mutex
	rules   []Rule
	pending map[string]*pending
}

func NewBroker(broadcaster *bus.Broadcaster, runnerID string, timeout time.Duration, logger *slog.Logger, metrics ...*otel.Metrics) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		broadcaster: broadcaster,
		runnerID:    runnerID,
		timeout:     timeout,
		logger:      logger,
		pending:     make(map[string]*pending),
	}
	if len(metrics) > 0 {
		b.metrics = metrics[0]
	}
	return b
}

// findRule returns the most specific cached rule for the tool:
// session-scoped beats project-scoped beats user-scoped.
func (b *Broker) findRule(sessionID, projectID, toolName string) *Rule {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.rules {
		r := &b.rules[i]
		if r.ToolName == toolName && r.Scope == ScopeSession && r.SessionID == sessionID {
			return r
		}
	}
	for i := range b.rules {
		r := &b.rules[i]
		if r.ToolName == toolName && r.Scope == ScopeProject && r.ProjectID == projectID {
			return r
		}
	}
	for i := range b.rules {
		r := &b.rules[i]
		if r.ToolName == toolName && r.Scope == ScopeUser {
			return r
		}
	}
	return nil
}

// Evaluate decides whether the engine may run the named tool. A cached rule
// answers immediately without emitting any event; otherwise an
// approval.requested envelope is broadcast and the call suspends until a
// human resolves it, the timeout elapses (deny), or ctx is cancelled (error,
// not a deny).
func (b *Broker) Evaluate(ctx context.Context, sessionID, projectID, toolName, permissionMode string, input map[string]any) (Decision, error) {
	if rule := b.findRule(sessionID, projectID, toolName); rule != nil {
		b.logger.Debug("approval rule match",
			"session_id", sessionID, "tool", toolName,
			"decision", rule.Decision, "scope", string(rule.Scope))
		if rule.Decision == "allow" {
			return Decision{Allow: true, ModifiedInput: input}, nil
		}
		return Decision{Allow: false, Message: fmt.Sprintf("denied by %s rule", rule.Scope)}, nil
	}

	toolUseID := shared.NewToolUseID()
	p := &pending{
		sessionID:   sessionID,
		projectID:   projectID,
		toolName:    toolName,
		result:      make(chan Decision, 1),
		requestedAt: time.Now(),
	}

	b.mu.Lock()
	p.timer = time.AfterFunc(b.timeout, func() { b.settleTimeout(toolUseID) })
	b.pending[toolUseID] = p
	b.mu.Unlock()

	b.broadcaster.Broadcast(sessionID, event.New(event.TypeApprovalRequested,
		sessionID, projectID, b.runnerID, event.ModeEngine, map[string]any{
			"toolName":       toolName,
			"toolUseId":      toolUseID,
			"input":          input,
			"permissionMode": permissionMode,
		}))

	select {
	case d := <-p.result:
		return d, nil
	case <-ctx.Done():
		// The turn was interrupted while waiting. Deregister so a late
		// Resolve reports "no pending request" instead of settling.
		b.mu.Lock()
		if _, ok := b.pending[toolUseID]; ok {
			delete(b.pending, toolUseID)
			p.timer.Stop()
		}
		b.mu.Unlock()
		return Decision{}, fmt.Errorf("approval wait: %w", ctx.Err())
	}
}

// Resolve settles a pending request with a human decision. It returns false
// when no request with the given id is pending (already settled, timed out,
// or never existed). A scope other than once also caches a rule for future
// Evaluate calls.
func (b *Broker) Resolve(toolUseID, decision string, scope Scope, modifiedInput map[string]any) bool {
	b.mu.Lock()
	p, ok := b.pending[toolUseID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, toolUseID)
	p.timer.Stop()

	if scope != ScopeOnce {
		rule := Rule{Decision: decision, Scope: scope, ToolName: p.toolName}
		switch scope {
		case ScopeSession:
			rule.SessionID = p.sessionID
		case ScopeProject:
			rule.ProjectID = p.projectID
		}
		b.rules = append(b.rules, rule)
	}
	b.mu.Unlock()

	b.observeSettlement(p, decision)
	audit.Record(decision, p.toolName, "user decision", string(scope), p.sessionID)

	b.broadcaster.Broadcast(p.sessionID, event.New(event.TypeApprovalResolved,
		p.sessionID, p.projectID, b.runnerID, event.ModeEngine, map[string]any{
			"toolUseId": toolUseID,
			"decision":  decision,
			"scope":     string(scope),
		}))

	if decision == "allow" {
		p.result <- Decision{Allow: true, ModifiedInput: modifiedInput}
	} else {
		p.result <- Decision{Allow: false, Message: "user denied this action"}
	}
	return true
}

// observeSettlement records how long the request waited and counts denies.
func (b *Broker) observeSettlement(p *pending, decision string) {
	if b.metrics == nil {
		return
	}
	ctx := context.Background()
	b.metrics.ApprovalLatency.Record(ctx, time.Since(p.requestedAt).Seconds())
	if decision == "deny" {
		b.metrics.ApprovalsDenied.Add(ctx, 1)
	}
}

// settleTimeout auto-denies a request the human never answered.
func (b *Broker) settleTimeout(toolUseID string) {
	b.mu.Lock()
	p, ok := b.pending[toolUseID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, toolUseID)
	b.mu.Unlock()

	b.logger.Warn("approval timed out, auto-denying",
		"session_id", p.sessionID, "tool", p.toolName, "tool_use_id", toolUseID)
	b.observeSettlement(p, "deny")
	audit.Record("deny", p.toolName, "approval timed out", "", p.sessionID)

	p.result <- Decision{Allow: false, Message: "approval timed out"}
}

// ClearSessionRules purges session-scoped rules for the session. Pending
// requests are untouched; their own triggers settle them.
func (b *Broker) ClearSessionRules(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.rules[:0]
	for _, r := range b.rules {
		if r.Scope == ScopeSession && r.SessionID == sessionID {
			continue
		}
		kept = append(kept, r)
	}
	b.rules = kept
}

// PendingCount returns the number of unsettled requests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// PendingIDs returns the toolUseIds of all unsettled requests.
func (b *Broker) PendingIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.pending))
	for id := range b.pending {
		out = append(out, id)
	}
	return out
}
