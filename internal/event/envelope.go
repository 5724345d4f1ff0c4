// Package event defines the envelope every observer receives and the
// per-session sequence counter that orders envelopes on the wire.
package event

import (
	"time"

	"github.com/basket/relay/internal/shared"
)

// Mode says what kind of producer a session is attached to.
type Mode string

const (
	// ModeEngine sessions drive an external agent engine.
	ModeEngine Mode = "engine"
	// ModeProcess sessions bridge an external interactive process.
	ModeProcess Mode = "process"
)

// Event type vocabulary. The payload shape is fixed per type.
const (
	TypeSessionCreated = "session.created"
	TypeSessionEnded   = "session.ended"
	TypeSessionError   = "session.error"

	TypeAssistantDelta   = "assistant.delta"
	TypeAssistantMessage = "assistant.message"

	TypeToolRequested = "tool.requested"
	TypeToolOutput    = "tool.output"

	TypeApprovalRequested = "approval.requested"
	TypeApprovalResolved  = "approval.resolved"

	TypeProcessOpened = "process.opened"
	TypeProcessData   = "process.data"
	TypeProcessClosed = "process.closed"
)

// Envelope is the canonical sequenced event record delivered to subscribers.
// Seq is zero until the broadcaster stamps it; everything else is immutable
// once constructed. JSON field names follow the wire protocol consumed by
// observing clients.
type Envelope struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"ts"`
	SessionID     string         `json:"sessionId"`
	ProjectID     string         `json:"projectId"`
	RunnerID      string         `json:"runnerId"`
	Mode          Mode           `json:"mode"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// New builds an envelope with a fresh id and timestamp. Seq stays zero until
// broadcast.
func New(typ, sessionID, projectID, runnerID string, mode Mode, payload map[string]any) *Envelope {
	return &Envelope{
		ID:        shared.NewEventID(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		ProjectID: projectID,
		RunnerID:  runnerID,
		Mode:      mode,
		Payload:   payload,
	}
}
