// Package engine defines the boundary to the external agent engine: one call
// per turn, answered with an asynchronous stream of messages drawn from a
// closed set of kinds. The engine itself is opaque; the session driver only
// sees this contract.
package engine

import "context"

// Decision is the answer to an approval callback.
type Decision struct {
	Allow bool
	// ModifiedInput optionally replaces the proposed tool input on allow.
	ModifiedInput map[string]any
	// Message explains a deny.
	Message string
}

// ApproveFunc gates a side-effecting tool call. The engine must invoke it
// before executing any gated action and wait for the decision; it must honor
// ctx cancellation while waiting.
type ApproveFunc func(ctx context.Context, toolName string, input map[string]any) (Decision, error)

// Request describes one turn.
type Request struct {
	Prompt         string
	WorkingDir     string
	PermissionMode string
	// EngineSessionID continues an existing engine conversation. Empty for
	// the first turn; the engine reports the id to use in its Ack.
	EngineSessionID string
	Approve         ApproveFunc
}

// Usage counts tokens consumed by a turn or message.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Message is one item of the engine's turn stream. The set of kinds is
// closed: Ack, Assistant, Delta, ToolOutput, Result.
type Message interface{ engineMessage() }

// Ack is the engine's first message, carrying the engine-side session id the
// caller must persist for subsequent turns.
type Ack struct {
	EngineSessionID string
	Model           string
	PermissionMode  string
}

// ContentBlock is one block of an assistant message: text or a tool-use
// request.
type ContentBlock struct {
	Type      string // "text" or "tool_use"
	Text      string
	ToolUseID string
	ToolName  string
	Input     map[string]any
}

// Assistant is a complete assistant message, possibly containing tool-use
// blocks alongside text.
type Assistant struct {
	Blocks []ContentBlock
	Usage  Usage
}

// Delta is an incremental piece of assistant text.
type Delta struct {
	Text string
}

// ToolOutput reports the result of a tool the engine executed.
type ToolOutput struct {
	ToolUseID string
	ToolName  string
	Content   string
	IsError   bool
}

// Result terminates the stream: success with usage totals, or failure with
// the engine's error detail.
type Result struct {
	Success bool
	Detail  string
	CostUSD float64
	Usage   Usage
}

func (Ack) engineMessage()        {}
func (Assistant) engineMessage()  {}
func (Delta) engineMessage()      {}
func (ToolOutput) engineMessage() {}
func (Result) engineMessage()     {}

// Engine runs turns against an external reasoning capability.
type Engine interface {
	// Run starts one turn. The returned channel yields the turn's messages
	// in emission order and is closed when the turn completes; the last
	// message is always a Result unless ctx was cancelled first.
	Run(ctx context.Context, req Request) (<-chan Message, error)
}
