package session

import (
	"context"
	"strings"

	"github.com/basket/relay/internal/engine"
	"github.com/basket/relay/internal/event"
)

// adaptMessage translates one engine message into envelopes on the bus and
// reports whether it was the terminal result.
func (m *Manager) adaptMessage(s *session, correlationID string, msg engine.Message) (terminal bool) {
	switch v := msg.(type) {
	case engine.Ack:
		m.mu.Lock()
		s.engineSessionID = v.EngineSessionID
		m.mu.Unlock()
		m.emit(s, correlationID, event.TypeSessionCreated, map[string]any{
			"engineSessionId": v.EngineSessionID,
			"model":           v.Model,
			"permissionMode":  v.PermissionMode,
		})

	case engine.Delta:
		m.emit(s, correlationID, event.TypeAssistantDelta, map[string]any{
			"text": v.Text,
		})

	case engine.Assistant:
		var text strings.Builder
		for _, block := range v.Blocks {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "tool_use":
				m.emit(s, correlationID, event.TypeToolRequested, map[string]any{
					"toolUseId": block.ToolUseID,
					"toolName":  block.ToolName,
					"input":     block.Input,
				})
			}
		}
		m.emit(s, correlationID, event.TypeAssistantMessage, map[string]any{
			"text": text.String(),
			"usage": map[string]any{
				"inputTokens":  v.Usage.InputTokens,
				"outputTokens": v.Usage.OutputTokens,
			},
		})

	case engine.ToolOutput:
		m.emit(s, correlationID, event.TypeToolOutput, map[string]any{
			"toolUseId": v.ToolUseID,
			"toolName":  v.ToolName,
			"content":   v.Content,
			"isError":   v.IsError,
		})

	case engine.Result:
		if m.metrics != nil {
			m.metrics.TokensUsed.Add(context.Background(), v.Usage.InputTokens+v.Usage.OutputTokens)
		}
		if v.Success {
			m.emit(s, correlationID, event.TypeSessionEnded, map[string]any{
				"reason":  "completed",
				"costUsd": v.CostUSD,
				"usage": map[string]any{
					"inputTokens":  v.Usage.InputTokens,
					"outputTokens": v.Usage.OutputTokens,
				},
			})
		} else {
			m.emit(s, correlationID, event.TypeSessionError, map[string]any{
				"code":    "engine_error",
				"message": v.Detail,
			})
		}
		return true
	}
	return false
}
