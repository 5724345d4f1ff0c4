// Package anthropic implements the engine boundary on top of the Anthropic
// Messages API. The Messages API has no server-side conversation id, so the
// engine session id is generated runner-side and maps to an in-memory
// message history used for resume.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/basket/relay/internal/engine"
	"github.com/basket/relay/internal/shared"
)

// maxToolRounds bounds the tool loop within one turn.
const maxToolRounds = 10

// ToolRunner executes an allowed tool call and returns its textual output.
type ToolRunner interface {
	RunTool(ctx context.Context, name string, input map[string]any) (string, error)
}

// Options configures the Anthropic engine.
type Options struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// Tools advertises tool definitions to the model. Empty means the model
	// never requests tool use.
	Tools []anthropic.ToolUnionParam
	// Runner executes allowed tool calls. Nil reports tools as unavailable.
	Runner ToolRunner
}

// Engine drives turns against the Anthropic Messages API.
type Engine struct {
	client anthropic.Client
	opts   Options

	mu        sync.Mutex
	histories map[string][]anthropic.MessageParam
}

func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Model:     string(anthropic.ModelClaudeSonnet4_5),
		MaxTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	return &Engine{
		client:    anthropic.NewClient(clientOpts...),
		opts:      opts,
		histories: make(map[string][]anthropic.MessageParam),
	}
}

// Run implements engine.Engine.
func (e *Engine) Run(ctx context.Context, req engine.Request) (<-chan engine.Message, error) {
	out := make(chan engine.Message, 32)

	engineSessionID := req.EngineSessionID
	if engineSessionID == "" {
		engineSessionID = shared.NewEngineSessionID()
	}

	go func() {
		defer close(out)

		if !emit(ctx, out, engine.Ack{
			EngineSessionID: engineSessionID,
			Model:           e.opts.Model,
			PermissionMode:  req.PermissionMode,
		}) {
			return
		}

		e.mu.Lock()
		history := append([]anthropic.MessageParam(nil), e.histories[engineSessionID]...)
		e.mu.Unlock()

		history = append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

		var totalUsage engine.Usage

		for round := 0; round < maxToolRounds; round++ {
			message, err := e.streamOne(ctx, req, history, out)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				emit(ctx, out, engine.Result{Success: false, Detail: err.Error(), Usage: totalUsage})
				return
			}

			totalUsage.InputTokens += message.Usage.InputTokens
			totalUsage.OutputTokens += message.Usage.OutputTokens

			blocks, toolUses := adaptContent(message)
			if !emit(ctx, out, engine.Assistant{Blocks: blocks, Usage: engine.Usage{
				InputTokens:  message.Usage.InputTokens,
				OutputTokens: message.Usage.OutputTokens,
			}}) {
				return
			}

			if string(message.StopReason) != "tool_use" || len(toolUses) == 0 {
				break
			}

			history = append(history, message.ToParam())
			results, ok := e.runTools(ctx, req, toolUses, out)
			if !ok {
				return
			}
			history = append(history, anthropic.NewUserMessage(results...))
		}

		e.mu.Lock()
		e.histories[engineSessionID] = history
		e.mu.Unlock()

		emit(ctx, out, engine.Result{Success: true, Usage: totalUsage})
	}()

	return out, nil
}

// streamOne performs a single streaming Messages call, forwarding text
// deltas, and returns the accumulated message.
func (e *Engine) streamOne(ctx context.Context, req engine.Request, history []anthropic.MessageParam, out chan<- engine.Message) (anthropic.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.opts.Model),
		MaxTokens: e.opts.MaxTokens,
		Messages:  history,
	}
	if req.WorkingDir != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: fmt.Sprintf("You are assisting inside the project at %s.", req.WorkingDir)},
		}
	}
	if len(e.opts.Tools) > 0 {
		params.Tools = e.opts.Tools
	}

	stream := e.client.Messages.NewStreaming(ctx, params)
	var message anthropic.Message
	for stream.Next() {
		ev := stream.Current()
		if err := message.Accumulate(ev); err != nil {
			return message, fmt.Errorf("accumulate stream event: %w", err)
		}
		switch eventVariant := ev.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if !emit(ctx, out, engine.Delta{Text: deltaVariant.Text}) {
					return message, ctx.Err()
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return message, fmt.Errorf("anthropic stream: %w", err)
	}
	return message, nil
}

// runTools gates each requested tool through the approval callback, executes
// the allowed ones, and reports outputs. Returns ok=false when the turn was
// cancelled mid-way.
func (e *Engine) runTools(ctx context.Context, req engine.Request, toolUses []engine.ContentBlock, out chan<- engine.Message) ([]anthropic.ContentBlockParamUnion, bool) {
	results := make([]anthropic.ContentBlockParamUnion, 0, len(toolUses))
	for _, tu := range toolUses {
		content, isError := e.runOneTool(ctx, req, tu)
		if ctx.Err() != nil {
			return nil, false
		}
		if !emit(ctx, out, engine.ToolOutput{
			ToolUseID: tu.ToolUseID,
			ToolName:  tu.ToolName,
			Content:   content,
			IsError:   isError,
		}) {
			return nil, false
		}
		results = append(results, anthropic.NewToolResultBlock(tu.ToolUseID, content, isError))
	}
	return results, true
}

func (e *Engine) runOneTool(ctx context.Context, req engine.Request, tu engine.ContentBlock) (content string, isError bool) {
	if req.Approve != nil {
		decision, err := req.Approve(ctx, tu.ToolName, tu.Input)
		if err != nil {
			return "approval interrupted", true
		}
		if !decision.Allow {
			msg := decision.Message
			if msg == "" {
				msg = "denied"
			}
			return msg, true
		}
		if decision.ModifiedInput != nil {
			tu.Input = decision.ModifiedInput
		}
	}
	if e.opts.Runner == nil {
		return fmt.Sprintf("tool %s is not available in this runner", tu.ToolName), true
	}
	output, err := e.opts.Runner.RunTool(ctx, tu.ToolName, tu.Input)
	if err != nil {
		return err.Error(), true
	}
	return output, false
}

// adaptContent converts SDK content blocks into engine blocks, returning the
// tool-use subset separately.
func adaptContent(message anthropic.Message) (blocks, toolUses []engine.ContentBlock) {
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			blocks = append(blocks, engine.ContentBlock{Type: "text", Text: variant.Text})
		case anthropic.ToolUseBlock:
			input := map[string]any{}
			if raw, err := json.Marshal(variant.Input); err == nil {
				_ = json.Unmarshal(raw, &input)
			}
			cb := engine.ContentBlock{
				Type:      "tool_use",
				ToolUseID: variant.ID,
				ToolName:  variant.Name,
				Input:     input,
			}
			blocks = append(blocks, cb)
			toolUses = append(toolUses, cb)
		}
	}
	return blocks, toolUses
}

// emit sends msg unless the turn is cancelled. The channel is buffered; a
// consumer that stopped reading after cancellation must not wedge the engine.
func emit(ctx context.Context, out chan<- engine.Message, msg engine.Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
