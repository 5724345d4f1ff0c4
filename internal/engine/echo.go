package engine

import (
	"context"
	"strings"
	"time"

	"github.com/basket/relay/internal/shared"
)

// Echo is a development engine used when no API key is configured. It
// streams the prompt back word by word, which exercises the whole
// envelope/broadcast path without any external call.
type Echo struct {
	// DelayPerWord throttles the stream to look like generation. Zero means
	// no delay (tests).
	DelayPerWord time.Duration
}

// Run implements Engine.
func (e *Echo) Run(ctx context.Context, req Request) (<-chan Message, error) {
	out := make(chan Message, 32)

	engineSessionID := req.EngineSessionID
	if engineSessionID == "" {
		engineSessionID = shared.NewEngineSessionID()
	}

	go func() {
		defer close(out)

		out <- Ack{EngineSessionID: engineSessionID, Model: "echo", PermissionMode: req.PermissionMode}

		text := "echo: " + req.Prompt
		for _, word := range strings.SplitAfter(text, " ") {
			if e.DelayPerWord > 0 {
				select {
				case <-time.After(e.DelayPerWord):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- Delta{Text: word}:
			case <-ctx.Done():
				return
			}
		}

		usage := Usage{InputTokens: int64(len(req.Prompt)), OutputTokens: int64(len(text))}
		select {
		case out <- Assistant{Blocks: []ContentBlock{{Type: "text", Text: text}}, Usage: usage}:
		case <-ctx.Done():
			return
		}
		select {
		case out <- Result{Success: true, Usage: usage}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}
