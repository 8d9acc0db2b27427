package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Text envelope markers for providers without structured tool calls. The
// gateway teaches the model to emit tool invocations inside the envelope and
// parses them back into ToolCall chunks, so callers see one shape regardless
// of provider capability.
const (
	envelopeOpen  = "<tool_call>"
	envelopeClose = "</tool_call>"
)

type envelopePayload struct {
	RouterKey string          `json:"router_key"`
	Arguments json.RawMessage `json:"arguments"`
}

// envelopeInstructions renders the tool catalog and calling convention into
// prompt text appended to the system prompt.
func envelopeInstructions(tools []*models.ToolDescriptor) string {
	var sb strings.Builder
	sb.WriteString("\n\nYou can invoke the following tools. To call one, reply with exactly:\n")
	sb.WriteString(envelopeOpen)
	sb.WriteString(`{"router_key": "<key>", "arguments": {...}}`)
	sb.WriteString(envelopeClose)
	sb.WriteString("\nAvailable tools:\n")
	for _, tool := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n  input schema: %s\n",
			tool.RouterKey, tool.Description, string(tool.InputSchema))
	}
	sb.WriteString("Call at most one tool per reply. After the tool result arrives, continue.")
	return sb.String()
}

// applyEnvelope rewrites a request for a provider without tool-call support:
// tools move into the system prompt and tool results become user text.
func applyEnvelope(req *Request) *Request {
	out := *req
	out.System = req.System + envelopeInstructions(req.Tools)
	out.Tools = nil

	msgs := make([]Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch {
		case len(msg.ToolCalls) > 0:
			text := msg.Content
			for _, tc := range msg.ToolCalls {
				payload, _ := json.Marshal(envelopePayload{RouterKey: tc.RouterKey, Arguments: tc.Arguments})
				text += envelopeOpen + string(payload) + envelopeClose
			}
			msgs = append(msgs, Message{Role: "assistant", Content: text})
		case len(msg.ToolResults) > 0:
			var sb strings.Builder
			for _, tr := range msg.ToolResults {
				if tr.Failure != nil {
					fmt.Fprintf(&sb, "tool result (error): %s\n", tr.Failure.Message)
				} else {
					fmt.Fprintf(&sb, "tool result: %s\n", string(tr.Value))
				}
			}
			msgs = append(msgs, Message{Role: "user", Content: sb.String()})
		default:
			msgs = append(msgs, msg)
		}
	}
	out.Messages = msgs
	return &out
}

// parseEnvelope filters a provider stream, accumulating text and converting
// envelope blocks into ToolCall chunks. Text outside envelopes passes
// through unchanged.
func parseEnvelope(in <-chan *Chunk) <-chan *Chunk {
	out := make(chan *Chunk, 8)
	go func() {
		defer close(out)
		var buf strings.Builder
		inEnvelope := false

		flush := func() {
			if !inEnvelope && buf.Len() > 0 {
				out <- &Chunk{Text: buf.String()}
				buf.Reset()
			}
		}

		for chunk := range in {
			if chunk.Error != nil || chunk.Done {
				flush()
				out <- chunk
				continue
			}
			if chunk.ToolCall != nil {
				out <- chunk
				continue
			}
			buf.WriteString(chunk.Text)

			for {
				s := buf.String()
				if !inEnvelope {
					idx := strings.Index(s, envelopeOpen)
					if idx < 0 {
						// Hold back a potential partial open marker.
						safe := len(s) - len(envelopeOpen) + 1
						if safe > 0 {
							out <- &Chunk{Text: s[:safe]}
							buf.Reset()
							buf.WriteString(s[safe:])
						}
						break
					}
					if idx > 0 {
						out <- &Chunk{Text: s[:idx]}
					}
					buf.Reset()
					buf.WriteString(s[idx+len(envelopeOpen):])
					inEnvelope = true
					continue
				}

				idx := strings.Index(s, envelopeClose)
				if idx < 0 {
					break
				}
				body := s[:idx]
				buf.Reset()
				buf.WriteString(s[idx+len(envelopeClose):])
				inEnvelope = false

				var payload envelopePayload
				if err := json.Unmarshal([]byte(body), &payload); err != nil || payload.RouterKey == "" {
					// Malformed envelope: surface as text so the model's
					// output is not silently dropped.
					out <- &Chunk{Text: envelopeOpen + body + envelopeClose}
					continue
				}
				out <- &Chunk{ToolCall: &models.ToolCall{
					RouterKey: payload.RouterKey,
					Arguments: payload.Arguments,
					CallID:    uuid.NewString(),
				}}
			}
		}
	}()
	return out
}
