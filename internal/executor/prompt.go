package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/internal/gateway"
	"github.com/haasonsaas/conductor/pkg/models"
)

// preparePrompt materializes a provider-shaped message list from the step
// tail. When the prefix would exceed the provider's context window, the
// middle of the conversation is replaced with a summarization placeholder,
// preserving the first message and the most recent keepRecent messages;
// tail-truncation is never used. If summarization is unavailable the step
// fails with ErrContextExceeded instead of silently truncating.
func (e *Executor) preparePrompt(ctx context.Context, cfg loopConfig, steps []*models.Step, tools []*models.ToolDescriptor) ([]gateway.Message, error) {
	messages := stepsToMessages(steps)

	desc, err := e.gateway.Lookup(ctx, cfg.provider)
	if err != nil {
		return nil, err
	}
	if desc.ContextWindow <= 0 {
		return messages, nil
	}

	budget := desc.ContextWindow - reservedCompletionBudget(cfg)
	if promptEstimate(cfg.system, messages, tools) <= budget {
		return messages, nil
	}

	keep := cfg.keepRecent
	if len(messages) <= keep+1 {
		// Nothing elidable; the recent tail alone overflows.
		return nil, gateway.ErrContextExceeded
	}

	head := messages[:1]
	tail := messages[len(messages)-keep:]
	middle := messages[1 : len(messages)-keep]

	summary, err := e.summarize(ctx, cfg, middle)
	if err != nil {
		return nil, gateway.ErrContextExceeded
	}

	elided := make([]gateway.Message, 0, len(head)+1+len(tail))
	elided = append(elided, head...)
	elided = append(elided, gateway.Message{
		Role:    "user",
		Content: "[Summary of earlier conversation]\n" + summary,
	})
	elided = append(elided, tail...)

	if promptEstimate(cfg.system, elided, tools) > budget {
		return nil, gateway.ErrContextExceeded
	}
	return elided, nil
}

// summarize compresses the elided middle segment through the job's provider.
func (e *Executor) summarize(ctx context.Context, cfg loopConfig, middle []gateway.Message) (string, error) {
	var sb strings.Builder
	for _, msg := range middle {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&sb, "%s called %s(%s)\n", msg.Role, tc.RouterKey, string(tc.Arguments))
		}
		for _, tr := range msg.ToolResults {
			if tr.Failure != nil {
				fmt.Fprintf(&sb, "tool failed: %s\n", tr.Failure.Message)
			} else {
				fmt.Fprintf(&sb, "tool returned: %s\n", string(tr.Value))
			}
		}
	}

	req := &gateway.Request{
		Model:  cfg.model,
		System: "Summarize the conversation segment you are given. Preserve facts, decisions, and open tasks. Be concise.",
		Messages: []gateway.Message{
			{Role: "user", Content: sb.String()},
		},
		MaxTokens: 1024,
	}
	chunks, err := e.gateway.Complete(ctx, cfg.provider, req)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		out.WriteString(chunk.Text)
	}
	return out.String(), nil
}

// stepsToMessages folds the persisted step history into provider messages:
// tool-request steps attach to their assistant message, tool-result steps
// group into tool messages, and system/error steps surface as bracketed user
// text so every provider accepts them.
func stepsToMessages(steps []*models.Step) []gateway.Message {
	var msgs []gateway.Message
	var assistant *gateway.Message
	var tool *gateway.Message

	flushAssistant := func() {
		if assistant != nil {
			msgs = append(msgs, *assistant)
			assistant = nil
		}
	}
	flushTool := func() {
		if tool != nil {
			msgs = append(msgs, *tool)
			tool = nil
		}
	}
	flush := func() {
		flushAssistant()
		flushTool()
	}

	for _, step := range steps {
		p := step.Payload
		switch p.Role {
		case models.RoleUser:
			flush()
			msgs = append(msgs, gateway.Message{Role: "user", Content: p.Text})

		case models.RoleAssistant:
			flush()
			if p.HasToolCalls {
				assistant = &gateway.Message{Role: "assistant", Content: p.Text}
			} else {
				msgs = append(msgs, gateway.Message{Role: "assistant", Content: p.Text})
			}

		case models.RoleToolRequest:
			flushTool()
			if assistant == nil {
				assistant = &gateway.Message{Role: "assistant"}
			}
			if p.ToolCall != nil {
				assistant.ToolCalls = append(assistant.ToolCalls, *p.ToolCall)
			}

		case models.RoleToolResult:
			flushAssistant()
			if tool == nil {
				tool = &gateway.Message{Role: "tool"}
			}
			if p.ToolResult != nil {
				tool.ToolResults = append(tool.ToolResults, *p.ToolResult)
			}

		case models.RoleSystem:
			flush()
			msgs = append(msgs, gateway.Message{
				Role:    "user",
				Content: fmt.Sprintf("[system notice: %s] %s", p.Notice, p.Text),
			})

		case models.RoleError:
			flush()
			text := p.Text
			if p.Failure != nil {
				text = fmt.Sprintf("[previous attempt failed: %s] %s", p.Failure.Kind, p.Failure.Message)
			}
			msgs = append(msgs, gateway.Message{Role: "user", Content: text})
		}
	}
	flush()
	return msgs
}

func promptEstimate(system string, messages []gateway.Message, tools []*models.ToolDescriptor) int {
	return gateway.EstimateTokens(&gateway.Request{
		System:   system,
		Messages: messages,
		Tools:    tools,
	})
}

func reservedCompletionBudget(cfg loopConfig) int {
	if cfg.maxTokens > 0 {
		return cfg.maxTokens
	}
	return 4096
}
