package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/conductor/pkg/models"
)

// AnthropicProvider implements Provider over Anthropic's Claude API with SSE
// streaming, tool use, and usage extraction.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicFromDescriptor builds an Anthropic provider from a registry
// descriptor. The credential handle resolves through the environment; the
// bytes are handed to the SDK and never inspected.
func NewAnthropicFromDescriptor(desc *models.ProviderDescriptor) (Provider, error) {
	apiKey := resolveCredential(desc.CredentialRef)
	if apiKey == "" {
		return nil, errors.New("anthropic: credential handle resolved empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(desc.Endpoint) != "" {
		opts = append(opts, option.WithBaseURL(desc.Endpoint))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: desc.Model,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete sends the request and streams chunks back. Tool calls arrive as
// content_block_start/input_json_delta/content_block_stop sequences and are
// assembled into complete ToolCall chunks.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, NewProviderError("anthropic", req.Model, err)
	}

	chunks := make(chan *Chunk, 8)
	go func() {
		defer close(chunks)

		stream := p.client.Messages.NewStreaming(ctx, params)

		var currentTool *models.ToolCall
		var toolInput strings.Builder
		var usage models.TokenUsage

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				if ms.Message.Usage.InputTokens > 0 {
					usage.Prompt = int(ms.Message.Usage.InputTokens)
				}

			case "content_block_start":
				cbs := event.AsContentBlockStart()
				if cbs.ContentBlock.Type == "tool_use" {
					tu := cbs.ContentBlock.AsToolUse()
					currentTool = &models.ToolCall{
						RouterKey: models.RouterKeyFromCallName(tu.Name),
						CallID:    tu.ID,
					}
					toolInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						chunks <- &Chunk{Text: delta.Text}
					}
				case "input_json_delta":
					toolInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if currentTool != nil {
					args := toolInput.String()
					if args == "" {
						args = "{}"
					}
					currentTool.Arguments = json.RawMessage(args)
					chunks <- &Chunk{ToolCall: currentTool}
					currentTool = nil
				}

			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					usage.Completion = int(md.Usage.OutputTokens)
				}

			case "message_stop":
				chunks <- &Chunk{Done: true, Usage: &usage}
				return

			case "error":
				chunks <- &Chunk{Error: NewProviderError("anthropic", req.Model,
					errors.New("anthropic stream error"))}
				return
			}
		}

		if err := stream.Err(); err != nil {
			chunks <- &Chunk{Error: p.wrapError(err, req.Model)}
			return
		}
		chunks <- &Chunk{Done: true, Usage: &usage}
	}()

	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (p *AnthropicProvider) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			body := string(tr.Value)
			isError := false
			if tr.Failure != nil {
				body = tr.Failure.Message
				isError = true
			}
			content = append(content, anthropic.NewToolResultBlock(tr.CallID, body, isError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.CallID, input, callName(tc.RouterKey)))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []*models.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", tool.RouterKey, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.CallName())
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for %s", tool.RouterKey)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := NewProviderError("anthropic", model, err)
		return pe.WithStatus(apiErr.StatusCode)
	}
	return NewProviderError("anthropic", model, err)
}

func callName(routerKey string) string {
	return strings.NewReplacer("/", "__", ".", "__").Replace(routerKey)
}
