package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/pkg/models"
)

// OpenAIProvider implements Provider over the OpenAI chat completions API,
// including OpenAI-compatible endpoints configured via the descriptor's
// Endpoint field.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIFromDescriptor builds an OpenAI provider from a registry
// descriptor.
func NewOpenAIFromDescriptor(desc *models.ProviderDescriptor) (Provider, error) {
	apiKey := resolveCredential(desc.CredentialRef)
	if apiKey == "" {
		return nil, errors.New("openai: credential handle resolved empty")
	}
	config := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(desc.Endpoint) != "" {
		config.BaseURL = desc.Endpoint
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(config),
		defaultModel: desc.Model,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete sends the request and streams chunks back. Tool call fragments
// are accumulated per index and emitted as complete ToolCall chunks at
// stream end, matching the gateway contract.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	request := p.buildRequest(req)

	chunks := make(chan *Chunk, 8)
	go func() {
		defer close(chunks)

		if !req.Stream {
			p.completeOnce(ctx, request, chunks)
			return
		}

		request.Stream = true
		request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
		stream, err := p.client.CreateChatCompletionStream(ctx, request)
		if err != nil {
			chunks <- &Chunk{Error: p.wrapError(err, request.Model)}
			return
		}
		defer stream.Close()

		type partialCall struct {
			id   string
			name string
			args strings.Builder
		}
		calls := map[int]*partialCall{}
		maxIdx := -1
		var usage models.TokenUsage

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				chunks <- &Chunk{Error: p.wrapError(err, request.Model)}
				return
			}
			if resp.Usage != nil {
				usage.Prompt = resp.Usage.PromptTokens
				usage.Completion = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				chunks <- &Chunk{Text: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				pc := calls[idx]
				if pc == nil {
					pc = &partialCall{}
					calls[idx] = pc
					if idx > maxIdx {
						maxIdx = idx
					}
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
		}

		for idx := 0; idx <= maxIdx; idx++ {
			pc := calls[idx]
			if pc == nil || pc.name == "" {
				continue
			}
			args := pc.args.String()
			if args == "" {
				args = "{}"
			}
			chunks <- &Chunk{ToolCall: &models.ToolCall{
				RouterKey: models.RouterKeyFromCallName(pc.name),
				Arguments: json.RawMessage(args),
				CallID:    pc.id,
			}}
		}
		chunks <- &Chunk{Done: true, Usage: &usage}
	}()

	return chunks, nil
}

// completeOnce serves providers/configs without streaming: one request, one
// final text chunk, then usage.
func (p *OpenAIProvider) completeOnce(ctx context.Context, request openai.ChatCompletionRequest, chunks chan<- *Chunk) {
	resp, err := p.client.CreateChatCompletion(ctx, request)
	if err != nil {
		chunks <- &Chunk{Error: p.wrapError(err, request.Model)}
		return
	}
	usage := &models.TokenUsage{
		Prompt:     resp.Usage.PromptTokens,
		Completion: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		chunks <- &Chunk{Done: true, Usage: usage}
		return
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		chunks <- &Chunk{Text: choice.Message.Content}
	}
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		chunks <- &Chunk{ToolCall: &models.ToolCall{
			RouterKey: models.RouterKeyFromCallName(tc.Function.Name),
			Arguments: json.RawMessage(args),
			CallID:    tc.ID,
		}}
	}
	chunks <- &Chunk{Done: true, Usage: usage}
}

func (p *OpenAIProvider) buildRequest(req *Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		switch {
		case len(msg.ToolResults) > 0:
			for _, tr := range msg.ToolResults {
				body := string(tr.Value)
				if tr.Failure != nil {
					body = fmt.Sprintf(`{"error":%q}`, tr.Failure.Message)
				}
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    body,
					ToolCallID: tr.CallID,
				})
			}
		case len(msg.ToolCalls) > 0:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      callName(tc.RouterKey),
						Arguments: string(tc.Arguments),
					},
				})
			}
			messages = append(messages, m)
		default:
			role := msg.Role
			if role == "" {
				role = openai.ChatMessageRoleUser
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    role,
				Content: msg.Content,
			})
		}
	}

	request := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		request.Temperature = req.Temperature
	}
	if req.JSONMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	for _, tool := range req.Tools {
		request.Tools = append(request.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.CallName(),
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return request
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := NewProviderError("openai", model, err)
		return pe.WithStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe := NewProviderError("openai", model, err)
		return pe.WithStatus(reqErr.HTTPStatusCode)
	}
	return NewProviderError("openai", model, err)
}
