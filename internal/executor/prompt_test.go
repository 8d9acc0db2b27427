package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/conductor/internal/gateway"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/pkg/models"
)

func TestStepsToMessages_Folding(t *testing.T) {
	mkStep := func(payload models.StepPayload) *models.Step {
		return &models.Step{Payload: payload}
	}
	steps := []*models.Step{
		mkStep(models.StepPayload{Role: models.RoleUser, Text: "add 1 and 2"}),
		mkStep(models.StepPayload{Role: models.RoleAssistant, Text: "calling tool", HasToolCalls: true}),
		mkStep(models.StepPayload{Role: models.RoleToolRequest, ToolCall: &models.ToolCall{
			RouterKey: "calc/add/v1", CallID: "c1",
		}}),
		mkStep(models.StepPayload{Role: models.RoleToolResult, ToolResult: &models.ToolReturn{
			CallID: "c1", Value: []byte(`{"value":3}`),
		}}),
		mkStep(models.StepPayload{Role: models.RoleAssistant, Text: "the sum is 3"}),
	}

	msgs := stepsToMessages(steps)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "user" {
		t.Errorf("msg0 = %+v", msgs[0])
	}
	// Assistant text and its tool calls fold into one message.
	if msgs[1].Role != "assistant" || msgs[1].Content != "calling tool" || len(msgs[1].ToolCalls) != 1 {
		t.Errorf("msg1 = %+v", msgs[1])
	}
	if msgs[2].Role != "tool" || len(msgs[2].ToolResults) != 1 {
		t.Errorf("msg2 = %+v", msgs[2])
	}
	if msgs[3].Role != "assistant" || msgs[3].Content != "the sum is 3" {
		t.Errorf("msg3 = %+v", msgs[3])
	}
}

func newPromptRig(t *testing.T, provider *scriptedProvider, window int) (*Executor, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := observability.NopLogger()

	gw := gateway.New(st, logger, nil, gateway.Config{
		MaxRetries:         1,
		RetryDelay:         1,
		ReservedCompletion: 100,
	})
	gw.RegisterFactory("scripted", func(*models.ProviderDescriptor) (gateway.Provider, error) {
		return provider, nil
	})
	if err := gw.Register(context.Background(), &models.ProviderDescriptor{
		ID:            "scripted",
		Kind:          "scripted",
		Model:         "scripted-1",
		ContextWindow: window,
		Capabilities:  models.ProviderCapabilities{Streaming: true, ToolCalls: true},
	}); err != nil {
		t.Fatal(err)
	}

	e := New(st, nil, gw, nil, nil, logger, nil, Config{})
	return e, st
}

func longSteps(n int) []*models.Step {
	steps := make([]*models.Step, 0, n)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		steps = append(steps, &models.Step{Payload: models.StepPayload{
			Role: role,
			Text: fmt.Sprintf("message %02d %s", i, strings.Repeat("x", 110)),
		}})
	}
	return steps
}

func TestPreparePrompt_NoElisionWhenFits(t *testing.T) {
	e, _ := newPromptRig(t, &scriptedProvider{}, 1<<20)
	cfg := loopConfig{provider: "scripted", keepRecent: 2, maxTokens: 16}

	msgs, err := e.preparePrompt(context.Background(), cfg, longSteps(4), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Errorf("messages = %d", len(msgs))
	}
}

func TestPreparePrompt_MiddleElision(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*gateway.Chunk{textTurn("a short summary")}}
	e, _ := newPromptRig(t, provider, 2000)
	cfg := loopConfig{provider: "scripted", keepRecent: 2, maxTokens: 1800}

	steps := longSteps(12)
	msgs, err := e.preparePrompt(context.Background(), cfg, steps, nil)
	if err != nil {
		t.Fatal(err)
	}
	// First message + summary placeholder + keepRecent tail.
	if len(msgs) != 4 {
		t.Fatalf("messages = %d: %+v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0].Content, "message 00") {
		t.Errorf("head lost: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[1].Content, "a short summary") {
		t.Errorf("summary placeholder = %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[2].Content, "message 10") || !strings.Contains(msgs[3].Content, "message 11") {
		t.Errorf("tail lost: %q / %q", msgs[2].Content, msgs[3].Content)
	}
	if provider.callCount() != 1 {
		t.Errorf("summarization calls = %d", provider.callCount())
	}
}

func TestPreparePrompt_SummarizationUnavailable(t *testing.T) {
	// The summarization call fails; the prompt phase must fail with
	// ErrContextExceeded rather than silently truncating.
	provider := &scriptedProvider{scripts: [][]*gateway.Chunk{
		{{Error: errors.New("summary backend broken")}},
	}}
	e, _ := newPromptRig(t, provider, 2000)
	cfg := loopConfig{provider: "scripted", keepRecent: 2, maxTokens: 1800}

	_, err := e.preparePrompt(context.Background(), cfg, longSteps(12), nil)
	if !errors.Is(err, gateway.ErrContextExceeded) {
		t.Errorf("err = %v, want ErrContextExceeded", err)
	}
}
