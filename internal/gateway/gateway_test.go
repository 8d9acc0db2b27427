package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/pkg/models"
)

// fakeProvider replays a scripted chunk sequence per call.
type fakeProvider struct {
	name    string
	scripts [][]*Chunk
	errs    []error
	calls   atomic.Int32
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	call := int(p.calls.Add(1)) - 1
	if call < len(p.errs) && p.errs[call] != nil {
		return nil, p.errs[call]
	}
	var script []*Chunk
	if len(p.scripts) > 0 {
		idx := call
		if idx >= len(p.scripts) {
			idx = len(p.scripts) - 1
		}
		script = p.scripts[idx]
	}
	out := make(chan *Chunk, len(script)+1)
	for _, chunk := range script {
		out <- chunk
	}
	close(out)
	return out, nil
}

func textScript(text string) []*Chunk {
	return []*Chunk{
		{Text: text},
		{Done: true, Usage: &models.TokenUsage{Prompt: 10, Completion: 5}},
	}
}

func newGateway(t *testing.T, p *fakeProvider, desc *models.ProviderDescriptor, config Config) *Gateway {
	t.Helper()
	g := New(store.NewMemoryStore(), observability.NopLogger(), nil, config)
	g.RegisterFactory("fake", func(*models.ProviderDescriptor) (Provider, error) { return p, nil })
	if err := g.Register(context.Background(), desc); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	return g
}

func fakeDescriptor() *models.ProviderDescriptor {
	return &models.ProviderDescriptor{
		ID:            "fake",
		Kind:          "fake",
		Model:         "fake-1",
		ContextWindow: 100000,
		Capabilities:  models.ProviderCapabilities{Streaming: true, ToolCalls: true},
	}
}

func collect(t *testing.T, chunks <-chan *Chunk) (string, []*models.ToolCall, *models.TokenUsage, error) {
	t.Helper()
	var text string
	var calls []*models.ToolCall
	var usage *models.TokenUsage
	for chunk := range chunks {
		if chunk.Error != nil {
			return text, calls, usage, chunk.Error
		}
		text += chunk.Text
		if chunk.ToolCall != nil {
			calls = append(calls, chunk.ToolCall)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	return text, calls, usage, nil
}

func TestGateway_CompleteText(t *testing.T) {
	p := &fakeProvider{name: "fake", scripts: [][]*Chunk{textScript("4.")}}
	g := newGateway(t, p, fakeDescriptor(), Config{})

	chunks, err := g.Complete(context.Background(), "fake", &Request{
		Messages: []Message{{Role: "user", Content: "What is 2+2?"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	text, calls, usage, err := collect(t, chunks)
	if err != nil {
		t.Fatal(err)
	}
	if text != "4." || len(calls) != 0 {
		t.Errorf("text = %q, calls = %d", text, len(calls))
	}
	if usage == nil || usage.Total() != 15 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestGateway_RetriesTransient(t *testing.T) {
	transient := &ProviderError{Reason: ReasonTransient, Provider: "fake", Message: "503"}
	p := &fakeProvider{
		name:    "fake",
		errs:    []error{transient, transient, nil},
		scripts: [][]*Chunk{textScript("ok"), textScript("ok"), textScript("ok")},
	}
	g := newGateway(t, p, fakeDescriptor(), Config{MaxRetries: 3, RetryDelay: 1})

	chunks, err := g.Complete(context.Background(), "fake", &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	text, _, _, err := collect(t, chunks)
	if err != nil {
		t.Fatalf("after retries: %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q", text)
	}
	if got := p.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestGateway_AuthFailureNotRetried(t *testing.T) {
	auth := &ProviderError{Reason: ReasonAuthFailure, Provider: "fake", Message: "bad key"}
	p := &fakeProvider{name: "fake", errs: []error{auth, auth}}
	g := newGateway(t, p, fakeDescriptor(), Config{MaxRetries: 3, RetryDelay: 1})

	chunks, err := g.Complete(context.Background(), "fake", &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, _, err = collect(t, chunks)
	pe, ok := AsProviderError(err)
	if !ok || pe.Reason != ReasonAuthFailure {
		t.Fatalf("err = %v", err)
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", got)
	}
}

func TestGateway_ContextExceeded(t *testing.T) {
	desc := fakeDescriptor()
	desc.ContextWindow = 100
	p := &fakeProvider{name: "fake", scripts: [][]*Chunk{textScript("never")}}
	g := newGateway(t, p, desc, Config{ReservedCompletion: 64})

	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'x'
	}
	_, err := g.Complete(context.Background(), "fake", &Request{
		Messages: []Message{{Role: "user", Content: string(long)}},
	})
	pe, ok := AsProviderError(err)
	if !ok || pe.Reason != ReasonContextExceeded {
		t.Fatalf("err = %v, want context exceeded", err)
	}
	if got := p.calls.Load(); got != 0 {
		t.Errorf("provider called %d times before precheck", got)
	}
}

func TestGateway_PartialStreamNotRetried(t *testing.T) {
	// A stream that dies after delivering text surfaces the error instead of
	// restarting: the stream is consumed once, not restartable.
	p := &fakeProvider{
		name: "fake",
		scripts: [][]*Chunk{
			{{Text: "partial "}, {Error: &ProviderError{Reason: ReasonTransient, Message: "connection reset"}}},
			textScript("full"),
		},
	}
	g := newGateway(t, p, fakeDescriptor(), Config{MaxRetries: 3, RetryDelay: 1})

	chunks, err := g.Complete(context.Background(), "fake", &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	text, _, _, err := collect(t, chunks)
	if err == nil {
		t.Fatal("expected stream error")
	}
	if text != "partial " {
		t.Errorf("partial text = %q", text)
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestGateway_UnknownProvider(t *testing.T) {
	g := New(store.NewMemoryStore(), observability.NopLogger(), nil, Config{})
	_, err := g.Complete(context.Background(), "missing", &Request{})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("err = %v", err)
	}
}
