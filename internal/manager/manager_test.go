package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/dispatch"
	"github.com/haasonsaas/conductor/internal/executor"
	"github.com/haasonsaas/conductor/internal/gateway"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/internal/stream"
	"github.com/haasonsaas/conductor/pkg/models"
)

// scriptedProvider replays chunk scripts per call.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]*gateway.Chunk
	calls   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *gateway.Request) (<-chan *gateway.Chunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	if idx >= len(p.scripts) && len(p.scripts) > 0 {
		idx = len(p.scripts) - 1
	}
	var script []*gateway.Chunk
	if idx < len(p.scripts) {
		script = p.scripts[idx]
	}
	p.mu.Unlock()

	out := make(chan *gateway.Chunk, len(script))
	for _, chunk := range script {
		out <- chunk
	}
	close(out)
	return out, nil
}

func textTurn(text string) []*gateway.Chunk {
	return []*gateway.Chunk{
		{Text: text},
		{Done: true, Usage: &models.TokenUsage{Prompt: 10, Completion: 5}},
	}
}

type rig struct {
	store    store.Store
	queue    *queue.Manager
	manager  *Manager
	executor *executor.Executor
	provider *scriptedProvider
}

func newRig(t *testing.T, scripts [][]*gateway.Chunk, queueConfig queue.Config) *rig {
	t.Helper()
	st := store.NewMemoryStore()
	logger := observability.NopLogger()
	provider := &scriptedProvider{scripts: scripts}

	qm := queue.NewManager(st, queueConfig)
	t.Cleanup(qm.Close)
	bus := stream.NewBus(0)

	gw := gateway.New(st, logger, nil, gateway.Config{MaxRetries: 1, RetryDelay: 1})
	gw.RegisterFactory("scripted", func(*models.ProviderDescriptor) (gateway.Provider, error) {
		return provider, nil
	})
	if err := gw.Register(context.Background(), &models.ProviderDescriptor{
		ID:            "scripted",
		Kind:          "scripted",
		Model:         "scripted-1",
		ContextWindow: 1 << 20,
		Capabilities:  models.ProviderCapabilities{Streaming: true, ToolCalls: true},
	}); err != nil {
		t.Fatal(err)
	}

	registry := dispatch.NewRegistry(st)
	dispatcher := dispatch.NewDispatcher(registry, bus, logger, nil, dispatch.Config{})
	native := dispatch.NewNativeRunner()
	dispatcher.RegisterRunner(models.RuntimeNative, native)
	if err := registry.Register(context.Background(), dispatch.CalcAddDescriptor()); err != nil {
		t.Fatal(err)
	}
	native.Bind("calc/add/v1", dispatch.CalcAdd)

	exec := executor.New(st, qm, gw, dispatcher, bus, logger, nil, executor.Config{
		DefaultProvider: "scripted",
		PollInterval:    10 * time.Millisecond,
	})
	mgr := New(st, qm, gw, dispatcher, exec, bus, logger)
	dispatcher.RegisterRunner(models.RuntimeAgent, dispatch.NewAgentRunner(mgr))

	return &rig{store: st, queue: qm, manager: mgr, executor: exec, provider: provider}
}

func TestManager_SubmitAndReadHistory(t *testing.T) {
	r := newRig(t, nil, queue.Config{})
	ctx := context.Background()

	jobID, inboxID, err := r.manager.CreateJob(ctx, "", models.JobConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" || inboxID == "" {
		t.Fatal("empty ids")
	}

	index, err := r.manager.SubmitMessage(ctx, jobID, "hello core")
	if err != nil {
		t.Fatal(err)
	}
	if index != 0 {
		t.Errorf("index = %d", index)
	}

	// Round trip: the returned index reads back exactly that message.
	steps, err := r.manager.ReadHistory(ctx, jobID, index, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Payload.Text != "hello core" {
		t.Fatalf("history = %+v", steps)
	}

	// The inbox mirrors the user message.
	inbox, err := r.manager.ReadInbox(ctx, inboxID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 1 || inbox[0].Body != "hello core" || inbox[0].Role != models.RoleUser {
		t.Errorf("inbox = %+v", inbox)
	}

	// The queue has work for the job.
	if depth := r.queue.Depth(); depth != 1 {
		t.Errorf("queue depth = %d", depth)
	}
}

func TestManager_SubmitToFinishedJob(t *testing.T) {
	r := newRig(t, [][]*gateway.Chunk{textTurn("done")}, queue.Config{})
	ctx := context.Background()

	jobID, _, err := r.manager.CreateJob(ctx, "", models.JobConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.manager.SubmitMessage(ctx, jobID, "hi"); err != nil {
		t.Fatal(err)
	}
	if err := r.executor.RunInline(ctx, jobID); err != nil {
		t.Fatal(err)
	}

	if _, err := r.manager.SubmitMessage(ctx, jobID, "more"); !errors.Is(err, store.ErrJobFinished) {
		t.Errorf("err = %v, want ErrJobFinished", err)
	}
}

func TestManager_SubmitOverloaded(t *testing.T) {
	r := newRig(t, nil, queue.Config{HighWaterMark: 1})
	ctx := context.Background()

	j1, _, _ := r.manager.CreateJob(ctx, "", models.JobConfig{})
	j2, _, _ := r.manager.CreateJob(ctx, "", models.JobConfig{})

	if _, err := r.manager.SubmitMessage(ctx, j1, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.manager.SubmitMessage(ctx, j2, "b"); !errors.Is(err, queue.ErrOverloaded) {
		t.Errorf("err = %v, want ErrOverloaded", err)
	}
}

func TestManager_Fork(t *testing.T) {
	// Drive a job to two steps, fork at the second, and diverge.
	r := newRig(t, [][]*gateway.Chunk{textTurn("first answer"), textTurn("second answer")}, queue.Config{})
	ctx := context.Background()

	jobID, _, err := r.manager.CreateJob(ctx, "", models.JobConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.manager.SubmitMessage(ctx, jobID, "one"); err != nil {
		t.Fatal(err)
	}
	if err := r.executor.RunInline(ctx, jobID); err != nil {
		t.Fatal(err)
	}

	srcSteps, _ := r.manager.ReadHistory(ctx, jobID, 0, 0)
	if len(srcSteps) != 2 {
		t.Fatalf("source steps = %d", len(srcSteps))
	}

	forkID, err := r.manager.ForkJob(ctx, jobID, srcSteps[1].SelfHash, nil)
	if err != nil {
		t.Fatal(err)
	}

	forkSteps, _ := r.manager.ReadHistory(ctx, forkID, 0, 0)
	if len(forkSteps) != 2 {
		t.Fatalf("fork steps = %d", len(forkSteps))
	}
	for i := range forkSteps {
		if forkSteps[i].SelfHash != srcSteps[i].SelfHash {
			t.Errorf("fork hash[%d] differs", i)
		}
	}

	// Submitting to the fork diverges it; the source is unchanged.
	idx, err := r.manager.SubmitMessage(ctx, forkID, "diverge here")
	if err != nil {
		t.Fatal(err)
	}
	if idx != 2 {
		t.Errorf("diverged index = %d, want 2", idx)
	}
	srcAfter, _ := r.manager.ReadHistory(ctx, jobID, 0, 0)
	if len(srcAfter) != 2 {
		t.Errorf("source mutated: %d steps", len(srcAfter))
	}

	// Unknown fork point.
	if _, err := r.manager.ForkJob(ctx, jobID, "bogus", nil); !errors.Is(err, store.ErrUnknownStepHash) {
		t.Errorf("err = %v, want ErrUnknownStepHash", err)
	}
}

func TestManager_GetStatus(t *testing.T) {
	r := newRig(t, [][]*gateway.Chunk{textTurn("4.")}, queue.Config{})
	ctx := context.Background()

	jobID, _, _ := r.manager.CreateJob(ctx, "", models.JobConfig{})
	if _, err := r.manager.SubmitMessage(ctx, jobID, "What is 2+2?"); err != nil {
		t.Fatal(err)
	}
	if err := r.executor.RunInline(ctx, jobID); err != nil {
		t.Fatal(err)
	}

	status, err := r.manager.GetStatus(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Finished {
		t.Error("not finished")
	}
	if status.LastIndex != 1 {
		t.Errorf("last index = %d", status.LastIndex)
	}
	if status.Usage.Total() == 0 {
		t.Error("usage not aggregated")
	}
	if status.LastError != nil {
		t.Errorf("last error = %+v", status.LastError)
	}

	if _, err := r.manager.GetStatus(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing job err = %v", err)
	}
}

func TestManager_CancelJob(t *testing.T) {
	r := newRig(t, [][]*gateway.Chunk{textTurn("done")}, queue.Config{})
	ctx := context.Background()

	// NotFound.
	if err := r.manager.CancelJob(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}

	// Live (idle) job: exactly one cancelled terminal step.
	jobID, _, _ := r.manager.CreateJob(ctx, "", models.JobConfig{})
	if _, err := r.manager.SubmitMessage(ctx, jobID, "hi"); err != nil {
		t.Fatal(err)
	}
	if err := r.manager.CancelJob(ctx, jobID); err != nil {
		t.Fatal(err)
	}
	steps, _ := r.manager.ReadHistory(ctx, jobID, 0, 0)
	count := 0
	for _, s := range steps {
		if s.Payload.Notice == models.NoticeCancelled {
			count++
		}
	}
	if count != 1 {
		t.Errorf("cancelled steps = %d", count)
	}

	// Finished job.
	if err := r.manager.CancelJob(ctx, jobID); !errors.Is(err, ErrAlreadyFinished) {
		t.Errorf("finished: err = %v", err)
	}
}

func TestManager_SubscribeStream(t *testing.T) {
	r := newRig(t, nil, queue.Config{})
	ctx := context.Background()

	if _, err := r.manager.SubscribeStream(ctx, "missing", models.StreamTokens); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}

	jobID, _, _ := r.manager.CreateJob(ctx, "", models.JobConfig{})
	sub, err := r.manager.SubscribeStream(ctx, jobID, models.StreamTokens)
	if err != nil {
		t.Fatal(err)
	}
	sub.Close()
}

func TestManager_RegisterToolAndProvider(t *testing.T) {
	r := newRig(t, nil, queue.Config{})
	ctx := context.Background()

	key, err := r.manager.RegisterTool(ctx, &models.ToolDescriptor{
		RouterKey:   "echo/say/v1",
		Runtime:     models.RuntimeNative,
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Enabled:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if key != "echo/say/v1" {
		t.Errorf("key = %q", key)
	}
	// Duplicate router key.
	if _, err := r.manager.RegisterTool(ctx, &models.ToolDescriptor{
		RouterKey:   "echo/say/v1",
		Runtime:     models.RuntimeNative,
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Enabled:     true,
	}); !errors.Is(err, store.ErrDuplicateKey) {
		t.Errorf("duplicate: err = %v", err)
	}

	// Duplicate provider id.
	if _, err := r.manager.RegisterProvider(ctx, &models.ProviderDescriptor{
		ID:   "scripted",
		Kind: "scripted",
	}); !errors.Is(err, store.ErrDuplicateKey) {
		t.Errorf("duplicate provider: err = %v", err)
	}
}

func TestManager_UnknownAgent(t *testing.T) {
	r := newRig(t, nil, queue.Config{})
	if _, _, err := r.manager.CreateJob(context.Background(), "ghost", models.JobConfig{}); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("err = %v", err)
	}
}

func TestManager_AgentConfigMerge(t *testing.T) {
	r := newRig(t, [][]*gateway.Chunk{textTurn("ok")}, queue.Config{})
	ctx := context.Background()

	r.manager.RegisterAgent("helper", AgentConfig{
		SystemPrompt: "You are helpful.",
		Provider:     "scripted",
		AllowedTools: []string{"calc/add/v1"},
	})

	jobID, _, err := r.manager.CreateJob(ctx, "helper", models.JobConfig{MaxIterations: 2})
	if err != nil {
		t.Fatal(err)
	}
	job, err := r.store.LoadJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Config.SystemPrompt != "You are helpful." {
		t.Errorf("system prompt = %q", job.Config.SystemPrompt)
	}
	if job.Config.MaxIterations != 2 {
		t.Errorf("explicit override lost: %d", job.Config.MaxIterations)
	}
}

func TestManager_RunSubJob(t *testing.T) {
	r := newRig(t, [][]*gateway.Chunk{textTurn("sub answer")}, queue.Config{})
	r.manager.RegisterAgent("researcher", AgentConfig{Provider: "scripted"})

	answer, err := r.manager.RunSubJob(context.Background(), "researcher", "look this up", 3)
	if err != nil {
		t.Fatal(err)
	}
	if answer != "sub answer" {
		t.Errorf("answer = %q", answer)
	}
}
