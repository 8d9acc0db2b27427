package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/dispatch"
	"github.com/haasonsaas/conductor/internal/gateway"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/pkg/models"
)

// loopConfig is the effective per-job configuration after applying executor
// defaults.
type loopConfig struct {
	provider        string
	model           string
	system          string
	allowedTools    []string
	maxIterations   int
	stepTimeout     time.Duration
	providerTimeout time.Duration
	keepRecent      int
	maxTokens       int
	streaming       bool
}

func (e *Executor) effectiveConfig(job *models.Job) loopConfig {
	cfg := loopConfig{
		provider:        job.Config.Provider,
		model:           job.Config.Model,
		system:          job.Config.SystemPrompt,
		allowedTools:    job.Config.AllowedTools,
		maxIterations:   job.Config.MaxIterations,
		stepTimeout:     job.Config.StepTimeout,
		providerTimeout: job.Config.ProviderTimeout,
		keepRecent:      job.Config.KeepRecent,
		maxTokens:       job.Config.MaxTokens,
		streaming:       job.Config.Streaming,
	}
	if cfg.provider == "" {
		cfg.provider = e.config.DefaultProvider
	}
	if cfg.maxIterations <= 0 {
		cfg.maxIterations = e.config.MaxIterations
	}
	if cfg.stepTimeout <= 0 {
		cfg.stepTimeout = e.config.StepTimeout
	}
	if cfg.providerTimeout <= 0 {
		cfg.providerTimeout = e.config.ProviderTimeout
	}
	if cfg.keepRecent <= 0 {
		cfg.keepRecent = e.config.KeepRecent
	}
	return cfg
}

// runLoop drives the inference loop for one job to a terminal step:
//
//	PREPARE_PROMPT -> CALL_PROVIDER -> CLASSIFY_RESPONSE ->
//	  text        -> APPEND_ASSISTANT -> TERMINAL
//	  tool calls  -> VALIDATE_TOOL -> DISPATCH -> (loop)
//	  error       -> CLASSIFY_ERROR -> (retry | fail)
//
// Cancellation is observed at every transition; step persistence runs in an
// uncancellable critical section bounded to store I/O.
func (e *Executor) runLoop(ctx context.Context, job *models.Job) error {
	cfg := e.effectiveConfig(job)
	logger := e.logger.With("job_id", job.ID)

	defer e.bumpStat(func(m *Metrics) { m.JobsProcessed++ })

	for iter := 0; iter < cfg.maxIterations; iter++ {
		if ctx.Err() != nil {
			return e.finishCancelled(ctx, job)
		}

		stepCtx, cancelStep := context.WithTimeout(ctx, cfg.stepTimeout)
		done, err := e.runStep(stepCtx, job, cfg)
		cancelStep()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	// Iteration bound exhausted without a terminal assistant message.
	step, err := e.appendPayload(ctx, job.ID, models.StepPayload{
		Role:   models.RoleSystem,
		Notice: models.NoticeIterationLimit,
		Text:   fmt.Sprintf("reached max iterations: %d", cfg.maxIterations),
	})
	if err != nil {
		return err
	}
	if err := e.finish(ctx, job.ID, step.Index, "iteration_limit"); err != nil {
		return err
	}
	logger.Info("job hit iteration limit", "iterations", cfg.maxIterations)
	return nil
}

// runStep executes one loop iteration. Returns done=true when the job
// reached a terminal step.
func (e *Executor) runStep(ctx context.Context, job *models.Job, cfg loopConfig) (bool, error) {
	steps, err := e.store.LoadSteps(ctx, job.ID, 0, 0)
	if err != nil {
		return false, err
	}

	tools, err := e.dispatcher.Registry().Descriptors(ctx, cfg.allowedTools)
	if err != nil {
		return false, err
	}

	messages, err := e.preparePrompt(ctx, cfg, steps, tools)
	if err != nil {
		if errors.Is(err, gateway.ErrContextExceeded) {
			return true, e.finishError(ctx, job, &models.Failure{
				Kind:    models.FailResourceExhausted,
				Message: "context window exceeded and summarization unavailable",
			})
		}
		return false, err
	}

	text, toolCalls, usage, provErr := e.callProvider(ctx, job, cfg, messages, tools)
	if provErr != nil {
		return e.classifyProviderError(ctx, job, cfg, provErr, text)
	}

	if len(toolCalls) == 0 {
		// Terminal assistant message.
		step, err := e.appendPayload(ctx, job.ID, models.StepPayload{
			Role:  models.RoleAssistant,
			Text:  text,
			Usage: usage,
		})
		if err != nil {
			return false, err
		}
		e.mirrorInbox(ctx, job, models.RoleAssistant, text)
		if err := e.finish(ctx, job.ID, step.Index, "assistant"); err != nil {
			return false, err
		}
		return true, nil
	}

	// Stable child ordering: persisted step order is by call id, confining
	// non-determinism to wall clock.
	sort.Slice(toolCalls, func(i, j int) bool { return toolCalls[i].CallID < toolCalls[j].CallID })

	if text != "" {
		if _, err := e.appendPayload(ctx, job.ID, models.StepPayload{
			Role:         models.RoleAssistant,
			Text:         text,
			Usage:        usage,
			HasToolCalls: true,
		}); err != nil {
			return false, err
		}
		e.mirrorInbox(ctx, job, models.RoleAssistant, text)
		usage = nil
	}

	for i := range toolCalls {
		payload := models.StepPayload{
			Role:     models.RoleToolRequest,
			ToolCall: &toolCalls[i],
		}
		if i == 0 && usage != nil {
			payload.Usage = usage
		}
		if _, err := e.appendPayload(ctx, job.ID, payload); err != nil {
			return false, err
		}
	}

	returns := e.dispatchAll(ctx, job, toolCalls)

	var fatal *models.Failure
	for i := range returns {
		if _, err := e.appendPayload(ctx, job.ID, models.StepPayload{
			Role:       models.RoleToolResult,
			ToolResult: &returns[i],
		}); err != nil {
			return false, err
		}
		if f := returns[i].Failure; f != nil && f.Kind == models.FailFatal {
			fatal = f
		}
	}

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return true, e.finishCancelled(ctx, job)
	}
	if fatal != nil {
		return true, e.finishError(ctx, job, fatal)
	}
	return false, nil
}

// callProvider invokes the gateway, republishing token chunks to the stream
// bus as they arrive and accumulating the final message. Partial text is
// returned alongside the error when a stream dies mid-way.
func (e *Executor) callProvider(ctx context.Context, job *models.Job, cfg loopConfig, messages []gateway.Message, tools []*models.ToolDescriptor) (string, []models.ToolCall, *models.TokenUsage, error) {
	providerID := cfg.provider
	callCtx, cancel := context.WithTimeout(ctx, cfg.providerTimeout)
	defer cancel()

	req := &gateway.Request{
		Model:     cfg.model,
		System:    cfg.system,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: cfg.maxTokens,
		Stream:    cfg.streaming,
	}

	chunks, err := e.gateway.Complete(callCtx, providerID, req)
	if err != nil {
		if pe, ok := gateway.AsProviderError(err); ok && pe.Reason == gateway.ReasonUnavailable && e.config.FallbackProvider != "" && providerID != e.config.FallbackProvider {
			e.logger.Warn("provider unavailable, trying fallback",
				"job_id", job.ID, "provider", providerID, "fallback", e.config.FallbackProvider)
			chunks, err = e.gateway.Complete(callCtx, e.config.FallbackProvider, req)
		}
		if err != nil {
			return "", nil, nil, err
		}
	}

	var sb strings.Builder
	var toolCalls []models.ToolCall
	var usage *models.TokenUsage

	for chunk := range chunks {
		if chunk.Error != nil {
			return sb.String(), nil, usage, chunk.Error
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
			e.bus.Publish(models.StreamEvent{
				JobID:   job.ID,
				Subtype: models.StreamTokens,
				Token:   chunk.Text,
			})
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done && chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}
	}
	return sb.String(), toolCalls, usage, nil
}

// classifyProviderError decides whether a provider failure ends the job or
// becomes an error step the loop recovers from. Partial streamed text is
// persisted with the error step so nothing the user saw is lost.
func (e *Executor) classifyProviderError(ctx context.Context, job *models.Job, cfg loopConfig, provErr error, partial string) (bool, error) {
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), context.Canceled) {
		return true, e.finishCancelled(ctx, job)
	}

	failure := &models.Failure{Kind: models.FailTransient, Message: provErr.Error()}
	terminal := false
	if pe, ok := gateway.AsProviderError(provErr); ok {
		switch pe.Reason {
		case gateway.ReasonAuthFailure:
			failure.Kind = models.FailForbidden
			terminal = true
		case gateway.ReasonInvalidRequest:
			failure.Kind = models.FailInvalidInput
			terminal = true
		case gateway.ReasonContextExceeded:
			failure.Kind = models.FailResourceExhausted
			terminal = true
		case gateway.ReasonUnavailable:
			failure.Kind = models.FailFatal
			terminal = true
		case gateway.ReasonRateLimited:
			failure.Kind = models.FailRateLimited
		}
	} else if errors.Is(provErr, context.DeadlineExceeded) {
		failure.Kind = models.FailTimeout
	}

	if terminal {
		return true, e.finishError(ctx, job, failure)
	}

	// Recoverable: persist the error step (with any partial text) and let
	// the loop take another iteration.
	if _, err := e.appendPayload(ctx, job.ID, models.StepPayload{
		Role:    models.RoleError,
		Text:    partial,
		Failure: failure,
	}); err != nil {
		return false, err
	}
	e.bus.Publish(models.StreamEvent{
		JobID:   job.ID,
		Subtype: models.StreamError,
		Failure: failure,
	})
	e.bumpStat(func(m *Metrics) { m.Failures++ })
	return false, nil
}

// dispatchAll runs the response's tool calls concurrently and gathers the
// results back into call order. Validation failures and dispatch errors
// become structured failure results the model can react to.
func (e *Executor) dispatchAll(ctx context.Context, job *models.Job, calls []models.ToolCall) []models.ToolReturn {
	returns := make([]models.ToolReturn, len(calls))
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			call := calls[idx]
			e.bumpStat(func(m *Metrics) { m.ToolCalls++ })

			value, err := e.dispatcher.Dispatch(ctx, job.ID, call, job.Config.AllowedTools)
			if err != nil {
				returns[idx] = models.ToolReturn{
					CallID:  call.CallID,
					Failure: dispatch.FailureFor(err),
				}
				e.bumpStat(func(m *Metrics) { m.Failures++ })
				return
			}
			returns[idx] = models.ToolReturn{CallID: call.CallID, Value: value}
		}(i)
	}
	wg.Wait()
	return returns
}

// finish marks the job terminal, tolerating the idempotent replay case.
func (e *Executor) finish(ctx context.Context, jobID string, terminalIndex int, outcome string) error {
	persistCtx := context.WithoutCancel(ctx)
	if err := e.store.SetFinished(persistCtx, jobID, terminalIndex); err != nil {
		if errors.Is(err, store.ErrAlreadyFinished) {
			return nil
		}
		return err
	}
	e.countFinished(outcome)
	return nil
}

func (e *Executor) finishCancelled(ctx context.Context, job *models.Job) error {
	step, err := e.appendPayload(ctx, job.ID, models.StepPayload{
		Role:   models.RoleSystem,
		Notice: models.NoticeCancelled,
		Text:   "job cancelled",
	})
	if err != nil {
		return err
	}
	if err := e.finish(ctx, job.ID, step.Index, "cancelled"); err != nil {
		return err
	}
	e.publishStatus(job.ID, "cancelled")
	return nil
}

func (e *Executor) finishError(ctx context.Context, job *models.Job, failure *models.Failure) error {
	step, err := e.appendPayload(ctx, job.ID, models.StepPayload{
		Role:    models.RoleError,
		Failure: failure,
	})
	if err != nil {
		return err
	}
	if err := e.finish(ctx, job.ID, step.Index, "error"); err != nil {
		return err
	}
	e.bus.Publish(models.StreamEvent{
		JobID:   job.ID,
		Subtype: models.StreamError,
		Failure: failure,
	})
	return nil
}

// appendPayload links a payload onto the job's chain and persists it.
// ChainMismatch is the replay signal: the tail is refreshed and the payload
// re-linked; a payload identical to an already-persisted step dedupes inside
// AppendStep via its self hash.
func (e *Executor) appendPayload(ctx context.Context, jobID string, payload models.StepPayload) (*models.Step, error) {
	persistCtx := context.WithoutCancel(ctx)

	for attempt := 0; attempt < 3; attempt++ {
		tail, err := e.store.TailStep(persistCtx, jobID)
		if err != nil {
			return nil, err
		}
		parent := models.RootHash
		if tail != nil {
			parent = tail.SelfHash
		}
		step := models.NewStep(jobID, parent, payload)
		if _, err := e.store.AppendStep(persistCtx, step); err != nil {
			if errors.Is(err, store.ErrChainMismatch) {
				e.bumpStat(func(m *Metrics) { m.Replays++ })
				continue
			}
			return nil, err
		}
		e.bumpStat(func(m *Metrics) { m.StepsPersisted++ })
		if e.metrics != nil {
			e.metrics.StepsAppended.WithLabelValues(string(payload.Role)).Inc()
		}
		e.bus.Publish(models.StreamEvent{
			JobID:     jobID,
			Subtype:   models.StreamStep,
			StepIndex: step.Index,
			Role:      payload.Role,
		})
		return step, nil
	}
	return nil, store.Fatal("append_payload", store.ErrChainMismatch)
}

// mirrorInbox appends the user-visible assistant text to the job's inbox.
// Inbox failures are logged, never fatal to the loop.
func (e *Executor) mirrorInbox(ctx context.Context, job *models.Job, role models.StepRole, body string) {
	if body == "" || job.InboxID == "" {
		return
	}
	persistCtx := context.WithoutCancel(ctx)

	parent := models.RootHash
	if msgs, err := e.store.ReadInbox(persistCtx, job.InboxID, 0, 0); err == nil && len(msgs) > 0 {
		parent = msgs[len(msgs)-1].SelfHash
	}
	msg := &models.InboxMessage{
		InboxID:    job.InboxID,
		ParentHash: parent,
		SelfHash:   models.ChainHash(parent, models.StepPayload{Role: role, Text: body}),
		Role:       role,
		Body:       body,
	}
	if _, err := e.store.AppendInboxMessage(persistCtx, msg); err != nil {
		e.logger.Warn("inbox mirror failed", "job_id", job.ID, "error", err.Error())
	}
}

// RunInline drives a job's loop synchronously on the caller's goroutine,
// bypassing the queue. Used for agent-runtime sub-jobs, which suspend their
// parent until the nested job reaches a terminal step.
func (e *Executor) RunInline(ctx context.Context, jobID string) error {
	job, err := e.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Finished {
		return nil
	}
	return e.runLoop(ctx, job)
}
