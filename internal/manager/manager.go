// Package manager implements the top-level façade of the job execution
// core: job creation, message submission, forking, status queries, history
// reads, cancellation, stream subscriptions, and registration of tools and
// providers. The manager is stateless apart from its component handles;
// multiple instances may run against one store as long as queue leases are
// honored.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/dispatch"
	"github.com/haasonsaas/conductor/internal/executor"
	"github.com/haasonsaas/conductor/internal/gateway"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/internal/stream"
	"github.com/haasonsaas/conductor/pkg/models"
)

var (
	// ErrUnknownAgent is returned by CreateJob for an unregistered agent id.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrInvalidConfig is returned by CreateJob for a malformed config.
	ErrInvalidConfig = errors.New("invalid job config")

	// ErrAlreadyFinished is returned by CancelJob on a finished job.
	ErrAlreadyFinished = errors.New("job already finished")
)

// AgentConfig is a named configuration bundle parameterizing jobs.
type AgentConfig struct {
	SystemPrompt  string   `yaml:"system_prompt"`
	Provider      string   `yaml:"provider"`
	Model         string   `yaml:"model"`
	AllowedTools  []string `yaml:"allowed_tools"`
	MaxIterations int      `yaml:"max_iterations"`
	SubIterations int      `yaml:"sub_iterations"`
}

// Manager is the core façade.
type Manager struct {
	store      store.Store
	queue      *queue.Manager
	gateway    *gateway.Gateway
	dispatcher *dispatch.Dispatcher
	executor   *executor.Executor
	bus        *stream.Bus
	logger     *observability.Logger

	mu     sync.RWMutex
	agents map[string]AgentConfig
}

// New builds a manager over the core components.
func New(st store.Store, qm *queue.Manager, gw *gateway.Gateway, disp *dispatch.Dispatcher, exec *executor.Executor, bus *stream.Bus, logger *observability.Logger) *Manager {
	return &Manager{
		store:      st,
		queue:      qm,
		gateway:    gw,
		dispatcher: disp,
		executor:   exec,
		bus:        bus,
		logger:     logger,
		agents:     make(map[string]AgentConfig),
	}
}

// RegisterAgent adds or replaces a named agent configuration.
func (m *Manager) RegisterAgent(id string, cfg AgentConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[id] = cfg
}

// CreateJob allocates a job and its inbox. When agentID is set, the agent's
// bundle seeds the config and explicit config fields override it.
func (m *Manager) CreateJob(ctx context.Context, agentID string, config models.JobConfig) (jobID, inboxID string, err error) {
	if config.MaxIterations < 0 || config.StepTimeout < 0 || config.ProviderTimeout < 0 || config.KeepRecent < 0 {
		return "", "", ErrInvalidConfig
	}
	if agentID != "" {
		m.mu.RLock()
		agent, ok := m.agents[agentID]
		m.mu.RUnlock()
		if !ok {
			return "", "", ErrUnknownAgent
		}
		config = mergeAgentConfig(agent, config)
	}

	job := &models.Job{
		ID:      uuid.NewString(),
		AgentID: agentID,
		InboxID: uuid.NewString(),
		Config:  config,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return "", "", err
	}
	m.logger.Info("job created", "job_id", job.ID, "agent_id", agentID)
	return job.ID, job.InboxID, nil
}

// SubmitMessage appends a user message step (subject to the hash-chain
// check), mirrors it to the inbox, and enqueues work for the executor.
// Returns the appended step index.
func (m *Manager) SubmitMessage(ctx context.Context, jobID, userMessage string) (int, error) {
	job, err := m.store.LoadJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Finished {
		return 0, store.ErrJobFinished
	}

	tail, err := m.store.TailStep(ctx, jobID)
	if err != nil {
		return 0, err
	}
	parent := models.RootHash
	if tail != nil {
		parent = tail.SelfHash
	}
	step := models.UserStep(jobID, parent, userMessage)
	index, err := m.store.AppendStep(ctx, step)
	if err != nil {
		return 0, err
	}

	m.mirrorInbox(ctx, job, models.RoleUser, userMessage)

	payload, err := json.Marshal(executor.WorkItem{JobID: jobID, Reason: "submit"})
	if err != nil {
		return 0, err
	}
	if err := m.queue.Push(ctx, jobID, payload); err != nil {
		return 0, err
	}
	return index, nil
}

// ForkJob creates a new job sharing history through the step with the given
// hash, then diverging. The fork gets its own inbox rebuilt from the copied
// user/assistant steps; copied steps keep their hashes, so shared history is
// verifiable across both jobs.
func (m *Manager) ForkJob(ctx context.Context, jobID, atStepHash string, configOverride *models.JobConfig) (string, error) {
	src, err := m.store.LoadJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	at, err := m.store.FindStepByHash(ctx, jobID, atStepHash)
	if err != nil {
		return "", err
	}

	config := src.Config
	if configOverride != nil {
		config = *configOverride
	}
	fork := &models.Job{
		ID:          uuid.NewString(),
		AgentID:     src.AgentID,
		InboxID:     uuid.NewString(),
		ParentJobID: src.ID,
		Config:      config,
	}
	if err := m.store.CreateJob(ctx, fork); err != nil {
		return "", err
	}
	if err := m.store.CopySteps(ctx, jobID, fork.ID, at.Index); err != nil {
		return "", err
	}

	// Rebuild the user-visible view from the copied prefix.
	steps, err := m.store.LoadSteps(ctx, fork.ID, 0, 0)
	if err != nil {
		return "", err
	}
	for _, s := range steps {
		switch s.Payload.Role {
		case models.RoleUser, models.RoleAssistant:
			if s.Payload.Text != "" {
				m.mirrorInbox(ctx, fork, s.Payload.Role, s.Payload.Text)
			}
		}
	}

	m.logger.Info("job forked", "job_id", jobID, "fork_id", fork.ID, "at_index", at.Index)
	return fork.ID, nil
}

// GetStatus returns the caller-visible job state: lifecycle, last step
// index, pending tool calls, accumulated token usage, and the terminal
// failure descriptor when the job is not healthy.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*models.Status, error) {
	job, err := m.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	steps, err := m.store.LoadSteps(ctx, jobID, 0, 0)
	if err != nil {
		return nil, err
	}

	status := &models.Status{
		JobID:     jobID,
		Finished:  job.Finished,
		LastIndex: -1,
	}
	resolved := make(map[string]bool)
	var pending []string
	for _, s := range steps {
		status.LastIndex = s.Index
		if s.Payload.Usage != nil {
			status.Usage.Add(*s.Payload.Usage)
		}
		switch s.Payload.Role {
		case models.RoleToolRequest:
			if s.Payload.ToolCall != nil {
				pending = append(pending, s.Payload.ToolCall.CallID)
			}
		case models.RoleToolResult:
			if s.Payload.ToolResult != nil {
				resolved[s.Payload.ToolResult.CallID] = true
			}
		}
	}
	for _, id := range pending {
		if !resolved[id] {
			status.PendingToolCalls = append(status.PendingToolCalls, id)
		}
	}
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		if last.Payload.Failure != nil {
			status.LastError = last.Payload.Failure
		}
	}
	return status, nil
}

// ReadHistory pages through a job's persisted steps.
func (m *Manager) ReadHistory(ctx context.Context, jobID string, sinceIndex, limit int) ([]*models.Step, error) {
	return m.store.LoadSteps(ctx, jobID, sinceIndex, limit)
}

// ReadInbox pages through the user-visible conversation.
func (m *Manager) ReadInbox(ctx context.Context, inboxID string, since, limit int) ([]*models.InboxMessage, error) {
	return m.store.ReadInbox(ctx, inboxID, since, limit)
}

// ListJobs returns jobs matching the filter.
func (m *Manager) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	return m.store.ListJobs(ctx, filter)
}

// ArchiveJob marks a job archived. Jobs are never deleted.
func (m *Manager) ArchiveJob(ctx context.Context, jobID string) error {
	return m.store.ArchiveJob(ctx, jobID)
}

// CancelJob requests co-operative cancellation. A running job aborts its
// in-flight provider or tool call; an idle job gets its terminal notice
// recorded directly. Exactly one Cancelled terminal step results.
func (m *Manager) CancelJob(ctx context.Context, jobID string) error {
	job, err := m.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Finished {
		return ErrAlreadyFinished
	}

	if m.executor.Cancel(jobID) {
		// The owning worker records the terminal step.
		return nil
	}

	// Not currently executing: record the terminal notice here.
	tail, err := m.store.TailStep(ctx, jobID)
	if err != nil {
		return err
	}
	parent := models.RootHash
	if tail != nil {
		parent = tail.SelfHash
	}
	step := models.NewStep(jobID, parent, models.StepPayload{
		Role:   models.RoleSystem,
		Notice: models.NoticeCancelled,
		Text:   "job cancelled",
	})
	if _, err := m.store.AppendStep(ctx, step); err != nil {
		return err
	}
	if err := m.store.SetFinished(ctx, jobID, step.Index); err != nil && !errors.Is(err, store.ErrAlreadyFinished) {
		return err
	}
	m.bus.Publish(models.StreamEvent{
		JobID:   jobID,
		Subtype: models.StreamStatus,
		Status:  "cancelled",
	})
	return nil
}

// SubscribeStream attaches to a job's stream topic.
func (m *Manager) SubscribeStream(ctx context.Context, jobID string, subtype models.StreamSubtype) (*stream.Subscription, error) {
	if _, err := m.store.LoadJob(ctx, jobID); err != nil {
		return nil, err
	}
	return m.bus.Subscribe(jobID, subtype), nil
}

// RegisterTool validates and persists a tool descriptor.
func (m *Manager) RegisterTool(ctx context.Context, d *models.ToolDescriptor) (string, error) {
	if err := m.dispatcher.Registry().Register(ctx, d); err != nil {
		return "", err
	}
	return d.RouterKey, nil
}

// RegisterProvider validates and persists a provider descriptor.
func (m *Manager) RegisterProvider(ctx context.Context, d *models.ProviderDescriptor) (string, error) {
	if err := m.gateway.Register(ctx, d); err != nil {
		return "", err
	}
	return d.ID, nil
}

// RunSubJob implements the agent tool runtime: it creates a nested job for
// the named sub-agent, drives it inline to a terminal step, and returns the
// terminal assistant text. The nested job shares the parent's cancellation
// token through ctx. Its iteration budget is maxIterations when positive,
// else the agent's sub-iteration budget, else the agent's max iterations,
// else 5; the parent job's budget is not consulted.
func (m *Manager) RunSubJob(ctx context.Context, agentID, objective string, maxIterations int) (string, error) {
	config := models.JobConfig{MaxIterations: maxIterations}
	if agentID != "" {
		m.mu.RLock()
		agent, ok := m.agents[agentID]
		m.mu.RUnlock()
		if !ok {
			return "", ErrUnknownAgent
		}
		config = mergeAgentConfig(agent, config)
		if maxIterations <= 0 && agent.SubIterations > 0 {
			config.MaxIterations = agent.SubIterations
		}
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = 5
	}

	job := &models.Job{
		ID:      uuid.NewString(),
		AgentID: agentID,
		InboxID: uuid.NewString(),
		Config:  config,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return "", err
	}
	step := models.UserStep(job.ID, models.RootHash, objective)
	if _, err := m.store.AppendStep(ctx, step); err != nil {
		return "", err
	}
	if err := m.executor.RunInline(ctx, job.ID); err != nil {
		return "", err
	}

	tailStep, err := m.store.TailStep(ctx, job.ID)
	if err != nil {
		return "", err
	}
	if tailStep == nil {
		return "", fmt.Errorf("sub-job %s produced no steps", job.ID)
	}
	switch tailStep.Payload.Role {
	case models.RoleAssistant:
		return tailStep.Payload.Text, nil
	case models.RoleError:
		msg := "sub-job failed"
		if tailStep.Payload.Failure != nil {
			msg = tailStep.Payload.Failure.Message
		}
		return "", errors.New(msg)
	default:
		return "", fmt.Errorf("sub-job %s ended with %s", job.ID, tailStep.Payload.Role)
	}
}

func (m *Manager) mirrorInbox(ctx context.Context, job *models.Job, role models.StepRole, body string) {
	parent := models.RootHash
	if msgs, err := m.store.ReadInbox(ctx, job.InboxID, 0, 0); err == nil && len(msgs) > 0 {
		parent = msgs[len(msgs)-1].SelfHash
	}
	msg := &models.InboxMessage{
		InboxID:    job.InboxID,
		ParentHash: parent,
		SelfHash:   models.ChainHash(parent, models.StepPayload{Role: role, Text: body}),
		Role:       role,
		Body:       body,
	}
	if _, err := m.store.AppendInboxMessage(ctx, msg); err != nil {
		m.logger.Warn("inbox mirror failed", "job_id", job.ID, "error", err.Error())
	}
}

func mergeAgentConfig(agent AgentConfig, config models.JobConfig) models.JobConfig {
	if config.SystemPrompt == "" {
		config.SystemPrompt = agent.SystemPrompt
	}
	if config.Provider == "" {
		config.Provider = agent.Provider
	}
	if config.Model == "" {
		config.Model = agent.Model
	}
	if len(config.AllowedTools) == 0 {
		config.AllowedTools = agent.AllowedTools
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = agent.MaxIterations
	}
	return config
}
