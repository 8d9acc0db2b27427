package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// single-process runs. All returned values are clones; callers never share
// backing memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*models.Job
	steps     map[string][]*models.Step
	inboxes   map[string][]*models.InboxMessage
	tools     map[string]*models.ToolDescriptor
	providers map[string]*models.ProviderDescriptor
	queue     map[string]*models.QueueEntry

	locker *keyLocker
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*models.Job),
		steps:     make(map[string][]*models.Step),
		inboxes:   make(map[string][]*models.InboxMessage),
		tools:     make(map[string]*models.ToolDescriptor),
		providers: make(map[string]*models.ProviderDescriptor),
		queue:     make(map[string]*models.QueueEntry),
		locker:    newKeyLocker(),
	}
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return Fatal("create_job", ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return ErrDuplicateKey
	}
	clone := *job
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	job.CreatedAt = clone.CreatedAt
	job.UpdatedAt = clone.UpdatedAt
	m.jobs[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) LoadJob(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Job
	for _, job := range m.jobs {
		if filter.AgentID != "" && job.AgentID != filter.AgentID {
			continue
		}
		if filter.Finished != nil && job.Finished != *filter.Finished {
			continue
		}
		if job.Archived && !filter.IncludeArchived {
			continue
		}
		clone := *job
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ArchiveJob(ctx context.Context, jobID string) error {
	unlock := m.locker.Lock(jobID)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Archived = true
	job.UpdatedAt = time.Now()
	return nil
}

// AppendStep enforces the hash chain and assigns the next index. A replayed
// step whose self hash already exists returns the existing index unchanged.
func (m *MemoryStore) AppendStep(ctx context.Context, step *models.Step) (int, error) {
	if step == nil {
		return 0, Fatal("append_step", ErrNotFound)
	}
	unlock := m.locker.Lock(step.JobID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[step.JobID]
	if !ok {
		return 0, ErrNotFound
	}

	history := m.steps[step.JobID]
	for _, existing := range history {
		if existing.SelfHash == step.SelfHash {
			step.Index = existing.Index
			return existing.Index, nil
		}
	}

	if job.Finished {
		return 0, ErrJobFinished
	}

	tailHash := models.RootHash
	if len(history) > 0 {
		tailHash = history[len(history)-1].SelfHash
	}
	if step.ParentHash != tailHash {
		return 0, ErrChainMismatch
	}

	clone := *step
	clone.Index = len(history)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.steps[step.JobID] = append(history, &clone)
	job.UpdatedAt = time.Now()
	step.Index = clone.Index
	return clone.Index, nil
}

func (m *MemoryStore) LoadSteps(ctx context.Context, jobID string, sinceIndex, limit int) ([]*models.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}
	history := m.steps[jobID]
	if sinceIndex < 0 {
		sinceIndex = 0
	}
	if sinceIndex >= len(history) {
		return nil, nil
	}
	end := len(history)
	if limit > 0 && sinceIndex+limit < end {
		end = sinceIndex + limit
	}
	out := make([]*models.Step, 0, end-sinceIndex)
	for _, s := range history[sinceIndex:end] {
		clone := *s
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) TailStep(ctx context.Context, jobID string) (*models.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}
	history := m.steps[jobID]
	if len(history) == 0 {
		return nil, nil
	}
	clone := *history[len(history)-1]
	return &clone, nil
}

func (m *MemoryStore) FindStepByHash(ctx context.Context, jobID, selfHash string) (*models.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.steps[jobID] {
		if s.SelfHash == selfHash {
			clone := *s
			return &clone, nil
		}
	}
	return nil, ErrUnknownStepHash
}

func (m *MemoryStore) CopySteps(ctx context.Context, fromJobID, toJobID string, throughIndex int) error {
	unlock := m.locker.Lock(toJobID)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[toJobID]; !ok {
		return ErrNotFound
	}
	src := m.steps[fromJobID]
	if throughIndex >= len(src) {
		return ErrUnknownStepHash
	}
	dst := make([]*models.Step, 0, throughIndex+1)
	for _, s := range src[:throughIndex+1] {
		clone := *s
		clone.JobID = toJobID
		dst = append(dst, &clone)
	}
	m.steps[toJobID] = dst
	return nil
}

func (m *MemoryStore) SetFinished(ctx context.Context, jobID string, terminalIndex int) error {
	unlock := m.locker.Lock(jobID)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	history := m.steps[jobID]
	if job.Finished {
		if len(history) > 0 && history[len(history)-1].Index == terminalIndex {
			return nil
		}
		return ErrAlreadyFinished
	}
	job.Finished = true
	job.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AppendInboxMessage(ctx context.Context, msg *models.InboxMessage) (int, error) {
	if msg == nil || msg.InboxID == "" {
		return 0, Fatal("append_inbox", ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.inboxes[msg.InboxID]
	clone := *msg
	clone.Index = len(history)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.inboxes[msg.InboxID] = append(history, &clone)
	msg.Index = clone.Index
	return clone.Index, nil
}

func (m *MemoryStore) ReadInbox(ctx context.Context, inboxID string, since, limit int) ([]*models.InboxMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history, ok := m.inboxes[inboxID]
	if !ok {
		return nil, ErrNotFound
	}
	if since < 0 {
		since = 0
	}
	if since >= len(history) {
		return nil, nil
	}
	end := len(history)
	if limit > 0 && since+limit < end {
		end = since + limit
	}
	out := make([]*models.InboxMessage, 0, end-since)
	for _, msg := range history[since:end] {
		clone := *msg
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) ForkInbox(ctx context.Context, inboxID, fromMessageHash, newInboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	history, ok := m.inboxes[inboxID]
	if !ok {
		return ErrNotFound
	}
	cut := -1
	for i, msg := range history {
		if msg.SelfHash == fromMessageHash {
			cut = i
			break
		}
	}
	if cut < 0 {
		return ErrUnknownStepHash
	}
	forked := make([]*models.InboxMessage, 0, cut+1)
	for _, msg := range history[:cut+1] {
		clone := *msg
		clone.InboxID = newInboxID
		forked = append(forked, &clone)
	}
	m.inboxes[newInboxID] = forked
	return nil
}

func (m *MemoryStore) RegisterTool(ctx context.Context, d *models.ToolDescriptor) error {
	if d == nil || d.RouterKey == "" {
		return Fatal("register_tool", ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tools[d.RouterKey]; exists {
		return ErrDuplicateKey
	}
	clone := *d
	m.tools[d.RouterKey] = &clone
	return nil
}

func (m *MemoryStore) UpdateTool(ctx context.Context, d *models.ToolDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tools[d.RouterKey]; !exists {
		return ErrNotFound
	}
	clone := *d
	m.tools[d.RouterKey] = &clone
	return nil
}

func (m *MemoryStore) LookupTool(ctx context.Context, routerKey string) (*models.ToolDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.tools[routerKey]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (m *MemoryStore) ListTools(ctx context.Context, filter ToolFilter) ([]*models.ToolDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ToolDescriptor
	for _, d := range m.tools {
		if filter.EnabledOnly && !d.Enabled {
			continue
		}
		if filter.Runtime != "" && d.Runtime != filter.Runtime {
			continue
		}
		if filter.Namespace != "" && !strings.HasPrefix(d.RouterKey, filter.Namespace+"/") {
			continue
		}
		clone := *d
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouterKey < out[j].RouterKey })
	return out, nil
}

func (m *MemoryStore) RegisterProvider(ctx context.Context, d *models.ProviderDescriptor) error {
	if d == nil || d.ID == "" {
		return Fatal("register_provider", ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[d.ID]; exists {
		return ErrDuplicateKey
	}
	clone := *d
	m.providers[d.ID] = &clone
	return nil
}

func (m *MemoryStore) LookupProvider(ctx context.Context, id string) (*models.ProviderDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (m *MemoryStore) ListProviders(ctx context.Context) ([]*models.ProviderDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ProviderDescriptor, 0, len(m.providers))
	for _, d := range m.providers {
		clone := *d
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveQueueEntry(ctx context.Context, e *models.QueueEntry) error {
	if e == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Nonce == "" {
		e.Nonce = uuid.NewString()
	}
	clone := *e
	m.queue[e.Key+"/"+e.Nonce] = &clone
	return nil
}

func (m *MemoryStore) DeleteQueueEntry(ctx context.Context, key, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, key+"/"+nonce)
	return nil
}

func (m *MemoryStore) LoadQueueEntries(ctx context.Context) ([]*models.QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.QueueEntry, 0, len(m.queue))
	for _, e := range m.queue {
		clone := *e
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
