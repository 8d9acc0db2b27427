// Package store implements the durable persistence layer for jobs, steps,
// inbox messages, tool and provider registries, and queue entries. The store
// is the single owner of persistent bytes; every other component borrows
// views through this interface.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Sentinel errors surfaced by store implementations.
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrChainMismatch   = errors.New("hash chain mismatch")
	ErrJobFinished     = errors.New("job is finished")
	ErrAlreadyFinished = errors.New("job already finished at a different step")
	ErrUnknownStepHash = errors.New("unknown step hash")
)

// ErrorKind classifies a store failure for retry decisions.
type ErrorKind string

const (
	// KindTransient marks recoverable I/O failures; the caller may retry.
	KindTransient ErrorKind = "transient"

	// KindFatal marks integrity violations and unrecoverable I/O; the caller
	// must escalate, never retry silently.
	KindFatal ErrorKind = "fatal"
)

// Error wraps an underlying failure with its classification and operation.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: [%s] %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable store error.
func Transient(op string, err error) error {
	return &Error{Op: op, Kind: KindTransient, Err: err}
}

// Fatal wraps err as a non-retryable store error.
func Fatal(op string, err error) error {
	return &Error{Op: op, Kind: KindFatal, Err: err}
}

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTransient
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	AgentID         string
	Finished        *bool
	IncludeArchived bool
	Limit           int
	Offset          int
}

// ToolFilter narrows ListTools results.
type ToolFilter struct {
	Namespace   string
	Runtime     models.RuntimeTag
	EnabledOnly bool
}

// Store is the transactional persistence contract. Every mutation is
// serialized per job id; readers see a consistent snapshot. AppendStep
// flushes before returning.
type Store interface {
	// Jobs. Jobs are never deleted; ArchiveJob marks them instead.
	CreateJob(ctx context.Context, job *models.Job) error
	LoadJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	ArchiveJob(ctx context.Context, jobID string) error

	// Steps. AppendStep assigns the index, enforces the hash chain, and
	// rejects appends to finished jobs. Re-appending a step whose self hash
	// already exists in the job is an idempotent no-op returning the
	// existing index.
	AppendStep(ctx context.Context, step *models.Step) (int, error)
	LoadSteps(ctx context.Context, jobID string, sinceIndex, limit int) ([]*models.Step, error)
	TailStep(ctx context.Context, jobID string) (*models.Step, error)
	FindStepByHash(ctx context.Context, jobID, selfHash string) (*models.Step, error)
	CopySteps(ctx context.Context, fromJobID, toJobID string, throughIndex int) error

	// SetFinished marks the job terminal at the given step. Idempotent for
	// the same index; a different index fails ErrAlreadyFinished.
	SetFinished(ctx context.Context, jobID string, terminalIndex int) error

	// Inbox.
	AppendInboxMessage(ctx context.Context, msg *models.InboxMessage) (int, error)
	ReadInbox(ctx context.Context, inboxID string, since, limit int) ([]*models.InboxMessage, error)
	ForkInbox(ctx context.Context, inboxID, fromMessageHash, newInboxID string) error

	// Tool registry.
	RegisterTool(ctx context.Context, d *models.ToolDescriptor) error
	UpdateTool(ctx context.Context, d *models.ToolDescriptor) error
	LookupTool(ctx context.Context, routerKey string) (*models.ToolDescriptor, error)
	ListTools(ctx context.Context, filter ToolFilter) ([]*models.ToolDescriptor, error)

	// Provider registry.
	RegisterProvider(ctx context.Context, d *models.ProviderDescriptor) error
	LookupProvider(ctx context.Context, id string) (*models.ProviderDescriptor, error)
	ListProviders(ctx context.Context) ([]*models.ProviderDescriptor, error)

	// Queue persistence. The queue manager owns ordering in memory and
	// mirrors every mutation here so queues survive restarts.
	SaveQueueEntry(ctx context.Context, e *models.QueueEntry) error
	DeleteQueueEntry(ctx context.Context, key, nonce string) error
	LoadQueueEntries(ctx context.Context) ([]*models.QueueEntry, error)

	Close() error
}
