// Package executor implements the job execution state machine: a pool of
// workers that dequeue jobs, drive the inference+tool loop against the
// provider gateway and tool dispatcher, persist every step through the
// durable store, and publish progress on the stream bus.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/dispatch"
	"github.com/haasonsaas/conductor/internal/gateway"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/queue"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/internal/stream"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Config tunes the executor pool and loop defaults. Job configs override the
// loop defaults per job.
type Config struct {
	// Workers is the worker pool size. Default: NumCPU.
	Workers int

	// MaxIterations bounds the inference loop. Default 10.
	MaxIterations int

	// StepTimeout bounds one loop step end to end. Default 5m.
	StepTimeout time.Duration

	// ProviderTimeout bounds a single provider call. Default 2m.
	ProviderTimeout time.Duration

	// KeepRecent is the tail preserved verbatim during middle elision.
	// Default 6.
	KeepRecent int

	// DefaultProvider is used when a job config names none.
	DefaultProvider string

	// FallbackProvider is tried once when the primary provider reports
	// ProviderUnavailable. Empty disables failover.
	FallbackProvider string

	// PollInterval is the queue poll cadence backing up enqueue
	// notifications. Default 500ms.
	PollInterval time.Duration
}

// DefaultConfig returns executor defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         runtime.NumCPU(),
		MaxIterations:   10,
		StepTimeout:     5 * time.Minute,
		ProviderTimeout: 2 * time.Minute,
		KeepRecent:      6,
		PollInterval:    500 * time.Millisecond,
	}
}

func (c Config) sanitized() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = d.ProviderTimeout
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = d.KeepRecent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// WorkItem is the queue payload describing one unit of job work.
type WorkItem struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// Metrics is a snapshot of executor counters.
type Metrics struct {
	JobsProcessed  int64
	StepsPersisted int64
	ToolCalls      int64
	Failures       int64
	Replays        int64
}

// Executor runs the worker pool.
type Executor struct {
	config     Config
	store      store.Store
	queue      *queue.Manager
	gateway    *gateway.Gateway
	dispatcher *dispatch.Dispatcher
	bus        *stream.Bus
	logger     *observability.Logger
	metrics    *observability.Metrics

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	statsMu sync.Mutex
	stats   Metrics

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// New builds an executor. Start spawns the pool; Stop drains it.
func New(st store.Store, qm *queue.Manager, gw *gateway.Gateway, disp *dispatch.Dispatcher, bus *stream.Bus, logger *observability.Logger, metrics *observability.Metrics, config Config) *Executor {
	return &Executor{
		config:     config.sanitized(),
		store:      st,
		queue:      qm,
		gateway:    gw,
		dispatcher: disp,
		bus:        bus,
		logger:     logger,
		metrics:    metrics,
		cancels:    make(map[string]context.CancelFunc),
		stop:       make(chan struct{}),
	}
}

// Start launches the worker pool. Workers run until Stop or ctx cancellation.
func (e *Executor) Start(ctx context.Context) {
	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
}

// Stop signals workers and waits for in-flight jobs to settle their current
// step. In-flight provider and tool calls observe cancellation through their
// contexts.
func (e *Executor) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Cancel flags a running job for co-operative cancellation. Returns false if
// the job is not currently executing; the caller decides whether a queued
// terminal notice is needed.
func (e *Executor) Cancel(jobID string) bool {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[jobID]
	e.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Stats returns a snapshot of executor counters.
func (e *Executor) Stats() Metrics {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	notify, unsubscribe := e.queue.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	logger := e.logger.With("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case key, ok := <-notify:
			if !ok {
				return
			}
			e.drainKey(ctx, logger, key)
		case <-ticker.C:
			for _, key := range e.queue.Keys() {
				e.drainKey(ctx, logger, key)
			}
		}
	}
}

// drainKey processes at most one entry for the key. The queue lease
// guarantees a single worker owns a job at a time; other workers observing
// the key see an empty peek and move on.
func (e *Executor) drainKey(ctx context.Context, logger *observability.Logger, key string) {
	token, payload, err := e.queue.Peek(ctx, key)
	if err != nil {
		if !errors.Is(err, queue.ErrEmpty) {
			logger.Warn("queue peek failed", "key", key, "error", err.Error())
		}
		return
	}

	var item WorkItem
	if err := json.Unmarshal(payload, &item); err != nil || item.JobID == "" {
		logger.Error("malformed queue payload, committing", "key", key)
		_ = e.queue.Commit(ctx, token)
		return
	}

	if e.metrics != nil {
		e.metrics.ActiveWorkers.Inc()
		defer e.metrics.ActiveWorkers.Dec()
	}

	err = e.runLeased(ctx, item.JobID)
	switch {
	case err == nil:
		if cerr := e.queue.Commit(ctx, token); cerr != nil {
			logger.Warn("queue commit failed", "job_id", item.JobID, "error", cerr.Error())
		}
		if e.metrics != nil {
			e.metrics.QueueDepth.Set(float64(e.queue.Depth()))
		}
	case store.IsTransient(err):
		logger.Warn("transient failure, releasing lease", "job_id", item.JobID, "error", err.Error())
		if rerr := e.queue.Release(ctx, token, time.Second); errors.Is(rerr, queue.ErrDeadLetter) {
			e.deadLetter(ctx, item.JobID)
		}
	default:
		logger.Error("job failed, releasing lease", "job_id", item.JobID, "error", err.Error())
		if rerr := e.queue.Release(ctx, token, time.Second); errors.Is(rerr, queue.ErrDeadLetter) {
			e.deadLetter(ctx, item.JobID)
		}
	}
}

// runLeased drives the loop for one leased job. A nil return means the queue
// entry is done (committed): either the job reached a terminal step or the
// entry is stale.
func (e *Executor) runLeased(ctx context.Context, jobID string) error {
	job, err := e.store.LoadJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.Finished {
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancels[jobID] = cancel
	e.cancelMu.Unlock()
	defer func() {
		cancel()
		e.cancelMu.Lock()
		delete(e.cancels, jobID)
		e.cancelMu.Unlock()
	}()

	e.publishStatus(jobID, "running")
	err = e.runLoop(jobCtx, job)
	if err == nil {
		e.publishStatus(jobID, "finished")
	}
	return err
}

// deadLetter materializes an error terminal step for a dead-lettered queue
// entry so the job surfaces the failure instead of silently stalling.
func (e *Executor) deadLetter(ctx context.Context, jobID string) {
	failure := &models.Failure{
		Kind:    models.FailResourceExhausted,
		Message: "queue entry dead-lettered after repeated delivery failures",
	}
	step, err := e.appendPayload(ctx, jobID, models.StepPayload{
		Role:    models.RoleError,
		Notice:  models.NoticeDeadLetter,
		Failure: failure,
	})
	if err != nil {
		e.logger.Error("dead-letter step append failed", "job_id", jobID, "error", err.Error())
		return
	}
	if err := e.store.SetFinished(ctx, jobID, step.Index); err != nil && !errors.Is(err, store.ErrAlreadyFinished) {
		e.logger.Error("dead-letter finish failed", "job_id", jobID, "error", err.Error())
	}
	e.countFinished("dead_letter")
	e.bus.Publish(models.StreamEvent{
		JobID:   jobID,
		Subtype: models.StreamError,
		Failure: failure,
	})
}

func (e *Executor) publishStatus(jobID, status string) {
	e.bus.Publish(models.StreamEvent{
		JobID:   jobID,
		Subtype: models.StreamStatus,
		Status:  status,
	})
}

func (e *Executor) countFinished(outcome string) {
	if e.metrics != nil {
		e.metrics.JobsFinished.WithLabelValues(outcome).Inc()
	}
}

func (e *Executor) bumpStat(fn func(*Metrics)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}
