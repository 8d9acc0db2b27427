// Package dispatch implements the tool registry and the multi-runtime tool
// dispatcher: resolution by router key, argument validation, runtime
// selection, timeout and concurrency enforcement, and structured failures.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/stream"
	"github.com/haasonsaas/conductor/pkg/models"
)

const (
	// DefaultTimeout is the wall-clock deadline for tools that declare none.
	DefaultTimeout = 60 * time.Second

	// MaxTimeout is the ceiling a descriptor's declared timeout is clamped to.
	MaxTimeout = 10 * time.Minute

	// maxArgumentsSize bounds tool argument payloads (10MB).
	maxArgumentsSize = 10 << 20
)

// Runner executes tool invocations for one runtime tag. Implementations must
// honor ctx cancellation and may emit log lines through the sink; failures
// return through the error, never the sink.
type Runner interface {
	Run(ctx context.Context, tool *models.ToolDescriptor, args json.RawMessage, logs LogSink) (json.RawMessage, error)
}

// LogSink receives tool runtime log lines for stream republication.
type LogSink func(line string)

// Config tunes the dispatcher.
type Config struct {
	// Concurrency caps parallel executions per runtime tag. Missing tags
	// default to NumCPU for native and a small fixed bound for process-backed
	// runtimes.
	Concurrency map[models.RuntimeTag]int
}

// DefaultConfig returns per-runtime concurrency defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: map[models.RuntimeTag]int{
			models.RuntimeNative:     runtime.NumCPU(),
			models.RuntimePython:     2,
			models.RuntimeDeno:       2,
			models.RuntimeSubprocess: 2,
			models.RuntimeMCP:        8,
			models.RuntimeAgent:      4,
			models.RuntimeComposite:  runtime.NumCPU(),
		},
	}
}

// Dispatcher routes tool calls to their runtime with validation, timeouts,
// and per-runtime concurrency caps. Over-cap invocations queue FIFO on the
// runtime's semaphore.
type Dispatcher struct {
	registry *Registry
	bus      *stream.Bus
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu      sync.RWMutex
	runners map[models.RuntimeTag]Runner
	sems    map[models.RuntimeTag]chan struct{}
}

// NewDispatcher creates a dispatcher over the registry. Runners are attached
// with RegisterRunner; dispatching to a runtime with no runner fails fatal.
func NewDispatcher(registry *Registry, bus *stream.Bus, logger *observability.Logger, metrics *observability.Metrics, config Config) *Dispatcher {
	defaults := DefaultConfig()
	sems := make(map[models.RuntimeTag]chan struct{})
	for tag, n := range defaults.Concurrency {
		if override, ok := config.Concurrency[tag]; ok && override > 0 {
			n = override
		}
		sems[tag] = make(chan struct{}, n)
	}
	return &Dispatcher{
		registry: registry,
		bus:      bus,
		logger:   logger,
		metrics:  metrics,
		runners:  make(map[models.RuntimeTag]Runner),
		sems:     sems,
	}
}

// Registry returns the dispatcher's tool registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// RegisterRunner attaches the runner for a runtime tag.
func (d *Dispatcher) RegisterRunner(tag models.RuntimeTag, r Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runners[tag] = r
}

// Dispatch resolves, validates, and executes one tool call on behalf of a
// job. The allow-list is the job's tool configuration; a nil list forbids
// all tools. Returns the tool's JSON value or a *ToolError.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string, call models.ToolCall, allow []string) (json.RawMessage, error) {
	start := time.Now()

	value, err := d.dispatch(ctx, jobID, call, allow)

	if d.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		d.metrics.ToolExecutions.WithLabelValues(call.RouterKey, status).Inc()
		d.metrics.ToolDuration.WithLabelValues(call.RouterKey).Observe(time.Since(start).Seconds())
	}
	return value, err
}

func (d *Dispatcher) dispatch(ctx context.Context, jobID string, call models.ToolCall, allow []string) (json.RawMessage, error) {
	if len(call.Arguments) > maxArgumentsSize {
		return nil, NewToolError(models.FailInvalidInput, call.RouterKey, ErrInvalidArguments).
			WithCallID(call.CallID).
			WithMessage(fmt.Sprintf("arguments exceed maximum size of %d bytes", maxArgumentsSize))
	}

	if !allowed(allow, call.RouterKey) {
		return nil, NewToolError(models.FailForbidden, call.RouterKey, ErrForbidden).
			WithCallID(call.CallID)
	}

	ct, err := d.registry.Resolve(ctx, call.RouterKey)
	if err != nil {
		return nil, err
	}
	if err := ct.ValidateArguments(call.Arguments); err != nil {
		return nil, err
	}

	d.mu.RLock()
	runner := d.runners[ct.desc.Runtime]
	d.mu.RUnlock()
	if runner == nil {
		return nil, NewToolError(models.FailFatal, call.RouterKey,
			fmt.Errorf("no runner registered for runtime %q", ct.desc.Runtime))
	}

	sem := d.sems[ct.desc.Runtime]
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return nil, NewToolError(models.FailCancelled, call.RouterKey, ctx.Err()).WithCallID(call.CallID)
	}

	timeout := ct.desc.Caps.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logs := d.logSink(jobID, call)

	value, err := d.runWithRecover(execCtx, runner, ct.desc, call.Arguments, logs)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, NewToolError(models.FailTimeout, call.RouterKey, ErrTimeout).
				WithCallID(call.CallID).
				WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
		}
		if ctx.Err() != nil {
			return nil, NewToolError(models.FailCancelled, call.RouterKey, ctx.Err()).WithCallID(call.CallID)
		}
		if te, ok := AsToolError(err); ok {
			return nil, te.WithCallID(call.CallID)
		}
		return nil, NewToolError(models.FailTransient, call.RouterKey, err).WithCallID(call.CallID)
	}

	if err := ct.ValidateOutput(value); err != nil {
		return nil, err
	}
	return value, nil
}

// runWithRecover isolates runner panics into structured failures.
func (d *Dispatcher) runWithRecover(ctx context.Context, runner Runner, tool *models.ToolDescriptor, args json.RawMessage, logs LogSink) (value json.RawMessage, err error) {
	type result struct {
		value json.RawMessage
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: NewToolError(models.FailFatal, tool.RouterKey,
					fmt.Errorf("panic: %v\n%s", r, debug.Stack()))}
			}
		}()
		v, runErr := runner.Run(ctx, tool, args, logs)
		ch <- result{value: v, err: runErr}
	}()

	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		// The runner is signalled through ctx; partial side effects are the
		// runtime's responsibility to roll back.
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) logSink(jobID string, call models.ToolCall) LogSink {
	if d.bus == nil {
		return func(string) {}
	}
	return func(line string) {
		d.bus.Publish(models.StreamEvent{
			JobID:   jobID,
			Subtype: models.StreamToolLog,
			ToolKey: call.RouterKey,
			CallID:  call.CallID,
			Line:    line,
		})
	}
}

func allowed(allow []string, routerKey string) bool {
	for _, key := range allow {
		if key == routerKey {
			return true
		}
	}
	return false
}
