package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/pkg/models"
)

// ErrContextExceeded is returned when the serialized prefix plus reserved
// completion budget would not fit the provider's context window. The gateway
// never silently truncates.
var ErrContextExceeded = errors.New("context window exceeded")

// ErrUnknownProvider is returned for completion requests against an
// unregistered provider id.
var ErrUnknownProvider = errors.New("unknown provider")

// Config tunes gateway retry behavior.
type Config struct {
	// MaxRetries bounds attempts for transient and rate-limit failures.
	// Default 3.
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff. Default 1s.
	RetryDelay time.Duration

	// ReservedCompletion is the token budget reserved for the completion
	// when checking the context window. Default 4096.
	ReservedCompletion int
}

// DefaultConfig returns default gateway settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		RetryDelay:         time.Second,
		ReservedCompletion: 4096,
	}
}

func (c Config) sanitized() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.ReservedCompletion <= 0 {
		c.ReservedCompletion = d.ReservedCompletion
	}
	return c
}

type registered struct {
	desc     *models.ProviderDescriptor
	provider Provider
	limiter  *rate.Limiter
}

// Gateway presents a single completion contract over heterogeneous
// providers, layering rate budgets, bounded retries, the context-window
// precheck, and capability normalization on top of each backend.
type Gateway struct {
	config  Config
	store   store.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	factories map[string]Factory
	providers map[string]*registered
}

// New creates a gateway over the given store. Factories for the builtin
// provider kinds (anthropic, openai) are pre-registered.
func New(st store.Store, logger *observability.Logger, metrics *observability.Metrics, config Config) *Gateway {
	g := &Gateway{
		config:    config.sanitized(),
		store:     st,
		logger:    logger,
		metrics:   metrics,
		factories: make(map[string]Factory),
		providers: make(map[string]*registered),
	}
	g.RegisterFactory("anthropic", NewAnthropicFromDescriptor)
	g.RegisterFactory("openai", NewOpenAIFromDescriptor)
	return g
}

// RegisterFactory attaches a provider constructor for a descriptor kind.
func (g *Gateway) RegisterFactory(kind string, f Factory) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.factories[kind] = f
}

// Register validates and persists a provider descriptor, instantiating its
// backend. Duplicate ids fail with store.ErrDuplicateKey.
func (g *Gateway) Register(ctx context.Context, desc *models.ProviderDescriptor) error {
	if desc.ID == "" || desc.Kind == "" {
		return fmt.Errorf("provider descriptor needs id and kind")
	}
	reg, err := g.instantiate(desc)
	if err != nil {
		return err
	}
	if err := g.store.RegisterProvider(ctx, desc); err != nil {
		return err
	}
	g.mu.Lock()
	g.providers[desc.ID] = reg
	g.mu.Unlock()
	return nil
}

// Lookup returns the descriptor for a provider id.
func (g *Gateway) Lookup(ctx context.Context, id string) (*models.ProviderDescriptor, error) {
	reg, err := g.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	clone := *reg.desc
	return &clone, nil
}

// SupportsSummarization reports whether the provider can be used for
// context-elision summaries (any chat-capable provider qualifies).
func (g *Gateway) SupportsSummarization(ctx context.Context, id string) bool {
	_, err := g.resolve(ctx, id)
	return err == nil
}

// Complete runs one completion against the named provider. The returned
// channel delivers Text/ToolCall chunks and closes after a Done chunk with
// usage, or after an error chunk.
//
// Normalization guarantees regardless of backend capabilities:
//   - providers without structured tool calls get the text-envelope fallback
//     and still produce ToolCall chunks,
//   - providers without streaming deliver one final Text chunk then Done,
//   - HTTP 429 and transient failures are retried with exponential backoff
//     (respecting Retry-After) before an error surfaces,
//   - a prefix that cannot fit the context window fails ErrContextExceeded
//     before any network call.
func (g *Gateway) Complete(ctx context.Context, providerID string, req *Request) (<-chan *Chunk, error) {
	reg, err := g.resolve(ctx, providerID)
	if err != nil {
		return nil, err
	}

	if req.Model == "" {
		req.Model = reg.desc.Model
	}

	if reg.desc.ContextWindow > 0 {
		if EstimateTokens(req)+g.config.ReservedCompletion > reg.desc.ContextWindow {
			return nil, &ProviderError{
				Reason:   ReasonContextExceeded,
				Provider: reg.provider.Name(),
				Model:    req.Model,
				Message:  "prompt does not fit context window",
				Cause:    ErrContextExceeded,
			}
		}
	}

	useEnvelope := len(req.Tools) > 0 && !reg.desc.Capabilities.ToolCalls
	callReq := req
	if useEnvelope {
		callReq = applyEnvelope(req)
	}
	if !reg.desc.Capabilities.Streaming && callReq.Stream {
		clone := *callReq
		clone.Stream = false
		callReq = &clone
	}

	out := make(chan *Chunk, 8)
	go g.run(ctx, reg, callReq, out)
	if useEnvelope {
		return parseEnvelope(out), nil
	}
	return out, nil
}

func (g *Gateway) run(ctx context.Context, reg *registered, req *Request, out chan<- *Chunk) {
	defer close(out)

	start := time.Now()
	providerName := reg.provider.Name()

	fail := func(err error) {
		if g.metrics != nil {
			g.metrics.ProviderDuration.WithLabelValues(providerName, req.Model).
				Observe(time.Since(start).Seconds())
		}
		out <- &Chunk{Error: err}
	}

	for attempt := 0; ; attempt++ {
		if reg.limiter != nil {
			if err := reg.limiter.Wait(ctx); err != nil {
				fail(err)
				return
			}
		}

		chunks, err := reg.provider.Complete(ctx, req)
		if err == nil {
			var streamErr error
			delivered := false
			for chunk := range chunks {
				if chunk.Error != nil {
					streamErr = chunk.Error
					break
				}
				if chunk.Done && chunk.Usage != nil && g.metrics != nil {
					g.metrics.ProviderTokens.WithLabelValues(providerName, req.Model, "prompt").
						Add(float64(chunk.Usage.Prompt))
					g.metrics.ProviderTokens.WithLabelValues(providerName, req.Model, "completion").
						Add(float64(chunk.Usage.Completion))
				}
				delivered = delivered || chunk.Text != "" || chunk.ToolCall != nil
				out <- chunk
			}
			if streamErr == nil {
				if g.metrics != nil {
					g.metrics.ProviderDuration.WithLabelValues(providerName, req.Model).
						Observe(time.Since(start).Seconds())
				}
				return
			}
			// A stream that died after delivering data is not restartable:
			// the caller persists what arrived plus an error step.
			if delivered || !Retryable(streamErr) {
				fail(streamErr)
				return
			}
			err = streamErr
		}

		if !Retryable(err) || attempt >= g.config.MaxRetries {
			fail(err)
			return
		}

		backoff := g.config.RetryDelay * time.Duration(math.Pow(2, float64(attempt)))
		if pe, ok := AsProviderError(err); ok && pe.RetryAfter > 0 {
			backoff = pe.RetryAfter
		}
		g.logger.Warn("provider call retrying",
			"provider", providerName, "attempt", attempt+1, "backoff", backoff.String(), "error", err.Error())

		select {
		case <-ctx.Done():
			fail(ctx.Err())
			return
		case <-time.After(backoff):
		}
	}
}

func (g *Gateway) resolve(ctx context.Context, id string) (*registered, error) {
	g.mu.RLock()
	reg, ok := g.providers[id]
	g.mu.RUnlock()
	if ok {
		return reg, nil
	}

	desc, err := g.store.LookupProvider(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownProvider
		}
		return nil, err
	}
	reg, err = g.instantiate(desc)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.providers[id] = reg
	g.mu.Unlock()
	return reg, nil
}

func (g *Gateway) instantiate(desc *models.ProviderDescriptor) (*registered, error) {
	g.mu.RLock()
	factory, ok := g.factories[desc.Kind]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no factory for provider kind %q", desc.Kind)
	}
	provider, err := factory(desc)
	if err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if desc.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(desc.RatePerMinute)/60.0), desc.RatePerMinute)
	}
	clone := *desc
	return &registered{desc: &clone, provider: provider, limiter: limiter}, nil
}

// resolveCredential dereferences an opaque credential handle. Supported
// forms: "env:NAME" and a literal value. The resolved bytes are passed to
// the SDK and never logged.
func resolveCredential(ref string) string {
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		return os.Getenv(name)
	}
	return ref
}
