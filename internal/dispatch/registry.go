package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/conductor/internal/store"
	"github.com/haasonsaas/conductor/pkg/models"
)

// compiledTool pairs a descriptor with its compiled input/output schemas.
// Schemas compile once at registration (or first resolution) and are cached.
type compiledTool struct {
	desc   *models.ToolDescriptor
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// Registry resolves tools by router key. Descriptors persist through the
// durable store; compiled schemas live in a process-local cache.
type Registry struct {
	store store.Store

	mu       sync.RWMutex
	compiled map[string]*compiledTool
}

// NewRegistry creates a registry over the given store.
func NewRegistry(st store.Store) *Registry {
	return &Registry{
		store:    st,
		compiled: make(map[string]*compiledTool),
	}
}

// Register validates and persists a tool descriptor. The router key shape and
// both schemas are checked up front; a descriptor that fails to compile is
// never persisted.
func (r *Registry) Register(ctx context.Context, d *models.ToolDescriptor) error {
	if _, _, _, err := models.ParseRouterKey(d.RouterKey); err != nil {
		return NewToolError(models.FailInvalidInput, d.RouterKey, err)
	}
	if !d.Runtime.Valid() {
		return NewToolError(models.FailInvalidInput, d.RouterKey,
			fmt.Errorf("unknown runtime tag %q", d.Runtime))
	}
	ct, err := compileTool(d)
	if err != nil {
		return err
	}
	if err := r.store.RegisterTool(ctx, d); err != nil {
		return err
	}
	r.mu.Lock()
	r.compiled[d.RouterKey] = ct
	r.mu.Unlock()
	return nil
}

// SetEnabled flips a tool's enabled flag.
func (r *Registry) SetEnabled(ctx context.Context, routerKey string, enabled bool) error {
	d, err := r.store.LookupTool(ctx, routerKey)
	if err != nil {
		return err
	}
	d.Enabled = enabled
	if err := r.store.UpdateTool(ctx, d); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.compiled, routerKey)
	r.mu.Unlock()
	return nil
}

// Resolve returns the compiled tool for routerKey. Disabled and unknown
// tools fail with their respective sentinels.
func (r *Registry) Resolve(ctx context.Context, routerKey string) (*compiledTool, error) {
	r.mu.RLock()
	ct, ok := r.compiled[routerKey]
	r.mu.RUnlock()
	if ok {
		if !ct.desc.Enabled {
			return nil, NewToolError(models.FailNotFound, routerKey, ErrToolDisabled)
		}
		return ct, nil
	}

	d, err := r.store.LookupTool(ctx, routerKey)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, NewToolError(models.FailNotFound, routerKey, ErrUnknownTool)
		}
		return nil, err
	}
	ct, err = compileTool(d)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.compiled[routerKey] = ct
	r.mu.Unlock()
	if !d.Enabled {
		return nil, NewToolError(models.FailNotFound, routerKey, ErrToolDisabled)
	}
	return ct, nil
}

// Descriptors returns the enabled descriptors for the given allow-list, in
// allow-list order. Unknown keys are skipped; the executor surfaces them when
// the model actually calls one.
func (r *Registry) Descriptors(ctx context.Context, allow []string) ([]*models.ToolDescriptor, error) {
	out := make([]*models.ToolDescriptor, 0, len(allow))
	for _, key := range allow {
		ct, err := r.Resolve(ctx, key)
		if err != nil {
			if _, ok := AsToolError(err); ok {
				continue
			}
			return nil, err
		}
		out = append(out, ct.desc)
	}
	return out, nil
}

// ValidateArguments checks args against the tool's input schema. Violations
// return a structured invalid-arguments failure the model can act on.
func (ct *compiledTool) ValidateArguments(args json.RawMessage) error {
	if ct.input == nil {
		return nil
	}
	var v any
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return NewToolError(models.FailInvalidInput, ct.desc.RouterKey, err).
			WithMessage("arguments are not valid JSON: " + err.Error())
	}
	if err := ct.input.Validate(v); err != nil {
		return NewToolError(models.FailInvalidInput, ct.desc.RouterKey, ErrInvalidArguments).
			WithMessage(err.Error())
	}
	return nil
}

// ValidateOutput checks a runtime's result against the declared output
// schema, when one exists.
func (ct *compiledTool) ValidateOutput(value json.RawMessage) error {
	if ct.output == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(value, &v); err != nil {
		return NewToolError(models.FailFatal, ct.desc.RouterKey, err).
			WithMessage("tool output is not valid JSON: " + err.Error())
	}
	if err := ct.output.Validate(v); err != nil {
		return NewToolError(models.FailFatal, ct.desc.RouterKey, err).
			WithMessage("tool output violates declared schema: " + err.Error())
	}
	return nil
}

func compileTool(d *models.ToolDescriptor) (*compiledTool, error) {
	ct := &compiledTool{desc: d}
	if len(d.InputSchema) > 0 {
		sch, err := compileSchema(d.RouterKey+"/input", d.InputSchema)
		if err != nil {
			return nil, err
		}
		ct.input = sch
	}
	if len(d.OutputSchema) > 0 {
		sch, err := compileSchema(d.RouterKey+"/output", d.OutputSchema)
		if err != nil {
			return nil, err
		}
		ct.output = sch
	}
	return ct, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "inmem://" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, NewToolError(models.FailInvalidInput, name, ErrInvalidSchema).
			WithMessage(err.Error())
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, NewToolError(models.FailInvalidInput, name, ErrInvalidSchema).
			WithMessage(err.Error())
	}
	return sch, nil
}
