package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

// compositeSpec is a declarative graph of sub-tool calls executed in order.
// Each stage's arguments may reference the composite's own arguments
// ("$args" or "$args.field") and earlier stage results ("$steps.0" or
// "$steps.0.field").
type compositeSpec struct {
	Steps []compositeStage `json:"steps"`

	// Result selects the composite's value, using the same reference syntax.
	// Defaults to the last stage's result.
	Result string `json:"result,omitempty"`
}

type compositeStage struct {
	RouterKey string          `json:"router_key"`
	Arguments json.RawMessage `json:"arguments"`
}

// CompositeRunner executes composite tools by dispatching each stage through
// the owning dispatcher. Stage allow-listing is implicit: a composite may
// call any enabled tool, the composite itself being the allow-listed unit.
type CompositeRunner struct {
	dispatcher *Dispatcher
}

// NewCompositeRunner creates a composite runner bound to its dispatcher.
func NewCompositeRunner(d *Dispatcher) *CompositeRunner {
	return &CompositeRunner{dispatcher: d}
}

func (r *CompositeRunner) Run(ctx context.Context, tool *models.ToolDescriptor, args json.RawMessage, logs LogSink) (json.RawMessage, error) {
	var spec compositeSpec
	if err := json.Unmarshal(tool.Spec, &spec); err != nil {
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("invalid composite spec: %w", err))
	}
	if len(spec.Steps) == 0 {
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("composite tool has no steps"))
	}

	scope := &compositeScope{args: args}

	for i, stage := range spec.Steps {
		resolved, err := scope.resolveValue(stage.Arguments)
		if err != nil {
			return nil, NewToolError(models.FailInvalidInput, tool.RouterKey, err).
				WithMessage(fmt.Sprintf("step %d: %v", i, err))
		}

		ct, err := r.dispatcher.registry.Resolve(ctx, stage.RouterKey)
		if err != nil {
			return nil, err
		}

		call := models.ToolCall{
			RouterKey: stage.RouterKey,
			Arguments: resolved,
			CallID:    uuid.NewString(),
		}
		value, err := r.dispatcher.Dispatch(ctx, "", call, []string{stage.RouterKey})
		if err != nil {
			if te, ok := AsToolError(err); ok {
				return nil, te.WithMessage(fmt.Sprintf("step %d (%s): %s", i, ct.desc.RouterKey, te.Error()))
			}
			return nil, err
		}
		if logs != nil {
			logs(fmt.Sprintf("composite step %d (%s) completed", i, stage.RouterKey))
		}
		scope.results = append(scope.results, value)
	}

	if spec.Result != "" {
		value, err := scope.resolveRef(spec.Result)
		if err != nil {
			return nil, NewToolError(models.FailFatal, tool.RouterKey, err)
		}
		return value, nil
	}
	return scope.results[len(scope.results)-1], nil
}

// compositeScope holds intermediate values during a composite execution.
type compositeScope struct {
	args    json.RawMessage
	results []json.RawMessage
}

// resolveValue walks a JSON value replacing "$args..." and "$steps.N..."
// string references with the referenced data.
func (s *compositeScope) resolveValue(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	resolved, err := s.resolveAny(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func (s *compositeScope) resolveAny(v any) (any, error) {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "$args") || strings.HasPrefix(val, "$steps.") {
			raw, err := s.resolveRef(val)
			if err != nil {
				return nil, err
			}
			var out any
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, err
			}
			return out, nil
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := s.resolveAny(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := s.resolveAny(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return val, nil
	}
}

// resolveRef resolves a "$args[.path]" or "$steps.N[.path]" reference.
func (s *compositeScope) resolveRef(ref string) (json.RawMessage, error) {
	parts := strings.Split(ref, ".")
	var root json.RawMessage
	var path []string

	switch {
	case parts[0] == "$args":
		root = s.args
		path = parts[1:]
	case parts[0] == "$steps":
		if len(parts) < 2 {
			return nil, fmt.Errorf("reference %q is missing a step index", ref)
		}
		idx, err := strconv.Atoi(parts[1])
		if err != nil || idx < 0 || idx >= len(s.results) {
			return nil, fmt.Errorf("reference %q names an unknown step", ref)
		}
		root = s.results[idx]
		path = parts[2:]
	default:
		return nil, fmt.Errorf("unknown reference %q", ref)
	}

	return digJSON(root, path)
}

func digJSON(raw json.RawMessage, path []string) (json.RawMessage, error) {
	current := raw
	for _, field := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil, fmt.Errorf("cannot descend into %q: %w", field, err)
		}
		next, ok := obj[field]
		if !ok {
			return nil, fmt.Errorf("field %q not found", field)
		}
		current = next
	}
	return current, nil
}
