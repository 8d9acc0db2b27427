package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/conductor/pkg/models"
)

// NativeFunc is an in-process tool implementation. It receives the validated
// arguments and returns the tool's JSON value. No sandboxing applies.
type NativeFunc func(ctx context.Context, args json.RawMessage, logs LogSink) (json.RawMessage, error)

// NativeRunner executes native-runtime tools by router key.
type NativeRunner struct {
	mu    sync.RWMutex
	funcs map[string]NativeFunc
}

// NewNativeRunner creates an empty native runner.
func NewNativeRunner() *NativeRunner {
	return &NativeRunner{funcs: make(map[string]NativeFunc)}
}

// Bind attaches fn as the implementation for routerKey.
func (r *NativeRunner) Bind(routerKey string, fn NativeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[routerKey] = fn
}

func (r *NativeRunner) Run(ctx context.Context, tool *models.ToolDescriptor, args json.RawMessage, logs LogSink) (json.RawMessage, error) {
	r.mu.RLock()
	fn := r.funcs[tool.RouterKey]
	r.mu.RUnlock()
	if fn == nil {
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("native tool %q has no bound implementation", tool.RouterKey))
	}
	return fn(ctx, args, logs)
}

// SchemaFor derives a JSON schema from a Go argument struct. Used when
// registering native tools so their schemas stay in sync with the code.
func SchemaFor(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	sch := reflector.Reflect(v)
	data, err := json.Marshal(sch)
	if err != nil {
		panic("dispatch: schema reflection: " + err.Error())
	}
	return data
}

// CalcAddArgs are the arguments of the builtin calc/add/v1 tool.
type CalcAddArgs struct {
	A float64 `json:"a" jsonschema:"description=First addend"`
	B float64 `json:"b" jsonschema:"description=Second addend"`
}

// CalcAddDescriptor returns the builtin calculator descriptor used for smoke
// tests and example configs.
func CalcAddDescriptor() *models.ToolDescriptor {
	return &models.ToolDescriptor{
		RouterKey:    "calc/add/v1",
		Description:  "Add two numbers and return their sum.",
		Runtime:      models.RuntimeNative,
		InputSchema:  SchemaFor(&CalcAddArgs{}),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"value":{"type":"number"}},"required":["value"]}`),
		Enabled:      true,
	}
}

// CalcAdd implements calc/add/v1.
func CalcAdd(ctx context.Context, args json.RawMessage, logs LogSink) (json.RawMessage, error) {
	var in CalcAddArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, NewToolError(models.FailInvalidInput, "calc/add/v1", err)
	}
	return json.Marshal(map[string]float64{"value": in.A + in.B})
}
