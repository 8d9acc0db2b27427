package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/conductor/pkg/models"
)

// agentSpec configures an agent-runtime tool: the sub-agent invoked and the
// iteration budget granted to the nested job.
type agentSpec struct {
	AgentID string `json:"agent_id"`

	// MaxIterations bounds the sub-job. When zero, the sub-job runner uses
	// the sub-agent's sub-iteration budget, else its max iterations, else 5;
	// the parent's budget is not consulted.
	MaxIterations int `json:"max_iterations,omitempty"`
}

// agentArgs is the argument shape of agent-runtime tools.
type agentArgs struct {
	Objective string `json:"objective"`
}

// SubJobRunner executes a nested job to a terminal step and returns the
// terminal assistant text. Implemented by the job manager; the indirection
// keeps the dispatcher free of an import cycle with the executor.
type SubJobRunner interface {
	RunSubJob(ctx context.Context, agentID, objective string, maxIterations int) (string, error)
}

// AgentRunner dispatches recursive sub-agent tool calls. The parent job
// suspends until the sub-job reaches a terminal step; the sub-job shares the
// parent's cancellation token through ctx.
type AgentRunner struct {
	runner SubJobRunner
}

// NewAgentRunner creates an agent runner over the given sub-job executor.
func NewAgentRunner(runner SubJobRunner) *AgentRunner {
	return &AgentRunner{runner: runner}
}

func (r *AgentRunner) Run(ctx context.Context, tool *models.ToolDescriptor, args json.RawMessage, logs LogSink) (json.RawMessage, error) {
	if r.runner == nil {
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("agent runtime has no sub-job runner"))
	}

	var spec agentSpec
	if err := json.Unmarshal(tool.Spec, &spec); err != nil {
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("invalid agent spec: %w", err))
	}
	var in agentArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, NewToolError(models.FailInvalidInput, tool.RouterKey, err)
	}
	if in.Objective == "" {
		return nil, NewToolError(models.FailInvalidInput, tool.RouterKey,
			fmt.Errorf("objective is required"))
	}

	answer, err := r.runner.RunSubJob(ctx, spec.AgentID, in.Objective, spec.MaxIterations)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewToolError(models.FailTransient, tool.RouterKey, err)
	}
	return json.Marshal(map[string]string{"answer": answer})
}
