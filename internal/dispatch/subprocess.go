package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/haasonsaas/conductor/pkg/models"
)

// subprocessSpec configures a subprocess-runtime tool: the argv executed for
// each call. Arguments are written to the process stdin as JSON; stdout is
// parsed against the tool's declared output schema.
type subprocessSpec struct {
	Command []string `json:"command"`
	Dir     string   `json:"dir,omitempty"`
}

// SubprocessRunner executes process-isolated tools.
type SubprocessRunner struct{}

// NewSubprocessRunner creates a subprocess runner.
func NewSubprocessRunner() *SubprocessRunner {
	return &SubprocessRunner{}
}

func (r *SubprocessRunner) Run(ctx context.Context, tool *models.ToolDescriptor, args json.RawMessage, logs LogSink) (json.RawMessage, error) {
	var spec subprocessSpec
	if err := json.Unmarshal(tool.Spec, &spec); err != nil {
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("invalid subprocess spec: %w", err))
	}
	if len(spec.Command) == 0 {
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("subprocess tool has no command"))
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = sandboxEnv(tool.Caps)
	return runProcess(ctx, tool, cmd, args, logs)
}
