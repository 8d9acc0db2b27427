package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/haasonsaas/conductor/pkg/models"
)

// scriptSpec is the runtime-specific configuration carried in a script
// tool's descriptor Spec field.
type scriptSpec struct {
	// Source is the script body executed by the interpreter.
	Source string `json:"source"`

	// Entrypoint optionally overrides the interpreter binary.
	Entrypoint string `json:"entrypoint,omitempty"`
}

// ScriptRunner executes sandboxed script tools under an interpreter
// subprocess. Two flavors ship: python and deno. Python scripts receive their
// arguments as JSON on stdin; deno reads the script source from stdin and gets
// the arguments as JSON in CONDUCTOR_ARGS. The script's stdout is the JSON
// result; stderr lines stream to the tool-log topic.
type ScriptRunner struct {
	flavor models.RuntimeTag
}

// NewScriptRunner creates a runner for one script flavor (RuntimePython or
// RuntimeDeno).
func NewScriptRunner(flavor models.RuntimeTag) *ScriptRunner {
	return &ScriptRunner{flavor: flavor}
}

func (r *ScriptRunner) Run(ctx context.Context, tool *models.ToolDescriptor, args json.RawMessage, logs LogSink) (json.RawMessage, error) {
	var spec scriptSpec
	if err := json.Unmarshal(tool.Spec, &spec); err != nil {
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("invalid script spec: %w", err))
	}
	if strings.TrimSpace(spec.Source) == "" {
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("script tool has no source"))
	}

	cmd, err := r.command(ctx, tool, spec)
	if err != nil {
		return nil, err
	}
	return runProcess(ctx, tool, cmd, args, logs)
}

// command builds the interpreter invocation with the descriptor's caps
// translated into interpreter flags and environment.
func (r *ScriptRunner) command(ctx context.Context, tool *models.ToolDescriptor, spec scriptSpec) (*exec.Cmd, error) {
	caps := tool.Caps
	var cmd *exec.Cmd

	switch r.flavor {
	case models.RuntimePython:
		bin := spec.Entrypoint
		if bin == "" {
			bin = "python3"
		}
		// -I isolates the interpreter from site-packages and env hooks.
		cmd = exec.CommandContext(ctx, bin, "-I", "-c", spec.Source)
		cmd.Env = sandboxEnv(caps)

	case models.RuntimeDeno:
		bin := spec.Entrypoint
		if bin == "" {
			bin = "deno"
		}
		flags := []string{"run", "--quiet", "--no-prompt"}
		switch caps.Network {
		case models.NetworkOpen:
			flags = append(flags, "--allow-net")
		case models.NetworkAllow:
			if len(caps.NetworkAllowList) > 0 {
				flags = append(flags, "--allow-net="+strings.Join(caps.NetworkAllowList, ","))
			}
		}
		for _, path := range caps.FSAllowList {
			flags = append(flags, "--allow-read="+path)
		}
		if caps.MemoryBytes > 0 {
			flags = append(flags, fmt.Sprintf("--v8-flags=--max-old-space-size=%d", caps.MemoryBytes>>20))
		}
		flags = append(flags, "-")
		cmd = exec.CommandContext(ctx, bin, flags...)
		cmd.Stdin = strings.NewReader(spec.Source)
		cmd.Env = sandboxEnv(caps)

	default:
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("unsupported script flavor %q", r.flavor))
	}
	return cmd, nil
}

// sandboxEnv builds a minimal environment that exports the network policy and
// the network and filesystem allow-lists as CONDUCTOR_* variables. Deno also
// gets the policy as interpreter flags; python receives only these variables,
// and nothing in the runner enforces them for python.
func sandboxEnv(caps models.ResourceCaps) []string {
	env := []string{"PATH=/usr/bin:/bin"}
	policy := caps.Network
	if policy == "" {
		policy = models.NetworkDeny
	}
	env = append(env, "CONDUCTOR_NET_POLICY="+string(policy))
	if len(caps.NetworkAllowList) > 0 {
		env = append(env, "CONDUCTOR_NET_ALLOW="+strings.Join(caps.NetworkAllowList, ","))
	}
	if len(caps.FSAllowList) > 0 {
		env = append(env, "CONDUCTOR_FS_ALLOW="+strings.Join(caps.FSAllowList, ","))
	}
	return env
}

// runProcess drives a prepared command with args on stdin, streaming stderr
// to the log sink and returning stdout as the JSON value. Shared by the
// script and subprocess runtimes.
func runProcess(ctx context.Context, tool *models.ToolDescriptor, cmd *exec.Cmd, args json.RawMessage, logs LogSink) (json.RawMessage, error) {
	if cmd.Stdin == nil {
		cmd.Stdin = bytes.NewReader(args)
	} else {
		// Script source occupies stdin; pass arguments via environment.
		cmd.Env = append(cmd.Env, "CONDUCTOR_ARGS="+string(args))
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, NewToolError(models.FailTransient, tool.RouterKey, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, NewToolError(models.FailTransient, tool.RouterKey,
			fmt.Errorf("starting runtime: %w", err))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		streamLines(stderr, logs)
	}()

	wg.Wait()
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stdout.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, NewToolError(models.FailTransient, tool.RouterKey,
			fmt.Errorf("runtime exited: %s", msg))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		out = []byte("null")
	}
	if !json.Valid(out) {
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("runtime produced non-JSON output"))
	}
	return json.RawMessage(out), nil
}

func streamLines(r io.Reader, logs LogSink) {
	if logs == nil {
		io.Copy(io.Discard, r)
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		logs(scanner.Text())
	}
}
