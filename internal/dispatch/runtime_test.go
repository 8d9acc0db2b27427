package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestScriptRunner_RejectsMissingSource(t *testing.T) {
	r := NewScriptRunner(models.RuntimePython)
	tool := &models.ToolDescriptor{
		RouterKey: "py/run/v1",
		Runtime:   models.RuntimePython,
		Spec:      json.RawMessage(`{"source":""}`),
	}
	if _, err := r.Run(context.Background(), tool, nil, nil); err == nil {
		t.Fatal("empty source accepted")
	}
}

func TestScriptRunner_RejectsBadSpec(t *testing.T) {
	r := NewScriptRunner(models.RuntimeDeno)
	tool := &models.ToolDescriptor{
		RouterKey: "js/run/v1",
		Runtime:   models.RuntimeDeno,
		Spec:      json.RawMessage(`not json`),
	}
	if _, err := r.Run(context.Background(), tool, nil, nil); err == nil {
		t.Fatal("bad spec accepted")
	}
}

func TestSubprocessRunner_RejectsMissingCommand(t *testing.T) {
	r := NewSubprocessRunner()
	tool := &models.ToolDescriptor{
		RouterKey: "proc/run/v1",
		Runtime:   models.RuntimeSubprocess,
		Spec:      json.RawMessage(`{"command":[]}`),
	}
	if _, err := r.Run(context.Background(), tool, nil, nil); err == nil {
		t.Fatal("empty command accepted")
	}
}

func TestMCPRunner_RejectsMissingCommand(t *testing.T) {
	r := NewMCPRunner()
	defer r.Close()
	tool := &models.ToolDescriptor{
		RouterKey: "remote/search/v1",
		Runtime:   models.RuntimeMCP,
		Spec:      json.RawMessage(`{"command":[]}`),
	}
	if _, err := r.Run(context.Background(), tool, nil, nil); err == nil {
		t.Fatal("empty command accepted")
	}
}

func TestAgentRunner_RequiresObjective(t *testing.T) {
	r := NewAgentRunner(stubSubJobRunner{})
	tool := &models.ToolDescriptor{
		RouterKey: "agents/research/v1",
		Runtime:   models.RuntimeAgent,
		Spec:      json.RawMessage(`{"agent_id":"researcher"}`),
	}
	_, err := r.Run(context.Background(), tool, json.RawMessage(`{}`), nil)
	te, ok := AsToolError(err)
	if !ok || te.Kind != models.FailInvalidInput {
		t.Errorf("err = %v", err)
	}
}

func TestAgentRunner_ReturnsAnswer(t *testing.T) {
	r := NewAgentRunner(stubSubJobRunner{answer: "42"})
	tool := &models.ToolDescriptor{
		RouterKey: "agents/research/v1",
		Runtime:   models.RuntimeAgent,
		Spec:      json.RawMessage(`{"agent_id":"researcher","max_iterations":3}`),
	}
	value, err := r.Run(context.Background(), tool, json.RawMessage(`{"objective":"compute"}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(value, &out); err != nil {
		t.Fatal(err)
	}
	if out.Answer != "42" {
		t.Errorf("answer = %q", out.Answer)
	}
}

type stubSubJobRunner struct {
	answer string
}

func (s stubSubJobRunner) RunSubJob(ctx context.Context, agentID, objective string, maxIterations int) (string, error) {
	return s.answer, nil
}

func TestSchemaFor_DerivesObjectSchema(t *testing.T) {
	raw := SchemaFor(&CalcAddArgs{})
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatal(err)
	}
	if schema["type"] != "object" {
		t.Errorf("type = %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing: %v", schema)
	}
	if _, ok := props["a"]; !ok {
		t.Error("property a missing")
	}
	if _, ok := props["b"]; !ok {
		t.Error("property b missing")
	}
}
