package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	logger.Info("job created", "job_id", "j1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if record["msg"] != "job created" || record["job_id"] != "j1" {
		t.Errorf("record = %v", record)
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})
	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info leaked through warn filter")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn missing")
	}
}

func TestLogger_RedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})
	logger.Info("provider call failed",
		"error", "auth rejected for sk-ant-"+strings.Repeat("x", 24),
	)
	out := buf.String()
	if strings.Contains(out, "sk-ant-") {
		t.Errorf("credential leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker: %s", out)
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf}).With("worker", 3)
	logger.Info("tick")
	if !strings.Contains(buf.String(), `"worker":3`) {
		t.Errorf("attribute missing: %s", buf.String())
	}
}
