package models

import (
	"encoding/json"
	"testing"
)

func TestChainHash_Deterministic(t *testing.T) {
	payload := StepPayload{Role: RoleUser, Text: "hello"}
	h1 := ChainHash(RootHash, payload)
	h2 := ChainHash(RootHash, payload)
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}

	other := ChainHash(RootHash, StepPayload{Role: RoleUser, Text: "hello!"})
	if other == h1 {
		t.Error("different payloads produced the same hash")
	}
	chained := ChainHash(h1, payload)
	if chained == h1 {
		t.Error("different parents produced the same hash")
	}
}

func TestVerifyChain(t *testing.T) {
	s0 := NewStep("j1", RootHash, StepPayload{Role: RoleUser, Text: "q"})
	s1 := NewStep("j1", s0.SelfHash, StepPayload{Role: RoleAssistant, Text: "a"})
	s2 := NewStep("j1", s1.SelfHash, StepPayload{Role: RoleUser, Text: "again"})

	if idx := VerifyChain([]*Step{s0, s1, s2}); idx != -1 {
		t.Fatalf("intact chain reported broken at %d", idx)
	}

	s1.ParentHash = "bogus"
	if idx := VerifyChain([]*Step{s0, s1, s2}); idx != 1 {
		t.Errorf("broken link index = %d, want 1", idx)
	}
}

func TestStep_Terminal(t *testing.T) {
	tests := []struct {
		name    string
		payload StepPayload
		want    bool
	}{
		{"plain assistant", StepPayload{Role: RoleAssistant, Text: "done"}, true},
		{"assistant with tool calls", StepPayload{Role: RoleAssistant, Text: "calling", HasToolCalls: true}, false},
		{"user", StepPayload{Role: RoleUser, Text: "q"}, false},
		{"tool request", StepPayload{Role: RoleToolRequest, ToolCall: &ToolCall{RouterKey: "a/b/v1"}}, false},
		{"iteration limit notice", StepPayload{Role: RoleSystem, Notice: NoticeIterationLimit}, true},
		{"plain system", StepPayload{Role: RoleSystem, Text: "note"}, false},
		{"error", StepPayload{Role: RoleError, Failure: &Failure{Kind: FailFatal}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStep("j", RootHash, tt.payload)
			if got := s.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStepPayload_EnvelopeShape(t *testing.T) {
	payload := StepPayload{
		Role: RoleToolRequest,
		ToolCall: &ToolCall{
			RouterKey: "calc/add/v1",
			Arguments: json.RawMessage(`{"a":17,"b":25}`),
			CallID:    "c1",
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["role"] != "tool-request" {
		t.Errorf("role = %v", decoded["role"])
	}
	tc, ok := decoded["tool_call"].(map[string]any)
	if !ok {
		t.Fatalf("tool_call missing: %v", decoded)
	}
	if tc["router_key"] != "calc/add/v1" || tc["call_id"] != "c1" {
		t.Errorf("tool_call = %v", tc)
	}
}

func TestParseRouterKey(t *testing.T) {
	ns, name, version, err := ParseRouterKey("calc/add/v1")
	if err != nil {
		t.Fatal(err)
	}
	if ns != "calc" || name != "add" || version != "v1" {
		t.Errorf("parsed = %s/%s/%s", ns, name, version)
	}

	for _, bad := range []string{"", "calc", "calc/add", "calc//v1", "a/b/c/d"} {
		if _, _, _, err := ParseRouterKey(bad); err == nil {
			t.Errorf("ParseRouterKey(%q) accepted", bad)
		}
	}
}

func TestRouterKeyCallNameRoundTrip(t *testing.T) {
	d := &ToolDescriptor{RouterKey: "calc/add/v1"}
	name := d.CallName()
	if name != "calc__add__v1" {
		t.Errorf("CallName() = %q", name)
	}
	if got := RouterKeyFromCallName(name); got != "calc/add/v1" {
		t.Errorf("round trip = %q", got)
	}
}
