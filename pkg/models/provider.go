package models

// ProviderCapabilities declares which optional features a provider supports.
// The gateway normalizes missing capabilities so callers see one contract.
type ProviderCapabilities struct {
	Streaming bool `json:"streaming" yaml:"streaming"`
	ToolCalls bool `json:"tool_calls" yaml:"tool_calls"`
	Images    bool `json:"images" yaml:"images"`
	JSONMode  bool `json:"json_mode" yaml:"json_mode"`
}

// ProviderDescriptor configures one LLM provider. CredentialRef is an opaque
// handle (typically "env:NAME"); the core never inspects or logs the
// resolved bytes.
type ProviderDescriptor struct {
	ID            string               `json:"id" yaml:"id"`
	Kind          string               `json:"kind" yaml:"kind"`
	Model         string               `json:"model" yaml:"model"`
	Endpoint      string               `json:"endpoint,omitempty" yaml:"endpoint"`
	CredentialRef string               `json:"credential_ref,omitempty" yaml:"credential_ref"`
	Capabilities  ProviderCapabilities `json:"capabilities" yaml:"capabilities"`
	ContextWindow int                  `json:"context_window" yaml:"context_window"`
	RatePerMinute int                  `json:"rate_per_minute,omitempty" yaml:"rate_per_minute"`
}
