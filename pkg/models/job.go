package models

import "time"

// JobConfig is the configuration snapshot frozen into a job at creation.
// Overrides absent from the snapshot fall back to executor defaults.
type JobConfig struct {
	// Provider selects the provider descriptor used for completions.
	Provider string `json:"provider,omitempty" yaml:"provider"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty" yaml:"model"`

	// SystemPrompt seeds the conversation. May be empty.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt"`

	// AllowedTools is the router-key allow-list. Empty means no tools.
	AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools"`

	// MaxIterations bounds the inference loop. Default: 10.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations"`

	// StepTimeout bounds one full loop step (provider call plus tool
	// dispatch). Default: 5 minutes.
	StepTimeout time.Duration `json:"step_timeout,omitempty" yaml:"step_timeout"`

	// ProviderTimeout bounds a single provider call. Default: 2 minutes.
	ProviderTimeout time.Duration `json:"provider_timeout,omitempty" yaml:"provider_timeout"`

	// KeepRecent is the number of trailing messages preserved verbatim when
	// the context window forces middle elision. Default: 6.
	KeepRecent int `json:"keep_recent,omitempty" yaml:"keep_recent"`

	// MaxTokens caps completion length per provider call.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens"`

	// Streaming requests token streaming when the provider supports it.
	Streaming bool `json:"streaming,omitempty" yaml:"streaming"`
}

// Job is a user-submitted objective driven through the inference loop.
// Mutated only by the executor that holds its queue lease; never deleted.
type Job struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id,omitempty"`
	InboxID     string    `json:"inbox_id"`
	ParentJobID string    `json:"parent_job_id,omitempty"`
	Config      JobConfig `json:"config"`
	Finished    bool      `json:"finished"`
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Status is the caller-visible job state returned by GetStatus.
type Status struct {
	JobID            string     `json:"job_id"`
	Finished         bool       `json:"finished"`
	LastIndex        int        `json:"last_index"`
	PendingToolCalls []string   `json:"pending_tool_calls,omitempty"`
	Usage            TokenUsage `json:"usage"`
	LastError        *Failure   `json:"last_error,omitempty"`
}
