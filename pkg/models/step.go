package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// StepRole identifies the variant of a persisted step.
type StepRole string

const (
	RoleUser        StepRole = "user"
	RoleAssistant   StepRole = "assistant"
	RoleToolRequest StepRole = "tool-request"
	RoleToolResult  StepRole = "tool-result"
	RoleSystem      StepRole = "system"
	RoleError       StepRole = "error"
)

// RootHash is the sentinel parent hash of the first step in a job.
var RootHash = strings.Repeat("0", 64)

// NoticeReason categorizes SystemNotice terminal steps.
type NoticeReason string

const (
	NoticeIterationLimit NoticeReason = "iteration_limit"
	NoticeCancelled      NoticeReason = "cancelled"
	NoticeDeadLetter     NoticeReason = "dead_letter"
)

// FailureKind is the cross-layer failure taxonomy. Every structured failure
// that reaches a persisted step or an API caller carries one of these.
type FailureKind string

const (
	FailTransient         FailureKind = "transient"
	FailRateLimited       FailureKind = "rate_limited"
	FailInvalidInput      FailureKind = "invalid_input"
	FailNotFound          FailureKind = "not_found"
	FailDuplicate         FailureKind = "duplicate"
	FailForbidden         FailureKind = "forbidden"
	FailResourceExhausted FailureKind = "resource_exhausted"
	FailTimeout           FailureKind = "timeout"
	FailFatal             FailureKind = "fatal"
	FailCancelled         FailureKind = "cancelled"
)

// Retryable reports whether a failure of this kind may succeed on retry.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailTransient, FailRateLimited, FailTimeout:
		return true
	default:
		return false
	}
}

// Failure is the structured failure descriptor embedded in tool results and
// error steps.
type Failure struct {
	Kind    FailureKind     `json:"kind"`
	Message string          `json:"message,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	RouterKey string          `json:"router_key"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CallID    string          `json:"call_id"`
}

// ToolReturn is the outcome of a dispatched tool call. Exactly one of Value
// and Failure is set.
type ToolReturn struct {
	CallID  string          `json:"call_id"`
	Value   json.RawMessage `json:"value,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// TokenUsage is provider-reported token accounting for one completion.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Prompt += other.Prompt
	u.Completion += other.Completion
}

// Total returns prompt plus completion tokens.
func (u TokenUsage) Total() int { return u.Prompt + u.Completion }

// StepPayload is the stable wire envelope persisted with each step. Field
// presence depends on Role: Text for user/assistant/system, ToolCall for
// tool-request, ToolResult for tool-result, Failure for error steps.
type StepPayload struct {
	Role       StepRole     `json:"role"`
	Text       string       `json:"text,omitempty"`
	Notice     NoticeReason `json:"notice,omitempty"`
	ToolCall   *ToolCall    `json:"tool_call,omitempty"`
	ToolResult *ToolReturn  `json:"tool_result,omitempty"`
	Failure    *Failure     `json:"failure,omitempty"`
	Usage      *TokenUsage  `json:"usage,omitempty"`

	// HasToolCalls marks an assistant text step that accompanies tool-call
	// steps in the same response; such a step does not terminate the job.
	HasToolCalls bool `json:"has_tool_calls,omitempty"`
}

// Canonical returns the deterministic serialization of the payload used for
// hashing. Struct field order is fixed, so encoding/json output is stable for
// identical payloads.
func (p StepPayload) Canonical() []byte {
	data, err := json.Marshal(p)
	if err != nil {
		// Payloads are built from plain data types; marshal cannot fail for
		// values the core constructs.
		panic("models: canonical payload encoding: " + err.Error())
	}
	return data
}

// Step is one persisted entry in a job's history. Steps form a
// content-addressed chain: SelfHash = H(ParentHash || canonical payload).
type Step struct {
	JobID      string      `json:"job_id"`
	Index      int         `json:"index"`
	ParentHash string      `json:"parent_hash"`
	SelfHash   string      `json:"self_hash"`
	Payload    StepPayload `json:"payload"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Role returns the step's role from its payload.
func (s *Step) Role() StepRole { return s.Payload.Role }

// Terminal reports whether this step finishes a job: a plain assistant
// message, a system notice with a terminal reason, or an error step.
func (s *Step) Terminal() bool {
	switch s.Payload.Role {
	case RoleAssistant:
		return !s.Payload.HasToolCalls
	case RoleSystem:
		return s.Payload.Notice != ""
	case RoleError:
		return true
	default:
		return false
	}
}

// ChainHash computes the self hash for a payload appended after parentHash.
func ChainHash(parentHash string, payload StepPayload) string {
	h := sha256.New()
	h.Write([]byte(parentHash))
	h.Write(payload.Canonical())
	return hex.EncodeToString(h.Sum(nil))
}

// NewStep builds a step linked to the given parent. Index is assigned by the
// store at append time.
func NewStep(jobID, parentHash string, payload StepPayload) *Step {
	return &Step{
		JobID:      jobID,
		ParentHash: parentHash,
		SelfHash:   ChainHash(parentHash, payload),
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
}

// UserStep builds a user message payload step.
func UserStep(jobID, parentHash, text string) *Step {
	return NewStep(jobID, parentHash, StepPayload{Role: RoleUser, Text: text})
}

// VerifyChain checks the hash-chain invariant over an ordered step slice.
// Returns the index of the first broken link, or -1 if the chain is intact.
func VerifyChain(steps []*Step) int {
	prev := RootHash
	for i, s := range steps {
		if s.ParentHash != prev {
			return i
		}
		if ChainHash(s.ParentHash, s.Payload) != s.SelfHash {
			return i
		}
		prev = s.SelfHash
	}
	return -1
}
