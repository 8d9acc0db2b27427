package models

import "time"

// StreamSubtype names the well-known stream bus topics per job.
type StreamSubtype string

const (
	StreamTokens  StreamSubtype = "tokens"
	StreamStep    StreamSubtype = "step"
	StreamToolLog StreamSubtype = "tool-log"
	StreamStatus  StreamSubtype = "status"
	StreamError   StreamSubtype = "error"
)

// StreamEvent is one broadcast on the stream bus. Events are transient; a
// subscriber joining late replays history from the durable store instead.
type StreamEvent struct {
	JobID    string        `json:"job_id"`
	Subtype  StreamSubtype `json:"subtype"`
	Sequence uint64        `json:"sequence"`
	Time     time.Time     `json:"time"`

	// Token is a partial completion fragment on the tokens topic.
	Token string `json:"token,omitempty"`

	// StepIndex and Role describe a step transition on the step topic.
	StepIndex int      `json:"step_index,omitempty"`
	Role      StepRole `json:"role,omitempty"`

	// ToolKey and Line carry tool runtime log output on the tool-log topic.
	ToolKey string `json:"tool_key,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Line    string `json:"line,omitempty"`

	// Status carries lifecycle notices on the status topic.
	Status string `json:"status,omitempty"`

	// Failure carries structured errors on the error topic.
	Failure *Failure `json:"failure,omitempty"`
}
