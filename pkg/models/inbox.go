package models

import "time"

// InboxMessage is one user-visible conversation entry. The inbox mirrors the
// user/assistant subset of a job's steps and supports forking via the same
// parent-hash chaining as steps.
type InboxMessage struct {
	InboxID    string    `json:"inbox_id"`
	Index      int       `json:"index"`
	ParentHash string    `json:"parent_hash"`
	SelfHash   string    `json:"self_hash"`
	Role       StepRole  `json:"role"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}
