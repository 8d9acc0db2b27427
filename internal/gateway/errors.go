package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Reason categorizes why a provider request failed, driving retry decisions.
type Reason string

const (
	// ReasonTransient covers server errors and connection failures; retried
	// internally up to the attempt bound.
	ReasonTransient Reason = "transient"

	// ReasonRateLimited covers HTTP 429 and provider throttle responses;
	// retried with backoff respecting Retry-After.
	ReasonRateLimited Reason = "rate_limited"

	// ReasonInvalidRequest is fatal for the call.
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonAuthFailure is fatal and never retried.
	ReasonAuthFailure Reason = "auth_failure"

	// ReasonContextExceeded means the prompt plus reserved completion budget
	// does not fit the provider's context window.
	ReasonContextExceeded Reason = "context_exceeded"

	// ReasonUnavailable means the provider or model cannot serve requests;
	// the executor may try a fallback provider if configured.
	ReasonUnavailable Reason = "unavailable"

	// ReasonUnknown is an unclassified failure.
	ReasonUnknown Reason = "unknown"
)

// Retryable reports whether this reason suggests retrying may succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonTransient, ReasonRateLimited:
		return true
	default:
		return false
	}
}

// ProviderError is a structured failure from an LLM provider call.
type ProviderError struct {
	Reason     Reason
	Provider   string
	Model      string
	Status     int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps cause with classification inferred from its text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = classifyError(cause)
	}
	return e
}

// WithStatus sets the HTTP status and reclassifies.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatus(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRetryAfter records a server-provided backoff hint.
func (e *ProviderError) WithRetryAfter(d time.Duration) *ProviderError {
	e.RetryAfter = d
	return e
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Retryable reports whether err warrants another attempt.
func Retryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Reason.Retryable()
	}
	return classifyError(err).Retryable()
}

func classifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return ReasonRateLimited
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"), strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return ReasonAuthFailure
	case strings.Contains(msg, "context length"), strings.Contains(msg, "context window"),
		strings.Contains(msg, "maximum context"):
		return ReasonContextExceeded
	case strings.Contains(msg, "model not found"), strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "unavailable"), strings.Contains(msg, "overloaded"):
		return ReasonUnavailable
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "internal server"), strings.Contains(msg, "500"),
		strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return ReasonTransient
	case strings.Contains(msg, "invalid request"), strings.Contains(msg, "bad request"),
		strings.Contains(msg, "400"):
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuthFailure
	case status == http.StatusTooManyRequests:
		return ReasonRateLimited
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonUnavailable
	case status >= 500:
		return ReasonTransient
	default:
		return ReasonUnknown
	}
}
