package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Sentinel errors for dispatch failures.
var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrToolDisabled     = errors.New("tool disabled")
	ErrForbidden        = errors.New("tool not in allow-list")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrInvalidSchema    = errors.New("invalid tool schema")
	ErrTimeout          = errors.New("tool execution timed out")
)

// ToolError is a structured dispatch failure. Kind follows the shared
// failure taxonomy so results persist directly into step payloads.
type ToolError struct {
	Kind      models.FailureKind
	RouterKey string
	CallID    string
	Message   string
	Cause     error
}

func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Kind))
	if e.RouterKey != "" {
		parts = append(parts, e.RouterKey)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ToolError) Unwrap() error { return e.Cause }

// Failure converts the error into the persisted failure descriptor.
func (e *ToolError) Failure() *models.Failure {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return &models.Failure{Kind: e.Kind, Message: msg}
}

// NewToolError builds a ToolError with the given kind. When a cause is given,
// its text becomes the message.
func NewToolError(kind models.FailureKind, routerKey string, cause error) *ToolError {
	e := &ToolError{Kind: kind, RouterKey: routerKey, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// WithCallID attaches the tool call id.
func (e *ToolError) WithCallID(id string) *ToolError {
	e.CallID = id
	return e
}

// WithMessage overrides the message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// AsToolError extracts a ToolError from an error chain.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// FailureFor converts any error into a persisted failure descriptor,
// preserving ToolError kinds and mapping everything else onto the taxonomy.
func FailureFor(err error) *models.Failure {
	if err == nil {
		return nil
	}
	if te, ok := AsToolError(err); ok {
		return te.Failure()
	}
	kind := models.FailFatal
	switch {
	case errors.Is(err, ErrTimeout):
		kind = models.FailTimeout
	case errors.Is(err, ErrUnknownTool), errors.Is(err, ErrToolDisabled):
		kind = models.FailNotFound
	case errors.Is(err, ErrForbidden):
		kind = models.FailForbidden
	case errors.Is(err, ErrInvalidArguments), errors.Is(err, ErrInvalidSchema):
		kind = models.FailInvalidInput
	}
	return &models.Failure{Kind: kind, Message: err.Error()}
}
