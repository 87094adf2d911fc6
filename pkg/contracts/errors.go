package contracts

import (
	"fmt"
	"unicode/utf8"
)

// ErrorCode is the fixed error taxonomy returned to callers and recorded in the ledger.
type ErrorCode string

const (
	ErrPolicyDenied           ErrorCode = "POLICY_DENIED"
	ErrToolNotImplemented     ErrorCode = "TOOL_NOT_IMPLEMENTED"
	ErrToolInvalidArguments   ErrorCode = "TOOL_INVALID_ARGUMENTS"
	ErrToolTimeout            ErrorCode = "TOOL_TIMEOUT"
	ErrToolDependencyDown     ErrorCode = "TOOL_DEPENDENCY_DOWN"
	ErrToolInternalError      ErrorCode = "TOOL_INTERNAL_ERROR"
	ErrInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrMissingPolicyPin       ErrorCode = "MISSING_POLICY_PIN"
)

// MaxMessageBytes bounds every message that leaves the core.
const MaxMessageBytes = 256

// ToolError is the structured error carried by responses and audit events.
// Message is bounded and never contains raw payload or exception detail.
type ToolError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewToolError builds a ToolError with a bounded message.
func NewToolError(code ErrorCode, message string, retryable bool) *ToolError {
	return &ToolError{Code: code, Message: BoundMessage(message), Retryable: retryable}
}

// BoundMessage truncates s to MaxMessageBytes without splitting a rune.
func BoundMessage(s string) string {
	if len(s) <= MaxMessageBytes {
		return s
	}
	cut := MaxMessageBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
