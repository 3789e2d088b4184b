package tool

import (
	"fmt"
	"strings"
)

// ErrorType classifies a tool execution failure the way the loop's error
// accounting needs to distinguish them (spec §4.5 effort-escalation rule).
type ErrorType string

const (
	ErrorTypeUnknownTool   ErrorType = "unknown_tool"
	ErrorTypeBadArguments  ErrorType = "bad_arguments"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeHandlerPanic  ErrorType = "handler_panic"
	ErrorTypeHandlerFailed ErrorType = "handler_failed"
)

// Error wraps a tool execution failure with enough context for the loop and
// the event log to report it without re-deriving it from a string.
type Error struct {
	Tool    string
	Type    ErrorType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %s (%s): %s: %v", e.Tool, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("tool %s (%s): %s", e.Tool, e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ModelContent renders the synthetic tool-result string the model actually
// sees for this failure, in the literal shapes spec §4.2 requires per
// error type — distinct from Error(), which is this error's Go-facing
// message for logs and errors.As callers.
func (e *Error) ModelContent(available []string) string {
	switch e.Type {
	case ErrorTypeUnknownTool:
		return fmt.Sprintf("⚠️ UNKNOWN_TOOL: %s. Available: %s", e.Tool, strings.Join(available, ", "))
	case ErrorTypeBadArguments:
		return fmt.Sprintf("⚠️ TOOL_ARG_ERROR: %s", e.detail())
	default:
		return fmt.Sprintf("⚠️ TOOL_ERROR (%s): %s: %s", e.Tool, e.Type, e.detail())
	}
}

func (e *Error) detail() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Retryable reports whether the loop should treat this as worth a single
// resubmission to the model rather than a hard failure. Bad arguments and
// unknown tools are the model's mistake to fix on its next turn; timeouts
// and handler failures are not retried automatically — they count toward
// the round's error tally instead (spec §4.5).
func (e *Error) Retryable() bool {
	switch e.Type {
	case ErrorTypeBadArguments, ErrorTypeUnknownTool:
		return true
	default:
		return false
	}
}
