// Package errkind classifies orchestrator failures into the kinds the
// propagation policy distinguishes: which errors are retried, which stop a
// single bot, which surface into a reply, and which only get logged.
package errkind

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure for propagation and retry decisions.
type Kind string

const (
	// ConfigInvalid is a parse/validation failure of the config document.
	ConfigInvalid Kind = "config_invalid"

	// ChatTransient is a recoverable chat-server failure (sync drop,
	// timeout); retried inside the component with bounded attempts.
	ChatTransient Kind = "chat_transient"

	// ChatFatal is an unrecoverable chat-server failure for one bot
	// (bad credentials, deactivated account).
	ChatFatal Kind = "chat_fatal"

	// LLMTransient is a recoverable model-backend failure.
	LLMTransient Kind = "llm_transient"

	// LLMFatal is a model-backend failure that exhausted its retries.
	LLMFatal Kind = "llm_fatal"

	// ToolFailure is a failed tool invocation, surfaced into the reply.
	ToolFailure Kind = "tool_failure"

	// MemoryFailure is a failed memory recall/commit; logged, never surfaced.
	MemoryFailure Kind = "memory_failure"

	// Cancelled is cooperative cancellation, not a fault.
	Cancelled Kind = "cancelled"

	// Overloaded is a dispatch dropped by the per-entity backlog budget.
	Overloaded Kind = "overloaded"

	// Internal is a panic or fault in a background task.
	Internal Kind = "internal"
)

// MindroomError wraps an underlying error with its Kind and the operation
// that produced it.
type MindroomError struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and operation name. A nil err returns nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &MindroomError{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message and no underlying cause to unwrap
// beyond the formatted error itself.
func Newf(kind Kind, op, format string, args ...any) error {
	return &MindroomError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *MindroomError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *MindroomError) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors report Internal.
func KindOf(err error) Kind {
	var me *MindroomError
	if errors.As(err, &me) {
		return me.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var me *MindroomError
		if !errors.As(err, &me) {
			return false
		}
		if me.Kind == kind {
			return true
		}
		err = me.Err
	}
	return false
}

// IsRetryable reports whether the error's kind suggests a retry may
// succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ChatTransient, LLMTransient:
		return true
	default:
		return false
	}
}
