package gateway

import (
	"errors"
	"fmt"
)

// The error taxonomy of the bridge. Everything a caller or the plugin can
// observe maps onto one of these; transport-level problems (malformed
// bodies) are rejected at the HTTP boundary and never reach here.
var (
	// ErrTimeout: the caller waited past its deadline. Recoverable.
	ErrTimeout = errors.New("call timed out waiting for the plugin")

	// ErrQueueFull: back-pressure, the work queue is at its depth limit.
	// Recoverable, the caller may retry.
	ErrQueueFull = errors.New("work queue is full")

	// ErrUnknownIdentifier: the plugin posted a result for an identifier
	// the bridge has never seen, or one already removed. Logged, absorbed.
	ErrUnknownIdentifier = errors.New("unknown identifier")

	// ErrAlreadyTerminal: a post arrived after the call reached a terminal
	// state. Duplicate-retry safety, logged, absorbed.
	ErrAlreadyTerminal = errors.New("call already terminal")

	// ErrCancelled: the caller stopped the call. Surfaced distinctly from
	// ErrTimeout so clients can tell user-initiated stop from a deadline.
	ErrCancelled = errors.New("call cancelled")

	// ErrShuttingDown: the bridge is draining; pending calls are resolved
	// with this and new submissions are refused.
	ErrShuttingDown = errors.New("bridge is shutting down")

	// ErrExecutorFailed: the plugin executed the call and reported a
	// failure. The wrapped message carries the plugin's own error text.
	ErrExecutorFailed = errors.New("plugin reported failure")
)

// ErrorKind returns the stable taxonomy name for err, used on wire
// surfaces (proxy responses, RPC error payloads). Unrecognized errors
// report as "internal".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrUnknownIdentifier):
		return "unknown_identifier"
	case errors.Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, ErrExecutorFailed):
		return "failed"
	default:
		return "internal"
	}
}

// KindError maps a wire taxonomy name back to its sentinel error. Used by
// the proxy forwarder so a secondary instance surfaces the same typed
// errors as the primary. Unknown kinds come back as a plain error.
func KindError(kind, message string) error {
	switch kind {
	case "timeout":
		return ErrTimeout
	case "queue_full":
		return ErrQueueFull
	case "unknown_identifier":
		return ErrUnknownIdentifier
	case "already_terminal":
		return ErrAlreadyTerminal
	case "cancelled":
		return ErrCancelled
	case "shutting_down":
		return ErrShuttingDown
	case "failed":
		return fmt.Errorf("%w: %s", ErrExecutorFailed, message)
	default:
		return errors.New(message)
	}
}
