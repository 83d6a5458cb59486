package domain

import "errors"

// Error taxonomy. Components wrap these with fmt.Errorf("%w: ...") so callers
// can classify failures with errors.Is.
var (
	// ErrTransport marks a malformed inbound message or an unknown channel.
	// Only the offending message is rejected.
	ErrTransport = errors.New("transport error")
	// ErrStreamDisconnected marks a dropped speech-to-text connection.
	ErrStreamDisconnected = errors.New("stream disconnected")
	// ErrQueueOverflow marks a frame evicted by the drop-oldest policy.
	ErrQueueOverflow = errors.New("queue overflow")
	// ErrGenerationCancelled is the expected outcome of a superseded task.
	ErrGenerationCancelled = errors.New("generation cancelled")
	// ErrGenerationFailure marks a failed call to the hint generator.
	ErrGenerationFailure = errors.New("generation failure")
	// ErrFatalConfiguration marks missing credentials or endpoints.
	ErrFatalConfiguration = errors.New("fatal configuration error")
)

// Error codes carried by outbound error events.
const (
	CodeTransport          = "transport_error"
	CodeStreamDisconnected = "stream_disconnected"
	CodeQueueOverflow      = "queue_overflow"
	CodeGenerationFailure  = "generation_failure"
	CodeFatalConfiguration = "fatal_configuration"
	CodeInternal           = "internal_error"
)

// ErrorCode maps an error to the code sent to clients. Cancellation has no
// code because it is never reported.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGenerationCancelled):
		return ""
	case errors.Is(err, ErrTransport):
		return CodeTransport
	case errors.Is(err, ErrStreamDisconnected):
		return CodeStreamDisconnected
	case errors.Is(err, ErrQueueOverflow):
		return CodeQueueOverflow
	case errors.Is(err, ErrGenerationFailure):
		return CodeGenerationFailure
	case errors.Is(err, ErrFatalConfiguration):
		return CodeFatalConfiguration
	default:
		return CodeInternal
	}
}
