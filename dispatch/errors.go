package dispatch

import (
	"context"
	"errors"
	"io"

	"stream-rpc/channel"
)

var (
	// ErrUnknownMethod is returned when no handler is registered for a method.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrInvalidInteractionKind is returned when a method is invoked with a
	// pattern other than the one it was registered with.
	ErrInvalidInteractionKind = errors.New("invalid interaction kind")
	// ErrDuplicateMethod is returned by Register for a second handler under the
	// same method.
	ErrDuplicateMethod = errors.New("duplicate method registration")
	// ErrInvalidHandler is returned by Register when the handler has no
	// function for its kind.
	ErrInvalidHandler = errors.New("invalid handler")
	// ErrResourceExhausted is returned when the streaming call limit is reached.
	ErrResourceExhausted = errors.New("too many concurrent streams")
	// ErrShuttingDown is returned for streaming calls dispatched after Shutdown.
	ErrShuttingDown = errors.New("dispatcher shutting down")
	// ErrStreamEndedEarly is reported by inbound streams that were aborted by
	// the transport. Relays treat it as a normal end.
	ErrStreamEndedEarly = errors.New("inbound stream ended early")
)

// HandlerFailure carries a handler's business error. Its message is the
// handler's message, unchanged.
type HandlerFailure struct {
	Method MethodID
	Reason error
}

func (e *HandlerFailure) Error() string {
	return e.Reason.Error()
}

func (e *HandlerFailure) Unwrap() error {
	return e.Reason
}

// IsNormalClose reports whether err ends a stream without failing the call:
// the caller went away, the inbound stream ended, or the call was cancelled.
func IsNormalClose(err error) bool {
	return err == nil ||
		errors.Is(err, channel.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, ErrStreamEndedEarly) ||
		errors.Is(err, context.Canceled)
}
