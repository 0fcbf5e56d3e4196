// Package zwaveerr defines the driver's error taxonomy.
package zwaveerr

import (
	"errors"
	"fmt"
)

// Kind discriminates the driver's error taxonomy. Callers compare with
// errors.Is against Sentinel(kind) for one of the Kinds below, or read the
// Kind with KindOf, rather than comparing Error values directly.
type Kind int

const (
	// TransportIo: port unreadable/unwritable.
	TransportIo Kind = iota
	// FrameDelivery: exhausted retries on ACK.
	FrameDelivery
	// ResponseTimeout: expected response never arrived.
	ResponseTimeout
	// CallbackTimeout: expected callback never arrived.
	CallbackTimeout
	// InvalidPayload: parse of inbound command-class payload failed.
	InvalidPayload
	// CommandNotSupported: CC/version doesn't support the attempted command.
	CommandNotSupported
	// CommandClassNotImplemented: node doesn't advertise the CC.
	CommandClassNotImplemented
	// CommandNotReady: CC exists but hasn't been interviewed.
	CommandNotReady
	// CommandInvalidArgument: invalid argument supplied by the caller.
	CommandInvalidArgument
	// InitializationFailed: bring-up could not complete.
	InitializationFailed
	// Canceled: caller canceled a suspending operation.
	Canceled
)

func (k Kind) String() string {
	switch k {
	case TransportIo:
		return "transport_io"
	case FrameDelivery:
		return "frame_delivery"
	case ResponseTimeout:
		return "response_timeout"
	case CallbackTimeout:
		return "callback_timeout"
	case InvalidPayload:
		return "invalid_payload"
	case CommandNotSupported:
		return "command_not_supported"
	case CommandClassNotImplemented:
		return "command_class_not_implemented"
	case CommandNotReady:
		return "command_not_ready"
	case CommandInvalidArgument:
		return "command_invalid_argument"
	case InitializationFailed:
		return "initialization_failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is the driver's wrapped error type. Op names the failing operation
// (e.g. "session.SendRequestResponse"); Err is the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, SomeKindSentinel(...)) work by comparing Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error for the given kind/op, optionally wrapping cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Sentinel returns a comparable *Error carrying only a Kind, for use with
// errors.Is(err, zwaveerr.Sentinel(zwaveerr.CommandNotReady)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
