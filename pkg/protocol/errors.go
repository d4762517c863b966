package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for rendering to the client.
type Kind int

const (
	KindInternal Kind = iota
	KindMissingField
	KindUnauthorized
	KindConflict
	KindNotFound
	KindInvalidSender
	KindRateLimited
	// KindUpstreamFailure marks external network errors. Forwards run after
	// the sender has its reply and polls have no requester, so these are
	// logged rather than rendered.
	KindUpstreamFailure
)

func (k Kind) String() string {
	switch k {
	case KindMissingField:
		return "MissingField"
	case KindUnauthorized:
		return "Unauthorized"
	case KindConflict:
		return "Conflict"
	case KindNotFound:
		return "NotFound"
	case KindInvalidSender:
		return "InvalidSender"
	case KindRateLimited:
		return "RateLimited"
	case KindUpstreamFailure:
		return "UpstreamFailure"
	default:
		return "Internal"
	}
}

// InternalMessage is all a client ever sees of an Internal failure.
const InternalMessage = "Internal server error."

// Error is a user-facing failure. Message is safe to send to the client; Err
// is the optional cause and is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func MissingField(message string) *Error { return NewError(KindMissingField, message) }

func Conflict(message string) *Error { return NewError(KindConflict, message) }

func Internal(err error) *Error { return Wrap(KindInternal, InternalMessage, err) }

// KindOf reports the kind of err; anything that is not an *Error is Internal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// ClientMessage returns the text a client may see for err.
func ClientMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind != KindInternal {
		return pe.Message
	}
	return InternalMessage
}
