package chat

import (
	"fmt"
	"time"
)

// ErrorKind classifies every error this library reports. The taxonomy is
// closed: unclassified failures map to KindUnknown, never to a new kind.
type ErrorKind string

const (
	KindConnectionFailed ErrorKind = "connection_failed"
	KindAuthRequired     ErrorKind = "authentication_required"
	KindSendFailed       ErrorKind = "message_send_failed"
	KindMessageTooLong   ErrorKind = "message_too_long"
	KindMessageInvalid   ErrorKind = "message_invalid"
	KindRateLimited      ErrorKind = "rate_limited"
	KindUnknown          ErrorKind = "unknown_error"
)

// Error is the domain error broadcast to listeners. Transient: reported,
// never persisted.
type Error struct {
	Kind      ErrorKind
	Message   string
	Detail    map[string]any
	Timestamp time.Time
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Terminal reports whether this is a connection failure that exhausted its
// reconnect attempts. The UI treats terminal failures as "retry manually".
func (e *Error) Terminal() bool {
	if e.Kind != KindConnectionFailed || e.Detail == nil {
		return false
	}
	v, ok := e.Detail["max_attempts_reached"].(bool)
	return ok && v
}

// RetryAfter returns the retry-after hint of a rate-limit error, or zero.
func (e *Error) RetryAfter() time.Duration {
	if e.Detail == nil {
		return 0
	}
	d, _ := e.Detail["retry_after"].(time.Duration)
	return d
}

// NewError builds an error of the given kind wrapping an optional cause.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   msg,
		Timestamp: time.Now(),
		cause:     cause,
	}
}

// Errorf builds an error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...), nil)
}

// ConnectionFailed builds a transient connection error.
func ConnectionFailed(msg string, cause error) *Error {
	return NewError(KindConnectionFailed, msg, cause)
}

// ConnectionExhausted builds the terminal connection error emitted after the
// last reconnect attempt fails.
func ConnectionExhausted(attempts int, cause error) *Error {
	e := NewError(KindConnectionFailed, fmt.Sprintf("giving up after %d attempts", attempts), cause)
	e.Detail = map[string]any{"max_attempts_reached": true, "attempts": attempts}
	return e
}

// RateLimited builds a rate-limit rejection with a retry-after hint.
func RateLimited(senderID string, retryAfter time.Duration) *Error {
	e := Errorf(KindRateLimited, "sender %s is sending too fast", senderID)
	e.Detail = map[string]any{"retry_after": retryAfter}
	return e
}

// Wrap classifies an arbitrary error. Existing *Error values pass through
// unchanged; everything else becomes KindUnknown.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*Error); ok {
		return ce
	}
	return NewError(KindUnknown, "unclassified failure", err)
}
