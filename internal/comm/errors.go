package comm

import (
	"fmt"
)

// ErrorKind classifies a communicator failure. The engine only ever sees
// these kinds; transport details stay wrapped underneath.
type ErrorKind string

const (
	KindUnknownParticipant ErrorKind = "UNKNOWN_PARTICIPANT"
	KindConnectFailed      ErrorKind = "CONNECT_FAILED"
	KindTimeout            ErrorKind = "TIMEOUT"
	KindBadStatus          ErrorKind = "BAD_STATUS"
	KindDecodeError        ErrorKind = "DECODE_ERROR"
	KindRetriesExhausted   ErrorKind = "RETRIES_EXHAUSTED"
)

// Error is the communicator's error value.
type Error struct {
	Kind        ErrorKind
	Participant string
	Endpoint    string
	StatusCode  int
	Attempts    int
	Err         error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s%s", e.Kind, e.Participant, e.Endpoint)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed: connect failures,
// timeouts and 5xx statuses. 4xx, decode errors and unknown participants
// are permanent.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnectFailed, KindTimeout:
		return true
	case KindBadStatus:
		return e.StatusCode >= 500
	default:
		return false
	}
}

// KindOf extracts the error kind, or empty string for foreign errors.
func KindOf(err error) ErrorKind {
	if ce, ok := err.(*Error); ok {
		return ce.Kind
	}
	return ""
}
