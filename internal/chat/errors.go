package chat

import (
	"errors"
	"fmt"
)

var (
	ErrPeerDisconnected   = errors.New("peer disconnected")
	ErrSignalingError     = errors.New("signaling server error")
	ErrNegotiationStalled = errors.New("negotiation stalled")
	ErrNotLinked          = errors.New("peer link not established")
	ErrNoRoom             = errors.New("no active room")
)

// SessionError wraps an error with the operation it interrupted.
type SessionError struct {
	Op      string
	Err     error
	Details string
}

func (e *SessionError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *SessionError {
	return &SessionError{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *SessionError {
	return &SessionError{Op: op, Err: err, Details: details}
}
