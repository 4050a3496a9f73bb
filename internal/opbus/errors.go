package opbus

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned by RemoveListener for a nil target.
var ErrInvalidArgument = errors.New("invalid argument")

// DecodeError reports an inbound payload that is not a well-formed envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode envelope: " + e.Reason
	}
	return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HandlerError reports a handler that returned an error or panicked.
type HandlerError struct {
	ID  RegistrationID
	Op  int
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s for op %d: %v", e.ID, e.Op, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
