package model

import (
	"errors"
	"fmt"
)

var (
	ErrCapture                = errors.New("binding evaluation")
	ErrRegistration           = errors.New("registration")
	ErrStart                  = errors.New("start")
	ErrMaterializationTimeout = errors.New("job process did not materialize")
)

// ExecutionError is the failure raised by the work item itself. It is
// returned to the caller as is, never wrapped.
type ExecutionError struct {
	Message  string
	ExitCode int
}

func (e *ExecutionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("work item failed with exit code %d", e.ExitCode)
	}
	return e.Message
}

type ErrorKind string

const (
	KindNone                   ErrorKind = ""
	KindCapture                ErrorKind = "capture"
	KindRegistration           ErrorKind = "registration"
	KindStart                  ErrorKind = "start"
	KindMaterializationTimeout ErrorKind = "materialization_timeout"
	KindExecution              ErrorKind = "execution"
	KindTransport              ErrorKind = "transport"
)

// KindOf classifies err into the error taxonomy. Errors outside of it are
// reported as KindTransport.
func KindOf(err error) ErrorKind {
	var execErr *ExecutionError
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &execErr):
		return KindExecution
	case errors.Is(err, ErrCapture):
		return KindCapture
	case errors.Is(err, ErrRegistration):
		return KindRegistration
	case errors.Is(err, ErrStart):
		return KindStart
	case errors.Is(err, ErrMaterializationTimeout):
		return KindMaterializationTimeout
	default:
		return KindTransport
	}
}

// remoteError keeps the message of an error received as text while still
// matching its sentinel with errors.Is.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// FromKind rebuilds an error of the given kind, used when an error crossed a
// process or host boundary as text.
func FromKind(kind ErrorKind, message string, exitCode int) error {
	switch kind {
	case KindNone:
		return nil
	case KindExecution:
		return &ExecutionError{Message: message, ExitCode: exitCode}
	case KindCapture:
		return &remoteError{sentinel: ErrCapture, msg: message}
	case KindRegistration:
		return &remoteError{sentinel: ErrRegistration, msg: message}
	case KindStart:
		return &remoteError{sentinel: ErrStart, msg: message}
	case KindMaterializationTimeout:
		return &remoteError{sentinel: ErrMaterializationTimeout, msg: message}
	default:
		return errors.New(message)
	}
}
