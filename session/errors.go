package session

import (
	"errors"
	"fmt"

	"elm327-telemetry/obd"
)

// Connect failures.
var (
	ErrInvalidConfig       = errors.New("invalid connection config")
	ErrTransportOpenFailed = errors.New("transport open failed")
	ErrTimeout             = errors.New("connect timed out")
	// ErrSuperseded is returned by a Connect whose attempt was overtaken by a
	// later Connect or Disconnect. Its outcome was discarded.
	ErrSuperseded = errors.New("connect superseded")
)

// Command failures.
var (
	ErrNotConnected        = errors.New("not connected")
	ErrTransportSendFailed = errors.New("transport send failed")
)

// ConnectError is returned by Session.Connect. Kind is one of the connect
// sentinels; Err is the underlying cause.
type ConnectError struct {
	Kind error
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return nonNil(e.Kind, e.Err)
}

// CommandError is returned by Session.SendCommand.
type CommandError struct {
	PID  obd.PID
	Kind error
	Err  error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %s: %v", e.PID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() []error {
	return nonNil(e.Kind, e.Err)
}

func nonNil(errs ...error) []error {
	out := errs[:0:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
