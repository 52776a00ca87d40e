package obd

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPID is returned for PIDs outside the catalog.
	ErrUnknownPID = errors.New("unknown PID")
	// ErrTruncated means the payload is shorter than the formula requires.
	ErrTruncated = errors.New("truncated response")
	// ErrMalformed covers non-hex payloads and adapter error replies.
	ErrMalformed = errors.New("malformed response")
)

// DecodeError ties a decode failure to the PID and raw text that caused it.
type DecodeError struct {
	PID    PID
	Raw    string
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %s: %v", e.PID, e.Err)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Raw != "" {
		msg += fmt.Sprintf(" (raw %q)", e.Raw)
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(pid PID, raw string, err error, format string, args ...interface{}) *DecodeError {
	return &DecodeError{PID: pid, Raw: raw, Err: err, Detail: fmt.Sprintf(format, args...)}
}
