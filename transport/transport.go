// Package transport carries raw adapter traffic over BLE GATT, serial and
// WiFi sockets behind one interface.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrLinkLost reports a GATT disconnect, socket close or serial EOF.
	ErrLinkLost = errors.New("link lost")
	// ErrIO wraps any other read, write or open failure.
	ErrIO = errors.New("i/o failure")
	// ErrTimeout is returned when Open does not finish before its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrInvalidConfig rejects a ConnectionConfig that cannot be dialed.
	ErrInvalidConfig = errors.New("invalid connection config")
)

// Sink receives everything a transport pushes after Open succeeds.
// Callbacks for one transport are never invoked concurrently and frames
// arrive in the order they were read.
type Sink struct {
	OnData  func(frame []byte)
	OnError func(err error)
}

func (s Sink) data(frame []byte) {
	if s.OnData != nil {
		s.OnData(frame)
	}
}

func (s Sink) fail(err error) {
	if s.OnError != nil {
		s.OnError(err)
	}
}

// Transport is one physical link to an adapter.
//
// Open blocks until the link is usable or ctx is done. Close is idempotent
// and may be called concurrently with Open to abort it.
type Transport interface {
	Open(ctx context.Context, sink Sink) error
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// openError classifies a failure during Open, turning an expired deadline
// into ErrTimeout.
func openError(ctx context.Context, err error) error {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed) || errors.Is(err, ErrIO) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}
