// Package session owns the lifecycle of one adapter connection: it opens
// the transport, decodes inbound frames and reports telemetry, errors and
// status changes to its observers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"elm327-telemetry/common"
	"elm327-telemetry/logging"
	"elm327-telemetry/obd"
	"elm327-telemetry/transport"
)

// DefaultOpenTimeout bounds transport.Open when Options leaves it unset.
const DefaultOpenTimeout = 10 * time.Second

// maxPending bounds the requests awaiting a reply. The adapter may never
// answer some of them.
const maxPending = 16

// Dialer builds an unopened transport for cfg.
type Dialer func(cfg transport.ConnectionConfig) (transport.Transport, error)

// Options configures a Session.
type Options struct {
	OpenTimeout time.Duration
	Dial        Dialer
}

// Session is the connection state machine.
//
// Every Connect and Disconnect advances a generation counter. Results and
// transport events carrying an older generation are discarded, which is how
// an Open that completes after a newer Connect is ignored.
type Session struct {
	dial        Dialer
	openTimeout time.Duration
	log         zerolog.Logger

	mu            sync.Mutex
	status        common.Status
	transport     transport.Transport
	kind          transport.Kind
	generation    uint64
	cancelOpen    context.CancelFunc
	pending       []obd.PID
	lastTelemetry *common.Telemetry
	lastError     *common.ErrorInfo
	subs          []subscription
	nextSubID     uint64
}

// New creates a disconnected session.
func New(opts Options) *Session {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.Dial == nil {
		opts.Dial = transport.New
	}
	return &Session{
		dial:        opts.Dial,
		openTimeout: opts.OpenTimeout,
		log:         logging.Component("obd-session"),
		status:      common.StatusDisconnected,
	}
}

// Subscribe registers o and returns a function that removes it.
func (s *Session) Subscribe(o Observer) (unsubscribe func()) {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs = append(s.subs, subscription{id: id, observer: o})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// CurrentStatus returns the session status.
func (s *Session) CurrentStatus() common.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CurrentTelemetry returns the latest snapshot, if any.
func (s *Session) CurrentTelemetry() (common.Telemetry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastTelemetry == nil {
		return common.Telemetry{}, false
	}
	return *s.lastTelemetry, true
}

// LastError returns the most recent failure, if any.
func (s *Session) LastError() (common.ErrorInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastError == nil {
		return common.ErrorInfo{}, false
	}
	return *s.lastError, true
}

// Connect closes any existing transport, then opens a new one for cfg.
// It blocks until the transport is open, fails, times out, or is
// superseded by a later Connect or Disconnect.
func (s *Session) Connect(ctx context.Context, cfg transport.ConnectionConfig) error {
	var ev events

	s.mu.Lock()
	s.generation++
	gen := s.generation
	prev := s.detachLocked()
	s.lastTelemetry = nil

	t, cerr := s.buildTransport(cfg)
	if cerr != nil {
		s.failConnectLocked(&ev, cerr)
		s.mu.Unlock()
		s.closeTransport(prev)
		ev.dispatch()
		return cerr
	}

	openCtx, cancel := context.WithTimeout(ctx, s.openTimeout)
	s.transport = t
	s.kind = cfg.Kind()
	s.cancelOpen = cancel
	s.setStatusLocked(&ev, common.StatusConnecting)
	s.mu.Unlock()

	s.closeTransport(prev)
	ev.dispatch()

	s.log.Info().Str("kind", cfg.Kind().String()).Uint64("generation", gen).Msg("Connecting")
	openErr := t.Open(openCtx, s.sinkFor(gen))
	cancel()

	ev = events{}
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.closeTransport(t)
		s.log.Debug().Uint64("generation", gen).Msg("Discarding superseded connect")
		return &ConnectError{Kind: ErrSuperseded, Err: openErr}
	}
	s.cancelOpen = nil

	if s.transport != t {
		// A transport error arrived while opening and already moved the
		// session to Error.
		var cause error = openErr
		if s.lastError != nil {
			cause = s.lastError.Err
		}
		s.mu.Unlock()
		s.closeTransport(t)
		return &ConnectError{Kind: ErrTransportOpenFailed, Err: cause}
	}

	if openErr != nil {
		kind := ErrTransportOpenFailed
		if errors.Is(openErr, transport.ErrTimeout) || errors.Is(openErr, context.DeadlineExceeded) {
			kind = ErrTimeout
		}
		cerr := &ConnectError{Kind: kind, Err: openErr}
		s.transport = nil
		s.failConnectLocked(&ev, cerr)
		s.mu.Unlock()
		s.closeTransport(t)
		ev.dispatch()
		return cerr
	}

	s.lastError = nil
	s.setStatusLocked(&ev, common.StatusConnected)
	s.mu.Unlock()
	ev.dispatch()
	return nil
}

// Disconnect closes the transport and resets the session. It is safe to
// call in any state, any number of times, and aborts an in-flight Connect.
func (s *Session) Disconnect() {
	var ev events

	s.mu.Lock()
	s.generation++
	t := s.detachLocked()
	s.lastTelemetry = nil
	s.lastError = nil
	if s.status != common.StatusDisconnected {
		s.setStatusLocked(&ev, common.StatusDisconnected)
	}
	s.mu.Unlock()

	s.closeTransport(t)
	ev.dispatch()
}

// SendCommand sends the request for key, a PID key such as "ENGINE_RPM"
// or a raw PID such as "010C". The response arrives asynchronously.
func (s *Session) SendCommand(ctx context.Context, key string) error {
	pid, err := obd.Lookup(key)
	if err != nil {
		return &CommandError{PID: obd.PID(key), Kind: obd.ErrUnknownPID, Err: err}
	}

	s.mu.Lock()
	if s.status != common.StatusConnected || s.transport == nil {
		s.mu.Unlock()
		return &CommandError{PID: pid, Kind: ErrNotConnected}
	}
	t, gen := s.transport, s.generation
	s.pushPendingLocked(pid)
	s.mu.Unlock()

	command := obd.BuildCommand(pid)
	if err := t.Send(ctx, []byte(command)); err != nil {
		cerr := &CommandError{PID: pid, Kind: ErrTransportSendFailed, Err: err}

		var ev events
		s.mu.Lock()
		if gen == s.generation {
			s.takePendingLocked(pid)
			info := common.NewErrorInfo(common.SourceCommand, cerr)
			s.lastError = &info
			ev.fail(info)
			ev.observers = s.observersLocked()
		}
		s.mu.Unlock()

		s.log.Warn().Err(err).Str("pid", string(pid)).Msg("Failed to send command")
		ev.dispatch()
		return cerr
	}

	s.log.Debug().Str("pid", string(pid)).Msg("Command sent")
	return nil
}

func (s *Session) buildTransport(cfg transport.ConnectionConfig) (transport.Transport, *ConnectError) {
	if cfg == nil {
		return nil, &ConnectError{Kind: ErrInvalidConfig, Err: errors.New("no connection config")}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConnectError{Kind: ErrInvalidConfig, Err: err}
	}
	t, err := s.dial(cfg)
	if err != nil {
		if errors.Is(err, transport.ErrInvalidConfig) {
			return nil, &ConnectError{Kind: ErrInvalidConfig, Err: err}
		}
		return nil, &ConnectError{Kind: ErrTransportOpenFailed, Err: err}
	}
	return t, nil
}

func (s *Session) sinkFor(gen uint64) transport.Sink {
	return transport.Sink{
		OnData:  func(frame []byte) { s.handleData(gen, frame) },
		OnError: func(err error) { s.handleTransportError(gen, err) },
	}
}

// handleData decodes one inbound frame. A decode failure is reported but
// leaves the status alone.
func (s *Session) handleData(gen uint64, frame []byte) {
	var ev events

	s.mu.Lock()
	if gen != s.generation || s.status != common.StatusConnected {
		s.mu.Unlock()
		s.log.Debug().Uint64("generation", gen).Msg("Dropping frame outside a live connection")
		return
	}

	next, err := s.decodeLocked(frame)
	ev.observers = s.observersLocked()
	if err != nil {
		info := common.NewErrorInfo(common.SourceDecode, err)
		s.lastError = &info
		ev.fail(info)
	} else {
		s.lastTelemetry = &next
		ev.telemetry = &next
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to decode frame")
	}
	ev.dispatch()
}

func (s *Session) decodeLocked(frame []byte) (common.Telemetry, error) {
	if !s.kind.RawHex() {
		return obd.DecodeSnapshot(frame)
	}

	response := string(frame)
	pid, err := s.matchPendingLocked(response)
	if err != nil {
		return common.Telemetry{}, err
	}

	reading, err := obd.Decode(pid, response)
	if err != nil {
		return common.Telemetry{}, err
	}

	var prev common.Telemetry
	if s.lastTelemetry != nil {
		prev = *s.lastTelemetry
	}
	next := reading.Apply(prev)
	next.UpdatedAt = time.Now()
	return next, nil
}

// matchPendingLocked picks the PID a raw response answers. The response
// header decides when it names a PID; the oldest outstanding request is only
// used for replies without one, such as NO DATA.
func (s *Session) matchPendingLocked(response string) (obd.PID, error) {
	pid, ok := obd.InferPID(response)
	switch {
	case ok:
		if s.takePendingLocked(pid) || len(s.pending) == 0 {
			return pid, nil
		}
		return pid, &obd.DecodeError{PID: pid, Raw: response, Err: obd.ErrMalformed,
			Detail: fmt.Sprintf("reply does not match pending request %s", s.pending[0])}
	case pid != "":
		return pid, &obd.DecodeError{PID: pid, Raw: response, Err: obd.ErrUnknownPID, Detail: "unsupported PID in reply header"}
	case len(s.pending) > 0:
		pid = s.pending[0]
		s.pending = s.pending[1:]
		return pid, nil
	}
	return "", &obd.DecodeError{Raw: response, Err: obd.ErrUnknownPID, Detail: "no pending request"}
}

func (s *Session) pushPendingLocked(pid obd.PID) {
	if len(s.pending) == maxPending {
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, pid)
}

// takePendingLocked removes the oldest outstanding request for pid.
func (s *Session) takePendingLocked(pid obd.PID) bool {
	for i, p := range s.pending {
		if p == pid {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// handleTransportError moves the session to Error and force-closes the
// transport. Snapshot is kept.
func (s *Session) handleTransportError(gen uint64, err error) {
	var ev events

	s.mu.Lock()
	if gen != s.generation || s.transport == nil {
		s.mu.Unlock()
		return
	}
	t := s.detachLocked()
	info := common.NewErrorInfo(common.SourceTransport, err)
	s.lastError = &info
	s.setStatusLocked(&ev, common.StatusError)
	ev.fail(info)
	s.mu.Unlock()

	s.log.Error().Err(err).Msg("Transport failed")
	s.closeTransport(t)
	ev.dispatch()
}

func (s *Session) failConnectLocked(ev *events, cerr *ConnectError) {
	info := common.NewErrorInfo(common.SourceConnect, cerr)
	s.lastError = &info
	s.setStatusLocked(ev, common.StatusError)
	ev.fail(info)
	s.log.Error().Err(cerr).Msg("Connect failed")
}

func (s *Session) setStatusLocked(ev *events, status common.Status) {
	if s.status != status {
		s.log.Info().Str("from", s.status.String()).Str("to", status.String()).Msg("Status changed")
	}
	s.status = status
	ev.status(status)
	ev.observers = s.observersLocked()
}

// detachLocked cancels any in-flight open and hands back the current
// transport for closing outside the lock.
func (s *Session) detachLocked() transport.Transport {
	if s.cancelOpen != nil {
		s.cancelOpen()
		s.cancelOpen = nil
	}
	t := s.transport
	s.transport = nil
	s.pending = nil
	return t
}

func (s *Session) observersLocked() []Observer {
	out := make([]Observer, len(s.subs))
	for i, sub := range s.subs {
		out[i] = sub.observer
	}
	return out
}

func (s *Session) closeTransport(t transport.Transport) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		s.log.Debug().Err(fmt.Errorf("close transport: %w", err)).Msg("Ignoring close error")
	}
}
