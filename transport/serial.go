package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"elm327-telemetry/logging"
)

const (
	defaultBaudRate        = 38400
	defaultSerialReadTimer = 200 * time.Millisecond
)

// serialPort is the subset of serial.Port the transport uses.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

var openSerialPort = func(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

// Serial talks to an ELM327 exposed as a tty.
type Serial struct {
	config SerialConfig
	log    zerolog.Logger
	link   *elmLink

	connMutex sync.Mutex
	port      serialPort
	closed    bool
	stopChan  chan struct{}
}

// NewSerial creates a serial transport. Nothing is opened until Open.
func NewSerial(config SerialConfig) *Serial {
	if config.BaudRate == 0 {
		config.BaudRate = defaultBaudRate
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaultSerialReadTimer
	}
	if config.InitCommands == nil {
		config.InitCommands = DefaultInitCommands
	}
	log := logging.Component("serial-transport")
	return &Serial{
		config:   config,
		log:      log,
		link:     newELMLink(log),
		stopChan: make(chan struct{}),
	}
}

// Open opens the tty, starts the read loop and initialises the adapter.
func (s *Serial) Open(ctx context.Context, sink Sink) error {
	s.log.Info().Str("port", s.config.Port).Int("baud", s.config.BaudRate).Msg("Opening serial adapter")

	if strings.HasPrefix(s.config.Port, "/dev/rfcomm") {
		if _, err := os.Stat(s.config.Port); os.IsNotExist(err) {
			return fmt.Errorf("%w: device %s does not exist, run 'sudo rfcomm bind' first", ErrIO, s.config.Port)
		}
	}

	mode := &serial.Mode{
		BaudRate: s.config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openSerialPort(s.config.Port, mode)
	if err != nil {
		return openError(ctx, fmt.Errorf("failed to open %s: %w", s.config.Port, err))
	}
	if err := port.SetReadTimeout(s.config.ReadTimeout); err != nil {
		port.Close()
		return openError(ctx, fmt.Errorf("failed to set read timeout: %w", err))
	}

	s.connMutex.Lock()
	if s.closed {
		s.connMutex.Unlock()
		port.Close()
		return ErrClosed
	}
	s.port = port
	s.connMutex.Unlock()

	go s.readLoop(port)

	if err := s.link.initialize(ctx, s.write, s.config.InitCommands, s.config.InitTimeout); err != nil {
		s.Close()
		return openError(ctx, fmt.Errorf("failed to initialize ELM327: %w", err))
	}

	s.link.attach(sink)
	return nil
}

// Send writes payload as is; callers frame it.
func (s *Serial) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(payload)
}

func (s *Serial) write(payload []byte) error {
	s.connMutex.Lock()
	defer s.connMutex.Unlock()

	if s.port == nil || s.closed {
		return ErrClosed
	}
	if _, err := s.port.Write(payload); err != nil {
		return fmt.Errorf("%w: write: %v", ErrIO, err)
	}
	s.log.Debug().Str("payload", string(payload)).Msg("Sent to ELM327")
	return nil
}

// Close releases the port. The read loop notices and exits on its own,
// so Close is safe to call from a sink callback.
func (s *Serial) Close() error {
	s.connMutex.Lock()
	if s.closed {
		s.connMutex.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopChan)
	port := s.port
	s.port = nil
	s.connMutex.Unlock()

	s.log.Info().Msg("Serial adapter closed")
	if port == nil {
		return nil
	}
	return port.Close()
}

func (s *Serial) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// readLoop reads until the port fails or the transport is closed. A read
// that times out returns zero bytes and is not an error.
func (s *Serial) readLoop(port serialPort) {
	s.log.Debug().Msg("Starting serial read loop")

	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if s.stopped() {
			return
		}
		if n > 0 {
			s.link.feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Error().Msg("Serial adapter closed the link")
			} else {
				s.log.Error().Err(err).Msg("Read error")
			}
			s.link.fail(fmt.Errorf("%w: %v", ErrLinkLost, err))
			return
		}
	}
}
