package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"elm327-telemetry/logging"
)

const maxFrameSize = 64 * 1024

// frameConn reads and writes whole frames.
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(p []byte) error
	Close() error
}

// Socket connects to the adapter's companion server over WiFi. With scheme
// tcp, frames are newline delimited; with ws/wss each message is a frame.
type Socket struct {
	config WiFiConfig
	log    zerolog.Logger

	mu     sync.Mutex
	conn   frameConn
	closed bool
}

// NewSocket creates a socket transport for config.
func NewSocket(config WiFiConfig) *Socket {
	return &Socket{
		config: config,
		log:    logging.Component("socket-transport"),
	}
}

func (s *Socket) Open(ctx context.Context, sink Sink) error {
	s.log.Info().Str("scheme", s.config.scheme()).Str("address", s.config.Address()).Msg("Connecting to WiFi adapter")

	var (
		conn frameConn
		err  error
	)
	switch s.config.scheme() {
	case "ws", "wss":
		conn, err = dialWebSocket(ctx, s.config)
	default:
		conn, err = dialTCP(ctx, s.config)
	}
	if err != nil {
		return openError(ctx, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn, sink)

	s.log.Info().Msg("WiFi adapter connected")
	return nil
}

func (s *Socket) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.closed {
		return ErrClosed
	}
	if err := s.conn.WriteFrame(payload); err != nil {
		return fmt.Errorf("%w: write: %v", ErrIO, err)
	}
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// readLoop exits once the connection fails; Close does not wait for it
// because sinks may call Close from inside a callback.
func (s *Socket) readLoop(conn frameConn, sink Sink) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.log.Error().Err(err).Msg("WiFi connection lost")
			sink.fail(fmt.Errorf("%w: %v", ErrLinkLost, err))
			return
		}
		frame = bytes.TrimSpace(frame)
		if len(frame) == 0 {
			continue
		}
		sink.data(frame)
	}
}

// tcpConn frames a stream by newlines.
type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialTCP(ctx context.Context, cfg WiFiConfig) (frameConn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, err
	}
	return &tcpConn{conn: conn, reader: bufio.NewReaderSize(conn, 4096)}, nil
}

func (c *tcpConn) ReadFrame() ([]byte, error) {
	var frame []byte
	for {
		line, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		frame = append(frame, line...)
		if len(frame) > maxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
		}
		if !isPrefix {
			return frame, nil
		}
	}
}

func (c *tcpConn) WriteFrame(p []byte) error {
	_, err := c.conn.Write(p)
	return err
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

// wsConn treats each text or binary message as one frame.
type wsConn struct {
	conn *websocket.Conn
}

func dialWebSocket(ctx context.Context, cfg WiFiConfig) (frameConn, error) {
	u := url.URL{Scheme: cfg.scheme(), Host: cfg.Address(), Path: cfg.Path}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connection failed (HTTP %d): %v", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsConn{conn: conn}, nil
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteFrame(p []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, p)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
