package transport

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// elmPrompt ends every ELM327 response.
const elmPrompt = '>'

const defaultInitTimeout = 2 * time.Second

// promptFramer splits a byte stream into responses terminated by the prompt.
type promptFramer struct {
	buf bytes.Buffer
}

// Feed appends chunk and returns every completed response, trimmed.
// Empty responses (a bare prompt) are dropped.
func (f *promptFramer) Feed(chunk []byte) []string {
	f.buf.Write(chunk)

	var out []string
	for {
		data := f.buf.Bytes()
		idx := bytes.IndexByte(data, elmPrompt)
		if idx < 0 {
			return out
		}
		response := strings.TrimSpace(string(data[:idx]))
		f.buf.Next(idx + 1)
		if response != "" {
			out = append(out, response)
		}
	}
}

// elmLink sits between a raw byte transport and its Sink. While the adapter
// is being initialised, responses are routed to the init sequence; after
// that they go to the sink.
type elmLink struct {
	mu     sync.Mutex
	framer promptFramer
	sink   Sink
	ready  bool
	initCh chan string
	lost   chan error
	log    zerolog.Logger
}

func newELMLink(log zerolog.Logger) *elmLink {
	return &elmLink{
		initCh: make(chan string, 8),
		lost:   make(chan error, 1),
		log:    log,
	}
}

// feed is called from the transport's single read path.
func (l *elmLink) feed(chunk []byte) {
	l.mu.Lock()
	responses := l.framer.Feed(chunk)
	ready, sink := l.ready, l.sink
	l.mu.Unlock()

	for _, response := range responses {
		if !ready {
			select {
			case l.initCh <- response:
			default:
				l.log.Warn().Str("response", response).Msg("Dropping response during initialisation")
			}
			continue
		}
		sink.data([]byte(response))
	}
}

// attach starts routing responses to sink.
func (l *elmLink) attach(sink Sink) {
	l.mu.Lock()
	l.sink = sink
	l.ready = true
	l.mu.Unlock()
}

// fail reports a dead link to the sink, or aborts initialisation if the
// sink is not attached yet.
func (l *elmLink) fail(err error) {
	l.mu.Lock()
	ready, sink := l.ready, l.sink
	l.mu.Unlock()
	if ready {
		sink.fail(err)
		return
	}
	select {
	case l.lost <- err:
	default:
	}
}

// initialize sends each AT command and waits for its prompt. A command that
// gets no answer within timeout is logged and skipped; ctx expiry aborts.
func (l *elmLink) initialize(ctx context.Context, write func([]byte) error, commands []string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultInitTimeout
	}

	l.log.Info().Msg("Initializing ELM327...")
	for i, cmd := range commands {
		l.log.Debug().Msgf("Sending init command %d/%d: %s", i+1, len(commands), cmd)
		l.drainInit()

		if err := write([]byte(cmd + "\r")); err != nil {
			return fmt.Errorf("failed to send command %s: %w", cmd, err)
		}

		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case err := <-l.lost:
			timer.Stop()
			return err
		case response := <-l.initCh:
			timer.Stop()
			if strings.Contains(response, "?") {
				l.log.Warn().Str("command", cmd).Msg("Adapter rejected init command")
			} else {
				l.log.Debug().Str("command", cmd).Str("response", response).Msg("Init command acknowledged")
			}
		case <-timer.C:
			l.log.Warn().Str("command", cmd).Msg("No response to init command, continuing")
		}
	}
	l.log.Info().Msg("ELM327 initialization completed")
	return nil
}

// drainInit discards replies to earlier init commands that arrived after
// their wait timed out.
func (l *elmLink) drainInit() {
	for {
		select {
		case response := <-l.initCh:
			l.log.Debug().Str("response", response).Msg("Discarding stale init response")
		default:
			return
		}
	}
}
