package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elm327-telemetry/logging"
)

func TestPromptFramer(t *testing.T) {
	var f promptFramer

	assert.Empty(t, f.Feed([]byte("41 0C")))
	assert.Empty(t, f.Feed([]byte(" 1A F8\r")))
	assert.Equal(t, []string{"41 0C 1A F8"}, f.Feed([]byte("\r>")))

	assert.Equal(t, []string{"OK", "ELM327 v1.5"}, f.Feed([]byte("OK\r\r>ELM327 v1.5\r\r>41")))
	assert.Equal(t, []string{"41 0D 32"}, f.Feed([]byte(" 0D 32\r>")))
	assert.Empty(t, f.Feed([]byte(">")), "a bare prompt is not a response")
}

func TestELMLinkRoutesInitThenSink(t *testing.T) {
	link := newELMLink(logging.Component("test"))

	var frames []string
	write := func(p []byte) error {
		link.feed([]byte("OK\r\r>"))
		return nil
	}
	require.NoError(t, link.initialize(context.Background(), write, []string{"ATE0", "ATL0"}, time.Second))

	link.attach(Sink{OnData: func(frame []byte) { frames = append(frames, string(frame)) }})
	link.feed([]byte("41 0D 32\r\r>"))

	assert.Equal(t, []string{"41 0D 32"}, frames)
}

func TestELMLinkInitSkipsSilentCommands(t *testing.T) {
	link := newELMLink(logging.Component("test"))

	var sent []string
	write := func(p []byte) error {
		sent = append(sent, string(p))
		return nil
	}
	require.NoError(t, link.initialize(context.Background(), write, []string{"ATZ", "ATE0"}, 10*time.Millisecond))
	assert.Equal(t, []string{"ATZ\r", "ATE0\r"}, sent)
}

func TestELMLinkInitHonoursContext(t *testing.T) {
	link := newELMLink(logging.Component("test"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := link.initialize(ctx, func([]byte) error { return nil }, []string{"ATZ"}, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestELMLinkInitAbortsOnLinkLoss(t *testing.T) {
	link := newELMLink(logging.Component("test"))

	write := func([]byte) error {
		link.fail(ErrLinkLost)
		return nil
	}
	err := link.initialize(context.Background(), write, []string{"ATZ", "ATE0"}, time.Minute)
	assert.ErrorIs(t, err, ErrLinkLost)
}

func TestELMLinkInitDiscardsLateReplies(t *testing.T) {
	var logs bytes.Buffer
	link := newELMLink(zerolog.New(&logs).Level(zerolog.DebugLevel))

	// Reply to an earlier command whose wait already timed out.
	link.feed([]byte("ELM327 v1.5\r\r>"))

	write := func([]byte) error {
		link.feed([]byte("?\r\r>"))
		return nil
	}
	require.NoError(t, link.initialize(context.Background(), write, []string{"ATE0"}, time.Second))

	out := logs.String()
	assert.Contains(t, out, "Discarding stale init response")
	assert.Contains(t, out, "Adapter rejected init command")
	assert.NotContains(t, out, "Init command acknowledged")
	assert.Empty(t, link.initCh)
}
