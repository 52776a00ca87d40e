package transport

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func splitHostPort(t *testing.T, addr string) (string, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, uint16(port)
}

func TestSocketTCPFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	commands := make(chan string, 1)
	hangUp := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("{\"rpm\": 1726}\n\n{\"speed\"" + ": 50}\n"))
		cmd, _ := bufio.NewReader(conn).ReadString('\r')
		commands <- cmd
		<-hangUp
	}()

	host, port := splitHostPort(t, ln.Addr().String())
	rec := newRecordingSink()
	s := NewSocket(WiFiConfig{Host: host, Port: port})
	require.NoError(t, s.Open(context.Background(), rec.sink()))
	defer s.Close()

	for _, expected := range []string{`{"rpm": 1726}`, `{"speed": 50}`} {
		select {
		case frame := <-rec.frames:
			assert.Equal(t, expected, frame)
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for frame")
		}
	}

	require.NoError(t, s.Send(context.Background(), []byte("010C\r")))
	select {
	case cmd := <-commands:
		assert.Equal(t, "010C\r", cmd)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for command")
	}

	close(hangUp)
	select {
	case err := <-rec.errs:
		assert.ErrorIs(t, err, ErrLinkLost)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for link loss")
	}
}

func TestSocketCloseSuppressesLinkLoss(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	host, port := splitHostPort(t, ln.Addr().String())
	rec := newRecordingSink()
	s := NewSocket(WiFiConfig{Host: host, Port: port})
	require.NoError(t, s.Open(context.Background(), rec.sink()))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(context.Background(), []byte("010C\r")), ErrClosed)

	select {
	case err := <-rec.errs:
		t.Fatalf("Unexpected error after close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocketConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := splitHostPort(t, ln.Addr().String())
	ln.Close()

	s := NewSocket(WiFiConfig{Host: host, Port: port})
	err = s.Open(context.Background(), Sink{})
	assert.ErrorIs(t, err, ErrIO)
}

func TestSocketWebSocketFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	commands := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/obd" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"engineTemp": 90, "dtc": ["P0133"]}`))
		_, msg, err := conn.ReadMessage()
		if err == nil {
			commands <- string(msg)
		}
	}))
	defer srv.Close()

	host, port := splitHostPort(t, strings.TrimPrefix(srv.URL, "http://"))
	rec := newRecordingSink()
	s := NewSocket(WiFiConfig{Host: host, Port: port, Scheme: "ws", Path: "/obd"})
	require.NoError(t, s.Open(context.Background(), rec.sink()))
	defer s.Close()

	select {
	case frame := <-rec.frames:
		assert.Equal(t, `{"engineTemp": 90, "dtc": ["P0133"]}`, frame)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for frame")
	}

	require.NoError(t, s.Send(context.Background(), []byte("0105\r")))
	select {
	case cmd := <-commands:
		assert.Equal(t, "0105\r", cmd)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for command")
	}
}
