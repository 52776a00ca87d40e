package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGATT replies to writes with notifications split in two chunks,
// the way small-MTU adapters do.
type fakeGATT struct {
	mu           sync.Mutex
	notify       func([]byte)
	writes       []string
	disconnected int
}

func (g *fakeGATT) Write(p []byte) error {
	cmd := strings.TrimSpace(string(p))
	g.mu.Lock()
	g.writes = append(g.writes, cmd)
	notify := g.notify
	g.mu.Unlock()

	reply := "OK"
	if cmd == "010D" {
		reply = "41 0D 32"
	}
	half := len(reply) / 2
	notify([]byte(reply[:half]))
	notify([]byte(reply[half:] + "\r\r>"))
	return nil
}

func (g *fakeGATT) Disconnect() error {
	g.mu.Lock()
	g.disconnected++
	g.mu.Unlock()
	return nil
}

type fakeCentral struct {
	gatt         *fakeGATT
	err          error
	cfg          BluetoothConfig
	onDisconnect func()
}

func (c *fakeCentral) Connect(ctx context.Context, cfg BluetoothConfig, onNotify func([]byte), onDisconnect func()) (gattLink, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.cfg = cfg
	c.onDisconnect = onDisconnect
	c.gatt.notify = onNotify
	return c.gatt, nil
}

func testBLEConfig() BluetoothConfig {
	return BluetoothConfig{
		ServiceUUID: "0000fff0-0000-1000-8000-00805f9b34fb",
		NotifyUUID:  "0000fff1-0000-1000-8000-00805f9b34fb",
		WriteUUID:   "0000fff2-0000-1000-8000-00805f9b34fb",
		InitTimeout: time.Second,
	}
}

func TestBLEOpenAssemblesNotifications(t *testing.T) {
	central := &fakeCentral{gatt: &fakeGATT{}}
	rec := newRecordingSink()

	b := newBLE(testBLEConfig(), central)
	require.NoError(t, b.Open(context.Background(), rec.sink()))

	assert.Equal(t, "0000fff0-0000-1000-8000-00805f9b34fb", central.cfg.ServiceUUID)
	assert.Equal(t, DefaultInitCommands, central.gatt.writes)

	require.NoError(t, b.Send(context.Background(), []byte("010D\r")))
	select {
	case frame := <-rec.frames:
		assert.Equal(t, "41 0D 32", frame)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for notification")
	}
}

func TestBLEDisconnectReportsLinkLoss(t *testing.T) {
	central := &fakeCentral{gatt: &fakeGATT{}}
	rec := newRecordingSink()

	b := newBLE(testBLEConfig(), central)
	require.NoError(t, b.Open(context.Background(), rec.sink()))

	central.onDisconnect()
	select {
	case err := <-rec.errs:
		assert.ErrorIs(t, err, ErrLinkLost)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for link loss")
	}
}

func TestBLECloseIsIdempotent(t *testing.T) {
	central := &fakeCentral{gatt: &fakeGATT{}}
	rec := newRecordingSink()

	b := newBLE(testBLEConfig(), central)
	require.NoError(t, b.Open(context.Background(), rec.sink()))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, central.gatt.disconnected)
	assert.ErrorIs(t, b.Send(context.Background(), []byte("010C\r")), ErrClosed)

	// A disconnect event after an explicit close is not a link loss.
	central.onDisconnect()
	select {
	case err := <-rec.errs:
		t.Fatalf("Unexpected error: %v", err)
	default:
	}
}

func TestBLEOpenFailure(t *testing.T) {
	central := &fakeCentral{gatt: &fakeGATT{}, err: errors.New("device not found")}

	b := newBLE(testBLEConfig(), central)
	err := b.Open(context.Background(), Sink{})
	assert.ErrorIs(t, err, ErrIO)
}

func TestScanContextHonoursScanTimeout(t *testing.T) {
	cfg := testBLEConfig()

	ctx, cancel := scanContext(context.Background(), cfg)
	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline, "no scan timeout leaves the parent deadline")
	cancel()
	assert.Error(t, ctx.Err())

	cfg.ScanTimeout = 20 * time.Millisecond
	ctx, cancel = scanContext(context.Background(), cfg)
	defer cancel()
	deadline, hasDeadline := ctx.Deadline()
	require.True(t, hasDeadline)
	assert.WithinDuration(t, time.Now().Add(cfg.ScanTimeout), deadline, 20*time.Millisecond)

	select {
	case <-ctx.Done():
		assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("scan context never expired")
	}
}
