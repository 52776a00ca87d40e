package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"elm327-telemetry/common"
	"elm327-telemetry/transport"
)

type fakeCommander struct {
	mu     sync.Mutex
	status common.Status
	sent   []string
	err    error
}

func (f *fakeCommander) CurrentStatus() common.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeCommander) SendCommand(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, key)
	return f.err
}

func (f *fakeCommander) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, time.Second, cfg.Interval)
	assert.Contains(t, cfg.PIDs, "ENGINE_RPM")
	assert.Contains(t, cfg.PIDs, "VEHICLE_SPEED")
}

func TestNewFillsDefaults(t *testing.T) {
	p := New(Config{Pause: -time.Second}, &fakeCommander{})

	assert.Equal(t, DefaultConfig().Interval, p.config.Interval)
	assert.Equal(t, time.Duration(0), p.config.Pause)
	assert.Equal(t, DefaultConfig().PIDs, p.config.PIDs)
}

func TestCycleSendsEveryPID(t *testing.T) {
	target := &fakeCommander{status: common.StatusConnected}
	p := New(Config{Interval: time.Hour, PIDs: []string{"ENGINE_RPM", "010D", "READ_DTC"}}, target)

	p.cycle()

	assert.Equal(t, []string{"ENGINE_RPM", "010D", "READ_DTC"}, target.commands())
}

func TestCycleContinuesPastCommandErrors(t *testing.T) {
	target := &fakeCommander{status: common.StatusConnected, err: errors.New("send failed")}
	p := New(Config{Interval: time.Hour, PIDs: []string{"ENGINE_RPM", "VEHICLE_SPEED"}}, target)

	p.cycle()

	assert.Len(t, target.commands(), 2)
}

func TestCycleSkipsWhenNotConnected(t *testing.T) {
	for _, status := range []common.Status{common.StatusDisconnected, common.StatusConnecting, common.StatusError} {
		t.Run(status.String(), func(t *testing.T) {
			target := &fakeCommander{status: status}
			p := New(Config{Interval: time.Hour}, target)

			p.cycle()

			assert.Empty(t, target.commands())
		})
	}
}

func TestStartStop(t *testing.T) {
	target := &fakeCommander{status: common.StatusConnected}
	p := New(Config{Interval: 10 * time.Millisecond, PIDs: []string{"ENGINE_RPM"}}, target)

	p.Start()
	require.Eventually(t, func() bool {
		return len(target.commands()) >= 3
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()

	n := len(target.commands())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(target.commands()), "no commands after Stop")
}

func TestStopInterruptsPause(t *testing.T) {
	target := &fakeCommander{status: common.StatusConnected}
	p := New(Config{Interval: time.Hour, Pause: time.Hour, PIDs: []string{"ENGINE_RPM", "VEHICLE_SPEED"}}, target)

	p.Start()
	require.Eventually(t, func() bool {
		return len(target.commands()) == 1
	}, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on pause")
	}
	assert.Equal(t, []string{"ENGINE_RPM"}, target.commands())
}

// MockConnector records Connect calls.
type MockConnector struct {
	mock.Mock
	mu       sync.Mutex
	status   common.Status
	attempts int
}

func (m *MockConnector) CurrentStatus() common.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MockConnector) Connect(ctx context.Context, cfg transport.ConnectionConfig) error {
	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()
	args := m.Called(cfg)
	return args.Error(0)
}

func (m *MockConnector) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *MockConnector) setStatus(s common.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

func TestReconnectorRetriesOnlyAfterError(t *testing.T) {
	cfg := transport.SerialConfig{Port: "/dev/rfcomm0"}
	target := &MockConnector{status: common.StatusConnected}
	target.On("Connect", cfg).Return(nil)

	r := NewReconnector(target, cfg, 10*time.Millisecond)
	r.Start()

	require.Eventually(t, func() bool {
		return target.attemptCount() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	target.AssertNumberOfCalls(t, "Connect", 1)

	target.setStatus(common.StatusError)
	require.Eventually(t, func() bool {
		return target.attemptCount() >= 2
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	target.AssertExpectations(t)
}

func TestReconnectorLeavesDisconnectedAlone(t *testing.T) {
	cfg := transport.WiFiConfig{Host: "192.168.0.10", Port: 35000}
	target := &MockConnector{status: common.StatusDisconnected}
	target.On("Connect", cfg).Return(errors.New("refused")).Once()

	r := NewReconnector(target, cfg, 10*time.Millisecond)
	r.Start()
	time.Sleep(50 * time.Millisecond)
	r.Stop()

	target.AssertNumberOfCalls(t, "Connect", 1)
}

func TestNewReconnectorDefaultInterval(t *testing.T) {
	r := NewReconnector(&MockConnector{}, transport.SerialConfig{Port: "/dev/ttyUSB0"}, 0)
	assert.Equal(t, DefaultReconnectInterval, r.interval)
}
