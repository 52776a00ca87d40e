// Package poller drives a session from outside: it requests a fixed PID list
// on a ticker and reconnects the session after a link failure.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"elm327-telemetry/common"
	"elm327-telemetry/logging"
)

// Commander is the part of a session the poller drives.
type Commander interface {
	CurrentStatus() common.Status
	SendCommand(ctx context.Context, key string) error
}

// Config holds the polling parameters.
type Config struct {
	Interval time.Duration `mapstructure:"interval"` // time between the start of two cycles
	Pause    time.Duration `mapstructure:"pause"`    // gap between two commands of one cycle
	PIDs     []string      `mapstructure:"pids"`     // PID keys or raw PIDs
}

// DefaultConfig polls the dashboard gauges once a second.
func DefaultConfig() Config {
	return Config{
		Interval: time.Second,
		Pause:    150 * time.Millisecond,
		PIDs: []string{
			"ENGINE_RPM",
			"VEHICLE_SPEED",
			"ENGINE_COOLANT_TEMP",
			"THROTTLE_POSITION",
			"ENGINE_LOAD",
			"FUEL_LEVEL",
		},
	}
}

// Poller requests every configured PID once per interval. The adapter
// answers one request at a time, so commands of a cycle are spaced by Pause.
type Poller struct {
	config Config
	target Commander
	log    zerolog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a stopped poller. Zero interval or pause fall back to defaults.
func New(config Config, target Commander) *Poller {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Pause < 0 {
		config.Pause = 0
	}
	if len(config.PIDs) == 0 {
		config.PIDs = defaults.PIDs
	}
	return &Poller{
		config:   config,
		target:   target,
		log:      logging.Component("poller"),
		stopChan: make(chan struct{}),
	}
}

// Start launches the polling loop.
func (p *Poller) Start() {
	p.log.Info().Dur("interval", p.config.Interval).Strs("pids", p.config.PIDs).Msg("Starting poller")
	p.wg.Add(1)
	go p.loop()
}

// Stop ends the loop and waits for it. Safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

func (p *Poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.cycle()
	for {
		select {
		case <-p.stopChan:
			p.log.Info().Msg("Poller stopped")
			return
		case <-ticker.C:
			p.cycle()
		}
	}
}

// cycle sends each PID once. It gives up early if the session leaves the
// Connected state or the poller is stopped.
func (p *Poller) cycle() {
	for i, key := range p.config.PIDs {
		if p.target.CurrentStatus() != common.StatusConnected {
			p.log.Debug().Msg("Session not connected, skipping cycle")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.config.Interval)
		err := p.target.SendCommand(ctx, key)
		cancel()
		if err != nil {
			p.log.Warn().Err(err).Str("pid", key).Msg("Poll command failed")
		}

		if i == len(p.config.PIDs)-1 || p.config.Pause == 0 {
			continue
		}
		select {
		case <-p.stopChan:
			return
		case <-time.After(p.config.Pause):
		}
	}
}
