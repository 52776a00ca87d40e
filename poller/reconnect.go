package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"elm327-telemetry/common"
	"elm327-telemetry/logging"
	"elm327-telemetry/transport"
)

// DefaultReconnectInterval is how often a failed session is retried.
const DefaultReconnectInterval = 5 * time.Second

// Connector is the part of a session the reconnector drives.
type Connector interface {
	CurrentStatus() common.Status
	Connect(ctx context.Context, cfg transport.ConnectionConfig) error
}

// Reconnector connects a session and reconnects it whenever a check finds
// it in the Error state. A session the user disconnected is left alone.
type Reconnector struct {
	target   Connector
	config   transport.ConnectionConfig
	interval time.Duration
	log      zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconnector creates a stopped reconnector for cfg.
func NewReconnector(target Connector, cfg transport.ConnectionConfig, interval time.Duration) *Reconnector {
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconnector{
		target:   target,
		config:   cfg,
		interval: interval,
		log:      logging.Component("reconnect"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start makes the first connection attempt in the background and then
// checks the session every interval.
func (r *Reconnector) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop aborts any attempt in flight and waits for the loop to exit.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(r.cancel)
	r.wg.Wait()
}

func (r *Reconnector) loop() {
	defer r.wg.Done()
	r.log.Debug().Msg("Starting reconnect loop")

	if err := r.target.Connect(r.ctx, r.config); err != nil {
		r.log.Warn().Err(err).Msg("Initial connection failed")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.log.Debug().Msg("Reconnect loop stopped")
			return
		case <-ticker.C:
			if r.target.CurrentStatus() != common.StatusError {
				continue
			}
			r.log.Info().Msg("Attempting to reconnect...")
			if err := r.target.Connect(r.ctx, r.config); err != nil {
				r.log.Warn().Err(err).Msg("Reconnection failed")
			}
		}
	}
}
