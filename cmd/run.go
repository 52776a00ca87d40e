package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"elm327-telemetry/logging"
	"elm327-telemetry/poller"
	"elm327-telemetry/session"
)

// runSession connects a session built from cfg, keeps it polled and
// reconnected, and blocks until SIGINT/SIGTERM. attach subscribes the
// command's observers before the first connection attempt.
func runSession(attach func(s *session.Session) error) error {
	log := logging.Component("cli")

	conn, err := cfg.Connection()
	if err != nil {
		return err
	}

	s := session.New(session.Options{OpenTimeout: cfg.Session.OpenTimeout})
	if err := attach(s); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reconnector := poller.NewReconnector(s, conn, cfg.Session.ReconnectInterval)
	poll := poller.New(cfg.Poll, s)

	log.Info().Str("adapter", conn.Kind().String()).Msg("Starting session")
	reconnector.Start()
	poll.Start()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	poll.Stop()
	reconnector.Stop()
	s.Disconnect()
	return nil
}
