package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"elm327-telemetry/mqtt"
	"elm327-telemetry/session"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Publish telemetry to MQTT and accept OBD requests from it",
	Long: `Connect to the configured adapter and to the MQTT broker.

Snapshots go to <data_topic>/<vin>/snapshot, errors to <data_topic>/<vin>/error
and the retained connection status to <data_topic>/<vin>/status.

Requests published on <command_topic>/<vin>/request, for example
  {"command": "ENGINE_RPM", "correlation_id": "42"}
are sent to the adapter and acknowledged on <command_topic>/<vin>/response.`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	var client *mqtt.Client
	err := runSession(func(s *session.Session) error {
		client = mqtt.NewClient(cfg.MQTT, s)
		if err := client.Start(); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		s.Subscribe(client)
		return nil
	})
	if client != nil {
		client.Stop()
	}
	return err
}
