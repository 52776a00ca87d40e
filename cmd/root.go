package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"elm327-telemetry/config"
	"elm327-telemetry/logging"
)

var (
	configPath  string
	logLevel    string
	adapterKind string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "elm327-telemetry",
	Short: "ELM327 OBD-II telemetry client",
	Long: `elm327-telemetry connects to an ELM327 OBD-II adapter over Bluetooth LE,
WiFi or a serial line, polls engine PIDs and decodes the responses into
vehicle telemetry snapshots.

Adapter kinds (adapter.kind in config.yaml, or --adapter):
  bluetooth: GATT notify/write characteristics of a BLE adapter
  wifi:      tcp or websocket companion server sending JSON snapshots
  serial:    USB adapter or an RFCOMM binding such as /dev/rfcomm0

Every config key can be overridden from the environment with the ELM327_
prefix, e.g. ELM327_WIFI_HOST or ELM327_MQTT_BROKER.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if adapterKind != "" {
			loaded.Adapter.Kind = adapterKind
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		cfg = loaded
		logging.Configure(os.Stderr, cfg.Logging.Level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&adapterKind, "adapter", "a", "", "Adapter kind: bluetooth, wifi or serial")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
