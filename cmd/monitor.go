package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"elm327-telemetry/common"
	"elm327-telemetry/session"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Connect to the adapter and print telemetry as it arrives",
	Long: `Connect to the configured adapter, poll the configured PIDs and print one
line per decoded snapshot. Status changes and errors are printed as they
happen. The session is reconnected after link failures.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	return runSession(func(s *session.Session) error {
		s.Subscribe(session.ObserverFuncs{
			Telemetry: func(t common.Telemetry) { fmt.Fprintln(out, formatTelemetry(t)) },
			Error:     func(info common.ErrorInfo) { printError(out, info) },
			Status:    func(st common.Status) { fmt.Fprintf(out, "status: %s\n", st) },
		})
		return nil
	})
}

func formatTelemetry(t common.Telemetry) string {
	line := fmt.Sprintf("[%s] rpm=%.0f speed=%.0fkm/h coolant=%d°C throttle=%.1f%% load=%.1f%% fuel=%.1f%%",
		t.UpdatedAt.Format("15:04:05.000"),
		t.RPM, t.SpeedKmh, t.EngineTempC, t.ThrottlePct, t.EngineLoadPct, t.FuelLevelPct)
	if len(t.TroubleCodes) > 0 {
		codes := make([]string, len(t.TroubleCodes))
		for i, code := range t.TroubleCodes {
			codes[i] = string(code)
		}
		line += " dtc=" + strings.Join(codes, ",")
	}
	return line
}

func printError(out io.Writer, info common.ErrorInfo) {
	fmt.Fprintf(out, "[ERROR] %s: %s\n", info.Source, info.Message)
}
