package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"elm327-telemetry/obd"
)

var pidsCmd = &cobra.Command{
	Use:   "pids",
	Short: "List the supported PIDs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PID\tKEY\tMETRIC\tUNIT")
		for _, pid := range obd.SupportedPIDs() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", pid, pid.Key(), obd.MetricName(pid), obd.MetricUnit(pid))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(pidsCmd)
}
