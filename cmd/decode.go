package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"elm327-telemetry/obd"
)

var decodeJSON bool

var decodeCmd = &cobra.Command{
	Use:   "decode <PID> <response>",
	Short: "Decode an adapter response offline",
	Long: `Decode a raw ELM327 response without connecting to an adapter.

PID is a key such as ENGINE_RPM or a raw PID such as 010C. The response may be
given as one quoted argument or as separate bytes:

  elm327-telemetry decode 010C 41 0C 1A F8
  elm327-telemetry decode READ_DTC "43 01 33 00 00 00 00"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeJSON, "json", false, "Print the reading as JSON")
	rootCmd.AddCommand(decodeCmd)
}

type decodedReading struct {
	PID          string   `json:"pid"`
	Metric       string   `json:"metric"`
	Value        float64  `json:"value"`
	Unit         string   `json:"unit,omitempty"`
	TroubleCodes []string `json:"dtc,omitempty"`
	Raw          string   `json:"raw"`
}

func runDecode(cmd *cobra.Command, args []string) error {
	pid, err := obd.Lookup(args[0])
	if err != nil {
		return err
	}
	reading, err := obd.Decode(pid, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	out := decodedReading{
		PID:    string(reading.PID),
		Metric: reading.Metric,
		Value:  reading.Value,
		Unit:   reading.Unit,
		Raw:    reading.Raw,
	}
	for _, code := range reading.TroubleCodes {
		out.TroubleCodes = append(out.TroubleCodes, string(code))
	}

	w := cmd.OutOrStdout()
	if decodeJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	switch pid {
	case obd.ReadDTC, obd.ClearDTC:
		if len(out.TroubleCodes) == 0 {
			fmt.Fprintf(w, "%s: none\n", out.Metric)
		} else {
			fmt.Fprintf(w, "%s: %s\n", out.Metric, strings.Join(out.TroubleCodes, ", "))
		}
	default:
		fmt.Fprintf(w, "%s: %.2f %s\n", out.Metric, out.Value, out.Unit)
	}
	return nil
}
