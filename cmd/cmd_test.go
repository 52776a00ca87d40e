package cmd

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elm327-telemetry/common"
	"elm327-telemetry/obd"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { decodeJSON = false })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"split bytes", []string{"decode", "010C", "41", "0C", "1A", "F8"}, "engine_rpm: 1726.00 rpm\n"},
		{"by key", []string{"decode", "vehicle_speed", "41 0D 32"}, "vehicle_speed: 50.00 km/h\n"},
		{"coolant", []string{"decode", "0105", "41057B"}, "coolant_temperature: 83.00 °C\n"},
		{"trouble codes", []string{"decode", "READ_DTC", "43 01 33 00 00 00 00"}, "trouble_codes: P0133\n"},
		{"cleared", []string{"decode", "CLEAR_DTC", "44"}, "trouble_codes_cleared: none\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestDecodeCommandJSON(t *testing.T) {
	out, err := execute(t, "decode", "--json", "ENGINE_RPM", "41 0C 1A F8")
	require.NoError(t, err)

	var got decodedReading
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "010C", got.PID)
	assert.Equal(t, 1726.0, got.Value)
	assert.Equal(t, "rpm", got.Unit)
}

func TestDecodeCommandErrors(t *testing.T) {
	_, err := execute(t, "decode", "TURBO", "41 0C 1A F8")
	assert.ErrorIs(t, err, obd.ErrUnknownPID)

	_, err = execute(t, "decode", "010C", "41 0C 1A")
	assert.ErrorIs(t, err, obd.ErrTruncated)

	_, err = execute(t, "decode", "010C", "NO DATA")
	assert.ErrorIs(t, err, obd.ErrMalformed)

	_, err = execute(t, "decode", "010C")
	assert.Error(t, err)
}

func TestPIDsCommand(t *testing.T) {
	out, err := execute(t, "pids")
	require.NoError(t, err)

	assert.Contains(t, out, "PID")
	assert.Contains(t, out, "ENGINE_RPM")
	assert.Contains(t, out, "engine_rpm")
	assert.Contains(t, out, "READ_DTC")
}

func TestFormatTelemetry(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	line := formatTelemetry(common.Telemetry{
		RPM:          1726,
		SpeedKmh:     50,
		EngineTempC:  83,
		TroubleCodes: []common.TroubleCode{"P0133", "C0300"},
		UpdatedAt:    at,
	})

	assert.Contains(t, line, "[12:30:45.000]")
	assert.Contains(t, line, "rpm=1726")
	assert.Contains(t, line, "speed=50km/h")
	assert.Contains(t, line, "coolant=83°C")
	assert.Contains(t, line, "dtc=P0133,C0300")
}
