package common

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusError, "error"},
		{Status(9), "status(9)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}

	data, err := json.Marshal(map[string]Status{"status": StatusConnected})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"connected"}`, string(data))
}

func TestTroubleCodeCategory(t *testing.T) {
	assert.Equal(t, byte('P'), TroubleCode("P0133").Category())
	assert.Equal(t, byte('U'), TroubleCode("U0100").Category())
	assert.Equal(t, byte(0), TroubleCode("").Category())
}

func TestTelemetryCloneIsDeep(t *testing.T) {
	orig := Telemetry{RPM: 900, TroubleCodes: []TroubleCode{"P0300"}}
	clone := orig.Clone()
	clone.TroubleCodes[0] = "P0171"
	clone.RPM = 1200

	assert.Equal(t, TroubleCode("P0300"), orig.TroubleCodes[0])
	assert.Equal(t, 900.0, orig.RPM)
	assert.Nil(t, Telemetry{}.Clone().TroubleCodes)
}

func TestTelemetryJSONNames(t *testing.T) {
	data, err := json.Marshal(Telemetry{RPM: 1726, SpeedKmh: 50, EngineTempC: 83, UpdatedAt: time.Unix(0, 0).UTC()})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 1726.0, got["rpm"])
	assert.Equal(t, 50.0, got["speed"])
	assert.Equal(t, 83.0, got["engineTemp"])
	assert.Contains(t, got, "dtc")
}

func TestErrorInfoWraps(t *testing.T) {
	cause := errors.New("link lost")
	info := NewErrorInfo(SourceTransport, cause)

	assert.ErrorIs(t, info, cause)
	assert.Equal(t, "transport: link lost", info.Error())
	assert.False(t, info.At.IsZero())
}
