package obd

import (
	"sort"
	"strings"
)

// PID is the raw request string sent to the adapter, mode included
// ("010C" for engine RPM, "03" for stored trouble codes).
type PID string

// Supported PIDs.
const (
	EngineRPM        PID = "010C"
	VehicleSpeed     PID = "010D"
	CoolantTemp      PID = "0105"
	ThrottlePosition PID = "0111"
	EngineLoad       PID = "0104"
	FuelLevel        PID = "012F"
	ReadDTC          PID = "03"
	ClearDTC         PID = "04"
)

// formula converts the data bytes of a mode 01 response into a physical value.
type formula func(data []byte) float64

// pidInfo describes one catalog entry. Entries without a formula are
// handled by the trouble-code path.
type pidInfo struct {
	key    string
	metric string
	unit   string
	size   int
	decode formula
}

// catalog holds exactly one decoder per PID.
var catalog = map[PID]pidInfo{
	EngineRPM:        {key: "ENGINE_RPM", metric: "engine_rpm", unit: "rpm", size: 2, decode: decodeRPM},
	VehicleSpeed:     {key: "VEHICLE_SPEED", metric: "vehicle_speed", unit: "km/h", size: 1, decode: decodeVehicleSpeed},
	CoolantTemp:      {key: "ENGINE_COOLANT_TEMP", metric: "coolant_temperature", unit: "°C", size: 1, decode: decodeCoolantTemp},
	ThrottlePosition: {key: "THROTTLE_POSITION", metric: "throttle_position", unit: "%", size: 1, decode: decodePercent},
	EngineLoad:       {key: "ENGINE_LOAD", metric: "engine_load", unit: "%", size: 1, decode: decodePercent},
	FuelLevel:        {key: "FUEL_LEVEL", metric: "fuel_level", unit: "%", size: 1, decode: decodePercent},
	ReadDTC:          {key: "READ_DTC", metric: "trouble_codes", unit: ""},
	ClearDTC:         {key: "CLEAR_DTC", metric: "trouble_codes_cleared", unit: ""},
}

// decodeRPM: ((A * 256) + B) / 4
func decodeRPM(data []byte) float64 {
	return (float64(data[0])*256 + float64(data[1])) / 4
}

// decodeVehicleSpeed: A
func decodeVehicleSpeed(data []byte) float64 {
	return float64(data[0])
}

// decodeCoolantTemp: A - 40
func decodeCoolantTemp(data []byte) float64 {
	return float64(data[0]) - 40
}

// decodePercent: (100 / 255) * A, shared by throttle, load and fuel level.
func decodePercent(data []byte) float64 {
	return float64(data[0]) * 100 / 255
}

// Lookup resolves a PID key ("ENGINE_RPM") or a raw PID ("010C").
func Lookup(key string) (PID, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if _, ok := catalog[PID(key)]; ok {
		return PID(key), nil
	}
	for pid, info := range catalog {
		if info.key == key {
			return pid, nil
		}
	}
	return "", &DecodeError{PID: PID(key), Err: ErrUnknownPID}
}

// Key returns the symbolic name of pid, or "" if it is not in the catalog.
func (p PID) Key() string {
	return catalog[p].key
}

// Known reports whether p is in the catalog.
func (p PID) Known() bool {
	_, ok := catalog[p]
	return ok
}

// SupportedPIDs returns the catalog in a stable order.
func SupportedPIDs() []PID {
	pids := make([]PID, 0, len(catalog))
	for pid := range catalog {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// MetricName returns a human readable metric name for pid.
func MetricName(pid PID) string {
	if info, ok := catalog[pid]; ok {
		return info.metric
	}
	return "unknown_" + string(pid)
}

// MetricUnit returns the measurement unit for pid.
func MetricUnit(pid PID) string {
	if info, ok := catalog[pid]; ok {
		return info.unit
	}
	return "unknown"
}
